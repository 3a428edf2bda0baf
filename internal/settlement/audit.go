package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/metrics"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Audit rules
const (
	RuleEscrowConservation = "escrow_conservation"
	RulePaidRequiresDone   = "paid_requires_done"
	RuleReleaseEntries     = "release_entries"
	RuleEscrowHeld         = "escrow_held"
	RuleCompletedAllPaid   = "completed_all_paid"
)

// Finding is one invariant violation on one contract
type Finding struct {
	ContractID  uuid.UUID  `json:"contract_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	Rule        string     `json:"rule"`
	Detail      string     `json:"detail"`
}

// Auditor cross-checks a contract against its ledger entries. It reads only.
type Auditor struct {
	ledger *ledger.Ledger
}

func NewAuditor(l *ledger.Ledger) *Auditor {
	return &Auditor{ledger: l}
}

// Audit returns every violation found on c. Contracts that do not hold
// escrow are only checked for stray reservations and releases.
func (a *Auditor) Audit(ctx context.Context, c *contracts.Contract) ([]Finding, error) {
	entries, err := a.ledger.ContractEntries(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for contract %s: %w", c.ID, err)
	}

	var findings []Finding
	add := func(rule string, mid *uuid.UUID, format string, args ...interface{}) {
		findings = append(findings, Finding{ContractID: c.ID, MilestoneID: mid, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	var reserves []ledger.Entry
	releases := map[uuid.UUID][]ledger.Entry{}
	for _, e := range entries {
		switch e.Type {
		case ledger.EntryEscrowReserve:
			reserves = append(reserves, e)
		case ledger.EntryEscrowRelease:
			if e.MilestoneID != nil {
				releases[*e.MilestoneID] = append(releases[*e.MilestoneID], e)
			}
		}
	}
	// cancelled reservations are settled pairs and never count
	open := ledger.OpenReservation(entries)
	openCount := 0
	for _, r := range reserves {
		if !cancelledIn(r.ID, entries) {
			openCount++
		}
	}

	if !c.EscrowReserved {
		if open != nil {
			add(RuleEscrowConservation, nil, "contract %s holds an open reservation of %s", c.Status, open.Amount.StringFixed(2))
		}
		if len(releases) > 0 {
			add(RuleEscrowConservation, nil, "contract %s has release entries but no reservation", c.Status)
		}
		if held := ledger.EscrowHeldFrom(entries); !held.IsZero() {
			add(RuleEscrowHeld, nil, "escrow holds %s for contract %s without a reservation", held.StringFixed(2), c.Status)
		}
		return findings, nil
	}

	set := c.MilestoneSet()

	// escrow conservation: one open reservation equal to the frozen total
	if openCount != 1 {
		add(RuleEscrowConservation, nil, "expected one open reservation, found %d", openCount)
	} else if !open.Amount.Equal(c.TotalValue) {
		add(RuleEscrowConservation, nil, "reserved %s, total value %s", open.Amount.StringFixed(2), c.TotalValue.StringFixed(2))
	}
	if !c.EscrowAmount.Equal(c.TotalValue) {
		add(RuleEscrowConservation, nil, "escrow amount %s, total value %s", c.EscrowAmount.StringFixed(2), c.TotalValue.StringFixed(2))
	}
	if sum := set.Sum(); !sum.Equal(c.TotalValue) {
		add(RuleEscrowConservation, nil, "milestones sum to %s, total value %s", sum.StringFixed(2), c.TotalValue.StringFixed(2))
	}

	paidTotal := decimal.Zero
	for i := range set {
		m := &set[i]
		mid := m.ID
		if m.Paid && !m.Done {
			add(RulePaidRequiresDone, &mid, "milestone %q paid before done", m.Name)
		}

		got := releases[m.ID]
		delete(releases, m.ID)
		switch {
		case m.Paid && len(got) != 1:
			add(RuleReleaseEntries, &mid, "paid milestone %q has %d release entries", m.Name, len(got))
		case !m.Paid && len(got) > 0:
			add(RuleReleaseEntries, &mid, "unpaid milestone %q has %d release entries", m.Name, len(got))
		case m.Paid && !got[0].Amount.Equal(m.Amount):
			add(RuleReleaseEntries, &mid, "milestone %q released %s, expected %s", m.Name, got[0].Amount.StringFixed(2), m.Amount.StringFixed(2))
		}
		if m.Paid {
			paidTotal = paidTotal.Add(m.Amount)
		}
	}
	for mid := range releases {
		id := mid
		add(RuleReleaseEntries, &id, "release entry for unknown milestone")
	}

	held := ledger.EscrowHeldFrom(entries)
	if want := c.TotalValue.Sub(paidTotal); !held.Equal(want) {
		add(RuleEscrowHeld, nil, "escrow holds %s, expected %s", held.StringFixed(2), want.StringFixed(2))
	}

	allPaid := set.AllPaid()
	if c.Status == contracts.StatusCompleted && !allPaid {
		add(RuleCompletedAllPaid, nil, "completed with unpaid milestones")
	}
	if c.Status == contracts.StatusOngoing && allPaid {
		add(RuleCompletedAllPaid, nil, "every milestone paid but contract still ongoing")
	}

	return findings, nil
}

// Report summarises one reconciliation pass
type Report struct {
	Checked  int           `json:"checked"`
	Failed   int           `json:"failed"`
	Findings []Finding     `json:"findings"`
	Duration time.Duration `json:"duration"`
}

func cancelledIn(reserveID uuid.UUID, entries []ledger.Entry) bool {
	for _, e := range entries {
		if e.Type == ledger.EntryEscrowCancel && e.ReversesID != nil && *e.ReversesID == reserveID {
			return true
		}
	}
	return false
}

// Reconciler audits every contract on a bounded worker pool
type Reconciler struct {
	contracts contracts.Repository
	auditor   *Auditor
	workers   int
	logger    *zap.Logger
}

func NewReconciler(repo contracts.Repository, auditor *Auditor, workers int, logger *zap.Logger) *Reconciler {
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{contracts: repo, auditor: auditor, workers: workers, logger: logger}
}

// Run performs one pass over contracts in every status, so reservations
// stranded on open or rejected contracts are reported too
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	list, err := r.contracts.ListByStatus(ctx, contracts.AllStatuses...)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if len(list) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit pool: %w", err)
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range list {
		c := &list[i]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			findings, err := r.auditor.Audit(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				r.logger.Error("contract audit failed", zap.String("contract_id", c.ID.String()), zap.Error(err))
				return
			}
			report.Findings = append(report.Findings, findings...)
		})
		if err != nil {
			wg.Done()
			r.logger.Error("failed to submit audit task", zap.String("contract_id", c.ID.String()), zap.Error(err))
		}
	}
	wg.Wait()

	for _, f := range report.Findings {
		metrics.AuditFindings.WithLabelValues(f.Rule).Inc()
		r.logger.Warn("settlement invariant violated",
			zap.String("contract_id", f.ContractID.String()),
			zap.String("rule", f.Rule),
			zap.String("detail", f.Detail))
	}
	report.Duration = time.Since(start)
	r.logger.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("findings", len(report.Findings)),
		zap.Duration("duration", report.Duration))
	return report, nil
}
