package settlement

import (
	"context"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/events"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/metrics"
	"agrilink/contract-portal/contract-portal-backend/internal/milestones"
	"agrilink/contract-portal/contract-portal-backend/internal/negotiation"
	"agrilink/contract-portal/contract-portal-backend/pkg/keylock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Journal records committed settlement events in the contract's negotiation
// log. Callers hold the contract's lock.
type Journal interface {
	RecordLocked(ctx context.Context, contractID uuid.UUID, event string, data interface{}) (*negotiation.Message, error)
}

// Publisher receives domain events after they are committed
type Publisher interface {
	Publish(e events.SettlementEvent)
}

// ReleaseResult is returned by every release call for a milestone, first or repeated
type ReleaseResult struct {
	Entry             *ledger.Entry         `json:"entry"`
	Milestone         *milestones.Milestone `json:"milestone"`
	AlreadyReleased   bool                  `json:"already_released"`
	ContractCompleted bool                  `json:"contract_completed"`
	ContractStatus    contracts.Status      `json:"contract_status"`
}

// Coordinator enforces the invariants that span contracts, milestones and
// the ledger. Each mutation runs under the contract's key in the shared
// KeyLock, so it is ordered with negotiation traffic on the same contract.
type Coordinator struct {
	contracts contracts.Repository
	ledger    *ledger.Ledger
	machine   *contracts.StateMachine
	locks     *keylock.KeyLock
	journal   Journal
	publisher Publisher
	logger    *zap.Logger
}

func NewCoordinator(
	repo contracts.Repository,
	l *ledger.Ledger,
	machine *contracts.StateMachine,
	locks *keylock.KeyLock,
	journal Journal,
	publisher Publisher,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		contracts: repo,
		ledger:    l,
		machine:   machine,
		locks:     locks,
		journal:   journal,
		publisher: publisher,
		logger:    logger,
	}
}

// Propose records a buyer's proposal in pending_farmer_approval
func (s *Coordinator) Propose(ctx context.Context, p auth.Principal, in contracts.ProposeInput) (*contracts.Contract, error) {
	c, err := s.machine.Propose(p, in)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(c.ID.String())
	defer unlock()

	if err := s.contracts.Create(ctx, c); err != nil {
		return nil, err
	}
	s.committed(ctx, c.ID, "proposed", offerData(c))
	s.logger.Info("contract proposed",
		zap.String("contract_id", c.ID.String()),
		zap.String("buyer_id", c.BuyerID),
		zap.String("farmer_id", c.FarmerID),
		zap.String("total_value", c.TotalValue.StringFixed(2)))
	return c, nil
}

// Get returns a contract visible to p
func (s *Coordinator) Get(ctx context.Context, p auth.Principal, contractID uuid.UUID) (*contracts.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := contracts.RequireParty(c, p); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns every contract p is a party to
func (s *Coordinator) List(ctx context.Context, p auth.Principal) ([]contracts.Contract, error) {
	return s.contracts.ListByParticipant(ctx, p.ParticipantID)
}

func (s *Coordinator) OpenNegotiation(ctx context.Context, p auth.Principal, contractID uuid.UUID) (*contracts.Contract, error) {
	return s.mutate(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		opened, err := s.machine.OpenNegotiation(c, p)
		if err != nil || !opened {
			return "", nil, err
		}
		return "negotiation_opened", fields{"by": p.ParticipantID}, nil
	})
}

func (s *Coordinator) SubmitForApproval(ctx context.Context, p auth.Principal, contractID uuid.UUID) (*contracts.Contract, error) {
	return s.mutate(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		if err := s.machine.SubmitForApproval(c, p); err != nil {
			return "", nil, err
		}
		return "submitted_for_approval", fields{"by": p.ParticipantID}, nil
	})
}

func (s *Coordinator) ReviseMilestones(ctx context.Context, p auth.Principal, contractID uuid.UUID, drafts []milestones.Draft) (*contracts.Contract, error) {
	return s.mutate(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		if err := s.machine.ReviseMilestones(c, p, drafts); err != nil {
			return "", nil, err
		}
		return "milestones_revised", fields{"by": p.ParticipantID, "milestones": drafts}, nil
	})
}

// RejectProposal closes the proposal. A reservation left behind by an
// earlier failed acceptance is returned to the buyer.
func (s *Coordinator) RejectProposal(ctx context.Context, p auth.Principal, contractID uuid.UUID) (*contracts.Contract, error) {
	unlock := s.locks.Lock(contractID.String())
	defer unlock()

	c, err := s.mutateLocked(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		if err := s.machine.Reject(c, p); err != nil {
			return "", nil, err
		}
		return "rejected", fields{"by": p.ParticipantID}, nil
	})
	if err != nil {
		return nil, err
	}
	s.cancelStrayReservation(ctx, c.ID, "contract rejected")

	s.publish(events.SettlementEvent{Topic: events.TopicContractRejected, ContractID: c.ID, ActorID: p.ParticipantID})
	return c, nil
}

// AcceptProposal accepts the current terms on the farmer's behalf. Milestone
// validation, then the escrow reservation, must both pass; otherwise the
// typed error is returned and the contract keeps its status. A reservation
// whose contract could not be saved is cancelled before the lock is released.
func (s *Coordinator) AcceptProposal(ctx context.Context, p auth.Principal, contractID uuid.UUID, signatureURL string) (*contracts.Contract, error) {
	unlock := s.locks.Lock(contractID.String())
	defer unlock()

	reserved := false
	c, err := s.mutateLocked(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		reserve := func(c *contracts.Contract) (uuid.UUID, error) {
			// an open reservation here was never committed with the contract
			s.cancelStrayReservation(ctx, c.ID, "stale reservation replaced on accept")
			entry, err := s.ledger.Reserve(ctx, c.BuyerID, c.ID, c.TotalValue)
			if err != nil {
				return uuid.Nil, err
			}
			reserved = true
			return entry.ID, nil
		}
		if err := s.machine.Accept(c, p, signatureURL, reserve); err != nil {
			return "", nil, err
		}
		return "accepted", fields{
			"escrow_amount": c.EscrowAmount,
			"milestones":    c.Milestones,
		}, nil
	})
	if err != nil {
		if reserved {
			s.abandonReservation(ctx, contractID)
		}
		return nil, err
	}

	amount := c.EscrowAmount
	s.publish(events.SettlementEvent{Topic: events.TopicContractAccepted, ContractID: c.ID, ActorID: p.ParticipantID, Amount: &amount})
	s.logger.Info("contract accepted",
		zap.String("contract_id", c.ID.String()),
		zap.String("escrow_amount", amount.StringFixed(2)))
	return c, nil
}

// abandonReservation undoes a reservation whose acceptance failed after the
// ledger append. The stored contract decides: if the save did land despite
// the error, the reservation stays.
func (s *Coordinator) abandonReservation(ctx context.Context, contractID uuid.UUID) {
	stored, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		s.logger.Error("cannot verify reservation after failed accept; left for reconciliation",
			zap.String("contract_id", contractID.String()),
			zap.Error(err))
		return
	}
	if stored.EscrowReserved {
		return
	}
	s.cancelStrayReservation(ctx, contractID, "acceptance not committed")
}

// cancelStrayReservation cancels an open reservation of a contract that does
// not hold escrow. Callers hold the contract lock.
func (s *Coordinator) cancelStrayReservation(ctx context.Context, contractID uuid.UUID, reason string) {
	entry, cancelled, err := s.ledger.CancelReservation(ctx, contractID, reason)
	if err != nil {
		s.logger.Error("failed to cancel stray reservation; left for reconciliation",
			zap.String("contract_id", contractID.String()),
			zap.Error(err))
		return
	}
	if cancelled {
		s.committed(ctx, contractID, "escrow_cancelled", fields{"amount": entry.Amount, "entry_id": entry.ID, "reason": reason})
	}
}

// MarkMilestoneDone records the farmer's completion claim
func (s *Coordinator) MarkMilestoneDone(ctx context.Context, p auth.Principal, contractID, milestoneID uuid.UUID, evidenceURL string) (*milestones.Milestone, error) {
	var done *milestones.Milestone
	c, err := s.mutate(ctx, contractID, func(c *contracts.Contract) (string, interface{}, error) {
		m, err := s.machine.MarkMilestoneDone(c, p, milestoneID, evidenceURL)
		if err != nil {
			return "", nil, err
		}
		done = m
		return "milestone_done", fields{"milestone_id": m.ID, "name": m.Name, "evidence": m.Evidence}, nil
	})
	if err != nil {
		return nil, err
	}

	id := done.ID
	s.publish(events.SettlementEvent{
		Topic:       events.TopicMilestoneDone,
		ContractID:  c.ID,
		MilestoneID: &id,
		ActorID:     p.ParticipantID,
		Evidence:    done.Evidence,
	})
	return done, nil
}

// ReleaseMilestonePayment pays a done milestone to the farmer. Repeated calls
// for a paid milestone return the original ledger entry with
// AlreadyReleased set. After the last release the contract completes.
func (s *Coordinator) ReleaseMilestonePayment(ctx context.Context, p auth.Principal, contractID, milestoneID uuid.UUID) (*ReleaseResult, error) {
	unlock := s.locks.Lock(contractID.String())
	defer unlock()

	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := contracts.RequireBuyer(c, p); err != nil {
		return nil, err
	}
	m := c.MilestoneSet().Find(milestoneID)
	if m == nil {
		return nil, contracts.ErrMilestoneNotFound
	}

	if m.Paid {
		entry, _, err := s.ledger.Release(ctx, c.ID, m.ID, m.Amount, c.FarmerID)
		if err != nil {
			return nil, err
		}
		return &ReleaseResult{
			Entry:             entry,
			Milestone:         m,
			AlreadyReleased:   true,
			ContractCompleted: c.Status == contracts.StatusCompleted,
			ContractStatus:    c.Status,
		}, nil
	}

	if c.Status != contracts.StatusOngoing {
		return nil, &contracts.InvalidTransitionError{Current: c.Status, Requested: "release milestone of"}
	}
	if !m.Done {
		return nil, milestones.ErrNotDone
	}

	// a save that failed after an earlier release finds the same entry here
	entry, appended, err := s.ledger.Release(ctx, c.ID, m.ID, m.Amount, c.FarmerID)
	if err != nil {
		return nil, err
	}
	paid, err := s.machine.MarkMilestonePaid(c, p, m.ID, entry.ID)
	if err != nil {
		return nil, err
	}

	completed := false
	if c.MilestoneSet().AllPaid() {
		if err := s.machine.Complete(c); err != nil {
			return nil, err
		}
		completed = true
	}
	if err := s.contracts.Save(ctx, c); err != nil {
		return nil, err
	}

	s.committed(ctx, c.ID, "milestone_paid", fields{"milestone_id": paid.ID, "amount": paid.Amount, "entry_id": entry.ID})
	amount := paid.Amount
	id := paid.ID
	s.publish(events.SettlementEvent{Topic: events.TopicMilestonePaid, ContractID: c.ID, MilestoneID: &id, ActorID: p.ParticipantID, Amount: &amount})
	if completed {
		metrics.ContractTransitions.WithLabelValues(string(contracts.StatusCompleted)).Inc()
		s.committed(ctx, c.ID, "completed", fields{"total_value": c.TotalValue})
		total := c.TotalValue
		s.publish(events.SettlementEvent{Topic: events.TopicContractCompleted, ContractID: c.ID, ActorID: auth.SystemPrincipal.ParticipantID, Amount: &total})
	}

	s.logger.Info("milestone released",
		zap.String("contract_id", c.ID.String()),
		zap.String("milestone_id", paid.ID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.Bool("contract_completed", completed))

	return &ReleaseResult{
		Entry:             entry,
		Milestone:         paid,
		AlreadyReleased:   !appended,
		ContractCompleted: completed,
		ContractStatus:    c.Status,
	}, nil
}

type fields = map[string]interface{}

// mutate loads, changes and saves one contract under its lock. fn returns
// the journal event to record; an empty event means nothing changed.
func (s *Coordinator) mutate(ctx context.Context, contractID uuid.UUID, fn func(c *contracts.Contract) (string, interface{}, error)) (*contracts.Contract, error) {
	unlock := s.locks.Lock(contractID.String())
	defer unlock()
	return s.mutateLocked(ctx, contractID, fn)
}

func (s *Coordinator) mutateLocked(ctx context.Context, contractID uuid.UUID, fn func(c *contracts.Contract) (string, interface{}, error)) (*contracts.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	before := c.Status

	event, data, err := fn(c)
	if err != nil {
		return nil, err
	}
	if event == "" {
		return c, nil
	}
	if err := s.contracts.Save(ctx, c); err != nil {
		return nil, err
	}
	if c.Status != before {
		metrics.ContractTransitions.WithLabelValues(string(c.Status)).Inc()
	}
	s.committed(ctx, c.ID, event, data)
	return c, nil
}

// committed journals an event that is already durable. A journal failure
// cannot undo the change, so it is logged rather than returned.
func (s *Coordinator) committed(ctx context.Context, contractID uuid.UUID, event string, data interface{}) {
	if _, err := s.journal.RecordLocked(ctx, contractID, event, data); err != nil {
		s.logger.Error("failed to journal settlement event",
			zap.String("contract_id", contractID.String()),
			zap.String("event", event),
			zap.Error(err))
	}
}

func (s *Coordinator) publish(e events.SettlementEvent) {
	if s.publisher == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	s.publisher.Publish(e)
}

func offerData(c *contracts.Contract) fields {
	return fields{
		"quantity":       c.Quantity,
		"price_per_unit": c.PricePerUnit,
		"total_value":    c.TotalValue,
		"milestones":     c.Drafts(),
	}
}
