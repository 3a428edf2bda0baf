package settlement

import (
	"context"
	"testing"

	"agrilink/contract-portal/contract-portal-backend/internal/contracts"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rules(findings []Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Rule
	}
	return out
}

func TestAuditCleanOngoingContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "100000")
	c := f.propose(t)
	c, err := f.coordinator.AcceptProposal(ctx, farmer, c.ID, "")
	require.NoError(t, err)

	_, err = f.coordinator.MarkMilestoneDone(ctx, farmer, c.ID, c.Milestones[0].ID, "")
	require.NoError(t, err)
	_, err = f.coordinator.ReleaseMilestonePayment(ctx, buyer, c.ID, c.Milestones[0].ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(ctx, c.ID)
	require.NoError(t, err)
	findings, err := NewAuditor(f.ledger).Audit(ctx, stored)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAuditDetectsTamperedContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "100000")
	c := f.propose(t)
	c, err := f.coordinator.AcceptProposal(ctx, farmer, c.ID, "")
	require.NoError(t, err)

	// paid without done and without a release entry
	c.Milestones[1].Paid = true
	// an out-of-band release the contract never recorded
	_, _, err = f.ledger.Release(ctx, c.ID, c.Milestones[2].ID, c.Milestones[2].Amount, farmer.ParticipantID)
	require.NoError(t, err)

	findings, err := NewAuditor(f.ledger).Audit(ctx, c)
	require.NoError(t, err)

	got := rules(findings)
	assert.Contains(t, got, RulePaidRequiresDone)
	assert.Contains(t, got, RuleReleaseEntries)
	assert.Contains(t, got, RuleEscrowHeld)
}

func TestAuditFlagsEntriesWithoutReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.propose(t)

	_, _, err := f.ledger.Release(ctx, c.ID, uuid.New(), dec("10"), farmer.ParticipantID)
	require.NoError(t, err)

	findings, err := NewAuditor(f.ledger).Audit(ctx, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RuleEscrowConservation, RuleEscrowHeld}, rules(findings))
}

func TestAuditFlagsOpenReservationOnPendingContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "100000")
	c := f.propose(t)

	_, err := f.ledger.Reserve(ctx, buyer.ParticipantID, c.ID, c.TotalValue)
	require.NoError(t, err)

	findings, err := NewAuditor(f.ledger).Audit(ctx, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RuleEscrowConservation, RuleEscrowHeld}, rules(findings))

	_, cancelled, err := f.ledger.CancelReservation(ctx, c.ID, "cleanup")
	require.NoError(t, err)
	require.True(t, cancelled)

	findings, err = NewAuditor(f.ledger).Audit(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAuditIgnoresCancelledReservationOnOngoingContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "200000")
	c := f.propose(t)

	// a reservation abandoned before the real acceptance
	_, err := f.ledger.Reserve(ctx, buyer.ParticipantID, c.ID, dec("90000"))
	require.NoError(t, err)

	c, err = f.coordinator.AcceptProposal(ctx, farmer, c.ID, "")
	require.NoError(t, err)

	stored, err := f.repo.Get(ctx, c.ID)
	require.NoError(t, err)
	findings, err := NewAuditor(f.ledger).Audit(ctx, stored)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.True(t, f.balance(t, buyer.ParticipantID).Equal(dec("100000")))
}

func TestReconcilerAuditsEscrowedContracts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "300000")

	for i := 0; i < 3; i++ {
		c := f.propose(t)
		_, err := f.coordinator.AcceptProposal(ctx, farmer, c.ID, "")
		require.NoError(t, err)
	}
	// pending and rejected contracts are audited for stray reservations
	f.propose(t)
	rejected := f.propose(t)
	_, err := f.coordinator.RejectProposal(ctx, farmer, rejected.ID)
	require.NoError(t, err)

	report, err := NewReconciler(f.repo, NewAuditor(f.ledger), 2, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Findings)
}

func TestReconcilerReportsStrayReservationOnRejectedContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.fund(t, "100000")
	c := f.propose(t)
	_, err := f.coordinator.RejectProposal(ctx, farmer, c.ID)
	require.NoError(t, err)

	// appended behind the coordinator's back
	_, err = f.ledger.Reserve(ctx, buyer.ParticipantID, c.ID, c.TotalValue)
	require.NoError(t, err)

	report, err := NewReconciler(f.repo, NewAuditor(f.ledger), 1, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Contains(t, rules(report.Findings), RuleEscrowConservation)
}

func TestReconcilerWithNothingToCheck(t *testing.T) {
	repo := new(MockRepository)
	repo.On("ListByStatus", context.Background(), contracts.AllStatuses).
		Return([]contracts.Contract{}, nil)

	f := newFixture(t, nil)
	report, err := NewReconciler(repo, NewAuditor(f.ledger), 0, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	repo.AssertExpectations(t)
}
