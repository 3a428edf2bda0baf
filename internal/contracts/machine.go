package contracts

import (
	"errors"
	"fmt"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/internal/milestones"
	"agrilink/contract-portal/contract-portal-backend/pkg/workflows"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var transitions = map[string][]string{
	string(StatusPendingFarmerApproval): {string(StatusNegotiating), string(StatusAccepted), string(StatusRejected)},
	string(StatusNegotiating):           {string(StatusPendingFarmerApproval), string(StatusAccepted), string(StatusRejected)},
	string(StatusAccepted):              {string(StatusOngoing)},
	string(StatusOngoing):               {string(StatusCompleted)},
}

// ReserveFunc commits escrow for an accepted contract and returns the
// reservation entry id. It runs after every other acceptance check passes.
type ReserveFunc func(c *Contract) (uuid.UUID, error)

// StateMachine applies lifecycle transitions to contracts in memory. It
// never persists; callers save the mutated contract under the contract's
// serialization lock. Every method leaves the contract untouched on error.
type StateMachine struct {
	graph *workflows.StateMachine
	now   func() time.Time
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		graph: workflows.NewStateMachine(transitions),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AllowedTransitions lists the statuses reachable from s
func (m *StateMachine) AllowedTransitions(s Status) []Status {
	next := m.graph.GetAllowedTransitions(string(s))
	out := make([]Status, len(next))
	for i, n := range next {
		out[i] = Status(n)
	}
	return out
}

func (m *StateMachine) IsTerminal(s Status) bool {
	return m.graph.IsTerminal(string(s))
}

// Propose creates a contract in pending_farmer_approval on behalf of a buyer
func (m *StateMachine) Propose(p auth.Principal, in ProposeInput) (*Contract, error) {
	if p.Role != auth.RoleBuyer || p.ParticipantID == "" {
		return nil, &UnauthorizedError{RoleRequired: string(auth.RoleBuyer)}
	}
	if in.ListingID == "" || in.FarmerID == "" {
		return nil, fmt.Errorf("%w: listing and farmer are required", ErrInvalidProposal)
	}
	if in.FarmerID == p.ParticipantID {
		return nil, fmt.Errorf("%w: buyer and farmer must differ", ErrInvalidProposal)
	}
	if !in.Quantity.IsPositive() || !in.PricePerUnit.IsPositive() {
		return nil, ErrInvalidOffer
	}
	if err := checkDrafts(in.Milestones); err != nil {
		return nil, err
	}

	now := m.now()
	return &Contract{
		ID:                 uuid.New(),
		ListingID:          in.ListingID,
		BuyerID:            p.ParticipantID,
		FarmerID:           in.FarmerID,
		Template:           in.Template,
		Unit:               in.Unit,
		Status:             StatusPendingFarmerApproval,
		Quantity:           in.Quantity,
		PricePerUnit:       in.PricePerUnit,
		TotalValue:         computeTotal(in.Quantity, in.PricePerUnit),
		EscrowAmount:       decimal.Zero,
		ProposedMilestones: datatypes.NewJSONType(append([]milestones.Draft(nil), in.Milestones...)),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// OpenNegotiation moves a pending contract into negotiating. It reports
// false without error when the contract is already negotiating.
func (m *StateMachine) OpenNegotiation(c *Contract, p auth.Principal) (bool, error) {
	if err := RequireParty(c, p); err != nil {
		return false, err
	}
	if c.Status == StatusNegotiating {
		return false, nil
	}
	if err := m.move(c, StatusNegotiating, "open negotiation on"); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitForApproval hands a negotiated offer back to the farmer
func (m *StateMachine) SubmitForApproval(c *Contract, p auth.Principal) error {
	if err := RequireParty(c, p); err != nil {
		return err
	}
	if c.Status != StatusNegotiating {
		return &InvalidTransitionError{Current: c.Status, Requested: string(StatusPendingFarmerApproval)}
	}
	return m.move(c, StatusPendingFarmerApproval, "submit")
}

// AmendOffer replaces quantity and price and recomputes the total value.
// Status is unchanged.
func (m *StateMachine) AmendOffer(c *Contract, p auth.Principal, quantity, pricePerUnit decimal.Decimal) error {
	if err := RequireParty(c, p); err != nil {
		return err
	}
	if !c.Status.Open() {
		return fmt.Errorf("%w: contract is %s", ErrStaleOffer, c.Status)
	}
	if !quantity.IsPositive() || !pricePerUnit.IsPositive() {
		return ErrInvalidOffer
	}
	c.Quantity = quantity
	c.PricePerUnit = pricePerUnit
	c.TotalValue = computeTotal(quantity, pricePerUnit)
	c.UpdatedAt = m.now()
	return nil
}

// ReviseMilestones replaces the proposed milestone set. The 100% rule is
// only enforced at acceptance, so a partial set may be saved meanwhile.
func (m *StateMachine) ReviseMilestones(c *Contract, p auth.Principal, drafts []milestones.Draft) error {
	if err := RequireParty(c, p); err != nil {
		return err
	}
	if !c.Status.Open() {
		return &InvalidTransitionError{Current: c.Status, Requested: "revise milestones of"}
	}
	if err := checkDrafts(drafts); err != nil {
		return err
	}
	c.ProposedMilestones = datatypes.NewJSONType(append([]milestones.Draft(nil), drafts...))
	c.UpdatedAt = m.now()
	return nil
}

func (m *StateMachine) Reject(c *Contract, p auth.Principal) error {
	if err := RequireFarmer(c, p); err != nil {
		return err
	}
	return m.move(c, StatusRejected, "reject")
}

// Accept freezes the proposed milestones, reserves escrow through reserve and
// moves the contract through accepted to ongoing. Checks run in order:
// role, status, milestone percentages, funds. Nothing on c changes unless
// all of them pass.
func (m *StateMachine) Accept(c *Contract, p auth.Principal, signatureURL string, reserve ReserveFunc) error {
	if err := RequireFarmer(c, p); err != nil {
		return err
	}
	if !m.graph.CanTransition(string(c.Status), string(StatusAccepted)) {
		return &InvalidTransitionError{Current: c.Status, Requested: "accept"}
	}

	now := m.now()
	set, err := milestones.Freeze(c.ID, c.TotalValue, c.Drafts(), now)
	if err != nil {
		return err
	}

	entryID, err := reserve(c)
	if err != nil {
		return err
	}

	// accepted is never observable on its own; both moves happen before the save
	for _, next := range []Status{StatusAccepted, StatusOngoing} {
		if err := m.move(c, next, "accept"); err != nil {
			return err
		}
	}
	c.Milestones = set
	c.EscrowReserved = true
	c.EscrowAmount = c.TotalValue
	c.EscrowEntryID = &entryID
	c.SignatureURL = signatureURL
	c.AcceptedAt = &now
	c.UpdatedAt = now
	return nil
}

// Complete closes an ongoing contract once every milestone is paid
func (m *StateMachine) Complete(c *Contract) error {
	if !m.graph.CanTransition(string(c.Status), string(StatusCompleted)) {
		return &InvalidTransitionError{Current: c.Status, Requested: "complete"}
	}
	if !c.MilestoneSet().AllPaid() {
		return ErrMilestonesUnpaid
	}
	now := m.now()
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

// MarkMilestoneDone records the farmer's completion claim with evidence
func (m *StateMachine) MarkMilestoneDone(c *Contract, p auth.Principal, milestoneID uuid.UUID, evidence string) (*milestones.Milestone, error) {
	if err := RequireFarmer(c, p); err != nil {
		return nil, err
	}
	if c.Status != StatusOngoing {
		return nil, &InvalidTransitionError{Current: c.Status, Requested: "mark milestone done on"}
	}
	ms := c.MilestoneSet().Find(milestoneID)
	if ms == nil {
		return nil, ErrMilestoneNotFound
	}
	now := m.now()
	if err := milestones.MarkDone(ms, evidence, now); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	return ms, nil
}

// MarkMilestonePaid records the release entry against a done milestone
func (m *StateMachine) MarkMilestonePaid(c *Contract, p auth.Principal, milestoneID, releaseEntryID uuid.UUID) (*milestones.Milestone, error) {
	if err := RequireBuyer(c, p); err != nil {
		return nil, err
	}
	if c.Status != StatusOngoing {
		return nil, &InvalidTransitionError{Current: c.Status, Requested: "release milestone of"}
	}
	ms := c.MilestoneSet().Find(milestoneID)
	if ms == nil {
		return nil, ErrMilestoneNotFound
	}
	now := m.now()
	if err := milestones.MarkPaid(ms, releaseEntryID, now); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	return ms, nil
}

func (m *StateMachine) move(c *Contract, to Status, verb string) error {
	if !m.graph.CanTransition(string(c.Status), string(to)) {
		return &InvalidTransitionError{Current: c.Status, Requested: verb}
	}
	c.Status = to
	c.UpdatedAt = m.now()
	return nil
}

// checkDrafts validates individual drafts but tolerates a sum other than 100
func checkDrafts(drafts []milestones.Draft) error {
	err := milestones.Validate(drafts)
	var mismatch *milestones.PercentageMismatchError
	if err == nil || errors.As(err, &mismatch) {
		return nil
	}
	return err
}

// RequireParty fails unless p is the buyer or the farmer of c
func RequireParty(c *Contract, p auth.Principal) error {
	if !c.IsParty(p.ParticipantID) {
		return &UnauthorizedError{RoleRequired: "party"}
	}
	return nil
}

// RequireFarmer fails unless p is c's farmer acting as a farmer
func RequireFarmer(c *Contract, p auth.Principal) error {
	if p.Role != auth.RoleFarmer || p.ParticipantID != c.FarmerID {
		return &UnauthorizedError{RoleRequired: string(auth.RoleFarmer)}
	}
	return nil
}

// RequireBuyer fails unless p is c's buyer acting as a buyer
func RequireBuyer(c *Contract, p auth.Principal) error {
	if p.Role != auth.RoleBuyer || p.ParticipantID != c.BuyerID {
		return &UnauthorizedError{RoleRequired: string(auth.RoleBuyer)}
	}
	return nil
}
