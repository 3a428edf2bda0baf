package milestones

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMilestone   = errors.New("invalid milestone")
	ErrNotDone            = errors.New("milestone is not done")
	ErrMilestoneImmutable = errors.New("milestone is paid and can no longer change")
	ErrEmptySet           = errors.New("milestone set is empty")
)

var hundred = decimal.NewFromInt(100)

// PercentageMismatchError reports a milestone set that does not sum to exactly 100
type PercentageMismatchError struct {
	Sum decimal.Decimal
}

func (e *PercentageMismatchError) Error() string {
	return fmt.Sprintf("milestone percentages sum to %s, expected 100", e.Sum.String())
}

// Validate checks each draft and requires the percentages to sum to exactly 100.
func Validate(drafts []Draft) error {
	sum := decimal.Zero
	for i, d := range drafts {
		if d.Name == "" {
			return fmt.Errorf("%w: milestone %d has no name", ErrInvalidMilestone, i+1)
		}
		if !d.Percentage.IsPositive() || d.Percentage.GreaterThan(hundred) {
			return fmt.Errorf("%w: milestone %q percentage %s outside (0, 100]", ErrInvalidMilestone, d.Name, d.Percentage)
		}
		if !d.Percentage.Equal(d.Percentage.Round(2)) {
			return fmt.Errorf("%w: milestone %q percentage has more than 2 decimal places", ErrInvalidMilestone, d.Name)
		}
		if d.Kind != "" && d.Kind != KindProgress && d.Kind != KindDeliverable {
			return fmt.Errorf("%w: milestone %q has unknown kind %q", ErrInvalidMilestone, d.Name, d.Kind)
		}
		sum = sum.Add(d.Percentage)
	}
	if !sum.Equal(hundred) {
		return &PercentageMismatchError{Sum: sum}
	}
	return nil
}

// Freeze validates drafts and computes each milestone amount from total.
// Every amount but the last is total*pct/100 rounded to cents; the last is
// whatever remains, so the amounts always sum to total exactly.
func Freeze(contractID uuid.UUID, total decimal.Decimal, drafts []Draft, now time.Time) (Set, error) {
	if err := Validate(drafts); err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, ErrEmptySet
	}

	total = total.Round(2)
	set := make(Set, len(drafts))
	allocated := decimal.Zero
	for i, d := range drafts {
		amount := total.Mul(d.Percentage).Div(hundred).Round(2)
		if i == len(drafts)-1 {
			amount = total.Sub(allocated)
			if amount.IsNegative() {
				return nil, fmt.Errorf("%w: total %s too small to split into %d milestones", ErrInvalidMilestone, total.StringFixed(2), len(drafts))
			}
		}
		allocated = allocated.Add(amount)

		kind := d.Kind
		if kind == "" {
			kind = KindProgress
		}
		set[i] = Milestone{
			ID:         uuid.New(),
			ContractID: contractID,
			Position:   i + 1,
			Name:       d.Name,
			Percentage: d.Percentage,
			Amount:     amount,
			Kind:       kind,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return set, nil
}

// MarkDone records completion with optional evidence. Re-marking an unpaid
// milestone replaces the evidence.
func MarkDone(m *Milestone, evidence string, now time.Time) error {
	if m.Paid {
		return ErrMilestoneImmutable
	}
	m.Done = true
	m.Evidence = evidence
	if m.DoneAt == nil {
		m.DoneAt = &now
	}
	m.UpdatedAt = now
	return nil
}

// MarkPaid records the release entry that paid m
func MarkPaid(m *Milestone, releaseEntryID uuid.UUID, now time.Time) error {
	if m.Paid {
		return ErrMilestoneImmutable
	}
	if !m.Done {
		return ErrNotDone
	}
	m.Paid = true
	m.PaidAt = &now
	m.ReleaseEntryID = &releaseEntryID
	m.UpdatedAt = now
	return nil
}

// CheckInvariants verifies a frozen set against its contract total
func CheckInvariants(total decimal.Decimal, set Set) error {
	if sum := set.Sum(); !sum.Equal(total) {
		return fmt.Errorf("milestone amounts sum to %s, contract total is %s", sum.StringFixed(2), total.StringFixed(2))
	}
	for _, m := range set {
		if m.Paid && !m.Done {
			return fmt.Errorf("milestone %s is paid but not done", m.ID)
		}
	}
	return nil
}
