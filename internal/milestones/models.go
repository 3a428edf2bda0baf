package milestones

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindProgress    Kind = "progress"
	KindDeliverable Kind = "deliverable"
)

// Draft is a proposed milestone; amounts are only computed when a set is frozen
type Draft struct {
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"percentage"`
	Kind       Kind            `json:"kind"`
}

// Milestone is a frozen payment tranche of an accepted contract
type Milestone struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	ContractID     uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;index"`
	Position       int             `json:"position" gorm:"not null"`
	Name           string          `json:"name" gorm:"not null"`
	Percentage     decimal.Decimal `json:"percentage" gorm:"type:numeric(5,2);not null"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null"`
	Kind           Kind            `json:"kind" gorm:"type:varchar(20);not null"`
	Done           bool            `json:"done" gorm:"not null;default:false"`
	Paid           bool            `json:"paid" gorm:"not null;default:false"`
	Evidence       string          `json:"evidence,omitempty"`
	DoneAt         *time.Time      `json:"done_at,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	ReleaseEntryID *uuid.UUID      `json:"release_entry_id,omitempty" gorm:"type:uuid"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Milestone) TableName() string {
	return "milestones"
}

// Set is the ordered milestone list of one contract
type Set []Milestone

// Find returns a pointer into the set so callers can mutate in place
func (s Set) Find(id uuid.UUID) *Milestone {
	for i := range s {
		if s[i].ID == id {
			return &s[i]
		}
	}
	return nil
}

// AllPaid reports whether every milestone is paid. An empty set is never complete.
func (s Set) AllPaid() bool {
	if len(s) == 0 {
		return false
	}
	for _, m := range s {
		if !m.Paid {
			return false
		}
	}
	return true
}

// Sum adds up the frozen amounts
func (s Set) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range s {
		sum = sum.Add(m.Amount)
	}
	return sum
}

// Unpaid counts milestones still awaiting release
func (s Set) Unpaid() int {
	n := 0
	for _, m := range s {
		if !m.Paid {
			n++
		}
	}
	return n
}
