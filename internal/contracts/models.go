package contracts

import (
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/milestones"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPendingFarmerApproval Status = "pending_farmer_approval"
	StatusNegotiating           Status = "negotiating"
	StatusAccepted              Status = "accepted"
	StatusRejected              Status = "rejected"
	StatusOngoing               Status = "ongoing"
	StatusCompleted             Status = "completed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusPendingFarmerApproval,
	StatusNegotiating,
	StatusAccepted,
	StatusRejected,
	StatusOngoing,
	StatusCompleted,
}

// Open reports whether terms can still change
func (s Status) Open() bool {
	return s == StatusPendingFarmerApproval || s == StatusNegotiating
}

// Contract is the central aggregate. Rows are never deleted.
type Contract struct {
	ID                 uuid.UUID                              `json:"id" gorm:"type:uuid;primaryKey"`
	ListingID          string                                 `json:"listing_id" gorm:"not null;index"`
	BuyerID            string                                 `json:"buyer_id" gorm:"not null;index"`
	FarmerID           string                                 `json:"farmer_id" gorm:"not null;index"`
	Template           string                                 `json:"template,omitempty"`
	Unit               string                                 `json:"unit,omitempty"`
	Status             Status                                 `json:"status" gorm:"type:varchar(32);not null;index"`
	Quantity           decimal.Decimal                        `json:"quantity" gorm:"type:numeric(20,4);not null"`
	PricePerUnit       decimal.Decimal                        `json:"price_per_unit" gorm:"type:numeric(20,2);not null"`
	TotalValue         decimal.Decimal                        `json:"total_value" gorm:"type:numeric(20,2);not null"`
	EscrowReserved     bool                                   `json:"escrow_reserved" gorm:"not null;default:false"`
	EscrowAmount       decimal.Decimal                        `json:"escrow_amount" gorm:"type:numeric(20,2);not null;default:0"`
	EscrowEntryID      *uuid.UUID                             `json:"escrow_entry_id,omitempty" gorm:"type:uuid"`
	ProposedMilestones datatypes.JSONType[[]milestones.Draft] `json:"proposed_milestones" gorm:"type:jsonb"`
	Milestones         []milestones.Milestone                 `json:"milestones" gorm:"foreignKey:ContractID"`
	SignatureURL       string                                 `json:"signature_url,omitempty"`
	Version            int                                    `json:"version" gorm:"not null;default:1"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`
	AcceptedAt         *time.Time                             `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time                             `json:"completed_at,omitempty"`
}

func (Contract) TableName() string {
	return "contracts"
}

// MilestoneSet views the frozen milestones as a set
func (c *Contract) MilestoneSet() milestones.Set {
	return milestones.Set(c.Milestones)
}

// Drafts returns the currently proposed milestones
func (c *Contract) Drafts() []milestones.Draft {
	return c.ProposedMilestones.Data()
}

// IsParty reports whether participantID is the buyer or the farmer
func (c *Contract) IsParty(participantID string) bool {
	return participantID != "" && (participantID == c.BuyerID || participantID == c.FarmerID)
}

// ProposeInput carries the terms of a new proposal
type ProposeInput struct {
	ListingID    string             `json:"listing_id" binding:"required"`
	FarmerID     string             `json:"farmer_id" binding:"required"`
	Template     string             `json:"template"`
	Unit         string             `json:"unit"`
	Quantity     decimal.Decimal    `json:"quantity"`
	PricePerUnit decimal.Decimal    `json:"price_per_unit"`
	Milestones   []milestones.Draft `json:"milestones"`
}

// computeTotal is the single formula for total value
func computeTotal(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Round(2)
}

// clone returns a deep copy safe to hand across goroutines
func (c *Contract) clone() *Contract {
	out := *c
	out.ProposedMilestones = datatypes.NewJSONType(append([]milestones.Draft(nil), c.ProposedMilestones.Data()...))
	out.Milestones = append([]milestones.Milestone(nil), c.Milestones...)
	return &out
}
