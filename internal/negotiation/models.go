package negotiation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindChat           Kind = "chat"
	KindOfferAmendment Kind = "offer_amendment"
	KindSystem         Kind = "system"
)

// SystemSender is the sender id of events appended by the platform
const SystemSender = "system"

// Message is an immutable, ordered event in a contract's negotiation log.
// IDs start at 1 and increase by one per contract.
type Message struct {
	ContractID uuid.UUID      `json:"contract_id" gorm:"type:uuid;primaryKey"`
	ID         int64          `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SenderID   string         `json:"sender_id" gorm:"not null"`
	Kind       Kind           `json:"kind" gorm:"type:varchar(20);not null"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Message) TableName() string {
	return "negotiation_messages"
}

// ClientMessage is what a participant sends into a session
type ClientMessage struct {
	Kind         Kind             `json:"kind"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	PricePerUnit *decimal.Decimal `json:"price_per_unit,omitempty"`
}

// OfferPayload is the committed terms carried by an offer_amendment message
type OfferPayload struct {
	Quantity     decimal.Decimal `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TotalValue   decimal.Decimal `json:"total_value"`
}

// SystemPayload describes a settlement event recorded in the log
type SystemPayload struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}
