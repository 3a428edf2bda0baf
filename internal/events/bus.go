package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	TopicContractAccepted  = "contract.accepted"
	TopicContractRejected  = "contract.rejected"
	TopicContractCompleted = "contract.completed"
	TopicMilestoneDone     = "milestone.done"
	TopicMilestonePaid     = "milestone.paid"
)

// LogisticsTopics are the events downstream shipment services consume
var LogisticsTopics = []string{TopicMilestoneDone, TopicMilestonePaid, TopicContractCompleted}

// SettlementEvent is published after a settlement change is committed
type SettlementEvent struct {
	Topic       string           `json:"topic"`
	ContractID  uuid.UUID        `json:"contract_id"`
	MilestoneID *uuid.UUID       `json:"milestone_id,omitempty"`
	ActorID     string           `json:"actor_id"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Evidence    string           `json:"evidence,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// Bus is the in-process domain event bus. Handlers run asynchronously and
// never block the committing operation.
type Bus struct {
	bus    evbus.Bus
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{bus: evbus.New(), logger: logger}
}

func (b *Bus) Publish(e SettlementEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.logger.Debug("publishing settlement event",
		zap.String("topic", e.Topic),
		zap.String("contract_id", e.ContractID.String()))
	b.bus.Publish(e.Topic, e)
}

// Subscribe registers an asynchronous handler for topic
func (b *Bus) Subscribe(topic string, fn func(SettlementEvent)) error {
	return b.bus.SubscribeAsync(topic, fn, false)
}

// Wait blocks until every asynchronous handler has returned
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
