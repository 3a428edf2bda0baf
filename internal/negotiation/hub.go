package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/metrics"
	"agrilink/contract-portal/contract-portal-backend/pkg/keylock"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrEmptyMessage    = errors.New("chat message payload is empty")
	ErrUnsupportedKind = errors.New("unsupported message kind")
)

const defaultBufferSize = 64

// Hub owns every live negotiation session in the process. All writes to a
// contract's log happen under that contract's key in locks, which is shared
// with the settlement coordinator, so chat, amendments and settlement events
// form a single total order per contract.
//
// Lock order: contract key, then h.mu.
type Hub struct {
	store      Store
	contracts  contracts.Repository
	machine    *contracts.StateMachine
	locks      *keylock.KeyLock
	logger     *zap.Logger
	bufferSize int
	now        func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]map[*Subscription]struct{}
}

func NewHub(store Store, repo contracts.Repository, machine *contracts.StateMachine, locks *keylock.KeyLock, bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		store:      store,
		contracts:  repo,
		machine:    machine,
		locks:      locks,
		logger:     logger,
		bufferSize: bufferSize,
		now:        func() time.Time { return time.Now().UTC() },
		sessions:   make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Join subscribes p to the contract's session. The returned subscription
// carries the full history; live events start strictly after it. A pending
// contract moves to negotiating when a party joins.
func (h *Hub) Join(ctx context.Context, contractID uuid.UUID, p auth.Principal) (*Subscription, error) {
	unlock := h.locks.Lock(contractID.String())
	defer unlock()

	c, err := h.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(p.ParticipantID) {
		return nil, &contracts.UnauthorizedError{RoleRequired: "party"}
	}

	if c.Status == contracts.StatusPendingFarmerApproval {
		opened, err := h.machine.OpenNegotiation(c, p)
		if err != nil {
			return nil, err
		}
		if opened {
			if err := h.contracts.Save(ctx, c); err != nil {
				return nil, err
			}
			metrics.ContractTransitions.WithLabelValues(string(c.Status)).Inc()
			if _, err := h.RecordLocked(ctx, contractID, "negotiation_opened", map[string]string{"by": p.ParticipantID}); err != nil {
				return nil, err
			}
		}
	}

	history, err := h.store.History(ctx, contractID, 0)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ContractID:  contractID,
		Participant: p,
		History:     history,
		hub:         h,
		ch:          make(chan Message, h.bufferSize),
	}
	if n := len(history); n > 0 {
		sub.lastSeen = history[n-1].ID
	}

	h.mu.Lock()
	subs, ok := h.sessions[contractID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.sessions[contractID] = subs
		metrics.ActiveSessions.Inc()
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("participant joined negotiation",
		zap.String("contract_id", contractID.String()),
		zap.String("participant_id", p.ParticipantID),
		zap.Int("history", len(history)))
	return sub, nil
}

// Submit commits a participant's message. Offer amendments are applied to the
// contract and saved before the message is appended; a rejected amendment
// returns its error to the caller and nothing is broadcast.
func (h *Hub) Submit(ctx context.Context, contractID uuid.UUID, p auth.Principal, in ClientMessage) (*Message, error) {
	unlock := h.locks.Lock(contractID.String())
	defer unlock()

	c, err := h.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(p.ParticipantID) {
		return nil, &contracts.UnauthorizedError{RoleRequired: "party"}
	}

	var (
		payload []byte
		undo    func()
	)
	switch in.Kind {
	case KindChat:
		if len(in.Payload) == 0 || string(in.Payload) == "null" {
			return nil, ErrEmptyMessage
		}
		if !json.Valid(in.Payload) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrEmptyMessage)
		}
		payload = in.Payload

	case KindOfferAmendment:
		if in.Quantity == nil || in.PricePerUnit == nil {
			return nil, contracts.ErrInvalidOffer
		}
		prevQty, prevPrice, prevTotal, prevUpdated := c.Quantity, c.PricePerUnit, c.TotalValue, c.UpdatedAt
		if err := h.machine.AmendOffer(c, p, *in.Quantity, *in.PricePerUnit); err != nil {
			return nil, err
		}
		if err := h.contracts.Save(ctx, c); err != nil {
			return nil, err
		}
		undo = func() {
			c.Quantity, c.PricePerUnit, c.TotalValue, c.UpdatedAt = prevQty, prevPrice, prevTotal, prevUpdated
			if err := h.contracts.Save(ctx, c); err != nil {
				h.logger.Error("failed to restore terms after unrecorded amendment",
					zap.String("contract_id", contractID.String()),
					zap.Error(err))
			}
		}
		payload, err = json.Marshal(OfferPayload{
			Quantity:     c.Quantity,
			PricePerUnit: c.PricePerUnit,
			TotalValue:   c.TotalValue,
		})
		if err != nil {
			undo()
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, in.Kind)
	}

	msg, err := h.appendLocked(ctx, contractID, p.ParticipantID, in.Kind, payload)
	if err != nil {
		// committed terms must always have a matching message
		if undo != nil {
			undo()
		}
		return nil, err
	}
	return msg, nil
}

// RecordLocked appends a system event. The caller must hold the contract's
// key in the shared KeyLock.
func (h *Hub) RecordLocked(ctx context.Context, contractID uuid.UUID, event string, data interface{}) (*Message, error) {
	payload, err := json.Marshal(SystemPayload{Event: event, Data: data})
	if err != nil {
		return nil, err
	}
	return h.appendLocked(ctx, contractID, SystemSender, KindSystem, payload)
}

// History returns committed messages after afterID for a party of the contract
func (h *Hub) History(ctx context.Context, contractID uuid.UUID, p auth.Principal, afterID int64) ([]Message, error) {
	c, err := h.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(p.ParticipantID) {
		return nil, &contracts.UnauthorizedError{RoleRequired: "party"}
	}
	return h.store.History(ctx, contractID, afterID)
}

// Subscribers returns the number of live subscriptions for a contract
func (h *Hub) Subscribers(contractID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[contractID])
}

func (h *Hub) appendLocked(ctx context.Context, contractID uuid.UUID, sender string, kind Kind, payload []byte) (*Message, error) {
	last, err := h.store.LastID(ctx, contractID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ContractID: contractID,
		ID:         last + 1,
		SenderID:   sender,
		Kind:       kind,
		Payload:    datatypes.JSON(payload),
		CreatedAt:  h.now(),
	}
	if err := h.store.Append(ctx, msg); err != nil {
		return nil, err
	}
	metrics.NegotiationMessages.WithLabelValues(string(kind)).Inc()

	h.broadcast(*msg)
	return msg, nil
}

// broadcast fans msg out without blocking. A subscriber whose buffer is full
// is dropped and its channel closed; it recovers by rejoining.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.sessions[msg.ContractID] {
		if msg.ID <= sub.lastSeen {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.lastSeen = msg.ID
		default:
			h.logger.Warn("dropping slow negotiation subscriber",
				zap.String("contract_id", msg.ContractID.String()),
				zap.String("participant_id", sub.Participant.ParticipantID))
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) leave(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs, ok := h.sessions[sub.ContractID]
	if !ok {
		return
	}
	if _, member := subs[sub]; !member {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.sessions, sub.ContractID)
		metrics.ActiveSessions.Dec()
	}
}

// Subscription is one participant's view of a session: History first, then
// Events until Close or until the hub drops it.
type Subscription struct {
	ContractID  uuid.UUID
	Participant auth.Principal
	History     []Message

	hub *Hub
	ch  chan Message
	// guarded by hub.mu
	lastSeen int64
}

// Events delivers live messages with ids greater than the last history
// message. The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// Close leaves the session. Contract state is unaffected.
func (s *Subscription) Close() {
	s.hub.leave(s)
}
