package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDeposit       EntryType = "deposit"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryEscrowReserve EntryType = "escrow_reserve"
	EntryEscrowRelease EntryType = "escrow_release"
	// EntryEscrowCancel returns an abandoned reservation to the buyer
	EntryEscrowCancel EntryType = "escrow_cancel"
)

// Entry is an append-only financial fact. Amount is always positive; the
// sign applied to the owner's balance comes from Type.
type Entry struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	WalletOwnerID string          `json:"wallet_owner_id" db:"wallet_owner_id"`
	Type          EntryType       `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	ContractID    *uuid.UUID      `json:"contract_id,omitempty" db:"contract_id"`
	MilestoneID   *uuid.UUID      `json:"milestone_id,omitempty" db:"milestone_id"`
	ReversesID    *uuid.UUID      `json:"reverses_id,omitempty" db:"reverses_id"`
	Reference     string          `json:"reference,omitempty" db:"reference"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// SignedAmount is the entry's contribution to its owner's balance
func (e Entry) SignedAmount() decimal.Decimal {
	switch e.Type {
	case EntryDeposit, EntryEscrowRelease, EntryEscrowCancel:
		return e.Amount
	default:
		return e.Amount.Neg()
	}
}

// occupiedBy reports whether existing fills the at-most-once slot e wants:
// one open reserve per contract, one cancel per reserve, one release per
// (contract, milestone). all is the full log used to tell open reserves.
func (e Entry) occupiedBy(existing Entry, all []Entry) bool {
	if e.Type != existing.Type {
		return false
	}
	switch e.Type {
	case EntryEscrowReserve:
		return uuidPtrEqual(e.ContractID, existing.ContractID) && !isCancelled(existing.ID, all)
	case EntryEscrowCancel:
		return uuidPtrEqual(e.ReversesID, existing.ReversesID)
	default:
		return uuidPtrEqual(e.ContractID, existing.ContractID) && uuidPtrEqual(e.MilestoneID, existing.MilestoneID)
	}
}

func isCancelled(reserveID uuid.UUID, all []Entry) bool {
	for _, e := range all {
		if e.Type == EntryEscrowCancel && e.ReversesID != nil && *e.ReversesID == reserveID {
			return true
		}
	}
	return false
}

// OpenReservation returns the reserve entry among a contract's entries that
// has not been cancelled, or nil
func OpenReservation(entries []Entry) *Entry {
	for i := range entries {
		if entries[i].Type == EntryEscrowReserve && !isCancelled(entries[i].ID, entries) {
			e := entries[i]
			return &e
		}
	}
	return nil
}

// Fold computes a balance from entries belonging to a single owner
func Fold(entries []Entry) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.SignedAmount())
	}
	return balance
}

// Statement is a wallet view returned to the owner
type Statement struct {
	WalletOwnerID string          `json:"wallet_owner_id"`
	Balance       decimal.Decimal `json:"balance"`
	Entries       []Entry         `json:"entries,omitempty"`
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
