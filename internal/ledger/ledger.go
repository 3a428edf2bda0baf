package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agrilink/contract-portal/contract-portal-backend/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the wallet and escrow service. Balances are never stored; they
// are folded from the entry log on demand.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Balance returns the owner's current balance
func (l *Ledger) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	entries, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return Fold(entries), nil
}

// Statement returns the owner's balance with the entries it was folded from
func (l *Ledger) Statement(ctx context.Context, owner string) (*Statement, error) {
	entries, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &Statement{WalletOwnerID: owner, Balance: Fold(entries), Entries: entries}, nil
}

func (l *Ledger) Deposit(ctx context.Context, owner string, amount decimal.Decimal, reference string) (*Entry, error) {
	entry, err := l.newEntry(owner, EntryDeposit, amount, nil, nil, reference)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, entry, nil); err != nil {
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}
	l.recorded(entry)
	return entry, nil
}

// Withdraw refuses to take the balance below zero
func (l *Ledger) Withdraw(ctx context.Context, owner string, amount decimal.Decimal, reference string) (*Entry, error) {
	entry, err := l.newEntry(owner, EntryWithdrawal, amount, nil, nil, reference)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, entry, requireBalance(owner, entry.Amount)); err != nil {
		return nil, err
	}
	l.recorded(entry)
	return entry, nil
}

// Reserve moves amount from the buyer's balance into escrow for contractID.
// A contract holds at most one open reservation; calling Reserve again
// returns it without checking funds. A cancelled reservation frees the slot.
func (l *Ledger) Reserve(ctx context.Context, buyer string, contractID uuid.UUID, amount decimal.Decimal) (*Entry, error) {
	entry, err := l.newEntry(buyer, EntryEscrowReserve, amount, &contractID, nil, "escrow for contract "+contractID.String())
	if err != nil {
		return nil, err
	}

	stored, appended, err := l.store.AppendOnce(ctx, entry, requireBalance(buyer, entry.Amount))
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			metrics.ReserveRejections.Inc()
			l.logger.Info("escrow reservation refused",
				zap.String("buyer", buyer),
				zap.String("contract_id", contractID.String()),
				zap.String("required", entry.Amount.StringFixed(2)))
		}
		return nil, err
	}
	if appended {
		l.recorded(stored)
		return stored, nil
	}
	if !stored.Amount.Equal(entry.Amount) || stored.WalletOwnerID != buyer {
		return nil, fmt.Errorf("%w: held %s, requested %s", ErrReservationMismatch, stored.Amount.StringFixed(2), entry.Amount.StringFixed(2))
	}
	return stored, nil
}

// CancelReservation returns the contract's open reservation to the buyer
// with an escrow_cancel entry. It reports false when nothing was open.
// Cancelling the same reservation twice appends one entry.
func (l *Ledger) CancelReservation(ctx context.Context, contractID uuid.UUID, reason string) (*Entry, bool, error) {
	entries, err := l.store.ListByContract(ctx, contractID)
	if err != nil {
		return nil, false, err
	}
	open := OpenReservation(entries)
	if open == nil {
		return nil, false, nil
	}

	entry, err := l.newEntry(open.WalletOwnerID, EntryEscrowCancel, open.Amount, &contractID, nil, reason)
	if err != nil {
		return nil, false, err
	}
	reserveID := open.ID
	entry.ReversesID = &reserveID

	stored, appended, err := l.store.AppendOnce(ctx, entry, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to cancel reservation: %w", err)
	}
	if appended {
		l.recorded(stored)
		l.logger.Warn("escrow reservation cancelled",
			zap.String("contract_id", contractID.String()),
			zap.String("reserve_entry_id", reserveID.String()),
			zap.String("reason", reason))
	}
	return stored, appended, nil
}

// Release credits the payee for one milestone of contractID. At most one
// release entry ever exists per (contract, milestone); a repeated call
// returns that entry and false.
func (l *Ledger) Release(ctx context.Context, contractID, milestoneID uuid.UUID, amount decimal.Decimal, payee string) (*Entry, bool, error) {
	entry, err := l.newEntry(payee, EntryEscrowRelease, amount, &contractID, &milestoneID,
		fmt.Sprintf("milestone %s of contract %s", milestoneID, contractID))
	if err != nil {
		return nil, false, err
	}

	stored, appended, err := l.store.AppendOnce(ctx, entry, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record release: %w", err)
	}
	if appended {
		l.recorded(stored)
	} else {
		metrics.DuplicateReleases.Inc()
		l.logger.Debug("release already recorded",
			zap.String("contract_id", contractID.String()),
			zap.String("milestone_id", milestoneID.String()),
			zap.String("entry_id", stored.ID.String()))
	}
	return stored, appended, nil
}

// Entries returns the owner's entries in append order
func (l *Ledger) Entries(ctx context.Context, owner string) ([]Entry, error) {
	return l.store.ListByOwner(ctx, owner)
}

// ContractEntries returns every entry tied to contractID
func (l *Ledger) ContractEntries(ctx context.Context, contractID uuid.UUID) ([]Entry, error) {
	return l.store.ListByContract(ctx, contractID)
}

// EscrowHeld is the reserved amount for contractID minus everything released
func (l *Ledger) EscrowHeld(ctx context.Context, contractID uuid.UUID) (decimal.Decimal, error) {
	entries, err := l.store.ListByContract(ctx, contractID)
	if err != nil {
		return decimal.Zero, err
	}
	return EscrowHeldFrom(entries), nil
}

// EscrowHeldFrom folds reserve, cancel and release entries into the amount still held
func EscrowHeldFrom(entries []Entry) decimal.Decimal {
	held := decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case EntryEscrowReserve:
			held = held.Add(e.Amount)
		case EntryEscrowRelease, EntryEscrowCancel:
			held = held.Sub(e.Amount)
		}
	}
	return held
}

func (l *Ledger) newEntry(owner string, typ EntryType, amount decimal.Decimal, contractID, milestoneID *uuid.UUID, reference string) (*Entry, error) {
	if owner == "" {
		return nil, ErrMissingOwner
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return &Entry{
		ID:            uuid.New(),
		WalletOwnerID: owner,
		Type:          typ,
		Amount:        amount,
		ContractID:    contractID,
		MilestoneID:   milestoneID,
		Reference:     reference,
		CreatedAt:     l.now(),
	}, nil
}

func (l *Ledger) recorded(e *Entry) {
	metrics.LedgerEntries.WithLabelValues(string(e.Type)).Inc()
	l.logger.Info("ledger entry recorded",
		zap.String("entry_id", e.ID.String()),
		zap.String("owner", e.WalletOwnerID),
		zap.String("type", string(e.Type)),
		zap.String("amount", e.Amount.StringFixed(2)))
}
