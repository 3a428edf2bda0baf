package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Guard inspects the owner's current balance before an append; a non-nil
// error aborts the append.
type Guard func(balance decimal.Decimal) error

// Store persists ledger entries. Implementations never update or delete.
type Store interface {
	// Append evaluates guard against the owner's balance and appends e, as one atomic step.
	Append(ctx context.Context, e *Entry, guard Guard) error
	// AppendOnce returns the stored entry occupying e's slot if there is one;
	// otherwise it behaves like Append. The bool reports whether e was appended.
	AppendOnce(ctx context.Context, e *Entry, guard Guard) (*Entry, bool, error)
	ListByOwner(ctx context.Context, owner string) ([]Entry, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]Entry, error)
}

// MemoryStore keeps entries in process memory. A single mutex makes every
// check-then-append atomic.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry, guard Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e, guard)
}

func (s *MemoryStore) AppendOnce(ctx context.Context, e *Entry, guard Guard) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if e.occupiedBy(s.entries[i], s.entries) {
			existing := s.entries[i]
			return &existing, false, nil
		}
	}
	if err := s.appendLocked(e, guard); err != nil {
		return nil, false, err
	}
	stored := *e
	return &stored, true, nil
}

func (s *MemoryStore) appendLocked(e *Entry, guard Guard) error {
	if guard != nil {
		if err := guard(s.balanceLocked(e.WalletOwnerID)); err != nil {
			return err
		}
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) balanceLocked(owner string) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range s.entries {
		if e.WalletOwnerID == owner {
			balance = balance.Add(e.SignedAmount())
		}
	}
	return balance
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.WalletOwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByContract(ctx context.Context, contractID uuid.UUID) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.ContractID != nil && *e.ContractID == contractID {
			out = append(out, e)
		}
	}
	return out, nil
}
