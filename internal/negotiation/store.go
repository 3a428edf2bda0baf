package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the append-only message log. Callers assign ids; the store only
// rejects duplicates.
type Store interface {
	Append(ctx context.Context, m *Message) error
	// History returns messages with id > afterID in id order
	History(ctx context.Context, contractID uuid.UUID, afterID int64) ([]Message, error)
	LastID(ctx context.Context, contractID uuid.UUID) (int64, error)
}

// GormStore implements Store using gorm
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, m *Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to append negotiation message: %w", err)
	}
	return nil
}

func (s *GormStore) History(ctx context.Context, contractID uuid.UUID, afterID int64) ([]Message, error) {
	var out []Message
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND id > ?", contractID, afterID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation history: %w", err)
	}
	return out, nil
}

func (s *GormStore) LastID(ctx context.Context, contractID uuid.UUID) (int64, error) {
	var last int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("contract_id = ?", contractID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read last message id: %w", err)
	}
	return last, nil
}

// MemoryStore keeps per-contract logs in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[uuid.UUID][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[uuid.UUID][]Message)}
}

func (s *MemoryStore) Append(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[m.ContractID]
	if n := len(log); n > 0 && log[n-1].ID >= m.ID {
		return fmt.Errorf("failed to append negotiation message: id %d not after %d", m.ID, log[n-1].ID)
	}
	s.logs[m.ContractID] = append(log, *m)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, contractID uuid.UUID, afterID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.logs[contractID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) LastID(ctx context.Context, contractID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[contractID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ID, nil
}
