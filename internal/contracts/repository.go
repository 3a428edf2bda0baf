package contracts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists contracts together with their milestones
type Repository interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id uuid.UUID) (*Contract, error)
	// Save writes c and its milestones atomically. It fails with
	// ErrConcurrentModification if the stored version moved since c was read.
	Save(ctx context.Context, c *Contract) error
	ListByParticipant(ctx context.Context, participantID string) ([]Contract, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Contract, error)
}

// GormRepository implements Repository using gorm
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, c *Contract) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id uuid.UUID) (*Contract, error) {
	var c Contract
	err := r.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

func (r *GormRepository) Save(ctx context.Context, c *Contract) error {
	prev := c.Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c.Version = prev + 1
		res := tx.Model(c).
			Where("version = ?", prev).
			Select("*").
			Omit(clause.Associations, "created_at").
			Updates(c)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentModification
		}
		for i := range c.Milestones {
			if err := tx.Save(&c.Milestones[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.Version = prev
		if errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (r *GormRepository) ListByParticipant(ctx context.Context, participantID string) ([]Contract, error) {
	var out []Contract
	err := r.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("buyer_id = ? OR farmer_id = ?", participantID, participantID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return out, nil
}

func (r *GormRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Contract, error) {
	var out []Contract
	err := r.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts by status: %w", err)
	}
	return out, nil
}

// MemoryRepository keeps deep copies of contracts in process memory
type MemoryRepository struct {
	mu        sync.RWMutex
	contracts map[uuid.UUID]*Contract
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{contracts: make(map[uuid.UUID]*Contract)}
}

func (r *MemoryRepository) Create(ctx context.Context, c *Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[c.ID]; exists {
		return fmt.Errorf("failed to create contract: duplicate id %s", c.ID)
	}
	r.contracts[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, c *Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.contracts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.Version {
		return ErrConcurrentModification
	}
	c.Version++
	r.contracts[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepository) ListByParticipant(ctx context.Context, participantID string) ([]Contract, error) {
	return r.list(func(c *Contract) bool { return c.IsParty(participantID) }, true), nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Contract, error) {
	return r.list(func(c *Contract) bool {
		for _, s := range statuses {
			if c.Status == s {
				return true
			}
		}
		return false
	}, false), nil
}

func (r *MemoryRepository) list(match func(*Contract) bool, newestFirst bool) []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Contract
	for _, c := range r.contracts {
		if match(c) {
			out = append(out, *c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
