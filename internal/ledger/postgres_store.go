package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Schema creates the ledger table. The partial unique indexes back the
// at-most-once release and cancel slots even if two processes race; the
// one-open-reserve rule is held by the slot advisory lock.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id              UUID PRIMARY KEY,
	wallet_owner_id TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount          NUMERIC(20,2) NOT NULL CHECK (amount > 0),
	contract_id     UUID,
	milestone_id    UUID,
	reverses_id     UUID REFERENCES ledger_entries (id),
	reference       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
ALTER TABLE ledger_entries ADD COLUMN IF NOT EXISTS reverses_id UUID REFERENCES ledger_entries (id);
DROP INDEX IF EXISTS uq_ledger_reserve_slot;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner ON ledger_entries (wallet_owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_contract ON ledger_entries (contract_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_release_slot
	ON ledger_entries (contract_id, milestone_id) WHERE type = 'escrow_release';
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_cancel_slot
	ON ledger_entries (reverses_id) WHERE type = 'escrow_cancel';
`

const entryColumns = `id, wallet_owner_id, type, amount, contract_id, milestone_id, reverses_id, reference, created_at`

// PostgresStore implements Store on PostgreSQL. Guarded appends run in a
// transaction holding advisory locks on the slot and the owner.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry, guard Guard) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockKey(ctx, tx, "owner:"+e.WalletOwnerID); err != nil {
			return err
		}
		return s.guardedInsert(ctx, tx, e, guard)
	})
}

func (s *PostgresStore) AppendOnce(ctx context.Context, e *Entry, guard Guard) (*Entry, bool, error) {
	var (
		result   *Entry
		appended bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// slot before owner, always in this order
		if err := lockKey(ctx, tx, slotKey(e)); err != nil {
			return err
		}
		existing, err := findSlot(ctx, tx, e)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}
		if err := lockKey(ctx, tx, "owner:"+e.WalletOwnerID); err != nil {
			return err
		}
		if err := s.guardedInsert(ctx, tx, e, guard); err != nil {
			return err
		}
		stored := *e
		result, appended = &stored, true
		return nil
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// lost a race with a writer that bypassed the advisory lock
			existing, findErr := findSlot(ctx, s.db, e)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return result, appended, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]Entry, error) {
	var entries []Entry
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_owner_id = $1 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &entries, query, owner); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) ListByContract(ctx context.Context, contractID uuid.UUID) ([]Entry, error) {
	var entries []Entry
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE contract_id = $1 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &entries, query, contractID); err != nil {
		return nil, fmt.Errorf("failed to list contract ledger entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) guardedInsert(ctx context.Context, tx *sqlx.Tx, e *Entry, guard Guard) error {
	if guard != nil {
		var balance decimal.Decimal
		query := `
			SELECT COALESCE(SUM(CASE WHEN type IN ('deposit', 'escrow_release', 'escrow_cancel') THEN amount ELSE -amount END), 0)
			FROM ledger_entries
			WHERE wallet_owner_id = $1
		`
		if err := tx.GetContext(ctx, &balance, query, e.WalletOwnerID); err != nil {
			return fmt.Errorf("failed to compute balance: %w", err)
		}
		if err := guard(balance); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (:id, :wallet_owner_id, :type, :amount, :contract_id, :milestone_id, :reverses_id, :reference, :created_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

func lockKey(ctx context.Context, tx *sqlx.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	return nil
}

// slotKey names the advisory lock for e's slot. Reserves and cancels of one
// contract share a key so a cancel cannot interleave with a new reserve.
func slotKey(e *Entry) string {
	typ := e.Type
	if typ == EntryEscrowCancel {
		typ = EntryEscrowReserve
	}
	key := "slot:" + string(typ)
	if e.ContractID != nil {
		key += ":" + e.ContractID.String()
	}
	if e.MilestoneID != nil {
		key += ":" + e.MilestoneID.String()
	}
	return key
}

func findSlot(ctx context.Context, q sqlx.QueryerContext, e *Entry) (*Entry, error) {
	var (
		query string
		args  []interface{}
	)
	switch e.Type {
	case EntryEscrowReserve:
		query = `
			SELECT ` + entryColumns + `
			FROM ledger_entries r
			WHERE r.type = 'escrow_reserve'
			  AND r.contract_id = $1
			  AND NOT EXISTS (
				SELECT 1 FROM ledger_entries c
				WHERE c.type = 'escrow_cancel' AND c.reverses_id = r.id
			  )
			LIMIT 1
		`
		args = []interface{}{e.ContractID}
	case EntryEscrowCancel:
		query = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE type = 'escrow_cancel' AND reverses_id = $1 LIMIT 1`
		args = []interface{}{e.ReversesID}
	default:
		query = `
			SELECT ` + entryColumns + `
			FROM ledger_entries
			WHERE type = $1
			  AND contract_id IS NOT DISTINCT FROM $2
			  AND milestone_id IS NOT DISTINCT FROM $3
			LIMIT 1
		`
		args = []interface{}{e.Type, e.ContractID, e.MilestoneID}
	}

	var existing Entry
	err := sqlx.GetContext(ctx, q, &existing, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger slot: %w", err)
	}
	return &existing, nil
}
