package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newPostgresLedger connects to AGRI_TEST_DATABASE_URL or skips
func newPostgresLedger(t *testing.T) *Ledger {
	t.Helper()
	url := os.Getenv("AGRI_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AGRI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))
	return NewLedger(store, zap.NewNop())
}

func TestPostgresConcurrentReservesNeverOverdraw(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	owner := "buyer-" + uuid.NewString()

	_, err := l.Deposit(ctx, owner, dec("150000"), "")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Reserve(ctx, owner, uuid.New(), dec("100000"))
			var insufficient *InsufficientFundsError
			if err != nil && !errors.As(err, &insufficient) {
				t.Errorf("unexpected reserve error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	balance, err := l.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("50000")), "balance %s", balance)
}

func TestPostgresConcurrentReservesForOneContractShareEntry(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	owner := "buyer-" + uuid.NewString()
	contractID := uuid.New()

	_, err := l.Deposit(ctx, owner, dec("150000"), "")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := l.Reserve(ctx, owner, contractID, dec("100000"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[entry.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	balance, err := l.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("50000")), "balance %s", balance)
}

func TestPostgresCancelFreesReservationSlot(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	owner := "buyer-" + uuid.NewString()
	contractID := uuid.New()

	_, err := l.Deposit(ctx, owner, dec("1500"), "")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, owner, contractID, dec("1000"))
	require.NoError(t, err)

	_, cancelled, err := l.CancelReservation(ctx, contractID, "acceptance not committed")
	require.NoError(t, err)
	assert.True(t, cancelled)
	_, cancelled, err = l.CancelReservation(ctx, contractID, "again")
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = l.Reserve(ctx, owner, contractID, dec("1200"))
	require.NoError(t, err)

	balance, err := l.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("300")), "balance %s", balance)
}
