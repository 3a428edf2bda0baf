package database

import (
	"context"
	"testing"

	"agrilink/contract-portal/contract-portal-backend/internal/config"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/negotiation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenMemoryDriver(t *testing.T) {
	stores, err := Open(context.Background(), config.DatabaseConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &contracts.MemoryRepository{}, stores.Contracts)
	assert.IsType(t, &ledger.MemoryStore{}, stores.Ledger)
	assert.IsType(t, &negotiation.MemoryStore{}, stores.Messages)
	assert.NoError(t, stores.Ping(context.Background()))
}
