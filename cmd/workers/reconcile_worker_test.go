package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/settlement"
)

func newTestReconciler() *settlement.Reconciler {
	l := ledger.NewLedger(ledger.NewMemoryStore(), zap.NewNop())
	return settlement.NewReconciler(contracts.NewMemoryRepository(), settlement.NewAuditor(l), 2, zap.NewNop())
}

func TestReconcileWorkerRejectsBadSchedule(t *testing.T) {
	w := NewReconcileWorker(newTestReconciler(), "every now and then", zap.NewNop())
	assert.Error(t, w.Start(context.Background()))
}

func TestReconcileWorkerStartsAndStops(t *testing.T) {
	w := NewReconcileWorker(newTestReconciler(), "@every 1h", zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	assert.Len(t, w.cron.Entries(), 1)
	assert.False(t, w.running)
	w.Stop()
}
