package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"agrilink/contract-portal/contract-portal-backend/internal/config"
	"agrilink/contract-portal/contract-portal-backend/internal/database"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	applog "agrilink/contract-portal/contract-portal-backend/internal/logger"
	"agrilink/contract-portal/contract-portal-backend/internal/settlement"
)

// ReconcileWorker runs the escrow reconciliation pass on a cron schedule
type ReconcileWorker struct {
	cron       *cron.Cron
	reconciler *settlement.Reconciler
	logger     *zap.Logger
	schedule   string

	// passes do not overlap; a tick that finds one running is skipped
	mu      sync.Mutex
	running bool
}

// NewReconcileWorker creates a new reconciliation worker
func NewReconcileWorker(reconciler *settlement.Reconciler, schedule string, logger *zap.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		cron:       cron.New(),
		reconciler: reconciler,
		logger:     logger,
		schedule:   schedule,
	}
}

// Start registers the schedule, runs one pass immediately and starts the scheduler
func (w *ReconcileWorker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.runOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid reconciliation schedule %q: %w", w.schedule, err)
	}

	w.logger.Info("Starting reconciliation worker", zap.String("schedule", w.schedule))
	w.runOnce(ctx)
	w.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish
func (w *ReconcileWorker) Stop() {
	done := w.cron.Stop()
	<-done.Done()
}

func (w *ReconcileWorker) runOnce(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.logger.Warn("Previous reconciliation still running, skipping tick")
		return
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	report, err := w.reconciler.Run(ctx)
	if err != nil {
		w.logger.Error("Reconciliation failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("findings", len(report.Findings)),
		zap.Duration("duration", report.Duration),
	}
	if len(report.Findings) > 0 {
		w.logger.Warn("Reconciliation found inconsistencies", fields...)
		return
	}
	w.logger.Info("Reconciliation completed", fields...)
}

func main() {
	cfg, err := config.LoadConfig(os.Getenv("AGRI_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := applog.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Database.Driver == "memory" {
		logger.Fatal("Reconciliation worker needs a shared database; memory driver is not supported")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	if err := stores.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Connected to database")

	auditor := settlement.NewAuditor(ledger.NewLedger(stores.Ledger, logger))
	reconciler := settlement.NewReconciler(stores.Contracts, auditor, cfg.Reconciliation.Workers, logger)
	worker := NewReconcileWorker(reconciler, cfg.Reconciliation.Schedule, logger)

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Worker error", zap.Error(err))
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	worker.Stop()
	logger.Info("Reconciliation worker stopped")
}
