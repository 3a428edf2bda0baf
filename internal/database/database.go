package database

import (
	"context"
	"fmt"

	"agrilink/contract-portal/contract-portal-backend/internal/config"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	"agrilink/contract-portal/contract-portal-backend/internal/milestones"
	"agrilink/contract-portal/contract-portal-backend/internal/negotiation"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Stores bundles the persistence behind every service
type Stores struct {
	Contracts contracts.Repository
	Ledger    ledger.Store
	Messages  negotiation.Store

	db *sqlx.DB
}

// Open connects the configured driver. Postgres shares one connection pool
// between sqlx (ledger) and gorm (contracts, milestones, messages).
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Stores, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory stores; data is lost on restart")
		return &Stores{
			Contracts: contracts.NewMemoryRepository(),
			Ledger:    ledger.NewMemoryStore(),
			Messages:  negotiation.NewMemoryStore(),
		}, nil
	}

	logger.Info("connecting to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_name", cfg.DBName))

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}

	ledgerStore := ledger.NewPostgresStore(db)
	if cfg.AutoMigrate {
		if err := migrate(ctx, gdb, ledgerStore); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("database schema migrated")
	}

	return &Stores{
		Contracts: contracts.NewGormRepository(gdb),
		Ledger:    ledgerStore,
		Messages:  negotiation.NewGormStore(gdb),
		db:        db,
	}, nil
}

func migrate(ctx context.Context, gdb *gorm.DB, ledgerStore *ledger.PostgresStore) error {
	if err := gdb.WithContext(ctx).AutoMigrate(
		&contracts.Contract{},
		&milestones.Milestone{},
		&negotiation.Message{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := ledgerStore.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Ping reports whether the database answers; memory stores always do
func (s *Stores) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
