package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agrilink/contract-portal/contract-portal-backend/internal/auth"
	"agrilink/contract-portal/contract-portal-backend/internal/config"
	"agrilink/contract-portal/contract-portal-backend/internal/contracts"
	"agrilink/contract-portal/contract-portal-backend/internal/database"
	"agrilink/contract-portal/contract-portal-backend/internal/events"
	"agrilink/contract-portal/contract-portal-backend/internal/ledger"
	applog "agrilink/contract-portal/contract-portal-backend/internal/logger"
	"agrilink/contract-portal/contract-portal-backend/internal/metrics"
	"agrilink/contract-portal/contract-portal-backend/internal/negotiation"
	"agrilink/contract-portal/contract-portal-backend/internal/settlement"
	"agrilink/contract-portal/contract-portal-backend/internal/uploads"
	"agrilink/contract-portal/contract-portal-backend/pkg/keylock"
	"agrilink/contract-portal/contract-portal-backend/pkg/storage"
)

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

	ctx := context.Background()

	stores, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	// Core services share one per-contract lock
	locks := keylock.New()
	machine := contracts.NewStateMachine()
	wallet := ledger.NewLedger(stores.Ledger, logger)
	hub := negotiation.NewHub(stores.Messages, stores.Contracts, machine, locks, cfg.Negotiation.BufferSize, logger)

	bus := events.NewBus(logger)
	if cfg.Events.SNSTopicARN != "" {
		awsCfg, err := cfg.AWS.Load(ctx)
		if err != nil {
			logger.Fatal("Failed to load AWS config", zap.Error(err))
		}
		forwarder := events.NewSNSForwarder(sns.NewFromConfig(awsCfg), cfg.Events.SNSTopicARN, logger)
		if err := forwarder.Attach(bus, events.LogisticsTopics...); err != nil {
			logger.Fatal("Failed to attach SNS forwarder", zap.Error(err))
		}
		logger.Info("Forwarding logistics events to SNS", zap.String("topic_arn", cfg.Events.SNSTopicARN))
	}

	coordinator := settlement.NewCoordinator(stores.Contracts, wallet, machine, locks, hub, bus, logger)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to configure blob store", zap.Error(err))
	}

	issuer := auth.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.TokenTTL)

	// Setup Router
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors(cfg.Server.AllowedOrigins))
	if cfg.Metrics.Enabled {
		router.Use(metrics.Middleware())
		router.GET(cfg.Metrics.Path, metrics.Handler())
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if err := stores.Ping(c.Request.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC(),
		})
	})

	// Register Routes
	public := router.Group("/api/v1")
	protected := router.Group("/api/v1", auth.Middleware(issuer))
	{
		auth.RegisterRoutes(public, protected, auth.NewHandler(issuer, cfg.Security.DevTokens, logger))
		settlement.RegisterRoutes(protected, settlement.NewHandler(coordinator, machine, logger))
		settlement.RegisterWalletRoutes(protected, settlement.NewWalletHandler(wallet, logger))

		server := negotiation.NewServer(hub, settlement.Classify, cfg.Server.AllowedOrigins, logger)
		negotiation.RegisterRoutes(protected, negotiation.NewHandler(hub, server, settlement.Classify, logger))
		uploads.RegisterRoutes(protected, uploads.NewHandler(blobs, cfg.Storage.MaxUploadSize, logger))
	}

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Provider))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	bus.Wait()

	logger.Info("Server exiting")
}

func newBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "s3":
		awsCfg, err := cfg.AWS.Load(ctx)
		if err != nil {
			return nil, err
		}
		client := storage.NewS3Client(awsCfg, cfg.Storage.S3.Endpoint)
		return storage.NewS3Store(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix), nil
	case "cloudinary":
		cld := cfg.Storage.Cloudinary
		return storage.NewCloudinaryStore(cld.CloudName, cld.APIKey, cld.APISecret, cld.Folder)
	case "memory":
		return storage.NewMemoryStore(cfg.Storage.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", cfg.Storage.Provider)
	}
}

// cors allows the configured origins. With none listed no CORS headers are
// sent, so browsers stay same-origin; "*" opts in to every origin.
func cors(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allow := ""
		switch {
		case origin == "":
		case origins["*"]:
			allow = "*"
		case origins[origin]:
			allow = origin
		}
		if allow != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allow)
			c.Writer.Header().Set("Vary", "Origin")
			if allow != "*" {
				c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
