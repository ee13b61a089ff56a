// Command core runs the message-processing core: it loads configuration,
// wires the storage/session/credit/llm/platform/action/booking/persistence
// components into a worker manager, and serves an admin HTTP surface
// (/healthz, /metrics) until SIGTERM. Grounded on the teacher's gin-based
// handler wiring (internal/handlers/*.go) generalized from webhook routes
// into a minimal admin surface, since ingress is out of scope here (spec
// §1).
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/booking"
	"github.com/convoy-platform/message-core/internal/config"
	"github.com/convoy-platform/message-core/internal/credit"
	"github.com/convoy-platform/message-core/internal/llmclient"
	"github.com/convoy-platform/message-core/internal/manager"
	"github.com/convoy-platform/message-core/internal/persistence"
	"github.com/convoy-platform/message-core/internal/platform"
	"github.com/convoy-platform/message-core/internal/repository"
	"github.com/convoy-platform/message-core/internal/session"
	"github.com/convoy-platform/message-core/internal/storage"
	"github.com/convoy-platform/message-core/internal/storage/memstore"
	"github.com/convoy-platform/message-core/internal/storage/redisstore"
	"github.com/convoy-platform/message-core/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("core: load config", zap.Error(err))
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("core: init storage", zap.Error(err))
	}
	defer store.Close()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("core: open database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		logger.Fatal("core: run migrations", zap.Error(err))
	}

	repository.Open(db, repository.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	repo := repository.New(db, logger)

	sessions := session.New(store, repo, logger)
	ledger := credit.New(store, repo, logger)

	llm := llmclient.New(llmclient.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	}, logger)

	webchatBus := platform.NewInProcessBus()
	dispatcher := platform.NewDispatcher(
		platform.NewWhatsAppSender(cfg.Platform.WhatsAppBaseURL, logger),
		platform.NewInstagramSender(cfg.Platform.InstagramBaseURL, logger),
		platform.NewWebchatSender(webchatBus, logger),
	)

	calendarClient := booking.NewGoogleCalendarClient(cfg.Booking.ClientID, cfg.Booking.ClientSecret, cfg.Booking.CalendarBaseURL)
	booker := booking.New(repo, calendarClient, cfg.Booking.NoCredentialsMsg, logger)

	persist := persistence.New(repo, ledger, logger, cfg.Worker.Concurrency)
	defer persist.Shutdown(cfg.Server.ShutdownTimeout)

	workerFactory := func() *worker.Worker {
		return worker.New(worker.Config{
			LockTTL:        cfg.Worker.LockTTL,
			LockMaxRetries: cfg.Worker.LockMaxRetries,
			RateLimitRetry: worker.RateLimitRetryConfig{
				Enabled:        cfg.RateLimitRetry.Enabled,
				RetryDelays:    cfg.RateLimitRetry.RetryDelays,
				InitialMessage: cfg.RateLimitRetry.InitialMessage,
				FinalMessage:   cfg.RateLimitRetry.FinalMessage,
			},
		}, store, sessions, ledger, llm, dispatcher, booker, persist, logger)
	}

	mgr := manager.New(manager.Config{
		MinWorkers:         cfg.Manager.MinWorkers,
		MaxWorkers:         cfg.Manager.MaxWorkers,
		LeaseTTL:           cfg.Worker.LeaseTTL,
		ScaleUpThreshold:   cfg.Manager.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Manager.ScaleDownThreshold,
		CPUThreshold:       cfg.Manager.CPUThreshold,
		CPUScaleDownBelow:  cfg.Manager.CPUScaleDownBelow,
		CheckInterval:      cfg.Manager.CheckInterval,
		HealthWindow:       cfg.Manager.HealthWindow,
		MinSuccessRate:     cfg.Manager.MinSuccessRate,
		DrainTimeout:       cfg.Manager.DrainTimeout,
		Enabled:            cfg.Manager.Enabled,
	}, store, workerFactory, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mgr.Start(ctx)

	srv := newAdminServer(cfg.Server, logger, mgr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("core: admin server stopped unexpectedly", zap.Error(err))
		}
	}()

	logger.Info("core: started", zap.Int("min_workers", cfg.Manager.MinWorkers))

	<-ctx.Done()
	logger.Info("core: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("core: admin server shutdown error", zap.Error(err))
	}
	mgr.Shutdown()
	logger.Info("core: shutdown complete")
}

func newStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Redis.Addr == "" {
		return memstore.New(), nil
	}
	return redisstore.New(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := buildDSN(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func buildDSN(cfg config.DatabaseConfig) string {
	return "host=" + cfg.Host +
		" port=" + strconv.Itoa(cfg.Port) +
		" dbname=" + cfg.Name +
		" user=" + cfg.User +
		" password=" + cfg.Password +
		" sslmode=" + cfg.SSLMode
}

func newAdminServer(cfg config.ServerConfig, logger *zap.Logger, mgr *manager.Manager) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_workers": mgr.ActiveWorkerCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:              cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
