package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huntaze/ai-governor/internal/agents"
	"github.com/huntaze/ai-governor/internal/billing"
	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/internal/costmodel"
	"github.com/huntaze/ai-governor/internal/gateway"
	"github.com/huntaze/ai-governor/internal/knowledge"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/internal/notifications"
	"github.com/huntaze/ai-governor/internal/orchestrator"
	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/internal/quota"
	"github.com/huntaze/ai-governor/internal/ratelimit"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/events"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting AI governor")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)

	costs := costmodel.New()
	usageLedger := ledger.New(ledger.NewPostgresStore(db), costs, logger)
	knowledgeStore := knowledge.NewStore(knowledge.NewPostgresRepository(db), cfg.Knowledge.CapacityPerTenant, logger)
	guard := quota.NewGuard(usageLedger, redisCache, eventBus, logger)
	limiter := ratelimit.NewLimiter(redisCache, eventBus, logger)
	providerClient := provider.NewHTTPClient(cfg.Provider, logger)

	orch := orchestrator.New(agents.Deps{
		Knowledge:   knowledgeStore,
		Provider:    providerClient,
		Ledger:      usageLedger,
		Logger:      logger,
		Model:       cfg.Provider.DefaultModel,
		CallTimeout: cfg.Provider.CallTimeout,
		MaxAttempts: cfg.Provider.MaxAttempts,
		BackoffBase: cfg.Provider.BackoffBase,
	}, guard, logger)
	logger.Info("initialized orchestrator")

	notificationService := notifications.NewService(cfg.Notifications, redisCache, eventBus, logger)
	notificationService.Start()
	defer notificationService.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exporter := billing.NewExporter(cfg.Billing, db, usageLedger, logger)
	exporter.Start(ctx)
	defer exporter.Stop()
	logger.Info("started billing jobs")

	gw := gateway.New(gateway.Deps{
		DB:           db,
		Cache:        redisCache,
		Resolver:     gateway.NewAuthenticator(db, redisCache, logger),
		Limiter:      limiter,
		Guard:        guard,
		Orchestrator: orch,
		Ledger:       usageLedger,
		Knowledge:    knowledgeStore,
		Costs:        costs,
		Bus:          eventBus,
		Logger:       logger,
		AdminToken:   cfg.Security.AdminAPIToken,
		ProviderCfg:  cfg.Provider,
	})
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
