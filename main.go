package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/auth"
	"github.com/fieldline-io/fieldline/pkg/cache"
	"github.com/fieldline-io/fieldline/pkg/config"
	"github.com/fieldline-io/fieldline/pkg/database"
	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/handlers"
	"github.com/fieldline-io/fieldline/pkg/logging"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/middleware"
	"github.com/fieldline-io/fieldline/pkg/orchestrator"
	"github.com/fieldline-io/fieldline/pkg/repositories"
	"github.com/fieldline-io/fieldline/pkg/retry"
	"github.com/fieldline-io/fieldline/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("port", cfg.Port),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr := cfg.Database.ConnectionString()

	// Control-plane migrations run through database/sql; the engine itself
	// talks to Postgres through pgxpool.
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.String("error", logging.SanitizeError(err)))
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("Failed to close migration connection", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:             connStr,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxConnLifetime: cfg.Database.ConnLifetime(),
		MaxConnIdleTime: cfg.Database.ConnIdleTime(),
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.String("error", logging.SanitizeError(err)))
	}
	defer db.Close()

	m := mapper.New()
	schemaCache := cache.New(m, logger)
	bus := eventbus.New(logger,
		eventbus.WithMaxAttempts(cfg.Events.MaxAttempts),
		eventbus.WithRedeliveryDelay(cfg.Events.RedeliveryDelay()))
	defer bus.Close()

	gw := gateway.New(db, logger)
	schemaRepo := repositories.NewSchemaDefinitionRepository(db)
	runRepo := repositories.NewMigrationRunRepository(db)

	schemaService := services.NewSchemaService(schemaRepo, schemaCache, gw, m, bus, logger)
	schemaService.Register(bus)
	recordService := services.NewRecordService(schemaCache, gw, retry.DefaultConfig(), logger)

	orch := orchestrator.New(gw, schemaCache, m, schemaRepo, runRepo, bus, orchestrator.Config{
		BatchSize:    cfg.Migration.BatchSize,
		DrainTimeout: cfg.Migration.DrainTimeout(),
	}, logger)
	orch.Register(bus)
	defer orch.Close()

	if err := schemaService.WarmCache(ctx); err != nil {
		logger.Fatal("Failed to warm schema cache", zap.String("error", logging.SanitizeError(err)))
	}
	if err := orch.Resume(ctx); err != nil {
		logger.Error("Failed to resume interrupted migrations", zap.String("error", logging.SanitizeError(err)))
	}

	authService := auth.NewAuthService(cfg.Auth, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewSchemaHandler(schemaService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewRecordHandler(recordService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewMigrationHandler(runRepo, orch, bus, logger).RegisterRoutes(mux, authMiddleware)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting fieldline engine",
		zap.String("addr", server.Addr),
		zap.String("version", cfg.Version))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}
