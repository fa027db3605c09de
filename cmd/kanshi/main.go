package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanshi/internal/agent"
	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/auth"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/classifier"
	"github.com/ashita-ai/kanshi/internal/config"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/mcp"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/server"
	"github.com/ashita-ai/kanshi/internal/service/guard"
	"github.com/ashita-ai/kanshi/internal/sqlitestore"
	"github.com/ashita-ai/kanshi/internal/storage"
	"github.com/ashita-ai/kanshi/internal/telemetry"
	"github.com/ashita-ai/kanshi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	level.Set(logLevel(os.Getenv("KANSHI_LOG_LEVEL")))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// backend is the selected audit and message storage.
type backend struct {
	sink     audit.Sink
	messages dispatch.MessageStore
	pinger   guard.Pinger
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		// RunMigrations tracks applied files and skips duplicates, so an
		// error here is a real failure.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return backend{}, fmt.Errorf("migrations: %w", err)
		}
		return backend{sink: db, messages: db, pinger: db, close: db.Close}, nil

	case config.StorageSQLite:
		st, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return backend{}, fmt.Errorf("sqlite: %w", err)
		}
		return backend{sink: st, messages: st, pinger: st, close: func() { _ = st.Close() }}, nil

	default:
		return backend{
			sink:     audit.NewMemorySink(cfg.AuditMax),
			messages: dispatch.NewMemoryMessages(),
			close:    func() {},
		}, nil
	}
}

func openLimiterStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Store, error) {
	if cfg.RedisURL == "" {
		logger.Info("rate limiting: memory (in-process sliding window)")
		return ratelimit.NewMemoryStore(), nil
	}
	rs, err := ratelimit.NewRedisStoreFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("rate limiting: redis")
	return rs, nil
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(logLevel(cfg.LogLevel))

	slog.Info("kanshi starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// Load the catalog once up front. A broken catalog is reported by
	// /health and every request until it is fixed and reloaded.
	store := catalog.NewStore(catalog.NewFileSource(cfg.EndpointsFile, cfg.PermissionsFile), cfg.CatalogTTL, logger)
	if snap, err := store.Load(ctx); err != nil {
		logger.Error("catalog load failed", "error", err)
	} else {
		logger.Info("catalog loaded", "endpoints", len(snap.Endpoints()), "loaded_at", snap.LoadedAt())
	}

	limiterStore, err := openLimiterStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(limiterStore, be.sink, logger)
	defer func() { _ = limiter.Close() }()

	evaluator := permission.New(store, be.sink, logger)

	runner := agent.NewRunner(
		agent.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, cfg.LLMMaxRetries, logger),
		evaluator,
		agent.NewHTTPExecutor(cfg.ActionTimeout),
		logger,
	)

	coord := dispatch.New(dispatch.Config{
		RateLimit:     cfg.AgentRateLimit,
		RateWindow:    cfg.AgentRateWindow,
		FallbackAgent: cfg.FallbackAgent,
		DisplayName:   agent.DisplayName,
	}, dispatch.Deps{
		Classifier: classifier.NewKeyword(classifier.DefaultKeywords),
		Prompts:    agent.NewHistoryPrompts(be.messages, cfg.HistoryLimit, logger),
		Invoker:    runner,
		Messages:   be.messages,
		Limiter:    limiter,
		Audit:      be.sink,
		Logger:     logger,
	})

	svc := guard.New(guard.Deps{
		Catalog:     store,
		Evaluator:   evaluator,
		Coordinator: coord,
		Audit:       be.sink,
		Messages:    be.messages,
		Storage:     be.pinger,
		StorageKind: cfg.Storage,
		Version:     version,
		Logger:      logger,
	})

	var (
		jwtMgr  *auth.JWTManager
		keyring *auth.Keyring
	)
	if cfg.AuthDisabled {
		logger.Warn("auth: disabled (KANSHI_AUTH_DISABLED=true)")
	} else {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		keyring, err = auth.NewKeyring(cfg.APIKeys)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: enabled", "users", len(keyring.Users()))
	}

	mcpSrv := mcp.New(svc, logger, version)

	srv := server.New(server.ServerConfig{
		Guard:               svc,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TokenRateLimit:      cfg.TokenRateLimit,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("kanshi shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("kanshi stopped")
	return nil
}
