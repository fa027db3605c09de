// Package testutil provides shared test infrastructure: a quiet logger and
// Postgres and Redis containers for integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kanshi/internal/storage"
	"github.com/ashita-ai/kanshi/migrations"
)

// TestContainer wraps a testcontainers container with a DSN or URL for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a plain Postgres container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	return must(StartPostgres(context.Background()))
}

// MustStartRedis starts a Redis container. Calls os.Exit(1) on failure.
func MustStartRedis() *TestContainer {
	return must(StartRedis(context.Background()))
}

// StartPostgres starts a plain Postgres container. DSN is a postgres:// URL.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kanshi",
			"POSTGRES_PASSWORD": "kanshi",
			"POSTGRES_DB":       "kanshi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	return start(ctx, req, "5432", func(host, port string) string {
		return fmt.Sprintf("postgres://kanshi:kanshi@%s:%s/kanshi?sslmode=disable", host, port)
	})
}

// StartRedis starts a Redis container. DSN is a redis:// URL.
func StartRedis(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}
	return start(ctx, req, "6379", func(host, port string) string {
		return fmt.Sprintf("redis://%s:%s/0", host, port)
	})
}

func must(tc *TestContainer, err error) *TestContainer {
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	return tc
}

func start(ctx context.Context, req testcontainers.ContainerRequest, port string, dsn func(host, port string) string) (*TestContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container port: %w", err)
	}

	return &TestContainer{Container: container, DSN: dsn(host, mapped.Port())}, nil
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
