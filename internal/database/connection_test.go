package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dental-scribe-server/internal/domain"
)

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:            "db",
		Port:            5433,
		Database:        "dental_scribe",
		Username:        "scribe",
		MaxOpenConns:    4,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Minute,
	})

	if cfg.MaxConns != 4 {
		t.Errorf("Expected MaxConns 4, got %d", cfg.MaxConns)
	}
	if cfg.MinConns != 4 {
		t.Errorf("Expected MinConns capped at 4, got %d", cfg.MinConns)
	}
	if cfg.SSLMode != "disable" {
		t.Errorf("Expected default sslmode disable, got %s", cfg.SSLMode)
	}
	if cfg.MaxConnLife != time.Minute {
		t.Errorf("Expected MaxConnLife 1m, got %v", cfg.MaxConnLife)
	}

	if got := ConfigFromDomain(domain.DatabaseConfig{}).MaxConns; got != 25 {
		t.Errorf("Expected default MaxConns 25, got %d", got)
	}
}

func TestDatabaseConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	// Get connection details
	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	// Test database connection
	config := Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    "testpass",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests

	db, err := NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}
	defer db.Close()

	// Test health check
	if err := db.Health(ctx); err != nil {
		t.Fatalf("Database health check failed: %v", err)
	}

	// Test connection pool stats
	stats := db.Stats()
	if stats.TotalConns() == 0 {
		t.Error("Expected at least one connection in pool")
	}

	t.Logf("Connection pool stats: Total=%d, Idle=%d, Used=%d",
		stats.TotalConns(), stats.IdleConns(), stats.AcquiredConns())
}
