package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/narwhalmedia/backbone/pkg/database"
)

// PostgresDSNEnv points the postgres tests at an existing server instead of
// a throwaway container.
const PostgresDSNEnv = "BACKBONE_TEST_POSTGRES_DSN"

// Postgres is a postgres database reserved for one test.
type Postgres struct {
	DSN string
	DB  *gorm.DB
}

// SetupPostgres connects to the server named by BACKBONE_TEST_POSTGRES_DSN,
// or starts a postgres container. The test is skipped in -short mode and
// when neither is available.
func SetupPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		dsn = startContainer(t)
	}

	db, err := database.Open(&database.Config{
		Driver:       database.DriverPostgres,
		DSN:          dsn,
		MaxOpenConns: 5,
		MaxIdleConns: 5,
	}, gormlogger.Default.LogMode(gormlogger.Silent))
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return &Postgres{DSN: dsn, DB: db}
}

func startContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("backbone"),
		tcpostgres.WithUsername("backbone"),
		tcpostgres.WithPassword("backbone"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return dsn
}

// Truncate empties tables so tests sharing a server start clean.
func (p *Postgres) Truncate(tables ...string) error {
	for _, table := range tables {
		if err := p.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s", table)).Error; err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
