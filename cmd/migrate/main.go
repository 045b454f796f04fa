package main

import (
	"flag"
	"fmt"
	"log"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gormstore "github.com/narwhalmedia/backbone/internal/infrastructure/persistence/gorm"
	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/database"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML configuration file")
		driver     = flag.String("driver", "", "Database driver (postgres or sqlite), overrides store.database.driver")
		dsn        = flag.String("dsn", "", "Database DSN, overrides store.database.dsn")
		status     = flag.Bool("status", false, "Show migration status")
		dryRun     = flag.Bool("dry-run", false, "Show pending migrations without applying them")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dbCfg := cfg.Store.Database.ToDatabaseConfig()
	if *driver != "" {
		dbCfg.Driver = *driver
	}
	if *dsn != "" {
		dbCfg.DSN = *dsn
	}

	db, err := database.Open(dbCfg, gormlogger.Default.LogMode(gormlogger.Warn))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	switch {
	case *status:
		showMigrationStatus(db)
	case *dryRun:
		showPendingMigrations(db)
	default:
		runMigrations(db)
	}
}

// runMigrations applies all pending migrations
func runMigrations(db *gorm.DB) {
	fmt.Println("Running event store migrations...")

	if err := gormstore.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	fmt.Println("Migrations completed successfully!")
}

// showMigrationStatus displays the current migration status
func showMigrationStatus(db *gorm.DB) {
	pending, err := database.GetPendingMigrations(db, gormstore.Migrations()...)
	if err != nil {
		log.Fatalf("Failed to get pending migrations: %v", err)
	}

	migrations, err := database.GetAppliedMigrations(db)
	if err != nil {
		log.Fatalf("Failed to get migrations: %v", err)
	}

	if len(migrations) == 0 {
		fmt.Println("No migrations have been applied yet.")
	} else {
		fmt.Println("Applied migrations:")
		fmt.Println("==================")
		for _, m := range migrations {
			fmt.Printf("%s | %s | Applied at: %s\n", m.Version, m.Name, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
	}

	if len(pending) > 0 {
		fmt.Println("\nPending migrations:")
		fmt.Println("==================")
		for _, m := range pending {
			fmt.Printf("%s | %s\n", m.Version, m.Name)
		}
	} else {
		fmt.Println("\nAll migrations are up to date!")
	}
}

// showPendingMigrations displays migrations that would be applied
func showPendingMigrations(db *gorm.DB) {
	pending, err := database.GetPendingMigrations(db, gormstore.Migrations()...)
	if err != nil {
		log.Fatalf("Failed to get pending migrations: %v", err)
	}

	if len(pending) == 0 {
		fmt.Println("No pending migrations.")
		return
	}

	fmt.Println("Pending migrations that would be applied:")
	fmt.Println("========================================")
	for _, m := range pending {
		fmt.Printf("%s | %s\n", m.Version, m.Name)
	}
}
