package database

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Migration is the row written to schema_migrations once a version is applied.
type Migration struct {
	ID        uint      `gorm:"primaryKey"`
	Version   string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// TableName keeps the bookkeeping table apart from the ledger tables.
func (Migration) TableName() string {
	return "schema_migrations"
}

// MigrationFunc applies one schema change inside a transaction.
type MigrationFunc func(tx *gorm.DB) error

// MigrationEntry is a versioned schema change. Versions sort lexically,
// so timestamps such as 20250601000001 keep them in order.
type MigrationEntry struct {
	Version string
	Name    string
	Up      MigrationFunc
}

// Migrator applies entries in version order, each in its own transaction.
type Migrator struct {
	db      *gorm.DB
	entries []MigrationEntry
}

// NewMigrator sorts entries by version.
func NewMigrator(db *gorm.DB, entries ...MigrationEntry) *Migrator {
	sorted := append([]MigrationEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{db: db, entries: sorted}
}

func (m *Migrator) check() error {
	for i, e := range m.entries {
		if e.Version == "" || e.Up == nil {
			return fmt.Errorf("migration %d (%s) needs a version and an Up func", i, e.Name)
		}
		if i > 0 && m.entries[i-1].Version == e.Version {
			return fmt.Errorf("duplicate migration version %s", e.Version)
		}
	}
	return nil
}

// Migrate applies every pending entry. It stops at the first failure; the
// failed entry and those after it stay pending.
func (m *Migrator) Migrate() error {
	pending, err := m.Pending()
	if err != nil {
		return err
	}

	for _, e := range pending {
		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := e.Up(tx); err != nil {
				return err
			}
			return tx.Create(&Migration{
				Version:   e.Version,
				Name:      e.Name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s (%s): %w", e.Version, e.Name, err)
		}
	}
	return nil
}

// Applied returns the recorded migrations, newest first.
func (m *Migrator) Applied() ([]Migration, error) {
	if err := m.db.AutoMigrate(&Migration{}); err != nil {
		return nil, fmt.Errorf("create %s: %w", Migration{}.TableName(), err)
	}
	var applied []Migration
	if err := m.db.Order("version DESC").Find(&applied).Error; err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return applied, nil
}

// Pending returns the entries not applied yet, oldest first.
func (m *Migrator) Pending() ([]MigrationEntry, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	applied, err := m.Applied()
	if err != nil {
		return nil, err
	}

	done := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		done[a.Version] = struct{}{}
	}
	var pending []MigrationEntry
	for _, e := range m.entries {
		if _, ok := done[e.Version]; !ok {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// IsAlreadyExists reports whether err comes from creating an object that
// exists, in the wording of postgres or sqlite.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key")
}
