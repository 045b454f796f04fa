package gorm

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/narwhalmedia/backbone/pkg/database"
	"github.com/narwhalmedia/backbone/pkg/events"
)

// RecordModel is one row of the event ledger.
type RecordModel struct {
	Sequence      int64     `gorm:"primaryKey;autoIncrement:false"`
	EventID       string    `gorm:"size:64;not null;index"`
	EventName     string    `gorm:"size:255;not null;index"`
	Source        string    `gorm:"size:255;not null;index"`
	Kind          string    `gorm:"size:32;not null"`
	CorrelationID string    `gorm:"size:64;index"`
	Status        string    `gorm:"size:32;not null;index"`
	Handler       string    `gorm:"size:255"`
	Attempt       int       `gorm:"not null;default:0"`
	Error         string    `gorm:"type:text"`
	RecordedAt    time.Time `gorm:"not null;index"`
	Envelope      []byte    `gorm:"not null"`
}

// TableName specifies the table name
func (RecordModel) TableName() string {
	return "event_records"
}

// Migrations returns the schema migrations of the ledger, oldest first.
func Migrations() []database.MigrationEntry {
	return []database.MigrationEntry{
		{
			Version: "20250601000001",
			Name:    "create_event_records",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RecordModel{})
			},
		},
		{
			Version: "20250601000002",
			Name:    "unique_event_transition",
			Up: func(tx *gorm.DB) error {
				err := tx.Exec(`CREATE UNIQUE INDEX idx_event_records_transition
					ON event_records (event_id, status, handler, attempt)`).Error
				if database.IsAlreadyExists(err) {
					return nil
				}
				return err
			},
		},
	}
}

func toRecordModel(r events.Record) (*RecordModel, error) {
	envelope, err := json.Marshal(r.Event)
	if err != nil {
		return nil, err
	}
	return &RecordModel{
		Sequence:      r.Sequence,
		EventID:       r.Event.ID,
		EventName:     r.Event.Name,
		Source:        r.Event.Source,
		Kind:          string(r.Event.Kind),
		CorrelationID: r.Event.Metadata.CorrelationID,
		Status:        string(r.Status),
		Handler:       r.Handler,
		Attempt:       r.Attempt,
		Error:         r.Error,
		RecordedAt:    r.RecordedAt.UTC(),
		Envelope:      envelope,
	}, nil
}

// ToDomain converts a RecordModel to an events.Record
func (m *RecordModel) ToDomain() (events.Record, error) {
	var e events.Event
	if err := json.Unmarshal(m.Envelope, &e); err != nil {
		return events.Record{}, fmt.Errorf("decode envelope of record %d: %w", m.Sequence, err)
	}
	return events.Record{
		Sequence:   m.Sequence,
		Event:      e,
		Status:     events.Status(m.Status),
		Handler:    m.Handler,
		Attempt:    m.Attempt,
		Error:      m.Error,
		RecordedAt: m.RecordedAt.UTC(),
	}, nil
}
