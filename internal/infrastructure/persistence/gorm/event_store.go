package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
)

const loadBatchSize = 1000

var _ eventstore.Backend = (*Backend)(nil)

// Backend persists ledger records as rows of event_records.
type Backend struct {
	db      *gorm.DB
	cleanup func()
}

// NewBackend creates a backend over db. cleanup, if set, runs on Close.
func NewBackend(db *gorm.DB, cleanup func()) *Backend {
	return &Backend{db: db, cleanup: cleanup}
}

// OpenEventStore returns a ledger whose records live in db.
func OpenEventStore(ctx context.Context, db *gorm.DB, cleanup func(), opts ...eventstore.Option) (*eventstore.Store, error) {
	return eventstore.Open(ctx, NewBackend(db, cleanup), opts...)
}

// Persist inserts one record. The unique transition index turns a second
// writer racing on the same transition into a DuplicateEvent error.
func (b *Backend) Persist(ctx context.Context, r events.Record) error {
	model, err := toRecordModel(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	result := b.db.WithContext(ctx).Create(model)
	if result.Error != nil {
		if apperrors.IsDuplicateError(result.Error) {
			return apperrors.DuplicateEvent(r.Event.ID)
		}
		return fmt.Errorf("failed to save record: %w", result.Error)
	}
	return nil
}

// Load reads every record in sequence order.
func (b *Backend) Load(ctx context.Context) ([]events.Record, error) {
	var (
		models  []RecordModel
		records []events.Record
	)
	result := b.db.WithContext(ctx).
		Order("sequence ASC").
		FindInBatches(&models, loadBatchSize, func(tx *gorm.DB, batch int) error {
			for i := range models {
				r, err := models[i].ToDomain()
				if err != nil {
					return err
				}
				records = append(records, r)
			}
			return nil
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load records: %w", result.Error)
	}
	return records, nil
}

// Close runs the cleanup handed to NewBackend.
func (b *Backend) Close() error {
	if b.cleanup != nil {
		b.cleanup()
	}
	return nil
}
