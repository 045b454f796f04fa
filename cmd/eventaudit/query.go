package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
)

// query selects what to read from the store. The first non-empty selector
// wins, in field order.
type query struct {
	EventID       string
	CorrelationID string
	Source        string
	Name          string
	Since         time.Duration
	Stats         bool
	Limit         int
}

func (q query) run(ctx context.Context, store *eventstore.Store, now time.Time, w io.Writer) error {
	enc := json.NewEncoder(w)

	if q.Stats {
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(st)
	}

	var (
		records []events.Record
		err     error
	)
	switch {
	case q.EventID != "":
		records, err = store.History(ctx, q.EventID)
	case q.CorrelationID != "":
		records, err = store.GetEventsByCorrelationID(ctx, q.CorrelationID)
	case q.Source != "":
		records, err = store.GetEventsBySource(ctx, q.Source, q.Limit)
	case q.Name != "":
		records, err = store.GetEventsByName(ctx, q.Name, q.Limit)
	case q.Since > 0:
		records, err = store.GetEventsSince(ctx, now.Add(-q.Since), q.Limit)
	default:
		return apperrors.Validation("one of -event, -correlation, -source, -name, -since or -stats is required")
	}
	if err != nil {
		return err
	}

	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
