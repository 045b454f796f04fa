package eventstore

import (
	"sort"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// DefaultLimit applies to queries called with a limit <= 0.
const DefaultLimit = 100

// NormalizeLimit maps non-positive limits to DefaultLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// SortNewestFirst orders records by recordedAt descending, then eventId
// ascending, then sequence descending.
func SortNewestFirst(records []events.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.After(b.RecordedAt)
		}
		if a.Event.ID != b.Event.ID {
			return a.Event.ID < b.Event.ID
		}
		return a.Sequence > b.Sequence
	})
}

// SortOldestFirst orders records by recordedAt ascending, then eventId
// ascending, then sequence ascending.
func SortOldestFirst(records []events.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		if a.Event.ID != b.Event.ID {
			return a.Event.ID < b.Event.ID
		}
		return a.Sequence < b.Sequence
	})
}

func truncate(records []events.Record, limit int) []events.Record {
	if len(records) > limit {
		return records[:limit]
	}
	return records
}
