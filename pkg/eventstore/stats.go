package eventstore

import (
	"time"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// Stats summarizes the content of a store.
type Stats struct {
	TotalRecords int                   `json:"totalRecords"`
	TotalEvents  int                   `json:"totalEvents"`
	ByStatus     map[events.Status]int `json:"byStatus"`
	ByName       map[string]int        `json:"byName"`
	BySource     map[string]int        `json:"bySource"`
	ByDate       map[string]int        `json:"byDate"`
	First        time.Time             `json:"first,omitempty"`
	Last         time.Time             `json:"last,omitempty"`
}

// DateLayout names the per-day groups of the file and object stores.
const DateLayout = "2006-01-02"

// Summarize computes Stats over records. Names, sources and dates count
// events once, on their published record.
func Summarize(records []events.Record) Stats {
	st := Stats{
		ByStatus: make(map[events.Status]int),
		ByName:   make(map[string]int),
		BySource: make(map[string]int),
		ByDate:   make(map[string]int),
	}
	seen := make(map[string]struct{})
	for _, r := range records {
		st.TotalRecords++
		st.ByStatus[r.Status]++
		if st.First.IsZero() || r.RecordedAt.Before(st.First) {
			st.First = r.RecordedAt
		}
		if r.RecordedAt.After(st.Last) {
			st.Last = r.RecordedAt
		}
		if _, ok := seen[r.Event.ID]; ok {
			continue
		}
		seen[r.Event.ID] = struct{}{}
		st.ByName[r.Event.Name]++
		st.BySource[r.Event.Source]++
		st.ByDate[r.RecordedAt.UTC().Format(DateLayout)]++
	}
	st.TotalEvents = len(seen)
	return st
}
