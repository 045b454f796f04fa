package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
)

// Backend persists records for a Store. Persist is called with the event's
// lock held and before the record becomes visible to readers.
type Backend interface {
	Persist(ctx context.Context, record events.Record) error
	Load(ctx context.Context) ([]events.Record, error)
	Close() error
}

// Store is an append-only event ledger. Writes are serialized per eventId;
// reads work on an immutable snapshot and take no lock.
type Store struct {
	backend Backend
	now     func() time.Time

	locks      *KeyedMutex
	lifecycles sync.Map // eventId -> *events.Lifecycle
	seq        atomic.Int64

	// mu orders index writes; readers never take it.
	mu            sync.Mutex
	snap          atomic.Pointer[snapshot]
	bySource      sync.Map // string -> *postings
	byName        sync.Map
	byCorrelation sync.Map
	byEvent       sync.Map

	closed atomic.Bool
}

// snapshot is the published prefix of the record log. Positions below
// len(records) are never rewritten.
type snapshot struct {
	records []events.Record
}

type postings struct {
	p atomic.Pointer[[]int]
}

func (p *postings) load() []int {
	if v := p.p.Load(); v != nil {
		return *v
	}
	return nil
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp records without a recordedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func newStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		locks:   NewKeyedMutex(),
	}
	s.snap.Store(&snapshot{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore returns a store that keeps records in process memory only.
func NewMemoryStore(opts ...Option) *Store {
	return newStore(nil, opts...)
}

// Open returns a store over backend, replaying what the backend holds.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := newStore(backend, opts...)
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load event records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	for _, r := range records {
		s.lifecycle(r.Event.ID).Apply(r)
		if r.Sequence > s.seq.Load() {
			s.seq.Store(r.Sequence)
		}
		s.index(r)
	}
	return s, nil
}

func (s *Store) lifecycle(eventID string) *events.Lifecycle {
	if v, ok := s.lifecycles.Load(eventID); ok {
		return v.(*events.Lifecycle)
	}
	v, _ := s.lifecycles.LoadOrStore(eventID, events.NewLifecycle())
	return v.(*events.Lifecycle)
}

// Append validates the transition against the event's history, assigns a
// sequence and persists the record.
func (s *Store) Append(ctx context.Context, record events.Record) (events.Record, error) {
	if s.closed.Load() {
		return events.Record{}, apperrors.Internal("event store is closed")
	}
	if record.Event.ID == "" {
		return events.Record{}, apperrors.Validation("record has no eventId")
	}
	if err := ctx.Err(); err != nil {
		return events.Record{}, err
	}

	unlock := s.locks.Lock(record.Event.ID)
	defer unlock()

	lc := s.lifecycle(record.Event.ID)
	if err := lc.Check(record); err != nil {
		return events.Record{}, err
	}

	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now()
	}
	record.RecordedAt = record.RecordedAt.UTC()
	record.Sequence = s.seq.Add(1)

	if s.backend != nil {
		if err := s.backend.Persist(ctx, record); err != nil {
			return events.Record{}, fmt.Errorf("persist record %d of event %s: %w", record.Sequence, record.Event.ID, err)
		}
	}

	lc.Apply(record)
	s.index(record)
	return record, nil
}

func (s *Store) index(r events.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	pos := len(cur.records)
	records := append(cur.records, r)

	addPosting(&s.bySource, r.Event.Source, pos)
	addPosting(&s.byName, r.Event.Name, pos)
	addPosting(&s.byEvent, r.Event.ID, pos)
	if id := r.Event.Metadata.CorrelationID; id != "" {
		addPosting(&s.byCorrelation, id, pos)
	}

	s.snap.Store(&snapshot{records: records})
}

func addPosting(idx *sync.Map, key string, pos int) {
	v, _ := idx.LoadOrStore(key, &postings{})
	p := v.(*postings)
	next := append(p.load(), pos)
	p.p.Store(&next)
}

// lookup returns copies of the published records indexed under key.
func (s *Store) lookup(idx *sync.Map, key string) []events.Record {
	snap := s.snap.Load()
	v, ok := idx.Load(key)
	if !ok {
		return nil
	}
	positions := v.(*postings).load()
	out := make([]events.Record, 0, len(positions))
	for _, pos := range positions {
		if pos >= len(snap.records) {
			break
		}
		out = append(out, snap.records[pos])
	}
	return out
}

// GetEventsBySource returns the newest limit records from source.
func (s *Store) GetEventsBySource(_ context.Context, source string, limit int) ([]events.Record, error) {
	out := s.lookup(&s.bySource, source)
	SortNewestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

// GetEventsByName returns the newest limit records named eventName.
func (s *Store) GetEventsByName(_ context.Context, eventName string, limit int) ([]events.Record, error) {
	out := s.lookup(&s.byName, eventName)
	SortNewestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

// GetEventsByCorrelationID returns all records sharing a correlation id, oldest first.
func (s *Store) GetEventsByCorrelationID(_ context.Context, correlationID string) ([]events.Record, error) {
	out := s.lookup(&s.byCorrelation, correlationID)
	SortOldestFirst(out)
	return out, nil
}

// GetEventsSince returns up to limit records recorded at or after since, oldest first.
func (s *Store) GetEventsSince(_ context.Context, since time.Time, limit int) ([]events.Record, error) {
	snap := s.snap.Load()
	var out []events.Record
	for _, r := range snap.records {
		if !r.RecordedAt.Before(since) {
			out = append(out, r)
		}
	}
	SortOldestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

// History returns every record of one event in insertion order.
func (s *Store) History(_ context.Context, eventID string) ([]events.Record, error) {
	out := s.lookup(&s.byEvent, eventID)
	if len(out) == 0 {
		return nil, apperrors.NotFound(fmt.Sprintf("event %s", eventID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// HandlerState returns how far handler got with eventID.
func (s *Store) HandlerState(_ context.Context, eventID, handler string) (events.HandlerState, error) {
	v, ok := s.lifecycles.Load(eventID)
	if !ok {
		return events.HandlerState{}, nil
	}
	unlock := s.locks.Lock(eventID)
	defer unlock()
	return v.(*events.Lifecycle).State(handler), nil
}

// Status returns the latest status of handler's chain for eventID, or ""
// when the handler has not started on it.
func (s *Store) Status(ctx context.Context, eventID, handler string) (events.Status, error) {
	state, err := s.HandlerState(ctx, eventID, handler)
	if err != nil {
		return "", err
	}
	switch {
	case state.Done():
		return state.Terminal, nil
	case state.Attempts > 0:
		return events.StatusProcessing, nil
	}
	return "", nil
}

// Len returns the number of records appended so far.
func (s *Store) Len() int {
	return len(s.snap.Load().records)
}

// Stats summarizes the records appended so far.
func (s *Store) Stats(_ context.Context) (Stats, error) {
	return Summarize(s.snap.Load().records), nil
}

// Close closes the backend. Further appends fail.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}
