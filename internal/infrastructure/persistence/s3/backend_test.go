package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
)

// fakeBucket is an in-memory stand-in for one S3 bucket.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, errors.New("PreconditionFailed")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestBackend_ReloadMatchesMemoryStore(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	cfg := config.S3Config{Bucket: "ledger", Prefix: "prod/events/"}
	logger := zaptest.NewLogger(t)

	first, err := OpenEventStore(ctx, bucket, cfg, logger)
	require.NoError(t, err)
	mem := eventstore.NewMemoryStore()

	at := time.Date(2025, 5, 1, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := events.NewIntegrationEvent("invoice.sent", "billing-api", "billing", "invoicing",
			[]string{"crm"}, map[string]any{"i": float64(i)})
		for _, s := range []*eventstore.Store{first, mem} {
			_, err := s.Append(ctx, events.NewRecord(e, events.StatusPublished, "", 0, nil, at.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
	}

	// Records straddle midnight and land in two day prefixes.
	assert.Contains(t, bucket.objects, "prod/events/2025-05-01/000000000001-"+mustFirstID(t, mem)+"-published.json")

	second, err := OpenEventStore(ctx, bucket, cfg, logger)
	require.NoError(t, err)

	got, err := second.GetEventsBySource(ctx, "billing-api", 0)
	require.NoError(t, err)
	want, err := mem.GetEventsBySource(ctx, "billing-api", 0)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].EventID(), got[i].EventID())
		assert.Equal(t, want[i].Sequence, got[i].Sequence)
	}
}

func mustFirstID(t *testing.T, s *eventstore.Store) string {
	t.Helper()
	recs, err := s.GetEventsSince(context.Background(), time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0].EventID()
}

func TestBackend_EventIDStaysUnderPrefix(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	cfg := config.S3Config{Bucket: "ledger", Prefix: "prod/events"}
	logger := zaptest.NewLogger(t)

	store, err := OpenEventStore(ctx, bucket, cfg, logger)
	require.NoError(t, err)

	e := events.NewDomainEvent("order.placed", "orders-api", "orders", "checkout", "o-1", "order", map[string]any{})
	e.ID = "../../../staging/hijack"
	_, err = store.Append(ctx, events.NewRecord(e, events.StatusPublished, "", 0, nil, time.Now()))
	require.NoError(t, err)

	require.Len(t, bucket.objects, 1)
	for key := range bucket.objects {
		assert.True(t, strings.HasPrefix(key, "prod/events/"), key)
		assert.Len(t, strings.Split(key, "/"), 4, key)
	}

	reopened, err := OpenEventStore(ctx, bucket, cfg, logger)
	require.NoError(t, err)
	history, err := reopened.History(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBackend_SkipsForeignObjects(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["events/README.txt"] = []byte("not a record")
	bucket.objects["events/2025-05-01/notes.txt"] = []byte("not a record")

	backend := NewBackend(bucket, "ledger", "events", zaptest.NewLogger(t))
	records, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBackend_RefusesOverwrite(t *testing.T) {
	backend := NewBackend(newFakeBucket(), "ledger", "", zaptest.NewLogger(t))
	e := events.NewDomainEvent("order.placed", "orders-api", "orders", "checkout", "o-1", "order", map[string]any{})
	r := events.NewRecord(e, events.StatusPublished, "", 0, nil, time.Now())
	r.Sequence = 7

	require.NoError(t, backend.Persist(context.Background(), r))
	assert.Error(t, backend.Persist(context.Background(), r))
}
