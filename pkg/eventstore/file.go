package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// RecordKey is the path of a record relative to the store root:
// <YYYY-MM-DD>/<sequence>-<eventId>-<status>.json, dated by recordedAt in UTC.
// Event ids arrive from brokers, so they are path-escaped into a single
// segment.
func RecordKey(r events.Record) string {
	return fmt.Sprintf("%s/%012d-%s-%s.json",
		r.RecordedAt.UTC().Format(DateLayout), r.Sequence, url.PathEscape(r.Event.ID), r.Status)
}

// IsRecordKey reports whether name looks like a key produced by RecordKey.
func IsRecordKey(name string) bool {
	day, file, ok := strings.Cut(filepath.ToSlash(name), "/")
	if !ok || strings.Contains(file, "/") || !strings.HasSuffix(file, ".json") {
		return false
	}
	_, err := time.Parse(DateLayout, day)
	return err == nil
}

// FileBackend keeps one JSON file per record, grouped in one directory per day.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event store directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// OpenFileStore opens the file-backed store rooted at dir.
func OpenFileStore(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	backend, err := NewFileBackend(dir)
	if err != nil {
		return nil, err
	}
	return Open(ctx, backend, opts...)
}

// Persist writes the record to a temporary file and links it into place,
// failing if a record with the same key already exists.
func (b *FileBackend) Persist(_ context.Context, r events.Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	path := filepath.Join(b.dir, filepath.FromSlash(RecordKey(r)))
	dayDir := filepath.Dir(path)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create day directory: %w", err)
	}

	tmp, err := os.CreateTemp(dayDir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}

	if err := os.Link(tmpName, path); err != nil {
		return fmt.Errorf("link record: %w", err)
	}
	return nil
}

// Load reads every record under the root. Temporary files are skipped.
func (b *FileBackend) Load(ctx context.Context) ([]events.Record, error) {
	var records []events.Record
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.dir, path)
		if err != nil || !IsRecordKey(rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var r events.Record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode %s: %w", rel, err)
		}
		records = append(records, r)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// Close is a no-op; files are closed after every write.
func (b *FileBackend) Close() error { return nil }
