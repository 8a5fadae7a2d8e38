// Package parquetstore implements the warm and cold tiers as Parquet
// files on disk. Each stored batch becomes one immutable file whose name
// carries the batch's timestamp range, so queries prune files without
// opening them and lifecycle deletion drops whole files when it can.
package parquetstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(opts Options) compress.Codec {
	switch opts.Compression {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		if opts.ZstdBest {
			return &zstd.Codec{Level: zstd.SpeedBestCompression}
		}
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Options configures the store.
type Options struct {
	Compression CompressionType

	// ZstdBest trades write speed for the smallest files. Meant for the
	// cold tier, where writes are rare and reads rarer.
	ZstdBest bool
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ColdOptions returns options tuned for the cold tier.
func ColdOptions() Options {
	return Options{Compression: CompressionZstd, ZstdBest: true}
}

// EventRow is the Parquet representation of an event.
type EventRow struct {
	ID          string `parquet:"id,zstd"`
	Tenant      string `parquet:"tenant,zstd"`
	Actor       string `parquet:"actor,zstd"`
	Action      string `parquet:"action,zstd"`
	Resource    string `parquet:"resource,zstd"`
	Outcome     string `parquet:"outcome,zstd"`
	Severity    int32  `parquet:"severity"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	Metadata    string `parquet:"metadata,optional,zstd"`
}

// EventToRow converts an Event to its Parquet row.
func EventToRow(e *types.Event) EventRow {
	row := EventRow{
		ID:          e.ID,
		Tenant:      e.Tenant,
		Actor:       e.Actor,
		Action:      e.Action,
		Resource:    e.Resource,
		Outcome:     e.Outcome,
		Severity:    int32(e.Severity),
		TimestampMs: e.TimestampMs,
	}
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = string(raw)
		}
	}
	return row
}

// RowToEvent converts a Parquet row back to an Event.
func RowToEvent(r *EventRow) types.Event {
	e := types.Event{
		ID:          r.ID,
		Tenant:      r.Tenant,
		Actor:       r.Actor,
		Action:      r.Action,
		Resource:    r.Resource,
		Outcome:     r.Outcome,
		Severity:    types.Severity(r.Severity),
		TimestampMs: r.TimestampMs,
	}
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &e.Metadata)
	}
	return e
}

// Store persists events as Parquet files under a single directory.
type Store struct {
	mu sync.Mutex

	dir    string
	opts   Options
	log    *slog.Logger
	closed bool

	stats Stats
}

// Stats holds store counters.
type Stats struct {
	EventsStored  int64
	FilesWritten  int64
	FilesDeleted  int64
	FilesRewritten int64
	RowsReturned  int64
	RowsDeleted   int64
	Errors        int64
}

// Open creates the directory if needed and returns the store.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tier dir: %w", err)
	}
	return &Store{
		dir:  dir,
		opts: opts,
		log:  logging.Component("parquetstore").With("dir", dir),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// StoreEvent persists a single event as its own file.
func (s *Store) StoreEvent(ctx context.Context, e types.Event) error {
	return s.StoreBatch(ctx, []types.Event{e})
}

// StoreBatch writes the batch into one new Parquet file.
func (s *Store) StoreBatch(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	minTs, maxTs := timeRange(events)
	path := filepath.Join(s.dir, fileName(minTs, maxTs))

	if err := writeFile(path, events, s.opts); err != nil {
		s.stats.Errors++
		return err
	}

	s.stats.EventsStored += int64(len(events))
	s.stats.FilesWritten++
	s.log.Debug("wrote batch file", "path", filepath.Base(path), "events", len(events))
	return nil
}

// maxReadConcurrency bounds parallel file reads during a query.
const maxReadConcurrency = 4

// QueryEvents scans files whose name range overlaps the filter.
// Overlapping files are read concurrently, at most maxReadConcurrency
// at a time. A file deleted mid-query by a concurrent retention pass is
// skipped rather than failing the query.
func (s *Store) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrClosed
	}
	files, err := s.listFiles()
	s.mu.Unlock()
	if err != nil {
		s.countError()
		return nil, err
	}

	var candidates []batchFile
	for _, bf := range files {
		if bf.overlaps(f) {
			candidates = append(candidates, bf)
		}
	}

	perFile := make([][]types.Event, len(candidates))
	sem := semaphore.NewWeighted(maxReadConcurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i, bf := range candidates {
		i, bf := i, bf
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			events, err := readFile(bf.path)
			if err != nil {
				if stderrors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			var matched []types.Event
			for j := range events {
				if f.Matches(&events[j]) {
					matched = append(matched, events[j])
				}
			}
			perFile[i] = matched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.countError()
		return nil, err
	}

	var out []types.Event
	for _, events := range perFile {
		out = append(out, events...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMs < out[j].TimestampMs
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	s.mu.Lock()
	s.stats.RowsReturned += int64(len(out))
	s.mu.Unlock()
	return out, nil
}

func (s *Store) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

// DeleteEvents removes matching events. A file wholly covered by a
// time-only filter is unlinked without being read; partially matching
// files are rewritten without the matching rows.
func (s *Store) DeleteEvents(ctx context.Context, f types.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrClosed
	}

	files, err := s.listFiles()
	if err != nil {
		s.stats.Errors++
		return 0, err
	}

	deleted := 0
	for _, bf := range files {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !bf.overlaps(f) {
			continue
		}

		if timeOnly(f) && bf.coveredBy(f) {
			n, err := countRows(bf.path)
			if err != nil {
				s.stats.Errors++
				return deleted, err
			}
			if err := os.Remove(bf.path); err != nil {
				s.stats.Errors++
				return deleted, errors.Wrap(errors.ErrStorage, "remove %s: %v", bf.path, err)
			}
			deleted += n
			s.stats.FilesDeleted++
			continue
		}

		events, err := readFile(bf.path)
		if err != nil {
			s.stats.Errors++
			return deleted, err
		}

		kept := events[:0]
		removed := 0
		for i := range events {
			if f.Matches(&events[i]) {
				removed++
				continue
			}
			kept = append(kept, events[i])
		}
		if removed == 0 {
			continue
		}

		if len(kept) == 0 {
			if err := os.Remove(bf.path); err != nil {
				s.stats.Errors++
				return deleted, errors.Wrap(errors.ErrStorage, "remove %s: %v", bf.path, err)
			}
			s.stats.FilesDeleted++
		} else {
			if err := writeFile(bf.path, kept, s.opts); err != nil {
				s.stats.Errors++
				return deleted, err
			}
			s.stats.FilesRewritten++
		}
		deleted += removed
	}

	s.stats.RowsDeleted += int64(deleted)
	return deleted, nil
}

// HealthCheck verifies the directory is writable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	probe := filepath.Join(s.dir, ".healthcheck")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return errors.Wrap(errors.ErrStorage, "tier dir not writable: %v", err)
	}
	return os.Remove(probe)
}

// Close marks the store closed. Files already on disk stay put.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// batchFile is a parsed directory entry.
type batchFile struct {
	path  string
	minTs int64
	maxTs int64
}

// overlaps reports whether the file's range intersects the filter's.
func (b *batchFile) overlaps(f types.Filter) bool {
	if f.Since > 0 && b.maxTs < f.Since {
		return false
	}
	if f.Until > 0 && b.minTs > f.Until {
		return false
	}
	return true
}

// coveredBy reports whether every row in the file is inside the
// filter's time range.
func (b *batchFile) coveredBy(f types.Filter) bool {
	if f.Since > 0 && b.minTs < f.Since {
		return false
	}
	if f.Until > 0 && b.maxTs > f.Until {
		return false
	}
	return true
}

// timeOnly reports whether the filter constrains nothing but time.
func timeOnly(f types.Filter) bool {
	return f.Tenant == "" && f.Actor == "" && f.Action == "" && f.Resource == ""
}

func (s *Store) listFiles() ([]batchFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "read tier dir: %v", err)
	}

	var out []batchFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		minTs, maxTs, ok := parseFileName(entry.Name())
		if !ok {
			s.log.Warn("skipping unrecognized file", "name", entry.Name())
			continue
		}
		out = append(out, batchFile{
			path:  filepath.Join(s.dir, entry.Name()),
			minTs: minTs,
			maxTs: maxTs,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].minTs < out[j].minTs })
	return out, nil
}

// fileName builds "events-<minTs>-<maxTs>-<id>.parquet".
func fileName(minTs, maxTs int64) string {
	return fmt.Sprintf("events-%d-%d-%s.parquet", minTs, maxTs, uuid.NewString()[:8])
}

func parseFileName(name string) (minTs, maxTs int64, ok bool) {
	name = strings.TrimSuffix(name, ".parquet")
	parts := strings.Split(name, "-")
	if len(parts) < 4 || parts[0] != "events" {
		return 0, 0, false
	}
	minTs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	maxTs, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return minTs, maxTs, true
}

func timeRange(events []types.Event) (minTs, maxTs int64) {
	minTs, maxTs = events[0].TimestampMs, events[0].TimestampMs
	for _, e := range events[1:] {
		if e.TimestampMs < minTs {
			minTs = e.TimestampMs
		}
		if e.TimestampMs > maxTs {
			maxTs = e.TimestampMs
		}
	}
	return minTs, maxTs
}

// writeFile writes events to path atomically via a temp file.
func writeFile(path string, events []types.Event, opts Options) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "create file: %v", err)
	}

	writer := parquet.NewGenericWriter[EventRow](f, parquet.Compression(codec(opts)))

	rows := make([]EventRow, len(events))
	for i := range events {
		rows[i] = EventToRow(&events[i])
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(errors.ErrStorage, "write rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(errors.ErrStorage, "close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrStorage, "close file: %v", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrStorage, "rename file: %v", err)
	}
	return nil
}

// readFile reads all events from a Parquet file.
func readFile(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		// Preserve fs.ErrNotExist so callers can tolerate files
		// removed by concurrent lifecycle deletion.
		return nil, errors.Wrap(err, "open %s", filepath.Base(path))
	}
	defer f.Close()

	reader := parquet.NewGenericReader[EventRow](f)
	defer reader.Close()

	rows := make([]EventRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n == 0 && reader.NumRows() > 0 {
		return nil, errors.Wrap(errors.ErrStorage, "read rows: %v", err)
	}

	events := make([]types.Event, n)
	for i := 0; i < n; i++ {
		events[i] = RowToEvent(&rows[i])
	}
	return events, nil
}

// countRows returns the row count of a file from its footer.
func countRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "open file: %v", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[EventRow](f)
	defer reader.Close()
	return int(reader.NumRows()), nil
}
