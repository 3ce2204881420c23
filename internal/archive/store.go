// Package archive persists reconciled records as one compressed CSV file per
// (data type, month) partition.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
)

const (
	fileSuffix = ".csv.zst"
	metaSuffix = ".meta.json"
)

// Meta is the sidecar written next to each partition.
type Meta struct {
	RowCount       int       `json:"row_count"`
	LiveRowCount   int       `json:"live_row_count"`
	Checksum       string    `json:"checksum"`
	RemoteRowCount int       `json:"remote_row_count"`
	RemoteChecksum string    `json:"remote_checksum"`
	Mode           string    `json:"mode"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Snapshot is the full local record set of one partition.
type Snapshot struct {
	Table   domain.Table
	Period  domain.Period
	Records []domain.Record
	Meta    *Meta
}

// Live returns the records not marked deleted.
func (s *Snapshot) Live() []domain.Record {
	out := make([]domain.Record, 0, len(s.Records))
	for _, r := range s.Records {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

// Filter narrows a read to a set of stations. An empty filter keeps everything.
type Filter struct {
	Stations []int64
}

func (f Filter) keep() func(int64) bool {
	if len(f.Stations) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(f.Stations))
	for _, s := range f.Stations {
		set[s] = struct{}{}
	}
	return func(station int64) bool {
		_, ok := set[station]
		return ok
	}
}

// Mirror receives a copy of every committed partition.
type Mirror interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Options configures a Store.
type Options struct {
	Root   string
	Level  string
	Mirror Mirror
	Prefix string
	Clock  clockwork.Clock
	Logger *logger.Logger
}

// Store is the partitioned archive. Reads of a partition share a lock;
// writes to it are exclusive.
type Store struct {
	root   string
	level  zstd.EncoderLevel
	mirror Mirror
	prefix string
	clock  clockwork.Clock
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New creates the archive root if needed.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	level := zstd.SpeedDefault
	if opts.Level != "" {
		ok, l := zstd.EncoderLevelFromString(opts.Level)
		if !ok {
			return nil, fmt.Errorf("unknown compression level %q", opts.Level)
		}
		level = l
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	return &Store{
		root:   opts.Root,
		level:  level,
		mirror: opts.Mirror,
		prefix: opts.Prefix,
		clock:  clock,
		logger: log.Component("archive"),
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

// FileName is the partition file name, e.g. 2024-01-met.csv.zst.
func FileName(dt domain.DataType, p domain.Period) string {
	return fmt.Sprintf("%s-%s%s", p, dt, fileSuffix)
}

// Path returns the partition file location.
func (s *Store) Path(dt domain.DataType, p domain.Period) string {
	t := domain.MustTable(dt)
	return filepath.Join(s.root, t.Dir(), FileName(dt, p))
}

func (s *Store) lock(dt domain.DataType, p domain.Period) *sync.RWMutex {
	key := string(dt) + "/" + p.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// Read loads a partition under a shared lock. A missing partition yields an
// empty snapshot.
func (s *Store) Read(ctx context.Context, dt domain.DataType, p domain.Period, f Filter) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.lock(dt, p)
	l.RLock()
	defer l.RUnlock()
	return s.load(dt, p, f)
}

func (s *Store) load(dt domain.DataType, p domain.Period, f Filter) (*Snapshot, error) {
	t := domain.MustTable(dt)
	snap := &Snapshot{Table: t, Period: p}
	path := s.Path(dt, p)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer file.Close()

	records, err := decode(file, t, f.keep())
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", path, err)
	}
	snap.Records = records

	if raw, err := os.ReadFile(path + metaSuffix); err == nil {
		var m Meta
		if err := json.Unmarshal(raw, &m); err == nil {
			snap.Meta = &m
		} else {
			s.logger.WithError(err).Warnf("Ignoring unreadable partition metadata: %s", path)
		}
	}
	return snap, nil
}

// ReadWindow assembles the records of every partition overlapping
// [start, end] for reporting. Deleted records are included.
func (s *Store) ReadWindow(ctx context.Context, dt domain.DataType, start, end time.Time, f Filter) ([]domain.Record, error) {
	t := domain.MustTable(dt)
	var out []domain.Record
	for _, p := range domain.PeriodsBetween(start, end) {
		snap, err := s.Read(ctx, dt, p, f)
		if err != nil {
			return nil, err
		}
		for _, r := range snap.Records {
			if r.Timestamp.Before(start) || r.Timestamp.After(end) {
				continue
			}
			out = append(out, r)
		}
	}
	SortRecords(t, out)
	return out, nil
}

// UpdateFunc receives the current snapshot and returns the snapshot to
// commit, or nil to leave the partition untouched.
type UpdateFunc func(current *Snapshot) (*Snapshot, error)

// Update runs fn under the partition's exclusive lock and commits its result.
// It reports whether a new version was written.
func (s *Store) Update(ctx context.Context, dt domain.DataType, p domain.Period, fn UpdateFunc) (bool, error) {
	l := s.lock(dt, p)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	current, err := s.load(dt, p, Filter{})
	if err != nil {
		return false, err
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return false, err
	}
	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Replace commits snap as the new version of its partition.
func (s *Store) Replace(ctx context.Context, snap *Snapshot) error {
	l := s.lock(snap.Table.Type, snap.Period)
	l.Lock()
	defer l.Unlock()
	return s.commit(ctx, snap)
}

func (s *Store) commit(ctx context.Context, snap *Snapshot) error {
	t := snap.Table
	for _, r := range snap.Records {
		if !t.IsAlarm() && !snap.Period.Contains(r.Timestamp) {
			return fmt.Errorf("%w: record %s does not belong to %s", domain.ErrArchiveWriteFailure, r.Key, snap.Period)
		}
	}
	SortRecords(t, snap.Records)

	path := s.Path(t.Type, snap.Period)
	err := writeAtomic(path, 0o644, func(w io.Writer) error {
		return encode(w, t, snap.Records, s.level)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArchiveWriteFailure, path, err)
	}

	meta := snap.Meta
	if meta == nil {
		meta = &Meta{}
	}
	live := snap.Live()
	meta.RowCount = len(snap.Records)
	meta.LiveRowCount = len(live)
	meta.Checksum = Checksum(live)
	meta.LastUpdated = s.clock.Now().UTC()
	snap.Meta = meta

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = WriteFileAtomic(path+metaSuffix, raw)
	}
	if err != nil {
		// data file is already committed; metadata is advisory
		s.logger.WithError(err).Warnf("Failed to write partition metadata: %s", path)
	}

	s.mirrorFile(ctx, t, path)
	return nil
}

func (s *Store) mirrorFile(ctx context.Context, t domain.Table, path string) {
	if s.mirror == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.WithError(err).Warnf("Failed to read partition for mirroring: %s", path)
		return
	}
	key := s.ObjectKey(t.Type, filepath.Base(path))
	if err := s.mirror.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/zstd"); err != nil {
		s.logger.WithError(err).Warnf("Failed to mirror partition: key=%s", key)
		return
	}
	s.logger.WithField("key", key).Debug("Partition mirrored")
}

// ObjectKey is the mirror key of a file belonging to dt.
func (s *Store) ObjectKey(dt domain.DataType, name string) string {
	t := domain.MustTable(dt)
	parts := []string{t.Dir(), name}
	if s.prefix != "" {
		parts = append([]string{strings.Trim(s.prefix, "/")}, parts...)
	}
	return strings.Join(parts, "/")
}

// Periods lists the partitions present for dt, oldest first.
func (s *Store) Periods(dt domain.DataType) ([]domain.Period, error) {
	t := domain.MustTable(dt)
	entries, err := os.ReadDir(filepath.Join(s.root, t.Dir()))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	suffix := "-" + string(dt) + fileSuffix
	var out []domain.Period
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		p, err := domain.ParsePeriod(strings.TrimSuffix(name, suffix))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
