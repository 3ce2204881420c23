package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/domain"
)

var jan = domain.Period{Year: 2024, Month: time.January}

func metRecord(station int64, ts time.Time, speed float64) domain.Record {
	return domain.Record{
		Key:       domain.SeriesKey(station, ts),
		StationID: station,
		Timestamp: ts,
		Values: []domain.Cell{
			domain.FloatCell(speed),
			domain.FloatCell(180),
			domain.NullCell(),
			domain.FloatCell(-2.5),
		},
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (m *recordingMirror) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	m.data = append(m.data, b)
	return nil
}

func newTestStore(t *testing.T, mirror Mirror) *Store {
	t.Helper()
	s, err := New(Options{
		Root:   t.TempDir(),
		Mirror: mirror,
		Prefix: "archive",
		Clock:  clockwork.NewFakeClockAt(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return s
}

func commitRecords(t *testing.T, s *Store, dt domain.DataType, p domain.Period, records []domain.Record) {
	t.Helper()
	err := s.Replace(context.Background(), &Snapshot{Table: domain.MustTable(dt), Period: p, Records: records})
	require.NoError(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	deleted := metRecord(2, ts, 4)
	deleted.Deleted = true
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{
		metRecord(2, ts.Add(10*time.Minute), 5),
		metRecord(1, ts, 7.25),
		deleted,
	})

	snap, err := s.Read(context.Background(), domain.DataTypeMet, jan, Filter{})
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)

	// sorted by station then timestamp
	assert.Equal(t, int64(1), snap.Records[0].StationID)
	assert.Equal(t, "7.25", snap.Records[0].Values[0].Value)
	assert.False(t, snap.Records[0].Values[2].Valid)
	assert.True(t, snap.Records[1].Deleted)
	assert.True(t, snap.Records[1].Timestamp.Equal(ts))

	require.NotNil(t, snap.Meta)
	assert.Equal(t, 3, snap.Meta.RowCount)
	assert.Equal(t, 2, snap.Meta.LiveRowCount)
	assert.Equal(t, Checksum(snap.Live()), snap.Meta.Checksum)
}

func TestStoreReadByStation(t *testing.T) {
	s := newTestStore(t, nil)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{
		metRecord(1, ts, 1), metRecord(2, ts, 2), metRecord(3, ts, 3),
	})

	snap, err := s.Read(context.Background(), domain.DataTypeMet, jan, Filter{Stations: []int64{2}})
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, int64(2), snap.Records[0].StationID)
}

func TestStoreMissingPartitionIsEmpty(t *testing.T) {
	s := newTestStore(t, nil)
	snap, err := s.Read(context.Background(), domain.DataTypeGrd, jan, Filter{})
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Nil(t, snap.Meta)
}

func TestStoreUpdateWithoutChangeKeepsFile(t *testing.T) {
	s := newTestStore(t, nil)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{metRecord(1, ts, 1)})

	path := s.Path(domain.DataTypeMet, jan)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	infoBefore, err := os.Stat(path)
	require.NoError(t, err)

	written, err := s.Update(context.Background(), domain.DataTypeMet, jan, func(*Snapshot) (*Snapshot, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, written)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	infoAfter, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, infoBefore.ModTime(), infoAfter.ModTime())
}

func TestEncodeIsDeterministic(t *testing.T) {
	table := domain.MustTable(domain.DataTypeMet)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	records := []domain.Record{metRecord(1, ts, 1), metRecord(1, ts.Add(10*time.Minute), 2)}

	var a, b bytes.Buffer
	s := newTestStore(t, nil)
	require.NoError(t, encode(&a, table, records, s.level))
	require.NoError(t, encode(&b, table, records, s.level))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestEncodeKeepsBackslashTextDistinctFromNull(t *testing.T) {
	table := domain.MustTable(domain.DataTypeAlarm)
	on := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	rec := domain.Record{
		Key:       "42",
		StationID: 3,
		Timestamp: on,
		Values: []domain.Cell{
			domain.StringCell(formatTime(on)),
			domain.NullCell(),
			domain.StringCell(""),
			domain.StringCell(`\x`),
			domain.StringCell(`\N`),
		},
	}

	var buf bytes.Buffer
	s := newTestStore(t, nil)
	require.NoError(t, encode(&buf, table, []domain.Record{rec}, s.level))
	got, err := decode(&buf, table, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, rec.Values, got[0].Values)
	assert.False(t, got[0].Values[1].Valid)
	assert.True(t, got[0].Values[2].Valid)
	assert.Equal(t, `\N`, got[0].Values[4].Value)
	assert.Equal(t, rec.Fingerprint(), got[0].Fingerprint())
}

func TestStoreRejectsRecordOutsidePeriod(t *testing.T) {
	s := newTestStore(t, nil)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{metRecord(1, ts, 1)})
	before, err := os.ReadFile(s.Path(domain.DataTypeMet, jan))
	require.NoError(t, err)

	feb := metRecord(1, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 9)
	err = s.Replace(context.Background(), &Snapshot{
		Table:   domain.MustTable(domain.DataTypeMet),
		Period:  jan,
		Records: []domain.Record{feb},
	})
	require.ErrorIs(t, err, domain.ErrArchiveWriteFailure)

	after, err := os.ReadFile(s.Path(domain.DataTypeMet, jan))
	require.NoError(t, err)
	assert.Equal(t, before, after, "prior committed version must survive")
}

func TestStorePeriodsAndWindow(t *testing.T) {
	s := newTestStore(t, nil)
	feb := jan.Next()
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{
		metRecord(1, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), 1),
		metRecord(1, time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC), 2),
	})
	commitRecords(t, s, domain.DataTypeMet, feb, []domain.Record{
		metRecord(1, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), 3),
	})

	periods, err := s.Periods(domain.DataTypeMet)
	require.NoError(t, err)
	assert.Equal(t, []domain.Period{jan, feb}, periods)

	start := time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 4, 23, 50, 0, 0, time.UTC)
	window, err := s.ReadWindow(context.Background(), domain.DataTypeMet, start, end, Filter{})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "2", window[0].Values[0].Value)
	assert.Equal(t, "3", window[1].Values[0].Value)
}

func TestStoreMirrorsCommittedPartition(t *testing.T) {
	mirror := &recordingMirror{}
	s := newTestStore(t, mirror)
	commitRecords(t, s, domain.DataTypeMet, jan, []domain.Record{
		metRecord(1, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), 1),
	})

	require.Len(t, mirror.keys, 1)
	assert.Equal(t, "archive/MET/2024-01-met.csv.zst", mirror.keys[0])
	onDisk, err := os.ReadFile(s.Path(domain.DataTypeMet, jan))
	require.NoError(t, err)
	assert.Equal(t, onDisk, mirror.data[0])
}

func TestChecksumIgnoresOrder(t *testing.T) {
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	a := metRecord(1, ts, 1)
	b := metRecord(2, ts, 2)
	assert.Equal(t, Checksum([]domain.Record{a, b}), Checksum([]domain.Record{b, a}))
	assert.NotEqual(t, Checksum([]domain.Record{a}), Checksum([]domain.Record{b}))
}
