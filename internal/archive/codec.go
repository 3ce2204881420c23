package archive

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/timmy/scadarchive/internal/domain"
)

// nullToken marks a NULL cell. Text starting with a backslash is written
// with one extra leading backslash, so a literal `\N` stays distinct.
const nullToken = `\N`

func encodeCell(c domain.Cell) string {
	if !c.Valid {
		return nullToken
	}
	if strings.HasPrefix(c.Value, `\`) {
		return `\` + c.Value
	}
	return c.Value
}

func decodeCell(v string) domain.Cell {
	switch {
	case v == nullToken:
		return domain.NullCell()
	case strings.HasPrefix(v, `\`):
		return domain.StringCell(v[1:])
	}
	return domain.StringCell(v)
}

var errHeaderMismatch = errors.New("archive header does not match table layout")

func header(t domain.Table) []string {
	h := make([]string, 0, len(t.Columns)+4)
	h = append(h, "key", "station_id", "timestamp")
	h = append(h, t.Columns...)
	return append(h, "deleted")
}

// encode writes records as zstd compressed CSV. Output is deterministic for
// a given record order.
func encode(w io.Writer, t domain.Table, records []domain.Record, level zstd.EncoderLevel) error {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(enc)
	if err := cw.Write(header(t)); err != nil {
		enc.Close()
		return err
	}
	row := make([]string, 0, len(t.Columns)+4)
	for _, r := range records {
		if len(r.Values) != len(t.Columns) {
			enc.Close()
			return fmt.Errorf("record %s has %d values, table %s expects %d", r.Key, len(r.Values), t.Type, len(t.Columns))
		}
		row = row[:0]
		row = append(row, r.Key, strconv.FormatInt(r.StationID, 10), formatTime(r.Timestamp))
		for _, c := range r.Values {
			row = append(row, encodeCell(c))
		}
		if r.Deleted {
			row = append(row, "1")
		} else {
			row = append(row, "0")
		}
		if err := cw.Write(row); err != nil {
			enc.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// decode reads a partition, keeping only rows accepted by keep.
func decode(r io.Reader, t domain.Table, keep func(station int64) bool) ([]domain.Record, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	cr := csv.NewReader(dec)
	cr.ReuseRecord = true
	want := header(t)
	cr.FieldsPerRecord = len(want)

	got, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	for i := range want {
		if got[i] != want[i] {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", errHeaderMismatch, i, got[i], want[i])
		}
	}

	var out []domain.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		station, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad station id %q: %w", row[1], err)
		}
		if keep != nil && !keep(station) {
			continue
		}
		rec := domain.Record{
			Key:       row[0],
			StationID: station,
			Values:    make([]domain.Cell, len(t.Columns)),
			Deleted:   row[len(row)-1] == "1",
		}
		if row[2] != "" {
			ts, err := time.ParseInLocation(domain.TimeLayout, row[2], time.UTC)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", row[2], err)
			}
			rec.Timestamp = ts
		}
		for i := range t.Columns {
			rec.Values[i] = decodeCell(row[3+i])
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(domain.TimeLayout)
}

// SortRecords orders records the way they are stored: by station and
// timestamp for time series, by numeric alarm id for the alarm log.
func SortRecords(t domain.Table, records []domain.Record) {
	if t.IsAlarm() {
		sort.SliceStable(records, func(i, j int) bool {
			a, errA := strconv.ParseInt(records[i].Key, 10, 64)
			b, errB := strconv.ParseInt(records[j].Key, 10, 64)
			if errA == nil && errB == nil {
				return a < b
			}
			return records[i].Key < records[j].Key
		})
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StationID != records[j].StationID {
			return records[i].StationID < records[j].StationID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

// Checksum is an order independent digest over the records' fingerprints.
func Checksum(records []domain.Record) string {
	prints := make([]string, 0, len(records))
	for _, r := range records {
		prints = append(prints, r.Fingerprint())
	}
	sort.Strings(prints)
	h := sha256.New()
	for _, p := range prints {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
