package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"metalsdesk/internal/domain"
)

// Compile-time interface check.
var _ HistoricalStore = (*ParquetStore)(nil)

// ParquetStore implements HistoricalStore using Parquet files on disk, one
// file per code per year. A single RWMutex gives many readers and one writer.
type ParquetStore struct {
	DataDir string

	mu sync.RWMutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// ObservationRecord is the Parquet schema for daily price observations.
type ObservationRecord struct {
	Code   string   `parquet:"code"`
	Date   int64    `parquet:"date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Last   float64  `parquet:"last"`
	Open   *float64 `parquet:"open,optional"`
	High   *float64 `parquet:"high,optional"`
	Low    *float64 `parquet:"low,optional"`
	Volume *float64 `parquet:"volume,optional"`
}

func toRecord(o domain.PriceObservation) ObservationRecord {
	return ObservationRecord{
		Code:   o.Code,
		Date:   domain.Day(o.Date).UnixMilli(),
		Last:   o.Last,
		Open:   o.Open,
		High:   o.High,
		Low:    o.Low,
		Volume: o.Volume,
	}
}

func (r ObservationRecord) observation() domain.PriceObservation {
	return domain.PriceObservation{
		Code:   r.Code,
		Date:   time.UnixMilli(r.Date).UTC(),
		Last:   r.Last,
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Volume: r.Volume,
	}
}

// ---------------------------------------------------------------------------
// HistoricalStore implementation
// ---------------------------------------------------------------------------

// AppendOrReplace writes observations to Parquet files grouped by code and
// year. Each code+year combination is a separate file at:
//
//	<DataDir>/daily/<CODE>/<YYYY>.parquet
//
// Existing files are read and merged; incoming rows replace stored rows with
// the same date.
func (s *ParquetStore) AppendOrReplace(_ context.Context, obs []domain.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}

	type key struct {
		code string
		year int
	}
	groups := make(map[key][]ObservationRecord)
	for _, o := range obs {
		k := key{code: o.Code, year: o.Date.UTC().Year()}
		groups[k] = append(groups[k], toRecord(o))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, records := range groups {
		path := s.observationPath(k.code, k.year)

		existing, err := readParquetFile[ObservationRecord](path)
		if err != nil {
			return fmt.Errorf("reading %s/%d for merge: %w", k.code, k.year, err)
		}
		merged := mergeObservationRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing observations for %s/%d: %w", k.code, k.year, err)
		}
	}
	return nil
}

// ReadRange reads observations for code within [from, to] by calendar date.
func (s *ParquetStore) ReadRange(_ context.Context, code string, from, to time.Time) ([]domain.PriceObservation, error) {
	start, end := domain.Day(from), domain.Day(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PriceObservation
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[ObservationRecord](s.observationPath(code, year))
		if err != nil {
			return nil, fmt.Errorf("reading %s/%d: %w", code, year, err)
		}
		for _, r := range records {
			o := r.observation()
			if o.Date.Before(start) || o.Date.After(end) {
				continue
			}
			o.Code = code
			out = append(out, o)
		}
	}
	return out, nil
}

// ListCodes lists all codes that have observation files.
func (s *ParquetStore) ListCodes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "daily"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var codes []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		code, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// observationPath returns the filesystem path for an observation file.
// The code is percent-escaped into a single directory name, so distinct
// codes never share a directory and ListCodes can recover them.
func (s *ParquetStore) observationPath(code string, year int) string {
	return filepath.Join(s.DataDir, "daily", codeDir(code), fmt.Sprintf("%d.parquet", year))
}

func codeDir(code string) string {
	dir := url.PathEscape(code)
	if dir == "." || dir == ".." {
		dir = strings.ReplaceAll(dir, ".", "%2E")
	}
	return dir
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readParquetFile returns the rows in path, or nil if the file does not exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return parquet.ReadFile[T](path)
}

// mergeObservationRecords deduplicates records by date, preferring incoming
// records over existing ones. Results are sorted by date.
func mergeObservationRecords(existing, incoming []ObservationRecord) []ObservationRecord {
	seen := make(map[int64]ObservationRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Date] = r
	}
	for _, r := range incoming {
		seen[r.Date] = r
	}

	merged := make([]ObservationRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}
