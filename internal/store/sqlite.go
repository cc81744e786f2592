package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"metalsdesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ HistoricalStore = (*SQLiteStore)(nil)
var _ InstrumentStore = (*SQLiteStore)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS price_observations (
		code   TEXT NOT NULL,
		date   TEXT NOT NULL,
		last   REAL NOT NULL,
		open   REAL,
		high   REAL,
		low    REAL,
		volume REAL,
		PRIMARY KEY (code, date)
	)`,
	`CREATE TABLE IF NOT EXISTS instruments (
		code        TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL,
		vendor_code TEXT NOT NULL DEFAULT '',
		legs        TEXT NOT NULL DEFAULT '[]',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL DEFAULT 0
	)`,
}

// SQLiteStore implements HistoricalStore and InstrumentStore backed by a
// SQLite database. Reads run concurrently; writes are serialized by writeMu.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats reports row counts, used by the health endpoint.
type Stats struct {
	Instruments  int64 `json:"instruments"`
	Observations int64 `json:"observations"`
}

// Stats returns current row counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instruments").Scan(&st.Instruments); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM price_observations").Scan(&st.Observations); err != nil {
		return st, err
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// HistoricalStore implementation
// ---------------------------------------------------------------------------

// ReadRange returns observations for code within [from, to] ordered by date.
func (s *SQLiteStore) ReadRange(ctx context.Context, code string, from, to time.Time) ([]domain.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, last, open, high, low, volume
		   FROM price_observations
		  WHERE code = ? AND date >= ? AND date <= ?
		  ORDER BY date`,
		code, domain.FormatDate(from), domain.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", code, err)
	}
	defer rows.Close()

	var out []domain.PriceObservation
	for rows.Next() {
		var (
			date                    string
			last                    float64
			open, high, low, volume sql.NullFloat64
		)
		if err := rows.Scan(&date, &last, &open, &high, &low, &volume); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", code, err)
		}
		d, err := domain.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q for %s: %w", date, code, err)
		}
		out = append(out, domain.PriceObservation{
			Code:   code,
			Date:   d,
			Last:   last,
			Open:   nullable(open),
			High:   nullable(high),
			Low:    nullable(low),
			Volume: nullable(volume),
		})
	}
	return out, rows.Err()
}

// AppendOrReplace upserts observations in a single transaction.
func (s *SQLiteStore) AppendOrReplace(ctx context.Context, obs []domain.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_observations (code, date, last, open, high, low, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code, date) DO UPDATE SET
		   last = excluded.last,
		   open = excluded.open,
		   high = excluded.high,
		   low = excluded.low,
		   volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx,
			o.Code, domain.FormatDate(o.Date), o.Last,
			o.Open, o.High, o.Low, o.Volume,
		); err != nil {
			return fmt.Errorf("writing %s/%s: %w", o.Code, domain.FormatDate(o.Date), err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// InstrumentStore implementation
// ---------------------------------------------------------------------------

// LoadInstruments returns every persisted instrument ordered by code.
func (s *SQLiteStore) LoadInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, kind, description, category, vendor_code, legs, created_at, updated_at
		   FROM instruments ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var (
			inst             domain.Instrument
			legs             string
			created, updated int64
		)
		if err := rows.Scan(&inst.Code, &inst.Kind, &inst.Description, &inst.Category,
			&inst.VendorCode, &legs, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(legs), &inst.Legs); err != nil {
			return nil, fmt.Errorf("decoding legs of %s: %w", inst.Code, err)
		}
		inst.CreatedAt = time.UnixMilli(created).UTC()
		if updated > 0 {
			inst.UpdatedAt = time.UnixMilli(updated).UTC()
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SaveInstrument inserts or replaces an instrument definition.
func (s *SQLiteStore) SaveInstrument(ctx context.Context, inst domain.Instrument) error {
	legs := inst.Legs
	if legs == nil {
		legs = []domain.Leg{}
	}
	data, err := json.Marshal(legs)
	if err != nil {
		return err
	}
	var updated int64
	if !inst.UpdatedAt.IsZero() {
		updated = inst.UpdatedAt.UnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO instruments
		   (code, kind, description, category, vendor_code, legs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Code, string(inst.Kind), inst.Description, string(inst.Category),
		inst.VendorCode, string(data), inst.CreatedAt.UnixMilli(), updated)
	return err
}

// DeleteInstrument removes the definition for code.
func (s *SQLiteStore) DeleteInstrument(ctx context.Context, code string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM instruments WHERE code = ?", code)
	return err
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
