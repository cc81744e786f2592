// Package store defines storage interfaces for persisting and retrieving
// daily price observations and instrument definitions.
package store

import (
	"context"
	"time"

	"metalsdesk/internal/domain"
)

// HistoricalStore persists daily price observations keyed by (code, date).
// Implementations allow concurrent readers and serialize writers.
type HistoricalStore interface {
	// ReadRange returns observations for code within [from, to] (inclusive,
	// by calendar date) ordered by date ascending.
	ReadRange(ctx context.Context, code string, from, to time.Time) ([]domain.PriceObservation, error)

	// AppendOrReplace upserts observations. A later write for the same
	// (code, date) replaces the earlier one.
	AppendOrReplace(ctx context.Context, obs []domain.PriceObservation) error
}

// InstrumentStore persists ticker registry definitions.
type InstrumentStore interface {
	// LoadInstruments returns every persisted instrument.
	LoadInstruments(ctx context.Context) ([]domain.Instrument, error)

	// SaveInstrument inserts or replaces an instrument definition.
	SaveInstrument(ctx context.Context, inst domain.Instrument) error

	// DeleteInstrument removes the definition for code. Deleting a missing
	// code is not an error.
	DeleteInstrument(ctx context.Context, code string) error
}
