// Package gather holds the background jobs that move prices into the
// historical store: the scheduled end-of-day fold, the live-window backfill
// and the SQLite-to-Parquet archive copy.
package gather

import (
	"context"
	"time"

	"metalsdesk/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the gathering. Scheduled gatherers block until ctx is
	// cancelled; one-shot gatherers return when done.
	Run(ctx context.Context) error
}

// Instruments lists the Raw instruments to gather. *registry.Registry
// satisfies it.
type Instruments interface {
	Raw() []domain.Instrument
}

// DateRange represents an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// LastDays returns the n calendar days ending on the date of now.
func LastDays(now time.Time, n int) DateRange {
	end := domain.Day(now)
	if n < 1 {
		n = 1
	}
	return DateRange{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

func vendorCode(inst domain.Instrument) string {
	if inst.VendorCode != "" {
		return inst.VendorCode
	}
	return inst.Code
}

func vendorCodes(insts []domain.Instrument) []string {
	codes := make([]string, 0, len(insts))
	for _, inst := range insts {
		codes = append(codes, vendorCode(inst))
	}
	return codes
}
