package gather

import (
	"context"
	"fmt"
	"log/slog"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/store"
)

// Archive copies observations for codes over rng from one historical store
// to another and returns the number of rows copied. Rows already present in
// dst are replaced.
func Archive(ctx context.Context, src, dst store.HistoricalStore, codes []string, rng DateRange, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	total := 0
	for _, code := range codes {
		obs, err := src.ReadRange(ctx, code, rng.Start, rng.End)
		if err != nil {
			return total, fmt.Errorf("reading %s: %w", code, err)
		}
		if len(obs) == 0 {
			continue
		}
		if err := dst.AppendOrReplace(ctx, obs); err != nil {
			return total, fmt.Errorf("writing %s: %w", code, err)
		}
		total += len(obs)
		log.Debug("archived", "code", code, "rows", len(obs))
	}
	log.Info("archive complete",
		"codes", len(codes),
		"rows", total,
		"from", domain.FormatDate(rng.Start),
		"to", domain.FormatDate(rng.End),
	)
	return total, nil
}

// ArchiveCodes returns the vendor codes of insts.
func ArchiveCodes(insts []domain.Instrument) []string {
	return vendorCodes(insts)
}
