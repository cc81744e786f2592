package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
	"metalsdesk/internal/store"
	"metalsdesk/internal/util"
)

var _ Gatherer = (*Backfill)(nil)

// BackfillConfig controls a Backfill run.
type BackfillConfig struct {
	// Days is the number of calendar days, today included, to fetch.
	Days int
	// Attempts and RetryDelay bound the retries per code. Data errors are
	// not retried.
	Attempts   int
	RetryDelay time.Duration
	// Workers is the number of codes fetched concurrently.
	Workers int
}

// BackfillResult summarises a run.
type BackfillResult struct {
	Codes        int
	Observations int
	Failed       map[string]error
}

// Backfill fetches a date range for every Raw instrument from a provider and
// persists it. With the synthetic provider it seeds a fresh store.
type Backfill struct {
	cfg         BackfillConfig
	instruments Instruments
	source      provider.Provider
	store       store.HistoricalStore
	log         *slog.Logger
	now         func() time.Time
}

// NewBackfill creates a Backfill.
func NewBackfill(cfg BackfillConfig, insts Instruments, src provider.Provider, st store.HistoricalStore, log *slog.Logger) *Backfill {
	if cfg.Days <= 0 {
		cfg.Days = 140
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backfill{
		cfg:         cfg,
		instruments: insts,
		source:      src,
		store:       st,
		log:         log.With("gatherer", "backfill", "provider", src.Name()),
		now:         time.Now,
	}
}

// Name returns the gatherer identifier.
func (b *Backfill) Name() string { return "backfill" }

// Run performs one backfill and fails if any code could not be fetched.
func (b *Backfill) Run(ctx context.Context) error {
	res, err := b.Once(ctx)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("backfill failed for %d of %d codes", len(res.Failed), res.Codes)
	}
	return nil
}

// Once fetches and persists the configured range for every Raw instrument.
// Per-code failures are collected in the result.
func (b *Backfill) Once(ctx context.Context) (BackfillResult, error) {
	rng := LastDays(b.now(), b.cfg.Days)
	codes := vendorCodes(b.instruments.Raw())
	res := BackfillResult{Codes: len(codes), Failed: make(map[string]error)}

	b.log.Info("starting backfill",
		"codes", len(codes),
		"from", domain.FormatDate(rng.Start),
		"to", domain.FormatDate(rng.End),
	)

	var (
		mu       sync.Mutex
		runStart = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for _, code := range codes {
		g.Go(func() error {
			n, err := b.backfillCode(gctx, code, rng)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.log.Warn("backfill failed", "code", code, "error", err)
				res.Failed[code] = err
				return nil
			}
			res.Observations += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	b.log.Info("backfill complete",
		"observations", res.Observations,
		"failed", len(res.Failed),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return res, nil
}

func (b *Backfill) backfillCode(ctx context.Context, code string, rng DateRange) (int, error) {
	var (
		obs     []domain.PriceObservation
		dataErr error
	)
	err := util.Retry(ctx, b.cfg.Attempts, b.cfg.RetryDelay, func() error {
		var err error
		obs, err = b.source.FetchRange(ctx, code, rng.Start, rng.End)
		if err != nil && !provider.IsConnection(err) {
			dataErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	if dataErr != nil {
		return 0, dataErr
	}
	if len(obs) == 0 {
		return 0, nil
	}
	if err := b.store.AppendOrReplace(ctx, obs); err != nil {
		return 0, fmt.Errorf("persisting %s: %w", code, err)
	}
	return len(obs), nil
}
