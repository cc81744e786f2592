package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/store"
	"metalsdesk/internal/util"
)

var _ Gatherer = (*EODFolder)(nil)

// Quoter returns the latest quote for an instrument. *broker.Broker
// satisfies it.
type Quoter interface {
	GetLatest(ctx context.Context, code string) (domain.LiveQuote, error)
}

// EODFolder writes the latest live quote of every Raw instrument into the
// historical store as the current day's observation, on a cron schedule
// evaluated in UTC.
type EODFolder struct {
	schedule    string
	instruments Instruments
	quotes      Quoter
	store       store.HistoricalStore
	calendar    *util.TradingCalendar
	log         *slog.Logger
	now         func() time.Time
}

// NewEODFolder creates an EODFolder. schedule is a standard five-field cron
// expression.
func NewEODFolder(schedule string, insts Instruments, quotes Quoter, st store.HistoricalStore, log *slog.Logger) *EODFolder {
	if log == nil {
		log = slog.Default()
	}
	return &EODFolder{
		schedule:    schedule,
		instruments: insts,
		quotes:      quotes,
		store:       st,
		calendar:    util.NewTradingCalendar(),
		log:         log.With("gatherer", "eod-fold"),
		now:         time.Now,
	}
}

// Name returns the gatherer identifier.
func (f *EODFolder) Name() string { return "eod-fold" }

// Run schedules FoldOnce and blocks until ctx is cancelled. A running fold
// is allowed to finish before Run returns.
func (f *EODFolder) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(f.schedule, func() {
		n, err := f.FoldOnce(ctx)
		if err != nil {
			f.log.Warn("eod fold incomplete", "folded", n, "error", err)
			return
		}
		f.log.Info("eod fold complete", "folded", n)
	})
	if err != nil {
		return fmt.Errorf("parsing eod schedule %q: %w", f.schedule, err)
	}

	f.log.Info("eod fold scheduled", "schedule", f.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// FoldOnce folds the current quotes and returns how many observations were
// written. Non-trading days are skipped. A code without a quote is reported
// in the returned error; the others are still written. A quote stamped on an
// earlier day is not folded, so a stale price never becomes today's close.
func (f *EODFolder) FoldOnce(ctx context.Context) (int, error) {
	now := f.now()
	if !f.calendar.IsTradingDay(now) {
		f.log.Debug("not a trading day, skipping fold", "date", domain.FormatDate(now))
		return 0, nil
	}
	today := domain.Day(now)

	var (
		obs  []domain.PriceObservation
		errs []error
	)
	for _, inst := range f.instruments.Raw() {
		q, err := f.quotes.GetLatest(ctx, inst.Code)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", inst.Code, err))
			continue
		}
		if !q.Timestamp.IsZero() && !domain.Day(q.Timestamp).Equal(today) {
			f.log.Info("stale quote, not folded", "code", inst.Code, "quoted", domain.FormatDate(q.Timestamp))
			continue
		}
		obs = append(obs, domain.PriceObservation{
			Code: vendorCode(inst),
			Date: today,
			Last: q.Last,
		})
	}

	if len(obs) > 0 {
		if err := f.store.AppendOrReplace(ctx, obs); err != nil {
			return 0, fmt.Errorf("writing eod observations: %w", err)
		}
	}
	return len(obs), errors.Join(errs...)
}
