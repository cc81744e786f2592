package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"metalsdesk/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// ErrNotConfigured is returned by NewAlpaca when credentials are missing.
// The availability monitor treats it as a permanently unavailable source.
var ErrNotConfigured = errors.New("alpaca credentials not configured")

// AlpacaConfig configures AlpacaProvider.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string
	RateLimitPerMin int
	// Symbols maps vendor codes to Alpaca symbols. Unmapped codes are sent
	// upper-cased as they are.
	Symbols map[string]string
	// LookbackDays bounds FetchRange; zero means unlimited.
	LookbackDays int
	// CheckSymbol is requested by Start to verify the session.
	CheckSymbol string
}

// AlpacaProvider serves daily bars and snapshots from the Alpaca market-data
// API. The SDK calls block without a context, so each call runs on its own
// goroutine and the caller stops waiting when ctx ends.
type AlpacaProvider struct {
	client   *marketdata.Client
	limiter  *rate.Limiter
	feed     string
	symbols  map[string]string
	lookback int
	check    string
	now      func() time.Time
}

// NewAlpaca creates an AlpacaProvider. It does not touch the network.
func NewAlpaca(cfg AlpacaConfig) (*AlpacaProvider, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}

	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}

	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "sip"
	}
	check := cfg.CheckSymbol
	if check == "" {
		check = "SPY"
	}
	symbols := make(map[string]string, len(cfg.Symbols))
	for k, v := range cfg.Symbols {
		symbols[strings.ToUpper(k)] = v
	}

	return &AlpacaProvider{
		client:   marketdata.NewClient(opts),
		limiter:  rate.NewLimiter(rate.Limit(float64(perMin)/60), 1),
		feed:     feed,
		symbols:  symbols,
		lookback: cfg.LookbackDays,
		check:    check,
		now:      time.Now,
	}, nil
}

// Name returns "alpaca".
func (p *AlpacaProvider) Name() string { return "alpaca" }

// Lookback returns the configured horizon in days.
func (p *AlpacaProvider) Lookback() int { return p.lookback }

// Start verifies the session by fetching the latest bar of the check symbol.
func (p *AlpacaProvider) Start(ctx context.Context) error {
	return p.call(ctx, "", func() error {
		_, err := p.client.GetLatestBar(p.check, marketdata.GetLatestBarRequest{
			Feed: marketdata.Feed(p.feed),
		})
		return err
	})
}

// FetchRange returns daily bars for vendorCode. The range is clamped to the
// lookback horizon; a range entirely outside it returns no rows.
func (p *AlpacaProvider) FetchRange(ctx context.Context, vendorCode string, from, to time.Time) ([]domain.PriceObservation, error) {
	from, to = domain.Day(from), domain.Day(to)
	if p.lookback > 0 {
		horizon := domain.Day(p.now()).AddDate(0, 0, -(p.lookback - 1))
		if from.Before(horizon) {
			from = horizon
		}
	}
	if from.After(to) {
		return nil, nil
	}

	var bars []marketdata.Bar
	err := p.call(ctx, vendorCode, func() error {
		var err error
		bars, err = p.client.GetBars(p.symbol(vendorCode), marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     from,
			End:       to.Add(24*time.Hour - time.Nanosecond),
			Feed:      marketdata.Feed(p.feed),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.PriceObservation, 0, len(bars))
	for _, b := range bars {
		out = append(out, domain.PriceObservation{
			Code:   vendorCode,
			Date:   domain.Day(b.Timestamp),
			Last:   b.Close,
			Open:   domain.Float(b.Open),
			High:   domain.Float(b.High),
			Low:    domain.Float(b.Low),
			Volume: domain.Float(float64(b.Volume)),
		})
	}
	return out, nil
}

// FetchLatest returns the latest trade price from a snapshot, with change
// measured against the previous daily close.
func (p *AlpacaProvider) FetchLatest(ctx context.Context, vendorCode string) (domain.LiveQuote, error) {
	var snap *marketdata.Snapshot
	err := p.call(ctx, vendorCode, func() error {
		var err error
		snap, err = p.client.GetSnapshot(p.symbol(vendorCode), marketdata.GetSnapshotRequest{
			Feed: marketdata.Feed(p.feed),
		})
		return err
	})
	if err != nil {
		return domain.LiveQuote{}, err
	}
	if snap == nil {
		return domain.LiveQuote{}, Data(p.Name(), vendorCode, errors.New("empty snapshot"))
	}

	q := domain.LiveQuote{Code: vendorCode}
	switch {
	case snap.LatestTrade != nil:
		q.Last = snap.LatestTrade.Price
		q.Timestamp = snap.LatestTrade.Timestamp.UTC()
	case snap.DailyBar != nil:
		q.Last = snap.DailyBar.Close
		q.Timestamp = snap.DailyBar.Timestamp.UTC()
	default:
		return domain.LiveQuote{}, Data(p.Name(), vendorCode, errors.New("snapshot has no price"))
	}
	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close != 0 {
		q.Change = q.Last - snap.PrevDailyBar.Close
		q.ChangePct = q.Change / snap.PrevDailyBar.Close * 100
	}
	return q, nil
}

func (p *AlpacaProvider) symbol(vendorCode string) string {
	code := strings.ToUpper(vendorCode)
	if s, ok := p.symbols[code]; ok {
		return s
	}
	return code
}

// call rate-limits and runs fn, returning early if ctx ends first. fn keeps
// running in the background in that case; its results are discarded.
func (p *AlpacaProvider) call(ctx context.Context, vendorCode string, fn func() error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return Connection(p.Name(), vendorCode, fmt.Errorf("rate limit wait: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return Connection(p.Name(), vendorCode, ctx.Err())
	case err := <-done:
		return Classify(p.Name(), vendorCode, err)
	}
}
