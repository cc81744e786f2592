// Package broker answers price queries by stitching the live provider's
// recent window onto the historical store, and serves latest quotes through
// the quote cache.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
	"metalsdesk/internal/quotecache"
	"metalsdesk/internal/registry"
	"metalsdesk/internal/store"
)

// Config controls source selection and live fetch behaviour.
type Config struct {
	Mode domain.SourceMode
	// Lookback is the number of most recent calendar days, today included,
	// that are answered by the live provider.
	Lookback int
	// VendorTimeout bounds every live provider call.
	VendorTimeout time.Duration
	// WindowTTL is how long a fetched live window is reused. Zero disables
	// reuse beyond callers that share an in-flight fetch.
	WindowTTL time.Duration
	// PersistLive writes every fetched live window through to the store.
	PersistLive bool
}

// DefaultLookback is the live window used when Config.Lookback is unset.
const DefaultLookback = 140

// Resolver turns an instrument code into vendor legs. *registry.Registry
// satisfies it.
type Resolver interface {
	Resolve(code string) (registry.Plan, error)
}

// Availability is the broker's view of the live source state.
// *availability.Monitor satisfies it.
type Availability interface {
	Connected() bool
	Observe(err error)
	Status() domain.SourceStatus
	Reconnect(ctx context.Context) (domain.SourceStatus, error)
}

// Deps are the collaborators a Broker is built from. Live may be nil in
// offline mode.
type Deps struct {
	Registry Resolver
	Store    store.HistoricalStore
	Live     provider.Provider
	Monitor  Availability
	Cache    *quotecache.Cache
	Logger   *slog.Logger
	// Now overrides the clock that places the live window.
	Now func() time.Time
}

// Broker is safe for concurrent use by many request handlers.
type Broker struct {
	cfg      Config
	registry Resolver
	store    store.HistoricalStore
	live     provider.Provider
	monitor  Availability
	cache    *quotecache.Cache
	log      *slog.Logger
	now      func() time.Time

	group singleflight.Group

	windowsMu sync.Mutex
	windows   map[string]liveWindow
}

type liveWindow struct {
	obs       []domain.PriceObservation
	fetchedAt time.Time
}

// New builds a Broker.
func New(cfg Config, deps Deps) *Broker {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeLive
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = 10 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	cache := deps.Cache
	if cache == nil {
		cache = quotecache.New(quotecache.DefaultTTL, 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Broker{
		cfg:      cfg,
		registry: deps.Registry,
		store:    deps.Store,
		live:     deps.Live,
		monitor:  deps.Monitor,
		cache:    cache,
		log:      log.With("component", "broker"),
		now:      now,
		windows:  make(map[string]liveWindow),
	}
}

// Mode returns the configured source mode.
func (b *Broker) Mode() domain.SourceMode { return b.cfg.Mode }

// Status returns the live source status.
func (b *Broker) Status() domain.SourceStatus { return b.monitor.Status() }

// Reconnect asks the availability monitor to reopen the vendor session. The
// attempt, including any wait behind another one, is bounded by the vendor
// timeout.
func (b *Broker) Reconnect(ctx context.Context) (domain.SourceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.VendorTimeout)
	defer cancel()
	return b.monitor.Reconnect(ctx)
}

// CacheStats exposes quote cache counters for the health endpoint.
func (b *Broker) CacheStats() quotecache.Stats { return b.cache.Stats() }

// lookback returns the effective live window length in days.
func (b *Broker) lookback() int {
	n := b.cfg.Lookback
	if b.live != nil {
		if pl := b.live.Lookback(); pl > 0 && pl < n {
			n = pl
		}
	}
	return n
}

// LiveWindow returns the dates answered by the live provider today.
func (b *Broker) LiveWindow() (start, end time.Time) {
	end = domain.Day(b.now())
	start = end.AddDate(0, 0, -(b.lookback() - 1))
	return start, end
}

func (b *Broker) liveEnabled() bool {
	return b.cfg.Mode != domain.ModeOffline && b.live != nil
}

// ---------------------------------------------------------------------------
// Series
// ---------------------------------------------------------------------------

// GetSeries returns the daily series for code over [from, to]. Dates inside
// the live window come from the live provider when it is connected, with
// stored values filling anything it lacks; older dates come from the store.
// A live failure falls back to the store and marks the result partial.
// Switch and Index series include only dates on which every leg has a
// price.
func (b *Broker) GetSeries(ctx context.Context, code string, from, to time.Time) (domain.Series, error) {
	from, to = domain.Day(from), domain.Day(to)
	if from.After(to) {
		return domain.Series{}, fmt.Errorf("%w: from %s is after to %s",
			domain.ErrInvalidRange, domain.FormatDate(from), domain.FormatDate(to))
	}

	plan, err := b.registry.Resolve(code)
	if err != nil {
		return domain.Series{}, err
	}

	winStart, winEnd := b.LiveWindow()
	liveFrom, liveTo := maxTime(from, winStart), minTime(to, winEnd)
	overlapsLive := !liveFrom.After(liveTo)
	connected := b.monitor.Connected()
	useLive := overlapsLive && b.liveEnabled() && connected

	var (
		reasonsMu sync.Mutex
		reasons   []string
	)
	addReason := func(r string) {
		reasonsMu.Lock()
		reasons = append(reasons, r)
		reasonsMu.Unlock()
	}
	if overlapsLive && b.cfg.Mode != domain.ModeOffline && !useLive {
		st := b.monitor.Status()
		addReason(fmt.Sprintf("live source %s: recent dates served from history", st.State))
	}

	values := make([]map[string]float64, len(plan.Legs))
	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range plan.Legs {
		g.Go(func() error {
			hist, err := b.store.ReadRange(gctx, leg.VendorCode, from, to)
			if err != nil {
				return fmt.Errorf("reading history for %s: %w", leg.VendorCode, err)
			}
			vals := make(map[string]float64, len(hist))
			for _, o := range hist {
				vals[domain.FormatDate(o.Date)] = o.Last
			}

			if useLive {
				live, err := b.fetchWindow(gctx, leg.VendorCode, winStart, winEnd)
				switch {
				case err != nil && gctx.Err() != nil:
					return gctx.Err()
				case err != nil:
					b.monitor.Observe(err)
					b.log.Warn("live fetch failed, serving history",
						"code", code, "vendor_code", leg.VendorCode, "error", err)
					addReason(fmt.Sprintf("%s: live fetch failed: %v", leg.VendorCode, err))
				default:
					for _, o := range live {
						d := domain.Day(o.Date)
						if d.Before(liveFrom) || d.After(liveTo) {
							continue
						}
						vals[domain.FormatDate(d)] = o.Last
					}
				}
			}
			values[i] = vals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Series{}, err
	}

	sort.Strings(reasons)
	return domain.Series{
		Code:    code,
		From:    from,
		To:      to,
		Points:  combine(plan.Legs, values),
		Partial: len(reasons) > 0,
		Reasons: reasons,
	}, nil
}

// fetchWindow returns the live observations for vendorCode over the whole
// live window. Concurrent callers for the same window share one provider
// call. The call runs detached from the caller's context so an abandoned
// request does not cancel it, and its result is kept for WindowTTL.
func (b *Broker) fetchWindow(ctx context.Context, vendorCode string, start, end time.Time) ([]domain.PriceObservation, error) {
	key := "range|" + vendorCode + "|" + domain.FormatDate(start) + "|" + domain.FormatDate(end)
	if obs, ok := b.cachedWindow(key); ok {
		return obs, nil
	}

	ch := b.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.VendorTimeout)
		defer cancel()

		obs, err := b.live.FetchRange(fctx, vendorCode, start, end)
		if err != nil {
			return nil, err
		}
		b.storeWindow(key, obs)

		if b.cfg.PersistLive && len(obs) > 0 {
			if err := b.store.AppendOrReplace(fctx, obs); err != nil {
				b.log.Warn("persisting live window", "vendor_code", vendorCode, "error", err)
			}
		}
		return obs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.PriceObservation), nil
	}
}

func (b *Broker) cachedWindow(key string) ([]domain.PriceObservation, bool) {
	if b.cfg.WindowTTL <= 0 {
		return nil, false
	}
	b.windowsMu.Lock()
	defer b.windowsMu.Unlock()
	w, ok := b.windows[key]
	if !ok || b.now().Sub(w.fetchedAt) >= b.cfg.WindowTTL {
		return nil, false
	}
	return w.obs, true
}

func (b *Broker) storeWindow(key string, obs []domain.PriceObservation) {
	if b.cfg.WindowTTL <= 0 {
		return
	}
	now := b.now()
	b.windowsMu.Lock()
	defer b.windowsMu.Unlock()
	for k, w := range b.windows {
		if now.Sub(w.fetchedAt) >= b.cfg.WindowTTL {
			delete(b.windows, k)
		}
	}
	b.windows[key] = liveWindow{obs: obs, fetchedAt: now}
}

// combine computes Σ weight·price on every date present in all legs, in
// ascending date order. Arithmetic is done in decimal so a switch of two
// exact prices is itself exact.
func combine(legs []registry.PlanLeg, values []map[string]float64) []domain.Point {
	points := make([]domain.Point, 0)
	if len(legs) == 0 {
		return points
	}

	for date, first := range values[0] {
		sum := decimal.NewFromFloat(legs[0].Weight).Mul(decimal.NewFromFloat(first))
		complete := true
		for i := 1; i < len(legs); i++ {
			v, ok := values[i][date]
			if !ok {
				complete = false
				break
			}
			sum = sum.Add(decimal.NewFromFloat(legs[i].Weight).Mul(decimal.NewFromFloat(v)))
		}
		if !complete {
			continue
		}
		d, _ := domain.ParseDate(date)
		points = append(points, domain.Point{Date: d, Price: sum.InexactFloat64()})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points
}

// ---------------------------------------------------------------------------
// Latest
// ---------------------------------------------------------------------------

// GetLatest returns the latest quote for code, combining legs for Switch and
// Index instruments. Leg quotes come only from the quote cache or the live
// provider, never from the store. A leg with no cached value while the
// source is not connected fails with ErrSourceUnavailable.
func (b *Broker) GetLatest(ctx context.Context, code string) (domain.LiveQuote, error) {
	plan, err := b.registry.Resolve(code)
	if err != nil {
		return domain.LiveQuote{}, err
	}

	quotes := make([]domain.LiveQuote, len(plan.Legs))
	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range plan.Legs {
		g.Go(func() error {
			q, err := b.latestLeg(gctx, leg.VendorCode)
			if err != nil {
				return err
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.LiveQuote{}, err
	}

	if plan.Kind == domain.KindRaw && len(quotes) == 1 && plan.Legs[0].Weight == 1 {
		q := quotes[0]
		q.Code = code
		return q, nil
	}
	return combineQuotes(code, plan.Legs, quotes), nil
}

func (b *Broker) latestLeg(ctx context.Context, vendorCode string) (domain.LiveQuote, error) {
	if q, ok := b.cache.Get(vendorCode); ok {
		return q, nil
	}
	if !b.liveEnabled() || !b.monitor.Connected() {
		st := b.monitor.Status()
		return domain.LiveQuote{}, fmt.Errorf("%w: no live value for %s (%s)",
			domain.ErrSourceUnavailable, vendorCode, st.State)
	}

	ch := b.group.DoChan("latest|"+vendorCode, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.VendorTimeout)
		defer cancel()

		q, err := b.live.FetchLatest(fctx, vendorCode)
		if err != nil {
			return nil, err
		}
		b.cache.Put(vendorCode, q)
		return q, nil
	})

	select {
	case <-ctx.Done():
		return domain.LiveQuote{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(domain.LiveQuote), nil
		}
		b.monitor.Observe(res.Err)
		if provider.IsConnection(res.Err) {
			return domain.LiveQuote{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, res.Err)
		}
		return domain.LiveQuote{}, res.Err
	}
}

// combineQuotes sums legs by weight. The combined change percent is taken
// against the implied previous value (price − change). The timestamp is the
// oldest leg's, so the quote is never presented as fresher than its
// stalest input.
func combineQuotes(code string, legs []registry.PlanLeg, quotes []domain.LiveQuote) domain.LiveQuote {
	price, change := decimal.Zero, decimal.Zero
	var ts time.Time
	for i, q := range quotes {
		w := decimal.NewFromFloat(legs[i].Weight)
		price = price.Add(w.Mul(decimal.NewFromFloat(q.Last)))
		change = change.Add(w.Mul(decimal.NewFromFloat(q.Change)))
		if ts.IsZero() || q.Timestamp.Before(ts) {
			ts = q.Timestamp
		}
	}

	out := domain.LiveQuote{
		Code:      code,
		Timestamp: ts,
		Last:      price.InexactFloat64(),
		Change:    change.InexactFloat64(),
	}
	if prev := price.Sub(change); !prev.IsZero() {
		out.ChangePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	return out
}

// LatestResult is one entry of GetLatestMany.
type LatestResult struct {
	Code  string            `json:"code"`
	Quote *domain.LiveQuote `json:"quote,omitempty"`
	Error string            `json:"error,omitempty"`
	err   error
}

// Err returns the underlying error, if any.
func (r LatestResult) Err() error { return r.err }

// GetLatestMany fetches latest quotes for several codes in parallel. A
// failing code is reported in its own result and does not fail the batch.
func (b *Broker) GetLatestMany(ctx context.Context, codes []string) []LatestResult {
	out := make([]LatestResult, len(codes))
	var g errgroup.Group
	g.SetLimit(8)
	for i, code := range codes {
		g.Go(func() error {
			q, err := b.GetLatest(ctx, code)
			if err != nil {
				out[i] = LatestResult{Code: code, Error: err.Error(), err: err}
				return nil
			}
			out[i] = LatestResult{Code: code, Quote: &q}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// IsUnavailable reports whether err means no live value could be served.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrSourceUnavailable)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
