package provider

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"metalsdesk/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*SyntheticProvider)(nil)

// metalProfile is the base price (USD/t) and daily volatility of a metal.
type metalProfile struct {
	base float64
	vol  float64
}

var metalProfiles = map[string]metalProfile{
	"AH": {base: 2200, vol: 0.02},
	"CA": {base: 8500, vol: 0.025},
	"ZN": {base: 2800, vol: 0.03},
	"PB": {base: 2100, vol: 0.025},
	"NI": {base: 18000, vol: 0.04},
	"SN": {base: 32000, vol: 0.035},
}

var defaultProfile = metalProfile{base: 1000, vol: 0.025}

// profileFor picks the metal from an LME code such as LMZSDS03 (ZS is zinc).
func profileFor(code string) metalProfile {
	c := strings.ToUpper(code)
	if strings.HasPrefix(c, "LM") && len(c) >= 4 {
		switch c[2:4] {
		case "ZS":
			return metalProfiles["ZN"]
		default:
			if p, ok := metalProfiles[c[2:4]]; ok {
				return p
			}
		}
	}
	for metal, p := range metalProfiles {
		if strings.Contains(c, metal) {
			return p
		}
	}
	return defaultProfile
}

// SyntheticProvider generates deterministic LME-like prices. The same
// (code, date) always yields the same observation, so repeated fetches
// agree with each other and with what was seeded into the store.
type SyntheticProvider struct {
	now func() time.Time

	mu      sync.RWMutex
	failure error
}

// NewSynthetic returns a SyntheticProvider using the wall clock.
func NewSynthetic() *SyntheticProvider {
	return &SyntheticProvider{now: time.Now}
}

// NewSyntheticAt returns a SyntheticProvider with an injected clock.
func NewSyntheticAt(now func() time.Time) *SyntheticProvider {
	return &SyntheticProvider{now: now}
}

// Name returns "synthetic".
func (p *SyntheticProvider) Name() string { return "synthetic" }

// Lookback returns 0: generated history has no horizon.
func (p *SyntheticProvider) Lookback() int { return 0 }

// SetFailure makes every subsequent call fail with err, or clears the
// failure when err is nil. Used to exercise fallback paths.
func (p *SyntheticProvider) SetFailure(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

func (p *SyntheticProvider) failing(code string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failure == nil {
		return nil
	}
	return Classify(p.Name(), code, p.failure)
}

// Start succeeds unless a failure is injected.
func (p *SyntheticProvider) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Connection(p.Name(), "", err)
	}
	return p.failing("")
}

// FetchRange returns generated observations for every weekday in [from, to].
func (p *SyntheticProvider) FetchRange(ctx context.Context, vendorCode string, from, to time.Time) ([]domain.PriceObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Connection(p.Name(), vendorCode, err)
	}
	if err := p.failing(vendorCode); err != nil {
		return nil, err
	}
	return p.History(vendorCode, from, to), nil
}

// FetchLatest returns the current session's price for vendorCode with a
// small intraday move, and the change against the previous trading day.
func (p *SyntheticProvider) FetchLatest(ctx context.Context, vendorCode string) (domain.LiveQuote, error) {
	if err := ctx.Err(); err != nil {
		return domain.LiveQuote{}, Connection(p.Name(), vendorCode, err)
	}
	if err := p.failing(vendorCode); err != nil {
		return domain.LiveQuote{}, err
	}

	now := p.now().UTC()
	today := lastWeekday(domain.Day(now))
	prev := lastWeekday(today.AddDate(0, 0, -1))

	prof := profileFor(vendorCode)
	last := p.observation(vendorCode, today).Last
	if domain.Day(now).Equal(today) {
		minute := uint64(now.Unix() / 60)
		rng := rand.New(rand.NewPCG(seedFor(vendorCode), minute))
		last *= 1 + rng.NormFloat64()*prof.vol*0.05
	}
	last = round2(last)
	prevClose := p.observation(vendorCode, prev).Last

	change := round2(last - prevClose)
	var pct float64
	if prevClose != 0 {
		pct = round2(change / prevClose * 100)
	}
	return domain.LiveQuote{
		Code:      vendorCode,
		Timestamp: now,
		Last:      last,
		Change:    change,
		ChangePct: pct,
	}, nil
}

// History generates observations for [from, to] regardless of any injected
// failure. The seed command uses it to fill the store beyond the live
// window.
func (p *SyntheticProvider) History(vendorCode string, from, to time.Time) []domain.PriceObservation {
	var out []domain.PriceObservation
	for d := domain.Day(from); !d.After(domain.Day(to)); d = d.AddDate(0, 0, 1) {
		if isWeekend(d) {
			continue
		}
		out = append(out, p.observation(vendorCode, d))
	}
	return out
}

// observation computes the close for a date as a slow cycle around the base
// price plus day-level noise, then derives open/high/low/volume from the
// same seeded stream.
func (p *SyntheticProvider) observation(code string, d time.Time) domain.PriceObservation {
	prof := profileFor(code)
	seed := seedFor(code)
	dayNum := uint64(d.Unix() / 86400)
	rng := rand.New(rand.NewPCG(seed, dayNum))

	phase := float64(seed%360) * math.Pi / 180
	t := float64(dayNum)
	trend := 0.12*math.Sin(2*math.Pi*t/365+phase) + 0.05*math.Sin(2*math.Pi*t/47+phase/2)
	noise := rng.NormFloat64() * prof.vol * 0.5
	last := prof.base * (1 + trend + noise)

	open := last * (1 + rng.NormFloat64()*0.005)
	high := math.Max(open, last) * (1 + math.Abs(rng.NormFloat64()*0.01))
	low := math.Min(open, last) * (1 - math.Abs(rng.NormFloat64()*0.01))
	volume := math.Round(1000 + rng.Float64()*9000)

	return domain.PriceObservation{
		Code:   code,
		Date:   d,
		Last:   round2(last),
		Open:   domain.Float(round2(open)),
		High:   domain.Float(round2(high)),
		Low:    domain.Float(round2(low)),
		Volume: domain.Float(volume),
	}
}

func seedFor(code string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(code))
	return h.Sum64()
}

func isWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func lastWeekday(d time.Time) time.Time {
	for isWeekend(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
