package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalsdesk/internal/availability"
	"metalsdesk/internal/broker"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
	"metalsdesk/internal/quotecache"
	"metalsdesk/internal/registry"
	"metalsdesk/internal/store"
)

// Friday, inside the LME session.
var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *httptest.Server
	synth *provider.SyntheticProvider
	reg   *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return testNow }

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, nil)
	_, err = reg.SeedDefaults(ctx)
	require.NoError(t, err)

	synth := provider.NewSyntheticAt(clock)
	mon := availability.New(synth, synth.Name(), domain.ModeSynthetic, nil, nil)
	_, err = mon.Reconnect(ctx)
	require.NoError(t, err)

	b := broker.New(broker.Config{Mode: domain.ModeSynthetic, Lookback: 140}, broker.Deps{
		Registry: reg,
		Store:    st,
		Live:     synth,
		Monitor:  mon,
		Cache:    quotecache.New(time.Minute, 64).WithClock(clock),
		Now:      clock,
	})

	s := NewServer(b, reg, st, nil)
	s.now = clock
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, synth: synth, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

func TestSeries(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/series/LMCADS03?from=2024-02-26&to=2024-03-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SeriesResponse](t, resp)

	want := e.synth.History("LMCADS03", time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC), testNow)
	require.Len(t, got.Points, len(want))
	for i, p := range got.Points {
		assert.Equal(t, domain.FormatDate(want[i].Date), p.Date)
		assert.Equal(t, want[i].Last, p.Price)
	}
	assert.False(t, got.Partial)
	assert.Equal(t, "2024-02-26", got.From)
}

func TestSeriesDays(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/series/"+url.PathEscape("ZN-PB Spread")+"?days=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SeriesResponse](t, resp)
	assert.Equal(t, "2024-02-24", got.From)
	assert.Equal(t, "2024-03-01", got.To)
	assert.Len(t, got.Points, 5)
	assert.Equal(t, "ZN-PB Spread", got.Code)
}

func TestSeriesBadRequests(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		path   string
		status int
	}{
		{"/api/series/LMCADS03?from=01-02-2024", http.StatusBadRequest},
		{"/api/series/LMCADS03?days=0", http.StatusBadRequest},
		{"/api/series/LMCADS03?days=5&from=2024-01-01", http.StatusBadRequest},
		{"/api/series/LMCADS03?from=2024-03-01&to=2024-02-01", http.StatusBadRequest},
		{"/api/series/XAU", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := e.do(t, http.MethodGet, tc.path, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, resp.Header.Get("X-Request-ID"), body.RequestID)
		})
	}
}

func TestLatest(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/latest/LMZSDS03", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decode[domain.LiveQuote](t, resp)
	assert.Equal(t, "LMZSDS03", q.Code)
	assert.Positive(t, q.Last)

	resp = e.do(t, http.MethodGet, "/api/latest?codes=LMZSDS03,XAU", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	many := decode[LatestResponse](t, resp)
	require.Len(t, many.Quotes, 2)
	require.NotNil(t, many.Quotes[0].Quote)
	assert.Equal(t, q.Last, many.Quotes[0].Quote.Last)
	assert.Contains(t, many.Quotes[1].Error, "unknown instrument")

	resp = e.do(t, http.MethodGet, "/api/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[LatestResponse](t, resp).Quotes, 6)
}

func TestSourceFailureAndReconnect(t *testing.T) {
	e := newTestEnv(t)
	e.synth.SetFailure(provider.Connection("synthetic", "", errors.New("session lost")))

	resp := e.do(t, http.MethodGet, "/api/series/LMNIDS03?days=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decode[SeriesResponse](t, resp)
	assert.True(t, s.Partial)
	assert.NotEmpty(t, s.Reasons)

	resp = e.do(t, http.MethodGet, "/api/latest/LMNIDS03", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/status", nil)
	st := decode[StatusResponse](t, resp)
	assert.Equal(t, domain.SourceDisconnected, st.State)
	assert.Contains(t, st.LastError, "session lost")

	resp = e.do(t, http.MethodPost, "/api/status/reconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.SourceDisconnected, decode[StatusResponse](t, resp).State)

	e.synth.SetFailure(nil)
	resp = e.do(t, http.MethodPost, "/api/status/reconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[StatusResponse](t, resp)
	assert.Equal(t, domain.SourceConnected, st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, "2024-03-01", st.LiveWindow.To)

	resp = e.do(t, http.MethodGet, "/api/latest/LMNIDS03", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

func TestInstrumentListing(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/instruments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 8, decode[InstrumentsResponse](t, resp).Count)

	resp = e.do(t, http.MethodGet, "/api/instruments?category=zn", nil)
	zn := decode[InstrumentsResponse](t, resp)
	require.Equal(t, 2, zn.Count)

	resp = e.do(t, http.MethodGet, "/api/instruments?category=XX", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/instruments/search?q=copper", nil)
	found := decode[InstrumentsResponse](t, resp)
	var codes []string
	for _, inst := range found.Instruments {
		codes = append(codes, inst.Code)
	}
	assert.ElementsMatch(t, []string{"LMCADS03", "Base Metals Index"}, codes)

	resp = e.do(t, http.MethodGet, "/api/instruments/"+url.PathEscape("Base Metals Index"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.KindIndex, decode[domain.Instrument](t, resp).Kind)

	resp = e.do(t, http.MethodGet, "/api/instruments/"+url.PathEscape("ZN-PB Spread")+"/plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decode[registry.Plan](t, resp)
	require.Len(t, plan.Legs, 2)
	assert.Equal(t, -1.0, plan.Legs[1].Weight)

	resp = e.do(t, http.MethodGet, "/api/categories", nil)
	assert.Len(t, decode[[]domain.Category](t, resp), 7)
}

func TestInstrumentLifecycle(t *testing.T) {
	e := newTestEnv(t)

	req := InstrumentRequest{
		Code:     "CA-AH",
		Kind:     "switch",
		Category: "CA",
		Legs:     []domain.Leg{{Code: "LMCADS03"}, {Code: "LMAHDS03"}},
	}
	resp := e.do(t, http.MethodPost, "/api/instruments", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[domain.Instrument](t, resp)
	assert.Equal(t, domain.KindSwitch, created.Kind)

	resp = e.do(t, http.MethodPost, "/api/instruments", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "duplicate code")

	resp = e.do(t, http.MethodPost, "/api/instruments", map[string]any{"code": "X", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/instruments", InstrumentRequest{
		Code: "BAD", Kind: "switch", Legs: []domain.Leg{{Code: "LMCADS03"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req.Description = "Copper over aluminium"
	req.Code = ""
	resp = e.do(t, http.MethodPut, "/api/instruments/CA-AH", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Copper over aluminium", decode[domain.Instrument](t, resp).Description)

	resp = e.do(t, http.MethodPut, "/api/instruments/NOPE", req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/instruments/LMCADS03", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/instruments/CA-AH", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/instruments/CA-AH", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestMarketStatusAndHealth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/market-status", nil)
	ms := decode[MarketStatusResponse](t, resp)
	assert.True(t, ms.IsOpen)
	require.NotNil(t, ms.NextClose)
	assert.Equal(t, time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC), ms.NextClose.UTC())
	assert.Nil(t, ms.NextOpen)

	resp = e.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, domain.ModeSynthetic, h.Mode)
	assert.Equal(t, domain.SourceConnected, h.Source)
	require.NotNil(t, h.Database)
	require.NotNil(t, h.Database.Stats)
	assert.Equal(t, int64(8), h.Database.Stats.Instruments)
}

func TestMiddleware(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/categories", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	resp = e.do(t, http.MethodGet, "/api/categories", nil)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36, "generated IDs are UUIDs")

	resp = e.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrUnknownInstrument:                   http.StatusNotFound,
		domain.ErrInvalidDefinition:                   http.StatusBadRequest,
		domain.ErrInvalidRange:                        http.StatusBadRequest,
		domain.ErrInstrumentInUse:                     http.StatusConflict,
		domain.ErrSourceUnavailable:                   http.StatusServiceUnavailable,
		provider.Data("p", "X", errors.New("bad")):    http.StatusBadGateway,
		provider.Connection("p", "X", errors.New("")): http.StatusServiceUnavailable,
		errors.New("boom"):                            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
