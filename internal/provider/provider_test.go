package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalsdesk/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		connection bool
	}{
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"bad symbol", errors.New("symbol not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("alpaca", "LMCADS03", tt.err)
			assert.Equal(t, tt.connection, IsConnection(err))
			assert.Equal(t, tt.connection, errors.Is(err, domain.ErrVendorConnection))
			assert.Equal(t, !tt.connection, errors.Is(err, domain.ErrVendorData))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Nil(t, Classify("alpaca", "X", nil))

	// Already classified errors keep their kind.
	data := Data("alpaca", "X", context.DeadlineExceeded)
	assert.Same(t, data, Classify("alpaca", "X", data))
	assert.True(t, IsConnection(data), "a bare deadline still reads as connection-level")
}

func TestErrorMessage(t *testing.T) {
	err := Connection("alpaca", "LMZSDS03", errors.New("reset"))
	assert.Equal(t, "alpaca connection error for LMZSDS03: reset", err.Error())
	err = Data("synthetic", "", errors.New("bad"))
	assert.Equal(t, "synthetic data error: bad", err.Error())
}

func TestSyntheticDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC) // Wednesday
	p := NewSyntheticAt(func() time.Time { return now })
	ctx := context.Background()

	from := time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC) // Monday
	to := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	a, err := p.FetchRange(ctx, "LMZSDS03", from, to)
	require.NoError(t, err)
	b, err := p.FetchRange(ctx, "LMZSDS03", from, to)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Mon..Fri, Mon..Wed: weekends skipped.
	require.Len(t, a, 8)
	for _, o := range a {
		assert.NotEqual(t, time.Saturday, o.Date.Weekday())
		assert.NotEqual(t, time.Sunday, o.Date.Weekday())
		// Zinc stays within a plausible band around its base price.
		assert.InDelta(t, 2800, o.Last, 2800*0.5)
		assert.GreaterOrEqual(t, *o.High, *o.Low)
	}

	other, err := p.FetchRange(ctx, "LMNIDS03", from, to)
	require.NoError(t, err)
	assert.InDelta(t, 18000, other[0].Last, 18000*0.5)
}

func TestSyntheticLatest(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) // Saturday
	p := NewSyntheticAt(func() time.Time { return now })

	q, err := p.FetchLatest(context.Background(), "LMCADS03")
	require.NoError(t, err)

	// On a weekend the latest price is Friday's close.
	friday := p.History("LMCADS03", now.AddDate(0, 0, -1), now.AddDate(0, 0, -1))
	require.Len(t, friday, 1)
	assert.Equal(t, friday[0].Last, q.Last)
	assert.Equal(t, "LMCADS03", q.Code)
	assert.True(t, q.Timestamp.Equal(now))
}

func TestSyntheticFailure(t *testing.T) {
	p := NewSynthetic()
	ctx := context.Background()

	p.SetFailure(Connection("synthetic", "", errors.New("terminal closed")))
	_, err := p.FetchLatest(ctx, "LMZSDS03")
	assert.True(t, IsConnection(err))
	assert.Error(t, p.Start(ctx))

	p.SetFailure(errors.New("no such field"))
	_, err = p.FetchRange(ctx, "LMZSDS03", time.Now().AddDate(0, 0, -5), time.Now())
	assert.ErrorIs(t, err, domain.ErrVendorData)

	p.SetFailure(nil)
	assert.NoError(t, p.Start(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.FetchLatest(cancelled, "LMZSDS03")
	assert.True(t, IsConnection(err))
}

func TestAlpacaRequiresCredentials(t *testing.T) {
	_, err := NewAlpaca(AlpacaConfig{APIKey: "key"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	p, err := NewAlpaca(AlpacaConfig{
		APIKey:       "key",
		APISecret:    "secret",
		LookbackDays: 140,
		Symbols:      map[string]string{"lmcads03": "CPER"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpaca", p.Name())
	assert.Equal(t, 140, p.Lookback())
	assert.Equal(t, "CPER", p.symbol("LMCADS03"))
	assert.Equal(t, "LMZSDS03", p.symbol("lmzsds03"))
}

func TestAlpacaLookbackClamp(t *testing.T) {
	p, err := NewAlpaca(AlpacaConfig{APIKey: "k", APISecret: "s", LookbackDays: 10})
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC) }

	// Entirely before the horizon: nothing to fetch and no network call.
	obs, err := p.FetchRange(context.Background(), "LMZSDS03",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestAlpacaUnreachableIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p, err := NewAlpaca(AlpacaConfig{APIKey: "k", APISecret: "s", DataURL: "http://" + addr})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = p.Start(ctx)
	require.Error(t, err)
	assert.True(t, IsConnection(err), "got %v", err)
}
