package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalsdesk/internal/config"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
	"metalsdesk/internal/store"
)

func testConfig(t *testing.T, mode domain.SourceMode) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Source.Mode = string(mode)
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.SQLitePath = filepath.Join(dir, "db", "metalsdesk.db")
	cfg.Alpaca.APIKey = ""
	cfg.Alpaca.APISecret = ""
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewSynthetic(t *testing.T) {
	a := newApp(t, testConfig(t, domain.ModeSynthetic))

	assert.Len(t, a.Registry.Raw(), 6)
	require.NotNil(t, a.Live)
	assert.Equal(t, "synthetic", a.Live.Name())
	assert.Equal(t, domain.SourceDisconnected, a.Monitor.Status().State)
	assert.Same(t, a.SQLite, a.History)

	st := a.Connect(context.Background())
	assert.Equal(t, domain.SourceConnected, st.State)

	q, err := a.Broker.GetLatest(context.Background(), "LMCADS03")
	require.NoError(t, err)
	assert.Greater(t, q.Last, 0.0)
}

func TestNewReopensExistingRegistry(t *testing.T) {
	cfg := testConfig(t, domain.ModeOffline)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = a.Registry.Register(context.Background(), domain.Instrument{
		Code:       "LMXXDS03",
		Kind:       domain.KindRaw,
		Category:   domain.CategoryAll,
		VendorCode: "LMXXDS03",
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := newApp(t, cfg)
	_, err = b.Registry.Get("LMXXDS03")
	assert.NoError(t, err)
	assert.Len(t, b.Registry.Raw(), 7)
}

func TestNewOffline(t *testing.T) {
	a := newApp(t, testConfig(t, domain.ModeOffline))

	assert.Nil(t, a.Live)
	assert.Equal(t, domain.SourceUnavailable, a.Monitor.Status().State)
	assert.Equal(t, domain.SourceUnavailable, a.Connect(context.Background()).State)
}

func TestNewLiveWithoutCredentials(t *testing.T) {
	a := newApp(t, testConfig(t, domain.ModeLive))

	assert.Nil(t, a.Live)
	st := a.Monitor.Status()
	assert.Equal(t, domain.SourceUnavailable, st.State)
	assert.Contains(t, st.LastError, provider.ErrNotConfigured.Error())

	_, err := a.Broker.GetLatest(context.Background(), "LMCADS03")
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestParquetHistory(t *testing.T) {
	cfg := testConfig(t, domain.ModeSynthetic)
	cfg.Storage.Engine = "parquet"
	a := newApp(t, cfg)

	_, ok := a.History.(*store.ParquetStore)
	assert.True(t, ok)

	res, err := a.Backfill(context.Background(), provider.NewSynthetic(), 10)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Codes)
	assert.Empty(t, res.Failed)
	assert.Greater(t, res.Observations, 0)

	codes, err := a.History.(*store.ParquetStore).ListCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, codes, 6)
}

func TestEODFolderBoundToBroker(t *testing.T) {
	a := newApp(t, testConfig(t, domain.ModeSynthetic))
	assert.Equal(t, "eod-fold", a.EODFolder().Name())
}
