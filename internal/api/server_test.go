package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"metalsdesk/internal/availability"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
)

func startServer(t *testing.T, mon *availability.Monitor) (*Server, func() error) {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	srv := NewServer("127.0.0.1:0", "127.0.0.1:0", handler, mon, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("server did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return srv, stop
}

func healthClient(t *testing.T, addr string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func liveStatus(t *testing.T, hc healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestHealthTracksSource(t *testing.T) {
	synth := provider.NewSynthetic()
	mon := availability.New(synth, synth.Name(), domain.ModeSynthetic, nil, nil)
	srv, stop := startServer(t, mon)

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/anything")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	hc := healthClient(t, srv.GRPCAddr())
	require.Eventually(t, func() bool {
		return liveStatus(t, hc, "") == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return liveStatus(t, hc, LiveService) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond, "disconnected at start")

	_, err = mon.Reconnect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return liveStatus(t, hc, LiveService) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	mon.Observe(provider.Connection("synthetic", "", errors.New("lost")))
	require.Eventually(t, func() bool {
		return liveStatus(t, hc, LiveService) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	assert.NoError(t, stop())
}

func TestUnavailableSourceNeverServes(t *testing.T) {
	mon := availability.New(nil, "alpaca", domain.ModeLive, provider.ErrNotConfigured, nil)
	srv, _ := startServer(t, mon)

	hc := healthClient(t, srv.GRPCAddr())
	require.Eventually(t, func() bool {
		return liveStatus(t, hc, LiveService) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, liveStatus(t, hc, ""))
}

func TestListenFailure(t *testing.T) {
	srv := NewServer("256.0.0.1:0", "", http.NotFoundHandler(), nil, nil)
	err := srv.ListenAndServe(context.Background())
	assert.ErrorContains(t, err, "listening on")
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(domain.SourceStatus{State: domain.SourceConnected}))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(domain.SourceStatus{State: domain.SourceDisconnected}))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(domain.SourceStatus{State: domain.SourceUnavailable}))
}
