package api

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"metalsdesk/internal/domain"
)

// LiveService is the gRPC health service name reflecting the live source.
// It is SERVING only while the source is connected. The empty service name
// reports the process itself and is always SERVING.
const LiveService = "metalsdesk.live"

func servingStatus(st domain.SourceStatus) healthpb.HealthCheckResponse_ServingStatus {
	if st.State == domain.SourceConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// watchSource mirrors source status changes into the health server until
// ctx is cancelled.
func (s *Server) watchSource(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if s.source == nil {
		s.health.SetServingStatus(LiveService, healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}

	// Subscribe before the initial read so no change is missed.
	id, ch := s.source.Subscribe(16)
	defer s.source.Unsubscribe(id)
	s.health.SetServingStatus(LiveService, servingStatus(s.source.Status()))

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			// Events can be dropped on a full buffer; the current status
			// is authoritative.
			cur := s.source.Status()
			s.health.SetServingStatus(LiveService, servingStatus(cur))
			s.log.Debug("live health updated", "state", cur.State)
		}
	}
}
