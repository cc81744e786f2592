// Package api runs the metalsdesk listeners: the REST API over HTTP and a
// gRPC endpoint exposing grpc.health.v1, where the live source's state is
// published as its own service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"metalsdesk/internal/domain"
)

// StatusSource publishes live source status changes. *availability.Monitor
// satisfies it.
type StatusSource interface {
	Status() domain.SourceStatus
	Subscribe(bufSize int) (int, <-chan domain.SourceStatus)
	Unsubscribe(id int)
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	source   StatusSource
	log      *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// ShutdownTimeout bounds the graceful stop once the serve context ends.
	ShutdownTimeout time.Duration

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	ready    chan struct{}
	shutOnce sync.Once
}

// NewServer creates a Server. grpcAddr may be empty to run HTTP only.
func NewServer(httpAddr, grpcAddr string, handler http.Handler, source StatusSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		source:   source,
		log:      log.With("component", "api"),
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcServer:      gs,
		health:          hs,
		ShutdownTimeout: 5 * time.Second,
		ready:           make(chan struct{}),
	}
}

// Ready is closed once both listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the bound HTTP address, or "" before Ready.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" before Ready or when gRPC
// is disabled.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. On cancellation it shuts both
// down gracefully and returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLn net.Listener
	if s.grpcAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	s.mu.Lock()
	s.httpLn, s.grpcLn = httpLn, grpcLn
	s.mu.Unlock()
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.watchSource(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers. gRPC
// connections still open when ctx expires are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutOnce.Do(func() {
		s.log.Info("shutting down listeners")
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		err = s.httpServer.Shutdown(ctx)

		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
			<-stopped
		}
	})
	return err
}
