package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"metalsdesk/internal/broker"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/registry"
	"metalsdesk/internal/store"
	"metalsdesk/internal/util"
)

// Database is the optional store health check behind GET /api/health.
// *store.SQLiteStore satisfies it.
type Database interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
}

// Server serves the REST API.
type Server struct {
	broker   *broker.Broker
	registry *registry.Registry
	db       Database
	calendar *util.TradingCalendar
	log      *slog.Logger
	now      func() time.Time

	// CORSOrigins lists the allowed origins; empty allows any.
	CORSOrigins []string
}

// NewServer creates a Server. db may be nil.
func NewServer(b *broker.Broker, reg *registry.Registry, db Database, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		broker:   b,
		registry: reg,
		db:       db,
		calendar: util.NewTradingCalendar(),
		log:      log.With("component", "httpapi"),
		now:      time.Now,
	}
}

// RegisterRoutes registers all API routes on the given router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/series/{code}", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/latest", s.handleLatestMany).Methods(http.MethodGet)
	api.HandleFunc("/latest/{code}", s.handleLatest).Methods(http.MethodGet)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/status/reconnect", s.handleReconnect).Methods(http.MethodPost)

	// search must be registered before {code}.
	api.HandleFunc("/instruments", s.handleListInstruments).Methods(http.MethodGet)
	api.HandleFunc("/instruments", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/instruments/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{code}", s.handleGetInstrument).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{code}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/instruments/{code}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/instruments/{code}/plan", s.handlePlan).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)

	api.HandleFunc("/market-status", s.handleMarketStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped in request ID, logging, recovery and
// CORS middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "route not found")
	})
	s.RegisterRoutes(r)
	r.Use(s.requestIDMiddleware, s.loggingMiddleware)

	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(r))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

const requestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the request ID assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("panic recovered", "error", fmt.Sprint(v...))
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: RequestID(r.Context())})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDefinition), errors.Is(err, domain.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInstrumentInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSourceUnavailable), errors.Is(err, domain.ErrVendorConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrVendorData):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, err.Error())
}
