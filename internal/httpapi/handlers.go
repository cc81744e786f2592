package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"metalsdesk/internal/domain"
)

const (
	defaultSeriesDays = 30
	maxSeriesDays     = 3650
)

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// handleSeries serves GET /api/series/{code}?from=&to= or ?days=. With
// neither, the last 30 days are returned.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	from, to, err := s.parseRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	series, err := s.broker.GetSeries(r.Context(), code, from, to)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertSeries(series))
}

func (s *Server) parseRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	today := domain.Day(s.now())

	if d := q.Get("days"); d != "" {
		if q.Get("from") != "" || q.Get("to") != "" {
			return from, to, fmt.Errorf("days cannot be combined with from/to")
		}
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > maxSeriesDays {
			return from, to, fmt.Errorf("days must be between 1 and %d", maxSeriesDays)
		}
		return today.AddDate(0, 0, -(n - 1)), today, nil
	}

	to = today
	if v := q.Get("to"); v != "" {
		if to, err = domain.ParseDate(v); err != nil {
			return from, to, fmt.Errorf("invalid to date %q: want YYYY-MM-DD", v)
		}
	}
	from = to.AddDate(0, 0, -(defaultSeriesDays - 1))
	if v := q.Get("from"); v != "" {
		if from, err = domain.ParseDate(v); err != nil {
			return from, to, fmt.Errorf("invalid from date %q: want YYYY-MM-DD", v)
		}
	}
	return from, to, nil
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q, err := s.broker.GetLatest(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleLatestMany serves GET /api/latest?codes=A,B. Without codes every Raw
// instrument is quoted. Per-code failures are reported inline.
func (s *Server) handleLatestMany(w http.ResponseWriter, r *http.Request) {
	var codes []string
	for _, c := range strings.Split(r.URL.Query().Get("codes"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		for _, inst := range s.registry.Raw() {
			codes = append(codes, inst.Code)
		}
	}
	writeJSON(w, http.StatusOK, LatestResponse{Quotes: s.broker.GetLatestMany(r.Context(), codes)})
}

// ---------------------------------------------------------------------------
// Source status
// ---------------------------------------------------------------------------

func (s *Server) statusResponse(st domain.SourceStatus) StatusResponse {
	from, to := s.broker.LiveWindow()
	return StatusResponse{
		SourceStatus: st,
		LiveWindow:   LiveWindowJSON{From: domain.FormatDate(from), To: domain.FormatDate(to)},
		Cache:        s.broker.CacheStats(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse(s.broker.Status()))
}

// handleReconnect always answers with the resulting status. A failed
// attempt is reported in the status itself; an Unavailable source is 503.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Reconnect(r.Context())
	code := http.StatusOK
	if err != nil && st.State == domain.SourceUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.statusResponse(st))
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	cat := domain.CategoryAll
	if v := r.URL.Query().Get("category"); v != "" {
		c, err := domain.ParseCategory(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		cat = c
	}
	list := s.registry.List(cat)
	writeJSON(w, http.StatusOK, InstrumentsResponse{Instruments: list, Count: len(list)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	list := s.registry.Search(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, InstrumentsResponse{Instruments: list, Count: len(list)})
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(mux.Vars(r)["code"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.registry.Resolve(mux.Vars(r)["code"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	inst, err := decodeInstrument(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.registry.Register(r.Context(), inst)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	inst, err := decodeInstrument(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if inst.Code != "" && inst.Code != code {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("body code %q does not match path %q", inst.Code, code))
		return
	}
	updated, err := s.registry.Update(r.Context(), code, inst)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context(), mux.Vars(r)["code"]); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeInstrument(r *http.Request) (domain.Instrument, error) {
	var req InstrumentRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return domain.Instrument{}, fmt.Errorf("invalid request body: %w", err)
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return domain.Instrument{}, err
	}
	var cat domain.Category
	if req.Category != "" {
		if cat, err = domain.ParseCategory(req.Category); err != nil {
			return domain.Instrument{}, err
		}
	}
	return domain.Instrument{
		Code:        req.Code,
		Kind:        kind,
		Description: req.Description,
		Category:    cat,
		VendorCode:  req.VendorCode,
		Legs:        req.Legs,
	}, nil
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.Categories())
}

// ---------------------------------------------------------------------------
// Market and service health
// ---------------------------------------------------------------------------

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	resp := MarketStatusResponse{
		IsOpen:       s.calendar.IsMarketOpen(now),
		Exchange:     "LME",
		CurrentTime:  now,
		TradingHours: "01:00-19:00 UTC (Mon-Fri)",
	}
	if resp.IsOpen {
		next := s.calendar.NextClose(now)
		resp.Message = "LME market open"
		resp.NextClose = &next
	} else {
		next := s.calendar.NextOpen(now)
		resp.Message = "LME market closed"
		resp.NextOpen = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.broker.Status()
	resp := HealthResponse{
		Status:  "healthy",
		Service: "metalsdesk",
		Mode:    s.broker.Mode(),
		Source:  st.State,
	}
	code := http.StatusOK
	if s.db != nil {
		dbh := &DatabaseHealth{Status: "healthy"}
		if err := s.db.Ping(r.Context()); err != nil {
			dbh.Status, dbh.Error = "unhealthy", err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else if stats, err := s.db.Stats(r.Context()); err == nil {
			dbh.Stats = &stats
		}
		resp.Database = dbh
	}
	writeJSON(w, code, resp)
}
