// Package httpapi provides the REST API over the broker and the ticker
// registry.
package httpapi

import (
	"time"

	"metalsdesk/internal/broker"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/quotecache"
	"metalsdesk/internal/store"
)

// PointJSON is one element of a series with the date as YYYY-MM-DD.
type PointJSON struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
}

// SeriesResponse is the body of GET /api/series/{code}.
type SeriesResponse struct {
	Code    string      `json:"code"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Points  []PointJSON `json:"points"`
	Partial bool        `json:"partial"`
	Reasons []string    `json:"reasons,omitempty"`
}

func convertSeries(s domain.Series) SeriesResponse {
	out := SeriesResponse{
		Code:    s.Code,
		From:    domain.FormatDate(s.From),
		To:      domain.FormatDate(s.To),
		Points:  make([]PointJSON, len(s.Points)),
		Partial: s.Partial,
		Reasons: s.Reasons,
	}
	for i, p := range s.Points {
		out.Points[i] = PointJSON{Date: domain.FormatDate(p.Date), Price: p.Price}
	}
	return out
}

// LatestResponse is the body of GET /api/latest.
type LatestResponse struct {
	Quotes []broker.LatestResult `json:"quotes"`
}

// LiveWindowJSON is the date range answered by the live provider.
type LiveWindowJSON struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StatusResponse is the body of GET /api/status and the reconnect call.
type StatusResponse struct {
	domain.SourceStatus
	LiveWindow LiveWindowJSON   `json:"live_window"`
	Cache      quotecache.Stats `json:"cache"`
}

// InstrumentRequest is the body of POST and PUT /api/instruments.
type InstrumentRequest struct {
	Code        string       `json:"code"`
	Kind        string       `json:"kind"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	VendorCode  string       `json:"vendor_code,omitempty"`
	Legs        []domain.Leg `json:"legs,omitempty"`
}

// InstrumentsResponse is the body of the instrument listing endpoints.
type InstrumentsResponse struct {
	Instruments []domain.Instrument `json:"instruments"`
	Count       int                 `json:"count"`
}

// MarketStatusResponse is the body of GET /api/market-status.
type MarketStatusResponse struct {
	IsOpen       bool       `json:"is_open"`
	Exchange     string     `json:"exchange"`
	CurrentTime  time.Time  `json:"current_time"`
	Message      string     `json:"message"`
	TradingHours string     `json:"trading_hours"`
	NextOpen     *time.Time `json:"next_open,omitempty"`
	NextClose    *time.Time `json:"next_close,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string             `json:"status"`
	Service  string             `json:"service"`
	Mode     domain.SourceMode  `json:"mode"`
	Source   domain.SourceState `json:"source"`
	Database *DatabaseHealth    `json:"database,omitempty"`
}

// DatabaseHealth reports the store check for the health endpoint.
type DatabaseHealth struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Stats  *store.Stats `json:"stats,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
