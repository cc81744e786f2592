package metalsdesk

import "time"

// Point is one daily price.
type Point struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
}

// Series is a daily price series. Partial is set when part of the range
// could not be served from the live source.
type Series struct {
	Code    string   `json:"code"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Points  []Point  `json:"points"`
	Partial bool     `json:"partial"`
	Reasons []string `json:"reasons,omitempty"`
}

// Quote is the latest price of an instrument.
type Quote struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
}

// QuoteResult is one entry of a batch quote request.
type QuoteResult struct {
	Code  string `json:"code"`
	Quote *Quote `json:"quote,omitempty"`
	Error string `json:"error,omitempty"`
}

// Status describes the live source.
type Status struct {
	State         string    `json:"state"`
	Available     bool      `json:"available"`
	Connected     bool      `json:"connected"`
	Mode          string    `json:"mode"`
	Provider      string    `json:"provider,omitempty"`
	Message       string    `json:"message"`
	LastError     string    `json:"last_error,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LiveWindow    struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"live_window"`
}

// Leg references another instrument from a switch or index.
type Leg struct {
	Code   string  `json:"code"`
	Weight float64 `json:"weight"`
}

// Instrument is a registered ticker.
type Instrument struct {
	Code        string    `json:"code"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	VendorCode  string    `json:"vendor_code,omitempty"`
	Legs        []Leg     `json:"legs,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}
