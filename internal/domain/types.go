// Package domain defines the core types shared across metalsdesk: instruments,
// price observations, live quotes, and the live source status.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format for observation dates.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// Kind describes how an instrument is priced.
type Kind string

const (
	// KindRaw is directly quotable from the vendor.
	KindRaw Kind = "raw"
	// KindSwitch is the difference of two Raw instruments.
	KindSwitch Kind = "switch"
	// KindIndex is a weighted sum of Raw or Switch instruments.
	KindIndex Kind = "index"
)

// ParseKind parses s case-insensitively. "weighted_index" is accepted as an
// alias for KindIndex.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "":
		return KindRaw, nil
	case "switch":
		return KindSwitch, nil
	case "index", "weighted_index":
		return KindIndex, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, s)
}

// Category is the product category of an instrument.
type Category string

const (
	CategoryAluminium Category = "AH"
	CategoryCopper    Category = "CA"
	CategoryZinc      Category = "ZN"
	CategoryLead      Category = "PB"
	CategoryNickel    Category = "NI"
	CategoryTin       Category = "SN"
	CategoryAll       Category = "ALL"
)

var categories = []Category{
	CategoryAluminium,
	CategoryCopper,
	CategoryZinc,
	CategoryLead,
	CategoryNickel,
	CategoryTin,
	CategoryAll,
}

// Categories returns the fixed metals taxonomy, ALL last.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory parses s case-insensitively. An empty string maps to ALL.
func ParseCategory(s string) (Category, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return CategoryAll, nil
	}
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown product category %q", ErrInvalidDefinition, s)
}

// Leg references another registered instrument from a Switch or Index.
type Leg struct {
	Code   string  `json:"code"`
	Weight float64 `json:"weight"`
}

// Instrument is a registered ticker. Raw instruments carry a VendorCode;
// Switch and Index instruments carry Legs.
type Instrument struct {
	Code        string    `json:"code"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	VendorCode  string    `json:"vendor_code,omitempty"`
	Legs        []Leg     `json:"legs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// References reports whether inst has a leg pointing at code.
func (inst Instrument) References(code string) bool {
	for _, l := range inst.Legs {
		if l.Code == code {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// PriceObservation is one settled daily price for a vendor code. Identity is
// (Code, Date); the source that produced it is not part of the identity.
type PriceObservation struct {
	Code   string    `json:"code"`
	Date   time.Time `json:"date"`
	Last   float64   `json:"last"`
	Open   *float64  `json:"open,omitempty"`
	High   *float64  `json:"high,omitempty"`
	Low    *float64  `json:"low,omitempty"`
	Volume *float64  `json:"volume,omitempty"`
}

// LiveQuote is an ephemeral latest price.
type LiveQuote struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Last      float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
}

// Point is one element of a combined price series.
type Point struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Series is the answer to a date-range query. Partial is set when part of
// the range could not be served from the preferred source; Reasons lists why.
type Series struct {
	Code    string    `json:"code"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Points  []Point   `json:"points"`
	Partial bool      `json:"partial"`
	Reasons []string  `json:"reasons,omitempty"`
}

// ---------------------------------------------------------------------------
// Live source status
// ---------------------------------------------------------------------------

// SourceState is the availability state of the live provider.
type SourceState string

const (
	SourceUnavailable  SourceState = "unavailable"
	SourceDisconnected SourceState = "disconnected"
	SourceConnected    SourceState = "connected"
)

// SourceMode selects which live provider is bound into the broker.
type SourceMode string

const (
	// ModeLive uses the vendor network client.
	ModeLive SourceMode = "live"
	// ModeSynthetic uses the generated dummy-data provider.
	ModeSynthetic SourceMode = "synthetic"
	// ModeOffline never consults a live provider; everything comes from the
	// historical store.
	ModeOffline SourceMode = "offline"
)

// ParseSourceMode parses s case-insensitively. "dummy" is an alias for
// ModeSynthetic.
func ParseSourceMode(s string) (SourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "":
		return ModeLive, nil
	case "synthetic", "dummy":
		return ModeSynthetic, nil
	case "offline":
		return ModeOffline, nil
	}
	return "", fmt.Errorf("unknown source mode %q", s)
}

// SourceStatus is a snapshot of the live provider's availability.
type SourceStatus struct {
	State         SourceState `json:"state"`
	Available     bool        `json:"available"`
	Connected     bool        `json:"connected"`
	Mode          SourceMode  `json:"mode"`
	Provider      string      `json:"provider,omitempty"`
	Message       string      `json:"message"`
	LastError     string      `json:"last_error,omitempty"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
}

// ---------------------------------------------------------------------------
// Dates
// ---------------------------------------------------------------------------

// Day truncates t to midnight UTC of its UTC calendar date.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders t as YYYY-MM-DD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Float returns a pointer to v, for optional observation fields.
func Float(v float64) *float64 {
	return &v
}
