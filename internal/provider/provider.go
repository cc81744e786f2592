// Package provider defines the live quote provider interface and its
// implementations: the Alpaca market-data client and a synthetic generator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"metalsdesk/internal/domain"
)

// Provider is a live source of daily observations and latest quotes.
// Implementations must honour ctx cancellation.
type Provider interface {
	// Name returns a short identifier such as "alpaca" or "synthetic".
	Name() string

	// Start opens (or re-opens) the vendor session. The availability
	// monitor calls it on an explicit connect request.
	Start(ctx context.Context) error

	// FetchRange returns daily observations for vendorCode within
	// [from, to] ordered by date.
	FetchRange(ctx context.Context, vendorCode string, from, to time.Time) ([]domain.PriceObservation, error)

	// FetchLatest returns the current quote for vendorCode.
	FetchLatest(ctx context.Context, vendorCode string) (domain.LiveQuote, error)

	// Lookback is the number of calendar days back from today the provider
	// can serve. Zero means unlimited.
	Lookback() int
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrorKind separates failures that say the session is gone from failures
// that concern a single request.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindData       ErrorKind = "data"
)

// Error is a classified provider failure. It matches
// domain.ErrVendorConnection or domain.ErrVendorData under errors.Is.
type Error struct {
	Kind       ErrorKind
	Provider   string
	VendorCode string
	Err        error
}

func (e *Error) Error() string {
	if e.VendorCode == "" {
		return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s error for %s: %v", e.Provider, e.Kind, e.VendorCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the error kind onto the domain sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case domain.ErrVendorConnection:
		return e.Kind == KindConnection
	case domain.ErrVendorData:
		return e.Kind == KindData
	}
	return false
}

// Connection wraps err as a connection-level failure.
func Connection(provider, vendorCode string, err error) error {
	return &Error{Kind: KindConnection, Provider: provider, VendorCode: vendorCode, Err: err}
}

// Data wraps err as a data-level failure.
func Data(provider, vendorCode string, err error) error {
	return &Error{Kind: KindData, Provider: provider, VendorCode: vendorCode, Err: err}
}

// Classify wraps a raw vendor error. Transport failures and deadline expiry
// are connection-level; anything else is data-level. Already classified
// errors are returned unchanged.
func Classify(provider, vendorCode string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return Connection(provider, vendorCode, err)
	}
	return Data(provider, vendorCode, err)
}

// IsConnection reports whether err indicates the vendor session is gone.
// A plain deadline expiry counts, since a hung vendor looks the same as a
// dropped one.
func IsConnection(err error) bool {
	return errors.Is(err, domain.ErrVendorConnection) || errors.Is(err, context.DeadlineExceeded)
}
