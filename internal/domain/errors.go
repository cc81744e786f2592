package domain

import "errors"

// Registry errors are user-correctable and returned verbatim to callers.
var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrInstrumentInUse   = errors.New("instrument in use")
	ErrInvalidRange      = errors.New("invalid date range")
)

// Source errors. Only ErrVendorConnection moves the availability state.
var (
	ErrSourceUnavailable = errors.New("live source unavailable")
	ErrVendorConnection  = errors.New("vendor connection error")
	ErrVendorData        = errors.New("vendor data error")
)
