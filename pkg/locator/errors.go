package locator

import "errors"

// Sentinel errors. Only input-validation and lifecycle errors are
// surfaced to callers; transport and parse errors are absorbed rather than
// propagated, since a single malformed datagram from the network should
// never stop discovery.
var (
	ErrEmptyOSName       = errors.New("locator: osName must not be empty")
	ErrEmptyOSVersion    = errors.New("locator: osVersion must not be empty")
	ErrEmptySearchTarget = errors.New("locator: search target must not be empty")
	ErrInvalidWaitTime   = errors.New("locator: waitTime must be 0 or greater than 1s")
	ErrDisposed          = errors.New("locator: disposed")
)
