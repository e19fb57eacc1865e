package publisher

import "errors"

// Sentinel errors. Only input-validation and lifecycle errors are
// surfaced to callers; transport and parse errors are absorbed rather
// than propagated, since a single malformed datagram or failed send
// should never stop the publisher.
var (
	ErrNilDevice      = errors.New("publisher: device is nil")
	ErrEmptyOSName    = errors.New("publisher: osName must not be empty")
	ErrEmptyOSVersion = errors.New("publisher: osVersion must not be empty")
	ErrDisposed       = errors.New("publisher: disposed")
)
