package locator

import "net"

// EventKind distinguishes the two event shapes a Locator publishes.
type EventKind int

const (
	// EventAvailable fires when a device is upserted into the cache,
	// whether newly discovered or refreshed.
	EventAvailable EventKind = iota
	// EventUnavailable fires when a device is removed from the cache, by
	// byebye or by expiry.
	EventUnavailable
)

func (k EventKind) String() string {
	if k == EventAvailable {
		return "Available"
	}
	return "Unavailable"
}

// Event is published on the Locator's Events channel: a single stream of
// discriminated records that preserves the relative ordering between a
// device's availability and unavailability notifications.
type Event struct {
	Kind   EventKind
	Device DiscoveredDevice

	// IsNewlyDiscovered is meaningful only for EventAvailable.
	IsNewlyDiscovered bool
	// RemoteIP is the endpoint the triggering datagram arrived from;
	// meaningful only for EventAvailable.
	RemoteIP net.IP

	// Expired is meaningful only for EventUnavailable: true when the
	// removal was caused by the expiry sweep rather than byebye.
	Expired bool
}
