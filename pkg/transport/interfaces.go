package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/upnp-go/ssdp/pkg/message"
)

// MulticastAddress and Port identify the SSDP discovery group.
const (
	MulticastAddress = "239.255.255.250"
	Port             = 1900
)

// MulticastGroup is the well-known SSDP multicast endpoint.
var MulticastGroup = &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: Port}

// Endpoint is a UDP peer address, kept independent of net.UDPAddr so the
// Transport interface doesn't leak a particular socket implementation.
type Endpoint struct {
	IP   net.IP
	Port int
}

// NewEndpoint builds an Endpoint from a net.UDPAddr.
func NewEndpoint(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: addr.Port}
}

// String returns "ip:port".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

// InboundMessage is a parsed SSDP datagram delivered to a request or
// response handler, together with the endpoint it arrived from and the
// local interface address it arrived on.
type InboundMessage struct {
	Message *message.Message
	From    Endpoint
	LocalIP net.IP
}

// RequestHandler receives NOTIFY and M-SEARCH datagrams.
type RequestHandler func(InboundMessage)

// ResponseHandler receives search responses: every datagram with an HTTP/
// status line, whatever its status code.
type ResponseHandler func(InboundMessage)

// Transport is the communications-server contract the core consumes. A
// concrete UDP binding is a collaborator, not part of the core; callers
// may substitute their own implementation.
type Transport interface {
	// BeginListeningForMulticast joins the discovery group on one socket per
	// usable local interface. Idempotent.
	BeginListeningForMulticast() error

	// StopListeningForMulticast leaves the discovery group and closes the
	// per-interface sockets. Idempotent.
	StopListeningForMulticast() error

	// SendUnicast is a fire-and-forget send to dest. If fromLocalIP is nil,
	// the transport picks a listening interface. Errors are reported to the
	// caller but MUST NOT be allowed to propagate out of publisher/locator
	// handlers — callers of this method are expected to swallow them at
	// the call site.
	SendUnicast(ctx context.Context, data []byte, dest Endpoint, fromLocalIP net.IP) error

	// SendMulticast transmits sendCount copies of data to the discovery
	// group. If fromLocalIP is nil, sends from every listening interface.
	SendMulticast(ctx context.Context, data []byte, sendCount int, fromLocalIP net.IP) error

	// OnRequestReceived registers a handler for inbound NOTIFY/M-SEARCH
	// datagrams and returns a function that unsubscribes it.
	OnRequestReceived(h RequestHandler) (unsubscribe func())

	// OnResponseReceived registers a handler for inbound search responses
	// and returns a function that unsubscribes it.
	OnResponseReceived(h ResponseHandler) (unsubscribe func())

	// IsShared reports whether this transport is shared between a Publisher
	// and a Locator. When true, disposing either one must not close it.
	IsShared() bool
}
