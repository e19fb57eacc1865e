// Package transport owns the multicast/unicast UDP sockets that carry SSDP
// datagrams: joining the discovery group on every usable interface, sending
// uni- and multicast datagrams, and classifying inbound datagrams into
// requests (NOTIFY/M-SEARCH) versus responses (HTTP/ status lines) before
// handing them to a Publisher or Locator.
//
// Transport is the interface the core consumes; UDPTransport is a concrete
// binding provided so the module is runnable end to end. Callers may supply
// their own Transport implementation instead — the core never requires this
// one.
package transport
