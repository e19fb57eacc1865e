// Package publisher advertises a forest of UPnP devices over SSDP: it
// periodically multicasts NOTIFY ssdp:alive for every registered device,
// answers M-SEARCH requests with matching unicast HTTP/1.1 200 OK
// responses, and emits NOTIFY ssdp:byebye on removal or shutdown.
//
// A Publisher owns no socket itself; it is driven by a transport.Transport
// collaborator, which may be shared with a locator.Locator.
package publisher
