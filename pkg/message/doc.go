// Package message implements HTTPU framing for SSDP: building and parsing
// the NOTIFY/M-SEARCH/response datagrams exchanged over multicast UDP.
//
// # Wire format
//
// Datagrams are ASCII text, CRLF-terminated lines, start-line followed by
// "Name: Value" header lines and a trailing blank line:
//
//	NOTIFY * HTTP/1.1
//	HOST: 239.255.255.250:1900
//	CACHE-CONTROL: max-age = 1800
//	NT: upnp:rootdevice
//	NTS: ssdp:alive
//	USN: uuid:abc::upnp:rootdevice
//	LOCATION: http://192.168.1.5:80/desc.xml
//
// Three start-lines are recognized: "NOTIFY * HTTP/1.1" (announcement),
// "M-SEARCH * HTTP/1.1" (discovery request), and an HTTP/ status line such
// as "HTTP/1.1 200 OK" (search response; any status code parses, and the
// code is kept for the caller to check). Anything else is not an SSDP
// message.
//
// Header lookups are case-insensitive; a missing header yields absence, not
// an error. Header names are always emitted in the canonical forms SSDP
// peers expect (HOST, CACHE-CONTROL, ST, ...), independent of how the
// caller cased them when building the message.
package message
