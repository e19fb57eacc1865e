// Package locator discovers UPnP devices over SSDP: it issues M-SEARCH
// multicasts, listens for NOTIFY announcements, maintains a TTL-bounded
// cache of discovered devices keyed by (notificationType, usn), and
// publishes availability/unavailability events as entries are upserted,
// expire, or report byebye.
//
// A Locator owns no socket itself; it is driven by a transport.Transport
// collaborator, which may be shared with a publisher.Publisher.
package locator
