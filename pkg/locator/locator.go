package locator

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/upnp-go/ssdp/pkg/log"
	"github.com/upnp-go/ssdp/pkg/message"
	"github.com/upnp-go/ssdp/pkg/transport"
)

// defaultEventBuffer sizes the Events channel when Config.EventBufferSize
// is left at zero.
const defaultEventBuffer = 64

type state int32

const (
	stateConstructed state = iota
	stateRunning
	stateDisposed
)

// Config configures a Locator at construction.
type Config struct {
	// OSName and OSVersion are woven into the USER-AGENT header. Both are
	// required.
	OSName    string
	OSVersion string

	// NotificationFilter, when non-empty and not "ssdp:all", restricts
	// which notificationType values trigger Available/Unavailable events.
	// The cache is still populated for every notification type regardless
	// of the filter, so Size/Snapshot reflect the full device population.
	NotificationFilter string

	// Logger receives protocol events. Defaults to log.NoopLogger{}.
	Logger log.Logger

	// EventBufferSize sizes the Events channel. Defaults to 64.
	EventBufferSize int
}

// Locator discovers UPnP devices over SSDP: it issues M-SEARCH requests,
// ingests NOTIFY announcements and search responses into a TTL-bounded
// cache, and publishes availability changes.
type Locator struct {
	transport transport.Transport
	cfg       Config
	logger    log.Logger

	events chan Event

	cacheMu sync.Mutex
	cache   map[cacheKey]DiscoveredDevice

	unsubResponse func()

	requestMu    sync.Mutex
	unsubRequest func()

	timerMu        sync.Mutex
	broadcastTimer *time.Timer

	// handlerWG tracks handleResponse/handleNotifyRequest calls currently
	// in flight from the transport's own receive goroutines. Dispose waits
	// on it before closing events, so a handler that is already past its
	// running() check never sends on a closed channel.
	handlerWG sync.WaitGroup

	state atomic.Int32
}

// New creates a Locator bound to tr. Construction subscribes to inbound
// search responses so replies to a later SearchAsync are never missed.
func New(tr transport.Transport, cfg Config) (*Locator, error) {
	if strings.TrimSpace(cfg.OSName) == "" {
		return nil, ErrEmptyOSName
	}
	if strings.TrimSpace(cfg.OSVersion) == "" {
		return nil, ErrEmptyOSVersion
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}

	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = defaultEventBuffer
	}

	l := &Locator{
		transport: tr,
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, bufSize),
		cache:     make(map[cacheKey]DiscoveredDevice),
	}

	l.unsubResponse = tr.OnResponseReceived(l.handleResponse)
	l.state.Store(int32(stateRunning))
	l.logState(stateConstructed, stateRunning, "construction complete")

	return l, nil
}

// Events returns the channel Available/Unavailable events are published
// on. It is closed when the Locator is disposed.
func (l *Locator) Events() <-chan Event {
	return l.events
}

func (l *Locator) running() bool {
	return state(l.state.Load()) == stateRunning
}

// StartListeningForNotifications subscribes to inbound NOTIFY datagrams
// (idempotent: unsubscribe then resubscribe) and ensures multicast
// listening is active.
func (l *Locator) StartListeningForNotifications() error {
	if !l.running() {
		return ErrDisposed
	}

	l.requestMu.Lock()
	if l.unsubRequest != nil {
		l.unsubRequest()
	}
	l.unsubRequest = l.transport.OnRequestReceived(l.handleNotifyRequest)
	l.requestMu.Unlock()

	if err := l.transport.BeginListeningForMulticast(); err != nil {
		return fmt.Errorf("locator: %w", err)
	}
	return nil
}

// StopListeningForNotifications unsubscribes from inbound NOTIFY
// datagrams only; multicast listening itself is left alone.
func (l *Locator) StopListeningForNotifications() error {
	l.requestMu.Lock()
	defer l.requestMu.Unlock()
	if l.unsubRequest != nil {
		l.unsubRequest()
		l.unsubRequest = nil
	}
	return nil
}

// RestartBroadcastTimer arms the periodic search timer: dueTime until the
// first tick, then period between every subsequent tick. Each tick ensures
// notification listening is active, sweeps expired cache entries, and
// issues a default search. Rearming replaces any existing timer rather
// than duplicating it.
func (l *Locator) RestartBroadcastTimer(dueTime, period time.Duration) error {
	if !l.running() {
		return ErrDisposed
	}

	var fire func()
	fire = func() {
		if !l.running() {
			return
		}
		if err := l.StartListeningForNotifications(); err != nil {
			l.logError(err, "restart broadcast timer")
		}
		l.sweepExpired()
		l.broadcastDiscover(context.Background())

		l.timerMu.Lock()
		if l.running() {
			l.broadcastTimer = time.AfterFunc(period, fire)
		}
		l.timerMu.Unlock()
	}

	l.timerMu.Lock()
	if l.broadcastTimer != nil {
		l.broadcastTimer.Stop()
	}
	l.broadcastTimer = time.AfterFunc(dueTime, fire)
	l.timerMu.Unlock()

	return nil
}

// SearchAsync validates target and waitTime, then issues one M-SEARCH
// multicast. Per the source ambiguity flagged in DESIGN.md, the outbound
// message always carries ST: ssdp:all and MX: 3 regardless of target and
// the waitTime-derived MX — preserved deliberately, not a bug in this
// port.
func (l *Locator) SearchAsync(ctx context.Context, target string, waitTime time.Duration) error {
	if strings.TrimSpace(target) == "" {
		return ErrEmptySearchTarget
	}
	if waitTime < 0 || (waitTime != 0 && waitTime <= time.Second) {
		return ErrInvalidWaitTime
	}
	if !l.running() {
		return ErrDisposed
	}

	_ = mxFromWaitTime(waitTime) // computed, then deliberately unused; see above.

	l.broadcastDiscover(ctx)
	return nil
}

func mxFromWaitTime(waitTime time.Duration) int {
	if waitTime == 0 || waitTime < 2*time.Second {
		return 1
	}
	return int((waitTime - time.Second).Seconds())
}

func (l *Locator) broadcastDiscover(ctx context.Context) {
	search := message.NewSearch()
	search.Set("HOST", transport.MulticastGroup.String())
	search.Set("USER-AGENT", fmt.Sprintf("%s/%s UPnP/1.0", l.cfg.OSName, l.cfg.OSVersion))
	search.Set("MAN", `"ssdp:discover"`)
	search.Set("ST", "ssdp:all")
	search.Set("MX", "3")

	data, err := search.Build()
	if err != nil {
		l.logError(err, "build search request")
		return
	}

	if err := l.transport.SendMulticast(ctx, data, 1, nil); err != nil {
		l.logError(err, "send search request")
		return
	}
	l.logDatagram(data, log.DirectionOut, transport.MulticastGroup.String())
}

// Dispose stops the broadcast timer, unsubscribes from both inbound
// events, closes the Events channel, and releases the transport unless it
// is shared. Idempotent.
func (l *Locator) Dispose() error {
	if !l.state.CompareAndSwap(int32(stateRunning), int32(stateDisposed)) {
		return nil
	}
	l.logState(stateRunning, stateDisposed, "dispose called")

	l.timerMu.Lock()
	if l.broadcastTimer != nil {
		l.broadcastTimer.Stop()
		l.broadcastTimer = nil
	}
	l.timerMu.Unlock()

	l.requestMu.Lock()
	if l.unsubRequest != nil {
		l.unsubRequest()
		l.unsubRequest = nil
	}
	l.requestMu.Unlock()

	l.unsubResponse()

	// Both subscriptions are torn down above, so no new call into
	// handleResponse/handleNotifyRequest can start; wait for any already
	// in flight to finish before closing events out from under them.
	l.handlerWG.Wait()
	close(l.events)

	if !l.transport.IsShared() {
		return l.transport.StopListeningForMulticast()
	}
	return nil
}

// handleResponse is the transport's responseReceived subscriber: it turns
// each unicast search response into a cache upsert and an Available event
// (marked IsNewlyDiscovered for first sightings) when the filter admits it.
func (l *Locator) handleResponse(in transport.InboundMessage) {
	l.handlerWG.Add(1)
	defer l.handlerWG.Done()

	if !l.running() {
		return
	}
	if in.Message.StatusCode != 200 {
		return
	}

	loc, ok := in.Message.Get("LOCATION")
	if !ok || loc == "" {
		return
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		l.logError(err, "parse LOCATION")
		return
	}

	usn, _ := in.Message.Get("USN")
	st, _ := in.Message.Get("ST")

	dd := DiscoveredDevice{
		NotificationType:    st,
		USN:                 usn,
		DescriptionLocation: locURL,
		CacheLifetime:       parseCacheLifetime(in.Message),
		AsAt:                time.Now(),
		ResponseHeaders:     in.Message.Headers(),
	}

	l.upsertAndEmit(dd, in.From)
}

// handleNotifyRequest is the transport's requestReceived subscriber while
// notification listening is active. It ignores M-SEARCH datagrams (the
// publisher's concern) and dispatches NOTIFY by its NTS value.
func (l *Locator) handleNotifyRequest(in transport.InboundMessage) {
	l.handlerWG.Add(1)
	defer l.handlerWG.Done()

	if !l.running() {
		return
	}
	if in.Message.Kind != message.KindNotify {
		return
	}

	nts, _ := in.Message.Get("NTS")
	switch strings.ToLower(nts) {
	case "ssdp:alive":
		l.handleAlive(in)
	case "ssdp:byebye":
		l.handleByebye(in)
	}
}

func (l *Locator) handleAlive(in transport.InboundMessage) {
	loc, ok := in.Message.Get("LOCATION")
	if !ok || loc == "" {
		return
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		l.logError(err, "parse LOCATION")
		return
	}

	nt, _ := in.Message.Get("NT")
	usn, _ := in.Message.Get("USN")

	dd := DiscoveredDevice{
		NotificationType:    nt,
		USN:                 usn,
		DescriptionLocation: locURL,
		CacheLifetime:       parseCacheLifetime(in.Message),
		AsAt:                time.Now(),
		ResponseHeaders:     in.Message.Headers(),
	}

	l.upsertAndEmit(dd, in.From)
}

func (l *Locator) handleByebye(in transport.InboundMessage) {
	nt, _ := in.Message.Get("NT")
	if nt == "" {
		return
	}
	usn, _ := in.Message.Get("USN")

	l.cacheMu.Lock()
	removed := l.removeByUSNLocked(usn)
	l.cacheMu.Unlock()

	if len(removed) == 0 {
		synth := DiscoveredDevice{
			NotificationType: nt,
			USN:              usn,
			AsAt:             time.Now(),
			ResponseHeaders:  in.Message.Headers(),
		}
		if l.filterMatches(synth.NotificationType) {
			l.publish(Event{Kind: EventUnavailable, Device: synth, Expired: false})
		}
		return
	}

	for _, d := range removed {
		if l.filterMatches(d.NotificationType) {
			l.publish(Event{Kind: EventUnavailable, Device: d, Expired: false})
		}
	}
}

// sweepExpired removes every cache entry past its lifetime and emits
// deviceUnavailable(expired=true) for each filter-matching removal.
// Entries are snapshotted and removed under the cache lock, then emitted
// outside it to avoid re-entrancy into user handlers that call back into
// the locator.
func (l *Locator) sweepExpired() {
	now := time.Now()

	l.cacheMu.Lock()
	expired := l.sweepExpiredLocked(now)
	l.cacheMu.Unlock()

	for _, d := range expired {
		if l.filterMatches(d.NotificationType) {
			l.publish(Event{Kind: EventUnavailable, Device: d, Expired: true})
		}
	}
}

func (l *Locator) upsertAndEmit(dd DiscoveredDevice, from transport.Endpoint) {
	l.cacheMu.Lock()
	isNew := l.upsertLocked(dd)
	l.cacheMu.Unlock()

	if l.filterMatches(dd.NotificationType) {
		l.publish(Event{Kind: EventAvailable, Device: dd, IsNewlyDiscovered: isNew, RemoteIP: from.IP})
	}
}

// filterMatches reports whether a device's notification type passes the
// configured filter: a device matches iff the filter is empty, "ssdp:all",
// or an exact match.
func (l *Locator) filterMatches(nt string) bool {
	f := l.cfg.NotificationFilter
	return f == "" || strings.EqualFold(f, "ssdp:all") || f == nt
}

func (l *Locator) publish(ev Event) {
	l.events <- ev
}

// parseCacheLifetime extracts the integer seconds from a
// "CACHE-CONTROL: max-age = N" header, tolerating the spaces devices
// commonly place around "=". Missing or malformed headers yield 0.
func parseCacheLifetime(msg *message.Message) time.Duration {
	cc, ok := msg.Get("CACHE-CONTROL")
	if !ok {
		return 0
	}
	idx := strings.Index(strings.ToLower(cc), "max-age")
	if idx < 0 {
		return 0
	}
	rest := cc[idx+len("max-age"):]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return 0
	}
	numPart := strings.TrimSpace(rest[eq+1:])
	end := 0
	for end < len(numPart) && numPart[end] >= '0' && numPart[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(numPart[:end])
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (l *Locator) logDatagram(data []byte, dir log.Direction, remote string) {
	l.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Direction:     dir,
		Component:     log.ComponentLocator,
		Category:      log.CategoryDatagram,
		RemoteAddr:    remote,
		Datagram:      &log.DatagramEvent{Size: len(data)},
	})
}

func (l *Locator) logError(err error, context string) {
	l.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Component:     log.ComponentLocator,
		Category:      log.CategoryError,
		Error: &log.ErrorEventData{
			Component: log.ComponentLocator,
			Message:   err.Error(),
			Context:   context,
		},
	})
}

func (l *Locator) logState(old, new state, reason string) {
	l.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Component:     log.ComponentLocator,
		Category:      log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityLocator,
			OldState: old.String(),
			NewState: new.String(),
			Reason:   reason,
		},
	})
}

func (s state) String() string {
	switch s {
	case stateConstructed:
		return "Constructed"
	case stateRunning:
		return "Running"
	case stateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}
