package publisher

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/upnp-go/ssdp/pkg/device"
	"github.com/upnp-go/ssdp/pkg/log"
	"github.com/upnp-go/ssdp/pkg/message"
	"github.com/upnp-go/ssdp/pkg/transport"
)

// implVersion is woven into the SERVER header's "RSSDP/{implVersion}" slot.
const implVersion = "1.0"

// heartbeatFirstDelay is the fixed delay before a heartbeat timer's first
// tick; every tick after that uses the caller's interval.
const heartbeatFirstDelay = 5 * time.Second

// dedupStaleAfter is the duplicate-suppression window: repeated M-SEARCH
// datagrams for the same (ST, endpoint) within this window are dropped.
const dedupStaleAfter = 500 * time.Millisecond

// dedupSweepThreshold is the recent-search map size that triggers a stale
// sweep. The map is never swept on a timer, so a deployment whose recent
// searches never cross this threshold keeps stale entries indefinitely.
// Preserved as a known bounded-growth tradeoff rather than patched with a
// background sweep.
const dedupSweepThreshold = 10

type state int32

const (
	stateConstructed state = iota
	stateRunning
	stateDisposed
)

// Config configures a Publisher at construction.
type Config struct {
	// OSName and OSVersion are woven into the SERVER/USER-AGENT headers.
	// Both are required.
	OSName    string
	OSVersion string

	// SendOnlyMatchedHost, if true, restricts M-SEARCH responses to the
	// interface whose local IP equals the matched root device's configured
	// Address. When false, every M-SEARCH is answered from the local
	// interface it arrived on.
	SendOnlyMatchedHost bool

	// DisablePnpRootDevice turns off the additional pnp:rootdevice
	// advertisement pair (on by default, hence the inverted flag here).
	DisablePnpRootDevice bool

	// Logger receives protocol events. Defaults to log.NoopLogger{}.
	Logger log.Logger

	// RandSource seeds the publisher's private random source (MX jitter,
	// MX clamping). Defaults to a time-seeded source. Tests should supply a
	// fixed source for determinism.
	RandSource rand.Source
}

// recentSearch is a publisher-side dedup record.
type recentSearch struct {
	receivedAt time.Time
}

// Publisher advertises a forest of UPnP root devices via SSDP.
type Publisher struct {
	transport transport.Transport
	cfg       Config
	logger    log.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	registryMu sync.Mutex
	devices    []*device.RootDevice

	dedupMu sync.Mutex
	recent  map[string]recentSearch

	timerMu        sync.Mutex
	heartbeatTimer *time.Timer

	state atomic.Int32

	unsubscribeRequest func()

	wg sync.WaitGroup
}

// New creates a Publisher bound to tr. Construction subscribes to inbound
// requests, begins multicast listening, and performs one (empty, since the
// registry starts out empty) alive sweep.
func New(tr transport.Transport, cfg Config) (*Publisher, error) {
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

	src := cfg.RandSource
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}

	p := &Publisher{
		transport: tr,
		cfg:       cfg,
		logger:    logger,
		rand:      rand.New(src),
		recent:    make(map[string]recentSearch),
	}

	p.unsubscribeRequest = tr.OnRequestReceived(p.handleRequest)

	if err := tr.BeginListeningForMulticast(); err != nil {
		p.unsubscribeRequest()
		return nil, fmt.Errorf("publisher: %w", err)
	}

	p.state.Store(int32(stateRunning))
	p.logState(stateConstructed, stateRunning, "construction complete")

	p.sendAliveSweepAll()

	return p, nil
}

func (p *Publisher) enumOpts() device.EnumerationOptions {
	return device.EnumerationOptions{SupportPnpRootDevice: !p.cfg.DisablePnpRootDevice}
}

func (p *Publisher) running() bool {
	return state(p.state.Load()) == stateRunning
}

// StartSendingAliveNotifications arms the heartbeat timer: it first fires
// at +5s, then every interval, re-sending alive for every registered
// device on each tick. Re-arming replaces any existing timer rather than
// duplicating it.
func (p *Publisher) StartSendingAliveNotifications(interval time.Duration) error {
	if !p.running() {
		return ErrDisposed
	}

	var fire func()
	fire = func() {
		if !p.running() {
			return
		}
		p.sendAliveSweepAll()

		p.timerMu.Lock()
		if p.running() {
			p.heartbeatTimer = time.AfterFunc(interval, fire)
		}
		p.timerMu.Unlock()
	}

	p.timerMu.Lock()
	if p.heartbeatTimer != nil {
		p.heartbeatTimer.Stop()
	}
	p.heartbeatTimer = time.AfterFunc(heartbeatFirstDelay, fire)
	p.timerMu.Unlock()

	return nil
}

// AddDevice registers root. Idempotent by identity: adding an
// already-registered device is a no-op. A successful addition triggers one
// alive sweep for that device.
func (p *Publisher) AddDevice(root *device.RootDevice) error {
	if root == nil {
		return ErrNilDevice
	}
	if !p.running() {
		return ErrDisposed
	}

	p.registryMu.Lock()
	for _, existing := range p.devices {
		if existing == root {
			p.registryMu.Unlock()
			return nil
		}
	}
	p.devices = append(p.devices, root)
	p.registryMu.Unlock()

	p.sendAliveSweep(root)
	return nil
}

// RemoveDevice unregisters root, sending a byebye sweep (sendCount=3) for
// it first. Idempotent: removing a device that is not registered is a
// no-op.
func (p *Publisher) RemoveDevice(root *device.RootDevice) error {
	if root == nil {
		return ErrNilDevice
	}
	if !p.running() {
		return ErrDisposed
	}

	p.registryMu.Lock()
	idx := -1
	for i, existing := range p.devices {
		if existing == root {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.registryMu.Unlock()
		return nil
	}
	p.devices = append(p.devices[:idx], p.devices[idx+1:]...)
	p.registryMu.Unlock()

	p.sendByebyeSweep(root, 3)
	return nil
}

// Dispose stops the heartbeat, unsubscribes from inbound requests, sends a
// byebye sweep (sendCount=1) for every registered device to completion,
// and releases the transport unless it is shared. Idempotent.
func (p *Publisher) Dispose() error {
	if !p.state.CompareAndSwap(int32(stateRunning), int32(stateDisposed)) {
		return nil
	}
	p.logState(stateRunning, stateDisposed, "dispose called")

	p.timerMu.Lock()
	if p.heartbeatTimer != nil {
		p.heartbeatTimer.Stop()
		p.heartbeatTimer = nil
	}
	p.timerMu.Unlock()

	p.unsubscribeRequest()

	p.registryMu.Lock()
	snapshot := append([]*device.RootDevice(nil), p.devices...)
	p.devices = nil
	p.registryMu.Unlock()

	for _, root := range snapshot {
		p.sendByebyeSweep(root, 1)
	}

	p.wg.Wait()

	if !p.transport.IsShared() {
		return p.transport.StopListeningForMulticast()
	}
	return nil
}

// handleRequest is the transport's requestReceived subscriber. It ignores
// NOTIFY datagrams (the locator's concern) and drives the M-SEARCH
// request/response state machine for M-SEARCH datagrams.
func (p *Publisher) handleRequest(in transport.InboundMessage) {
	if !p.running() {
		return
	}
	if in.Message.Kind != message.KindSearch {
		return
	}

	st, ok := in.Message.Get("ST")
	if !ok || strings.TrimSpace(st) == "" {
		p.logError(fmt.Errorf("m-search missing ST header"), "handle request")
		return
	}

	key := st + ":" + in.From.String()
	if !p.admitSearch(key) {
		return
	}

	mx, _ := in.Message.Get("MX")
	maxWait, ok := p.resolveMaxWait(mx)
	if !ok {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		delay := p.randomDelay(maxWait)
		time.Sleep(delay)
		if !p.running() {
			return
		}
		p.respondToSearch(in, st)
	}()
}

// admitSearch applies the (ST+endpoint) dedup window, so a device that
// repeats an M-SEARCH before its first response window elapses does not
// trigger a second round of responses. Returns false if the request
// should be dropped.
func (p *Publisher) admitSearch(key string) bool {
	now := time.Now()

	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	if prior, exists := p.recent[key]; exists && now.Sub(prior.receivedAt) < dedupStaleAfter {
		return false
	}
	p.recent[key] = recentSearch{receivedAt: now}

	if len(p.recent) > dedupSweepThreshold {
		for k, v := range p.recent {
			if now.Sub(v.receivedAt) >= dedupStaleAfter {
				delete(p.recent, k)
			}
		}
	}
	return true
}

// resolveMaxWait computes maxWaitInterval from the MX header value (spec
// §4.4 step 3). The second return value is false when the request should
// be silently dropped.
func (p *Publisher) resolveMaxWait(mx string) (int, bool) {
	mx = strings.TrimSpace(mx)
	if mx == "" {
		return 1, true
	}

	n, err := strconv.Atoi(mx)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > 120 {
		p.randMu.Lock()
		n = p.rand.Intn(120)
		p.randMu.Unlock()
	}
	return n, true
}

// randomDelay returns a uniform random delay in [16ms, maxWait*1000ms),
// spreading unicast responses out so a multicast M-SEARCH doesn't cause
// every listening device to answer at once.
func (p *Publisher) randomDelay(maxWait int) time.Duration {
	upperMs := maxWait * 1000
	if upperMs <= 16 {
		return 16 * time.Millisecond
	}

	p.randMu.Lock()
	ms := 16 + p.rand.Intn(upperMs-16)
	p.randMu.Unlock()
	return time.Duration(ms) * time.Millisecond
}

// respondToSearch snapshots the registry, matches each device against st,
// and fans out unicast responses.
func (p *Publisher) respondToSearch(in transport.InboundMessage, st string) {
	p.registryMu.Lock()
	snapshot := append([]*device.RootDevice(nil), p.devices...)
	p.registryMu.Unlock()

	for _, root := range snapshot {
		pairs := device.MatchSearchTargetUSN(root, st, p.enumOpts())
		if len(pairs) == 0 {
			continue
		}
		if p.cfg.SendOnlyMatchedHost && !hostMatches(root.Address, in.LocalIP) {
			continue
		}

		for _, pair := range pairs {
			p.sendSearchResponse(in, root, pair)
		}
	}
}

func hostMatches(rootAddr, localIP net.IP) bool {
	if rootAddr == nil || localIP == nil {
		return false
	}
	return rootAddr.Equal(localIP)
}

func (p *Publisher) sendSearchResponse(in transport.InboundMessage, root *device.RootDevice, pair device.USNPair) {
	msg := message.NewResponse()
	msg.Set("EXT", "")
	msg.Set("DATE", time.Now().UTC().Format(time.RFC1123))
	msg.Set("HOST", transport.MulticastGroup.String())
	msg.Set("CACHE-CONTROL", cacheControl(root.CacheLifetime))
	msg.Set("ST", pair.NT)
	msg.Set("SERVER", p.serverHeader())
	msg.Set("USN", pair.USN)
	if root.Location != nil {
		msg.Set("LOCATION", root.Location.String())
	}

	data, err := msg.Build()
	if err != nil {
		p.logError(err, "build search response")
		return
	}

	p.sendUnicast(data, in.From, in.LocalIP, "search response")
}

// sendAliveSweepAll re-sends alive for every registered device.
func (p *Publisher) sendAliveSweepAll() {
	p.registryMu.Lock()
	snapshot := append([]*device.RootDevice(nil), p.devices...)
	p.registryMu.Unlock()

	for _, root := range snapshot {
		p.sendAliveSweep(root)
	}
}

// sendAliveSweep emits NOTIFY ssdp:alive for every (NT, USN) pair in
// root's enumeration, in declaration order.
func (p *Publisher) sendAliveSweep(root *device.RootDevice) {
	for _, pair := range device.Enumerate(root, p.enumOpts()) {
		msg := message.NewNotify()
		msg.Set("HOST", transport.MulticastGroup.String())
		msg.Set("CACHE-CONTROL", cacheControl(root.CacheLifetime))
		if root.Location != nil {
			msg.Set("LOCATION", root.Location.String())
		}
		msg.Set("NT", pair.NT)
		msg.Set("NTS", "ssdp:alive")
		msg.Set("SERVER", p.serverHeader())
		msg.Set("USN", pair.USN)

		data, err := msg.Build()
		if err != nil {
			p.logError(err, "build alive notification")
			continue
		}
		p.sendMulticast(data, 1, "alive notification")
	}
}

// sendByebyeSweep emits NOTIFY ssdp:byebye for every (NT, USN) pair in
// root's enumeration, sendCount times each (3 for a normal remove, 1
// during shutdown).
//
// The NT for a fullDeviceType pair is double-prefixed with "urn:" here —
// reproducing a known quirk of the source implementation's byebye path,
// which differs from its own alive path (see the open question recorded
// in DESIGN.md). Preserved deliberately, not a bug in this port.
func (p *Publisher) sendByebyeSweep(root *device.RootDevice, sendCount int) {
	for _, pair := range device.Enumerate(root, p.enumOpts()) {
		msg := message.NewNotify()
		msg.Set("HOST", transport.MulticastGroup.String())
		msg.Set("NT", byebyeNT(pair.NT))
		msg.Set("NTS", "ssdp:byebye")
		msg.Set("USN", pair.USN)

		data, err := msg.Build()
		if err != nil {
			p.logError(err, "build byebye notification")
			continue
		}
		p.sendMulticast(data, sendCount, "byebye notification")
	}
}

func byebyeNT(nt string) string {
	if strings.HasPrefix(nt, "urn:") {
		return "urn:" + nt
	}
	return nt
}

func cacheControl(lifetime time.Duration) string {
	return fmt.Sprintf("max-age = %d", int(lifetime.Seconds()))
}

func (p *Publisher) serverHeader() string {
	return fmt.Sprintf("%s/%s UPnP/1.0 RSSDP/%s", p.cfg.OSName, p.cfg.OSVersion, implVersion)
}

// sendUnicast and sendMulticast swallow transport errors: send failures
// are reported to the logger but never returned to a caller, since a
// single failed send on one interface should not abort advertising on
// the others.
func (p *Publisher) sendUnicast(data []byte, dest transport.Endpoint, fromLocalIP net.IP, logContext string) {
	if err := p.transport.SendUnicast(context.Background(), data, dest, fromLocalIP); err != nil {
		p.logError(err, logContext)
		return
	}
	p.logDatagram(data, log.DirectionOut, dest.String())
}

func (p *Publisher) sendMulticast(data []byte, sendCount int, logContext string) {
	if err := p.transport.SendMulticast(context.Background(), data, sendCount, nil); err != nil {
		p.logError(err, logContext)
		return
	}
	p.logDatagram(data, log.DirectionOut, transport.MulticastGroup.String())
}

func (p *Publisher) logDatagram(data []byte, dir log.Direction, remote string) {
	p.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Direction:     dir,
		Component:     log.ComponentPublisher,
		Category:      log.CategoryDatagram,
		RemoteAddr:    remote,
		Datagram:      &log.DatagramEvent{Size: len(data)},
	})
}

func (p *Publisher) logError(err error, context string) {
	p.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Component:     log.ComponentPublisher,
		Category:      log.CategoryError,
		Error: &log.ErrorEventData{
			Component: log.ComponentPublisher,
			Message:   err.Error(),
			Context:   context,
		},
	})
}

func (p *Publisher) logState(old, new state, reason string) {
	p.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Component:     log.ComponentPublisher,
		Category:      log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPublisher,
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
