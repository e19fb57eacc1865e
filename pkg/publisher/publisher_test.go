package publisher_test

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upnp-go/ssdp/pkg/device"
	"github.com/upnp-go/ssdp/pkg/message"
	"github.com/upnp-go/ssdp/pkg/publisher"
	"github.com/upnp-go/ssdp/pkg/transport"
)

// fakeTransport is an in-memory transport.Transport used to exercise
// Publisher without real sockets.
type fakeTransport struct {
	mu          sync.Mutex
	shared      bool
	listening   bool
	stopped     bool
	nextID      int
	reqHandlers map[int]transport.RequestHandler
	sentUnicast []sentUnicast
	sentMulti   []sentMulticast
}

type sentUnicast struct {
	data []byte
	dest transport.Endpoint
	from net.IP
}

type sentMulticast struct {
	data      []byte
	sendCount int
	from      net.IP
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reqHandlers: make(map[int]transport.RequestHandler)}
}

func (f *fakeTransport) BeginListeningForMulticast() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = true
	return nil
}

func (f *fakeTransport) StopListeningForMulticast() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.stopped = true
	return nil
}

func (f *fakeTransport) SendUnicast(_ context.Context, data []byte, dest transport.Endpoint, fromLocalIP net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentUnicast = append(f.sentUnicast, sentUnicast{data: data, dest: dest, from: fromLocalIP})
	return nil
}

func (f *fakeTransport) SendMulticast(_ context.Context, data []byte, sendCount int, fromLocalIP net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMulti = append(f.sentMulti, sentMulticast{data: data, sendCount: sendCount, from: fromLocalIP})
	return nil
}

func (f *fakeTransport) OnRequestReceived(h transport.RequestHandler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.reqHandlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.reqHandlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OnResponseReceived(transport.ResponseHandler) func() { return func() {} }

func (f *fakeTransport) IsShared() bool { return f.shared }

func (f *fakeTransport) trigger(in transport.InboundMessage) {
	f.mu.Lock()
	handlers := make([]transport.RequestHandler, 0, len(f.reqHandlers))
	for _, h := range f.reqHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(in)
	}
}

func (f *fakeTransport) multicastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentMulti)
}

func (f *fakeTransport) unicastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentUnicast)
}

func testRoot(t *testing.T, uuid string, cacheLifetime time.Duration) *device.RootDevice {
	t.Helper()
	loc, err := url.Parse("http://192.168.1.50:8080/description.xml")
	require.NoError(t, err)
	return device.NewRootDevice(uuid, "Basic", "schemas-upnp-org", 1, loc, cacheLifetime)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewRequiresOSName(t *testing.T) {
	_, err := publisher.New(newFakeTransport(), publisher.Config{OSVersion: "1"})
	assert.ErrorIs(t, err, publisher.ErrEmptyOSName)
}

func TestNewRequiresOSVersion(t *testing.T) {
	_, err := publisher.New(newFakeTransport(), publisher.Config{OSName: "linux"})
	assert.ErrorIs(t, err, publisher.ErrEmptyOSVersion)
}

func TestNewBeginsListening(t *testing.T) {
	tr := newFakeTransport()
	_, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)
	assert.True(t, tr.listening)
}

func TestAddDeviceSendsAliveSweep(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))

	// upnp:rootdevice, pnp:rootdevice, identity, fullDeviceType == 4 pairs.
	assert.Equal(t, 4, tr.multicastCount())
	for _, sent := range tr.sentMulti {
		msg, err := message.Parse(sent.data)
		require.NoError(t, err)
		assert.Equal(t, message.KindNotify, msg.Kind)
		nts, _ := msg.Get("NTS")
		assert.Equal(t, "ssdp:alive", nts)
		cc, _ := msg.Get("CACHE-CONTROL")
		assert.Equal(t, "max-age = 1800", cc)
	}
}

func TestAddDeviceIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))
	before := tr.multicastCount()

	require.NoError(t, pub.AddDevice(root))
	assert.Equal(t, before, tr.multicastCount())
}

func TestRemoveDeviceSendsByebyeSweepWithSendCountThree(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))
	before := tr.multicastCount()

	require.NoError(t, pub.RemoveDevice(root))
	assert.Greater(t, tr.multicastCount(), before)

	for _, sent := range tr.sentMulti[before:] {
		assert.Equal(t, 3, sent.sendCount)
		msg, err := message.Parse(sent.data)
		require.NoError(t, err)
		nts, _ := msg.Get("NTS")
		assert.Equal(t, "ssdp:byebye", nts)
	}
}

func TestDisposeSendsByebyeWithSendCountOneAndStopsTransport(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))
	before := tr.multicastCount()

	require.NoError(t, pub.Dispose())
	assert.Greater(t, tr.multicastCount(), before)
	for _, sent := range tr.sentMulti[before:] {
		assert.Equal(t, 1, sent.sendCount)
	}
	assert.True(t, tr.stopped)

	// Idempotent.
	require.NoError(t, pub.Dispose())
}

func TestDisposeDoesNotStopSharedTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.shared = true
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	require.NoError(t, pub.Dispose())
	assert.False(t, tr.stopped)
}

func TestOperationsFailAfterDispose(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)
	require.NoError(t, pub.Dispose())

	root := testRoot(t, "u", 1800*time.Second)
	assert.ErrorIs(t, pub.AddDevice(root), publisher.ErrDisposed)
	assert.ErrorIs(t, pub.RemoveDevice(root), publisher.ErrDisposed)
	assert.ErrorIs(t, pub.StartSendingAliveNotifications(time.Minute), publisher.ErrDisposed)
}

func TestSearchRespondsWithMatchingSTAndUSN(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))

	search := message.NewSearch()
	search.Set("ST", "upnp:rootdevice")
	search.Set("MX", "1")
	data, err := search.Build()
	require.NoError(t, err)
	parsed, err := message.Parse(data)
	require.NoError(t, err)

	tr.trigger(transport.InboundMessage{
		Message: parsed,
		From:    transport.Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 12345},
		LocalIP: net.ParseIP("192.168.1.50"),
	})

	waitUntil(t, 2*time.Second, func() bool { return tr.unicastCount() == 1 })

	sent := tr.sentUnicast[0]
	msg, err := message.Parse(sent.data)
	require.NoError(t, err)
	assert.Equal(t, message.KindResponse, msg.Kind)
	st, _ := msg.Get("ST")
	assert.Equal(t, "upnp:rootdevice", st)
	usn, _ := msg.Get("USN")
	assert.Equal(t, "uuid:u::upnp:rootdevice", usn)
}

func TestSearchDropsWhenSTMissing(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))

	search := message.NewSearch()
	search.Set("MX", "1")
	data, err := search.Build()
	require.NoError(t, err)
	parsed, err := message.Parse(data)
	require.NoError(t, err)

	tr.trigger(transport.InboundMessage{Message: parsed, From: transport.Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 1}})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, tr.unicastCount())
}

func TestSearchDedupWindow(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))

	search := message.NewSearch()
	search.Set("ST", "upnp:rootdevice")
	search.Set("MX", "1")
	data, err := search.Build()
	require.NoError(t, err)
	parsed, err := message.Parse(data)
	require.NoError(t, err)

	from := transport.Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 12345}

	tr.trigger(transport.InboundMessage{Message: parsed, From: from, LocalIP: net.ParseIP("192.168.1.50")})
	time.Sleep(100 * time.Millisecond)
	tr.trigger(transport.InboundMessage{Message: parsed, From: from, LocalIP: net.ParseIP("192.168.1.50")})

	waitUntil(t, 2*time.Second, func() bool { return tr.unicastCount() >= 1 })
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, tr.unicastCount(), "second search within the dedup window must not produce a second burst")
}

func TestSearchDedupAllowsSecondBurstAfterStaleness(t *testing.T) {
	tr := newFakeTransport()
	pub, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	root := testRoot(t, "u", 1800*time.Second)
	require.NoError(t, pub.AddDevice(root))

	search := message.NewSearch()
	search.Set("ST", "upnp:rootdevice")
	search.Set("MX", "1")
	data, err := search.Build()
	require.NoError(t, err)
	parsed, err := message.Parse(data)
	require.NoError(t, err)

	from := transport.Endpoint{IP: net.ParseIP("10.0.0.6"), Port: 12345}

	tr.trigger(transport.InboundMessage{Message: parsed, From: from, LocalIP: net.ParseIP("192.168.1.50")})
	waitUntil(t, 2*time.Second, func() bool { return tr.unicastCount() >= 1 })

	time.Sleep(600 * time.Millisecond)
	tr.trigger(transport.InboundMessage{Message: parsed, From: from, LocalIP: net.ParseIP("192.168.1.50")})

	waitUntil(t, 2*time.Second, func() bool { return tr.unicastCount() >= 2 })
}

func TestHandleRequestIgnoresNotify(t *testing.T) {
	tr := newFakeTransport()
	_, err := publisher.New(tr, publisher.Config{OSName: "linux", OSVersion: "1"})
	require.NoError(t, err)

	notify := message.NewNotify()
	notify.Set("NT", "upnp:rootdevice")
	notify.Set("NTS", "ssdp:alive")
	data, err := notify.Build()
	require.NoError(t, err)
	parsed, err := message.Parse(data)
	require.NoError(t, err)

	tr.trigger(transport.InboundMessage{Message: parsed})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, tr.unicastCount())
}
