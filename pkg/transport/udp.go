package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/upnp-go/ssdp/pkg/log"
	"github.com/upnp-go/ssdp/pkg/message"
)

const readBufferSize = 2048

// boundSocket is one joined-multicast UDP socket, bound to a single usable
// interface's address.
type boundSocket struct {
	iface   *net.Interface
	localIP net.IP
	conn    *ipv4.PacketConn
}

// UDPTransport is a concrete Transport binding over golang.org/x/net/ipv4,
// used for per-interface multicast join/leave and per-interface send-from —
// the standard library's net.ListenMulticastUDP cannot select an outbound
// interface per packet.
type UDPTransport struct {
	shared bool
	logger log.Logger

	mu        sync.Mutex
	listening bool
	sockets   []*boundSocket

	handlersMu    sync.RWMutex
	nextHandlerID int
	reqHandlers   map[int]RequestHandler
	respHandlers  map[int]ResponseHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Bool
}

// Option configures a UDPTransport at construction.
type Option func(*UDPTransport)

// Shared marks the transport as shared between a Publisher and a Locator:
// disposing either one must not close it.
func Shared() Option {
	return func(t *UDPTransport) { t.shared = true }
}

// WithLogger attaches a protocol event logger. A nil logger leaves the
// default NoopLogger in place.
func WithLogger(logger log.Logger) Option {
	return func(t *UDPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewUDPTransport creates a transport that is not yet listening.
func NewUDPTransport(opts ...Option) *UDPTransport {
	t := &UDPTransport{
		logger:       log.NoopLogger{},
		reqHandlers:  make(map[int]RequestHandler),
		respHandlers: make(map[int]ResponseHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsShared reports whether this transport is shared between a Publisher and
// a Locator.
func (t *UDPTransport) IsShared() bool { return t.shared }

// BeginListeningForMulticast joins 239.255.255.250:1900 on one socket per
// usable (up, multicast-capable) local interface. Idempotent.
func (t *UDPTransport) BeginListeningForMulticast() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listening {
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	var sockets []*boundSocket
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		localIP := firstIPv4(&iface)
		if localIP == nil {
			continue
		}

		sock, err := t.bindInterface(&iface, localIP)
		if err != nil {
			continue
		}
		sockets = append(sockets, sock)
	}

	if len(sockets) == 0 {
		t.cancel()
		return fmt.Errorf("transport: no usable multicast interface found")
	}

	t.sockets = sockets
	t.listening = true

	for _, sock := range sockets {
		t.wg.Add(1)
		go t.recvLoop(sock)
	}
	return nil
}

func (t *UDPTransport) bindInterface(iface *net.Interface, localIP net.IP) (*boundSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: MulticastGroup.IP}); err != nil {
		conn.Close()
		return nil, err
	}
	_ = pc.SetMulticastInterface(iface)
	_ = pc.SetMulticastLoopback(true)
	_ = pc.SetMulticastTTL(4)

	return &boundSocket{iface: iface, localIP: localIP, conn: pc}, nil
}

// StopListeningForMulticast leaves the discovery group and closes every
// per-interface socket. Idempotent.
func (t *UDPTransport) StopListeningForMulticast() error {
	t.mu.Lock()
	if !t.listening {
		t.mu.Unlock()
		return nil
	}
	t.listening = false
	sockets := t.sockets
	t.sockets = nil
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	for _, sock := range sockets {
		sock.conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *UDPTransport) recvLoop(sock *boundSocket) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, _, src, err := sock.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				continue
			}
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data, udpSrc, sock.localIP)
	}
}

// dispatch parses an inbound datagram and classifies it by its start-line:
// HTTP/... is a response; a NOTIFY or M-SEARCH line ending in "HTTP/1.1" is
// a request. Malformed or unrecognized datagrams are logged and never
// reach a handler.
func (t *UDPTransport) dispatch(data []byte, src *net.UDPAddr, localIP net.IP) {
	msg, err := message.Parse(data)
	if err != nil {
		t.logError(err, "parse inbound datagram")
		return
	}

	in := InboundMessage{Message: msg, From: NewEndpoint(src), LocalIP: localIP}
	t.logDatagram(data, log.DirectionIn, src)

	switch msg.Kind {
	case message.KindNotify, message.KindSearch:
		t.handlersMu.RLock()
		handlers := make([]RequestHandler, 0, len(t.reqHandlers))
		for _, h := range t.reqHandlers {
			handlers = append(handlers, h)
		}
		t.handlersMu.RUnlock()
		for _, h := range handlers {
			h(in)
		}

	case message.KindResponse:
		t.handlersMu.RLock()
		handlers := make([]ResponseHandler, 0, len(t.respHandlers))
		for _, h := range t.respHandlers {
			handlers = append(handlers, h)
		}
		t.handlersMu.RUnlock()
		for _, h := range handlers {
			h(in)
		}
	}
}

// SendUnicast fire-and-forget sends data to dest from the socket bound to
// fromLocalIP. When fromLocalIP is nil or matches no listening socket, it
// sends from the first listening socket.
func (t *UDPTransport) SendUnicast(ctx context.Context, data []byte, dest Endpoint, fromLocalIP net.IP) error {
	sock, err := t.pickSocket(fromLocalIP)
	if err != nil {
		return err
	}
	return t.writeTo(ctx, sock, data, dest.udpAddr())
}

// SendMulticast transmits sendCount copies of data to the discovery group,
// from fromLocalIP or every listening interface if nil.
func (t *UDPTransport) SendMulticast(ctx context.Context, data []byte, sendCount int, fromLocalIP net.IP) error {
	if sendCount <= 0 {
		sendCount = 1
	}

	t.mu.Lock()
	sockets := t.sockets
	t.mu.Unlock()

	if len(sockets) == 0 {
		return fmt.Errorf("transport: not listening")
	}

	var firstErr error
	for i := 0; i < sendCount; i++ {
		for _, sock := range sockets {
			if fromLocalIP != nil && !sock.localIP.Equal(fromLocalIP) {
				continue
			}
			if err := t.writeTo(ctx, sock, data, MulticastGroup); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *UDPTransport) writeTo(ctx context.Context, sock *boundSocket, data []byte, dest *net.UDPAddr) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	_, err := sock.conn.WriteTo(data, nil, dest)
	if err != nil {
		t.logError(err, "send datagram")
		return err
	}
	t.logDatagram(data, log.DirectionOut, dest)
	return nil
}

func (t *UDPTransport) pickSocket(fromLocalIP net.IP) (*boundSocket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sockets) == 0 {
		return nil, fmt.Errorf("transport: not listening")
	}
	if fromLocalIP == nil {
		return t.sockets[0], nil
	}
	for _, sock := range t.sockets {
		if sock.localIP.Equal(fromLocalIP) {
			return sock, nil
		}
	}
	return t.sockets[0], nil
}

// OnRequestReceived registers h and returns an unsubscribe function.
func (t *UDPTransport) OnRequestReceived(h RequestHandler) func() {
	t.handlersMu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.reqHandlers[id] = h
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		delete(t.reqHandlers, id)
		t.handlersMu.Unlock()
	}
}

// OnResponseReceived registers h and returns an unsubscribe function.
func (t *UDPTransport) OnResponseReceived(h ResponseHandler) func() {
	t.handlersMu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.respHandlers[id] = h
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		delete(t.respHandlers, id)
		t.handlersMu.Unlock()
	}
}

func (t *UDPTransport) logDatagram(data []byte, dir log.Direction, addr *net.UDPAddr) {
	t.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Direction:     dir,
		Component:     log.ComponentTransport,
		Category:      log.CategoryDatagram,
		RemoteAddr:    addr.String(),
		Datagram:      &log.DatagramEvent{Size: len(data)},
	})
}

func (t *UDPTransport) logError(err error, context string) {
	t.logger.Log(log.Event{
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Component:     log.ComponentTransport,
		Category:      log.CategoryError,
		Error: &log.ErrorEventData{
			Component: log.ComponentTransport,
			Message:   err.Error(),
			Context:   context,
		},
	})
}

func firstIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}
