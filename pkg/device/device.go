package device

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Invariant-violation errors for the device tree.
var (
	ErrAlreadyAttached = errors.New("device: embedded device already attached to a root")
	ErrSelfAttach      = errors.New("device: cannot attach a device to itself")
)

// Device holds the attributes common to both root and embedded devices.
type Device struct {
	// UUID is the device's unique identifier (without the "uuid:" prefix).
	UUID string

	// DeviceType is the bare type token, e.g. "Basic".
	DeviceType string

	// TypeNamespace is the URN namespace, e.g. "schemas-upnp-org".
	TypeNamespace string

	// TypeVersion is the device type version, e.g. 1.
	TypeVersion int

	// DeviceClass overrides the "device" segment of the full type URN when
	// non-empty (used for service-class URNs in some deployments).
	DeviceClass string

	FriendlyName string
	Manufacturer string
	ModelName    string

	// UDNOverride, if non-empty, is used verbatim as the UDN instead of the
	// derived "uuid:{UUID}" form.
	UDNOverride string

	// attachedRoot is the non-owning back-reference enforcing the
	// single-root-attachment invariant. nil for a device that is itself a
	// RootDevice, or for an EmbeddedDevice not yet attached.
	attachedRoot *RootDevice

	children []*EmbeddedDevice

	childListeners map[int]func(ChildEvent)
	nextListenerID int
}

// ChildEventKind distinguishes the two child-tree events a Device emits.
type ChildEventKind int

const (
	// ChildAdded fires after an embedded device is newly attached.
	ChildAdded ChildEventKind = iota
	// ChildRemoved fires after an embedded device is detached.
	ChildRemoved
)

// ChildEvent is published to a parent Device's listeners when an embedded
// device is attached to or detached from it.
type ChildEvent struct {
	Kind  ChildEventKind
	Child *EmbeddedDevice
}

// OnChildEvent registers fn to receive ChildAdded/ChildRemoved events for
// this device's direct children, and returns a function that unsubscribes
// it. Handlers may be invoked from whatever goroutine calls AddEmbedded,
// AddChild, or RemoveEmbedded — the device tree itself is not
// synchronized, matching its single-threaded embedding-application usage.
func (d *Device) OnChildEvent(fn func(ChildEvent)) func() {
	if d.childListeners == nil {
		d.childListeners = make(map[int]func(ChildEvent))
	}
	id := d.nextListenerID
	d.nextListenerID++
	d.childListeners[id] = fn
	return func() { delete(d.childListeners, id) }
}

func (d *Device) emitChildEvent(ev ChildEvent) {
	for _, fn := range d.childListeners {
		fn(ev)
	}
}

// FullDeviceType returns "urn:{namespace}:{class|device}:{deviceType}:{version}".
func (d *Device) FullDeviceType() string {
	class := d.DeviceClass
	if class == "" {
		class = "device"
	}
	return fmt.Sprintf("urn:%s:%s:%s:%d", d.TypeNamespace, class, d.DeviceType, d.TypeVersion)
}

// UDN returns the unique device name: "uuid:{uuid}" unless overridden.
func (d *Device) UDN() string {
	if d.UDNOverride != "" {
		return d.UDNOverride
	}
	return "uuid:" + d.UUID
}

// Children returns the device's embedded children in declaration order.
func (d *Device) Children() []*EmbeddedDevice {
	return d.children
}

// RootDevice is a top-level UPnP device, owning an embedded device tree.
type RootDevice struct {
	Device

	// Location is the device description document URL.
	Location *url.URL

	// CacheLifetime is emitted on the wire as CACHE-CONTROL: max-age = N.
	CacheLifetime time.Duration

	// Address is the local IP this root is considered to be hosted on; used
	// by the publisher's SendOnlyMatchedHost gating to restrict responses
	// to the interface that owns this root.
	Address net.IP
}

// NewRootDevice creates a root device.
func NewRootDevice(uuid, deviceType, typeNamespace string, typeVersion int, location *url.URL, cacheLifetime time.Duration) *RootDevice {
	return &RootDevice{
		Device: Device{
			UUID:          uuid,
			DeviceType:    deviceType,
			TypeNamespace: typeNamespace,
			TypeVersion:   typeVersion,
		},
		Location:      location,
		CacheLifetime: cacheLifetime,
	}
}

// AddEmbedded attaches an embedded device directly under this root. Fails
// with ErrSelfAttach or ErrAlreadyAttached if the invariant "an embedded
// device belongs to exactly one root tree" would be violated.
func (r *RootDevice) AddEmbedded(child *EmbeddedDevice) error {
	return attach(r, &r.Device, child)
}

// AddChild attaches child as a nested embedded device under e, within the
// same root tree e itself belongs to. Fails if e is unattached, or if the
// same single-root-attachment invariant as AddEmbedded would be violated.
func (e *EmbeddedDevice) AddChild(child *EmbeddedDevice) error {
	if e.root == nil {
		return fmt.Errorf("device: %w: parent not attached to a root", ErrSelfAttach)
	}
	return attach(e.root, &e.Device, child)
}

// attach implements the shared invariant check for both AddEmbedded and
// AddChild: an embedded device may belong to exactly one root tree.
func attach(root *RootDevice, parent *Device, child *EmbeddedDevice) error {
	if child == nil {
		return fmt.Errorf("device: %w", ErrSelfAttach)
	}
	if &child.Device == parent {
		return fmt.Errorf("device: %w", ErrSelfAttach)
	}
	if child.attachedRoot == root {
		// Idempotent: already attached under this root somewhere.
		for _, existing := range parent.children {
			if existing == child {
				return nil
			}
		}
	}
	if child.attachedRoot != nil {
		return fmt.Errorf("device: %w: uuid=%s", ErrAlreadyAttached, child.UUID)
	}
	child.attachedRoot = root
	child.root = root
	parent.children = append(parent.children, child)
	parent.emitChildEvent(ChildEvent{Kind: ChildAdded, Child: child})
	return nil
}

// RemoveEmbedded detaches an embedded device from this root. No-op if the
// device is not a child of this root.
func (r *RootDevice) RemoveEmbedded(child *EmbeddedDevice) {
	for i, existing := range r.children {
		if existing == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			child.attachedRoot = nil
			child.root = nil
			r.emitChildEvent(ChildEvent{Kind: ChildRemoved, Child: child})
			return
		}
	}
}

// EmbeddedDevice is a non-root device nested under a RootDevice.
type EmbeddedDevice struct {
	Device

	// root is the owning root device; nil until attached via AddEmbedded.
	root *RootDevice
}

// NewEmbeddedDevice creates an unattached embedded device.
func NewEmbeddedDevice(uuid, deviceType, typeNamespace string, typeVersion int) *EmbeddedDevice {
	return &EmbeddedDevice{
		Device: Device{
			UUID:          uuid,
			DeviceType:    deviceType,
			TypeNamespace: typeNamespace,
			TypeVersion:   typeVersion,
		},
	}
}

// Root returns the owning root device, or nil if unattached.
func (e *EmbeddedDevice) Root() *RootDevice {
	return e.root
}

// Pair is a (device, isRoot) entry from a depth-first forest traversal; see
// design note §9 ("target should implement this as a depth-first generator
// over (device, isRoot) pairs").
type Pair struct {
	Device *Device
	IsRoot bool
}

// Walk performs a depth-first traversal of root and its embedded subtree,
// yielding (device, isRoot) pairs in declaration order: the root first,
// then each child (recursively) in the order it was added.
func Walk(root *RootDevice) []Pair {
	pairs := []Pair{{Device: &root.Device, IsRoot: true}}
	for _, child := range root.children {
		pairs = append(pairs, walkEmbedded(child)...)
	}
	return pairs
}

func walkEmbedded(d *EmbeddedDevice) []Pair {
	pairs := []Pair{{Device: &d.Device, IsRoot: false}}
	for _, child := range d.children {
		pairs = append(pairs, walkEmbedded(child)...)
	}
	return pairs
}

// USNPair is one (NT-or-ST, USN) advertisement pair.
type USNPair struct {
	NT  string
	USN string
}

// EnumerationOptions controls optional enumeration behavior.
type EnumerationOptions struct {
	// SupportPnpRootDevice additionally advertises pnp:rootdevice for the
	// root, for legacy control points that search on that target instead
	// of upnp:rootdevice.
	SupportPnpRootDevice bool
}

// Enumerate returns the full (NT-or-ST, USN) pair set for a root device's
// forest: root-only pairs for the root, identity + full-type pairs for
// every device (root and embedded), recursing with root-only pairs
// disabled for children.
func Enumerate(root *RootDevice, opts EnumerationOptions) []USNPair {
	var pairs []USNPair
	udn := root.UDN()

	pairs = append(pairs, USNPair{NT: "upnp:rootdevice", USN: udn + "::upnp:rootdevice"})
	if opts.SupportPnpRootDevice {
		pairs = append(pairs, USNPair{NT: "pnp:rootdevice", USN: udn + "::pnp:rootdevice"})
	}
	pairs = append(pairs, devicePairs(&root.Device)...)

	for _, child := range root.children {
		pairs = append(pairs, embeddedPairs(child)...)
	}
	return pairs
}

func devicePairs(d *Device) []USNPair {
	udn := d.UDN()
	fullType := d.FullDeviceType()
	return []USNPair{
		{NT: udn, USN: udn},
		{NT: fullType, USN: udn + "::" + fullType},
	}
}

func embeddedPairs(d *EmbeddedDevice) []USNPair {
	pairs := devicePairs(&d.Device)
	for _, child := range d.children {
		pairs = append(pairs, embeddedPairs(child)...)
	}
	return pairs
}

// MatchSearchTarget reports which devices in root's forest match the given
// ST header value, following the UPnP search-target matching rules
// (ssdp:all, upnp:rootdevice, pnp:rootdevice, uuid:, urn:). Returned pairs
// are (device, isRoot) suitable for building the per-device USN.
func MatchSearchTarget(root *RootDevice, st string, supportPnpRootDevice bool) []Pair {
	all := Walk(root)

	switch {
	case strings.EqualFold(st, "ssdp:all"):
		return all

	case strings.EqualFold(st, "upnp:rootdevice"):
		return rootsOnly(all)

	case supportPnpRootDevice && strings.EqualFold(st, "pnp:rootdevice"):
		return rootsOnly(all)

	case strings.HasPrefix(strings.ToLower(st), "uuid:"):
		uuid := st[len("uuid:"):]
		var out []Pair
		for _, p := range all {
			if strings.EqualFold(p.Device.UUID, uuid) {
				out = append(out, p)
			}
		}
		return out

	case strings.HasPrefix(strings.ToLower(st), "urn:"):
		var out []Pair
		for _, p := range all {
			if strings.EqualFold(p.Device.FullDeviceType(), st) {
				out = append(out, p)
			}
		}
		return out

	default:
		return nil
	}
}

// MatchSearchTargetUSN returns the (NT, USN) pairs from root's enumeration
// that answer the given ST header value — the form a publisher needs
// directly when building M-SEARCH responses, where the response's own
// ST/USN headers must echo the pair that matched, not just "which devices
// matched" (see MatchSearchTarget for the latter).
func MatchSearchTargetUSN(root *RootDevice, st string, opts EnumerationOptions) []USNPair {
	all := Enumerate(root, opts)
	if strings.EqualFold(st, "ssdp:all") {
		return all
	}

	var out []USNPair
	for _, p := range all {
		if strings.EqualFold(p.NT, st) {
			out = append(out, p)
		}
	}
	return out
}

func rootsOnly(pairs []Pair) []Pair {
	var out []Pair
	for _, p := range pairs {
		if p.IsRoot {
			out = append(out, p)
		}
	}
	return out
}
