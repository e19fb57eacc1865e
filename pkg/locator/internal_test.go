package locator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upnp-go/ssdp/pkg/message"
)

func TestDiscoveredDeviceIsExpiredZeroLifetime(t *testing.T) {
	d := DiscoveredDevice{AsAt: time.Now(), CacheLifetime: 0}
	assert.True(t, d.IsExpired(time.Now()))
}

func TestDiscoveredDeviceIsExpiredPastLifetime(t *testing.T) {
	now := time.Now()
	d := DiscoveredDevice{AsAt: now.Add(-2 * time.Second), CacheLifetime: time.Second}
	assert.True(t, d.IsExpired(now))
}

func TestDiscoveredDeviceIsExpiredWithinLifetime(t *testing.T) {
	now := time.Now()
	d := DiscoveredDevice{AsAt: now, CacheLifetime: 10 * time.Second}
	assert.False(t, d.IsExpired(now))
}

func TestUpsertLockedReportsNewOnFirstInsert(t *testing.T) {
	l := &Locator{cache: make(map[cacheKey]DiscoveredDevice)}
	d := DiscoveredDevice{NotificationType: "upnp:rootdevice", USN: "uuid:x::upnp:rootdevice"}
	assert.True(t, l.upsertLocked(d))
	assert.False(t, l.upsertLocked(d))
	assert.Equal(t, 1, len(l.cache))
}

func TestRemoveByUSNLockedRemovesAllMatchingEntries(t *testing.T) {
	l := &Locator{cache: make(map[cacheKey]DiscoveredDevice)}
	l.upsertLocked(DiscoveredDevice{NotificationType: "upnp:rootdevice", USN: "uuid:x"})
	l.upsertLocked(DiscoveredDevice{NotificationType: "uuid:x", USN: "uuid:x"})
	l.upsertLocked(DiscoveredDevice{NotificationType: "upnp:rootdevice", USN: "uuid:y"})

	removed := l.removeByUSNLocked("uuid:x")
	assert.Len(t, removed, 2)
	assert.Len(t, l.cache, 1)
}

func TestSweepExpiredLockedRemovesOnlyExpired(t *testing.T) {
	now := time.Now()
	l := &Locator{cache: make(map[cacheKey]DiscoveredDevice)}
	l.upsertLocked(DiscoveredDevice{NotificationType: "a", USN: "1", AsAt: now.Add(-time.Hour), CacheLifetime: time.Second})
	l.upsertLocked(DiscoveredDevice{NotificationType: "b", USN: "2", AsAt: now, CacheLifetime: time.Hour})

	expired := l.sweepExpiredLocked(now)
	assert.Len(t, expired, 1)
	assert.Equal(t, "1", expired[0].USN)
	assert.Len(t, l.cache, 1)
}

func TestFilterMatchesEmptyFilterAcceptsAll(t *testing.T) {
	l := &Locator{cfg: Config{}}
	assert.True(t, l.filterMatches("upnp:rootdevice"))
	assert.True(t, l.filterMatches("uuid:anything"))
}

func TestFilterMatchesSSDPAllAcceptsAll(t *testing.T) {
	l := &Locator{cfg: Config{NotificationFilter: "ssdp:all"}}
	assert.True(t, l.filterMatches("urn:schemas-upnp-org:device:Basic:1"))
}

func TestFilterMatchesExactOnly(t *testing.T) {
	l := &Locator{cfg: Config{NotificationFilter: "upnp:rootdevice"}}
	assert.True(t, l.filterMatches("upnp:rootdevice"))
	assert.False(t, l.filterMatches("uuid:x"))
}

func TestParseCacheLifetimeParsesSpacedMaxAge(t *testing.T) {
	m := message.NewResponse()
	m.Set("CACHE-CONTROL", "max-age = 1800")
	assert.Equal(t, 1800*time.Second, parseCacheLifetime(m))
}

func TestParseCacheLifetimeParsesUnspacedMaxAge(t *testing.T) {
	m := message.NewResponse()
	m.Set("CACHE-CONTROL", "max-age=60")
	assert.Equal(t, 60*time.Second, parseCacheLifetime(m))
}

func TestParseCacheLifetimeMissingHeaderYieldsZero(t *testing.T) {
	m := message.NewResponse()
	assert.Equal(t, time.Duration(0), parseCacheLifetime(m))
}

func TestParseCacheLifetimeMalformedYieldsZero(t *testing.T) {
	m := message.NewResponse()
	m.Set("CACHE-CONTROL", "no-cache")
	assert.Equal(t, time.Duration(0), parseCacheLifetime(m))
}

func TestMxFromWaitTimeZeroYieldsOne(t *testing.T) {
	assert.Equal(t, 1, mxFromWaitTime(0))
}

func TestMxFromWaitTimeAboveTwoSecondsDerivesSeconds(t *testing.T) {
	assert.Equal(t, 4, mxFromWaitTime(5*time.Second))
}

func TestStateStringer(t *testing.T) {
	assert.Equal(t, "Constructed", stateConstructed.String())
	assert.Equal(t, "Running", stateRunning.String())
	assert.Equal(t, "Disposed", stateDisposed.String())
}

func TestSizeAndSnapshotLockThemselves(t *testing.T) {
	l := &Locator{cache: make(map[cacheKey]DiscoveredDevice)}
	l.upsertLocked(DiscoveredDevice{NotificationType: "a", USN: "1"})
	require.Equal(t, 1, l.Size())
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "1", snap[0].USN)
}
