package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/tracklabs/trackd/internal/model"
)

// Manager is the in-memory authority binding protocol connections to device
// identities, running the device-status state machine, and fanning updates
// out to subscribed user sessions. It is safe for concurrent use: inbound
// protocol workers, decay-timeout callbacks, and subscription producers all
// enter it in parallel.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	identity IdentityResolver
	devices  DeviceManager
	perms    PermissionsOracle
	notifier NotificationSink
	cache    CacheCoordinator

	// mu guards both session indexes and the timeout table as one logical
	// resource; every multi-index mutation is a single critical section.
	mu                 sync.Mutex
	sessionsByDevice   map[int64]*DeviceSession
	sessionsByEndpoint map[Endpoint]map[string]*DeviceSession
	timeouts           map[int64]*decayTimeout
	closed             bool

	listenerMu sync.RWMutex
	listeners  map[int64]map[UpdateListener]struct{}
}

// NewManager constructs a Manager. The context governs the lifetime of decay
// timeouts; Close (or context cancellation plus Close) tears everything down.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating manager config: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:    ctx,
		cancel: cancel,

		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,

		identity: cfg.Identity,
		devices:  cfg.Devices,
		perms:    cfg.Permissions,
		notifier: cfg.Notifier,
		cache:    cfg.Cache,

		sessionsByDevice:   make(map[int64]*DeviceSession),
		sessionsByEndpoint: make(map[Endpoint]map[string]*DeviceSession),
		timeouts:           make(map[int64]*decayTimeout),
		listeners:          make(map[int64]map[UpdateListener]struct{}),
	}

	m.log.Info("session: manager starting",
		"deviceTimeout", cfg.DeviceTimeout,
		"updateDeviceState", cfg.UpdateDeviceState,
		"registerUnknown", cfg.RegisterUnknown)

	return m, nil
}

// Lookup returns the live session for a device id, or nil.
func (m *Manager) Lookup(deviceID int64) *DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionsByDevice[deviceID]
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*DeviceSession, 0, len(m.sessionsByDevice))
	for _, s := range m.sessionsByDevice {
		sessions = append(sessions, s)
	}
	return sessions
}

// Bind resolves a device session from a protocol-layer announcement carrying
// the endpoint plus an ordered list of candidate unique identifiers. An
// existing session on the endpoint matching a candidate is returned
// unchanged. With no candidates, any existing session on the endpoint is
// returned; callers should only do that on endpoints they expect already
// bound (single-device multiplexing), since the pick is arbitrary.
//
// An unresolvable or disabled identity is logged and reported as a nil
// session; identity resolver failures are absorbed the same way.
func (m *Manager) Bind(protocol string, channel Channel, remoteAddr net.Addr, uniqueIDs ...string) *DeviceSession {
	endpoint := endpointFor(channel, remoteAddr)

	m.mu.Lock()
	endpointSessions := m.sessionsByEndpoint[endpoint]
	if len(uniqueIDs) > 0 {
		for _, uniqueID := range uniqueIDs {
			if s, ok := endpointSessions[uniqueID]; ok {
				m.mu.Unlock()
				return s
			}
		}
	} else {
		for _, s := range endpointSessions {
			m.mu.Unlock()
			return s
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Identity resolution may hit storage; keep it outside the table lock.
	var device *model.Device
	for _, uniqueID := range uniqueIDs {
		d, err := m.identity.DeviceByUniqueID(uniqueID)
		if err != nil {
			m.log.Warn("session: find device error", "uniqueID", uniqueID, "error", err)
			break
		}
		if d != nil {
			device = d
			break
		}
	}

	if device == nil && m.cfg.RegisterUnknown {
		d, err := m.identity.AddUnknownDevice(uniqueIDs[0])
		if err != nil {
			m.log.Warn("session: register unknown device error", "uniqueID", uniqueIDs[0], "error", err)
		} else {
			device = d
		}
	}

	if device == nil || device.Disabled {
		reason := "unknown"
		if device != nil {
			reason = "disabled"
		}
		m.log.Warn(fmt.Sprintf("session: %s device", reason),
			"uniqueIDs", strings.Join(uniqueIDs, " "), "remote", hostString(remoteAddr))
		return nil
	}

	session := NewDeviceSession(device.ID, device.UniqueID, protocol, channel, remoteAddr)

	m.mu.Lock()
	// A concurrent announcement may have won the race while the identity was
	// resolving; return its session rather than rebinding.
	if s, ok := m.sessionsByEndpoint[endpoint][device.UniqueID]; ok {
		m.mu.Unlock()
		return s
	}
	m.evictLocked(device.ID)
	sessions := m.sessionsByEndpoint[endpoint]
	if sessions == nil {
		sessions = make(map[string]*DeviceSession)
		m.sessionsByEndpoint[endpoint] = sessions
	}
	sessions[device.UniqueID] = session
	m.sessionsByDevice[device.ID] = session
	m.mu.Unlock()

	m.cache.AddDevice(device.ID)
	metricSessions.WithLabelValues(protocol).Inc()

	m.log.Info("session: device bound",
		"deviceID", device.ID, "uniqueID", device.UniqueID,
		"protocol", protocol, "remote", hostString(remoteAddr))

	return session
}

// evictLocked removes any prior session for a device id from both indexes,
// dropping the old endpoint key if its submap empties. Caller holds m.mu.
func (m *Manager) evictLocked(deviceID int64) {
	old, ok := m.sessionsByDevice[deviceID]
	if !ok {
		return
	}
	delete(m.sessionsByDevice, deviceID)
	oldEndpoint := old.endpoint()
	if sessions, ok := m.sessionsByEndpoint[oldEndpoint]; ok {
		delete(sessions, old.uniqueID)
		if len(sessions) == 0 {
			delete(m.sessionsByEndpoint, oldEndpoint)
		}
	}
	metricSessions.WithLabelValues(old.protocol).Dec()
}

// Disconnect translates a transport-layer channel close into session
// teardown: every session multiplexed on the endpoint is removed from both
// indexes, transitioned to offline, and dropped from the cache. A second
// disconnect on the same endpoint is a no-op.
func (m *Manager) Disconnect(channel Channel) {
	endpoint := endpointFor(channel, channel.RemoteAddr())

	m.mu.Lock()
	sessions := m.sessionsByEndpoint[endpoint]
	delete(m.sessionsByEndpoint, endpoint)
	for _, s := range sessions {
		delete(m.sessionsByDevice, s.deviceID)
		metricSessions.WithLabelValues(s.protocol).Dec()
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.log.Info("session: device disconnected", "deviceID", s.deviceID, "uniqueID", s.uniqueID)
		m.UpdateStatus(s.deviceID, model.StatusOffline, zeroTime)
		m.cache.RemoveDevice(s.deviceID)
	}
}

// Forget transitions a device to unknown and surgically unbinds it: the
// by-device entry goes away and only its own unique id leaves the endpoint
// submap, so an endpoint multiplexing several devices keeps the others. The
// channel itself is not closed. This is the online-decay path.
func (m *Manager) Forget(deviceID int64) {
	m.UpdateStatus(deviceID, model.StatusUnknown, zeroTime)

	m.mu.Lock()
	if s, ok := m.sessionsByDevice[deviceID]; ok {
		delete(m.sessionsByDevice, deviceID)
		endpoint := s.endpoint()
		if sessions, ok := m.sessionsByEndpoint[endpoint]; ok {
			delete(sessions, s.uniqueID)
			if len(sessions) == 0 {
				delete(m.sessionsByEndpoint, endpoint)
			}
		}
		metricSessions.WithLabelValues(s.protocol).Dec()
	}
	m.mu.Unlock()

	m.cache.RemoveDevice(deviceID)
}

// Close stops the manager: every armed decay timeout is dropped silently and
// the session tables are cleared. Listeners are not notified; their owners
// remove them in their own shutdown paths.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	m.closed = true
	for deviceID, t := range m.timeouts {
		t.cancel()
		delete(m.timeouts, deviceID)
	}
	m.sessionsByDevice = make(map[int64]*DeviceSession)
	m.sessionsByEndpoint = make(map[Endpoint]map[string]*DeviceSession)
	m.mu.Unlock()

	m.log.Info("session: manager closed")
	return nil
}
