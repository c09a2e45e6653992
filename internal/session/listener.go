package session

import (
	"github.com/tracklabs/trackd/internal/model"
)

// AddListener subscribes a listener under a user id. Adding the same
// listener twice leaves it registered once.
func (m *Manager) AddListener(userID int64, listener UpdateListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	set, ok := m.listeners[userID]
	if !ok {
		set = make(map[UpdateListener]struct{})
		m.listeners[userID] = set
	}
	if _, ok := set[listener]; !ok {
		set[listener] = struct{}{}
		metricListeners.Inc()
	}
}

// RemoveListener drops a listener registration. Removing from a user with no
// registrations is a no-op.
func (m *Manager) RemoveListener(userID int64, listener UpdateListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	set, ok := m.listeners[userID]
	if !ok {
		return
	}
	if _, ok := set[listener]; ok {
		delete(set, listener)
		metricListeners.Dec()
	}
	if len(set) == 0 {
		delete(m.listeners, userID)
	}
}

// SendKeepalive invokes OnKeepalive on every registered listener across all
// users.
func (m *Manager) SendKeepalive() {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, set := range m.listeners {
		for listener := range set {
			m.invoke(kindKeepalive, listener.OnKeepalive)
		}
	}
}

// UpdateDevice pushes a device record to every listener of every user
// permitted to see it.
func (m *Manager) UpdateDevice(device *model.Device) {
	users := m.perms.DeviceUsers(device.ID)

	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, userID := range users {
		for listener := range m.listeners[userID] {
			m.invoke(kindDevice, func() { listener.OnUpdateDevice(device) })
		}
	}
}

// UpdatePosition pushes a position to every listener of every user permitted
// to see its device.
func (m *Manager) UpdatePosition(position *model.Position) {
	users := m.perms.DeviceUsers(position.DeviceID)

	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, userID := range users {
		for listener := range m.listeners[userID] {
			m.invoke(kindPosition, func() { listener.OnUpdatePosition(position) })
		}
	}
}

// UpdateEvent pushes an event to one user's listeners only.
func (m *Manager) UpdateEvent(userID int64, event *model.Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for listener := range m.listeners[userID] {
		m.invoke(kindEvent, func() { listener.OnUpdateEvent(event) })
	}
}

// invoke runs one listener callback, isolating panics so one broken listener
// cannot prevent delivery to the rest.
func (m *Manager) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session: listener callback panic", "kind", kind, "panic", r)
		}
	}()
	fn()
	metricFanoutDeliveries.WithLabelValues(kind).Inc()
}
