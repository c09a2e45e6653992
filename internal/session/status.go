package session

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/tracklabs/trackd/internal/model"
)

var zeroTime time.Time

const persistMaxTries = 3

// speedLimitAttribute is the device attribute consulted by the overspeed
// evaluator; 0 or absent disables the check.
const speedLimitAttribute = "speedLimit"

// decayTimeout is one armed online-decay timer. The firing task observes the
// cancelled flag and takes no action when cancellation won the race; the
// remove-and-cancel pair always runs under the manager lock so a timeout
// never double-fires after cancel.
type decayTimeout struct {
	timer     clockwork.Timer
	cancelled atomic.Bool
}

func (t *decayTimeout) cancel() {
	t.cancelled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// UpdateStatus drives the device-status state machine. The new status is
// written even when it equals the old one (which still refreshes LastUpdate
// when observationTime is non-zero), but an event is emitted only on an
// actual transition. Ordering is fixed: event emission precedes persistence
// precedes fan-out, so subscribers never observe an updated device before
// the event stream reflects it.
func (m *Manager) UpdateStatus(deviceID int64, status string, observationTime time.Time) {
	device, err := m.identity.DeviceByID(deviceID)
	if err != nil {
		m.log.Warn("session: find device error", "deviceID", deviceID, "error", err)
		return
	}
	if device == nil {
		return
	}

	m.mu.Lock()
	oldStatus := device.Status
	device.Status = status

	if t, ok := m.timeouts[deviceID]; ok {
		delete(m.timeouts, deviceID)
		t.cancel()
	}

	if !observationTime.IsZero() {
		device.LastUpdate = observationTime
	}

	if status == model.StatusOnline && !m.closed {
		m.timeouts[deviceID] = m.armDecayLocked(deviceID)
	}
	m.mu.Unlock()

	if status != oldStatus {
		m.emitStatusEvents(deviceID, status)
		metricStatusTransitions.WithLabelValues(oldStatus, status).Inc()
	}

	m.persistStatus(device)

	m.UpdateDevice(device)
}

// armDecayLocked arms a fresh decay timeout; firing demotes the device to
// unknown through Forget. Caller holds m.mu.
func (m *Manager) armDecayLocked(deviceID int64) *decayTimeout {
	t := &decayTimeout{}
	t.timer = m.clock.AfterFunc(m.cfg.DeviceTimeout, func() {
		if t.cancelled.Load() {
			return
		}
		metricTimeoutsFired.Inc()
		m.log.Info("session: device timed out", "deviceID", deviceID)
		m.Forget(deviceID)
	})
	return t
}

// emitStatusEvents builds the synthetic event for a transition, merges in
// the motion/overspeed derivations when leaving online with the policy
// enabled, and hands everything to the notification sink.
func (m *Manager) emitStatusEvents(deviceID int64, status string) {
	events := make(map[*model.Event]*model.Position)

	var eventType string
	switch status {
	case model.StatusOnline:
		eventType = model.EventDeviceOnline
	case model.StatusUnknown:
		eventType = model.EventDeviceUnknown
	default:
		eventType = model.EventDeviceOffline
	}

	if status != model.StatusOnline && m.cfg.UpdateDeviceState {
		for e, p := range m.deriveStateEvents(deviceID) {
			events[e] = p
		}
	}

	event := model.NewEvent(eventType, deviceID)
	event.Time = m.clock.Now()
	events[event] = nil

	m.notifier.UpdateEvents(events)
}

// deriveStateEvents consults the motion and overspeed evaluators against the
// device's current derived state and merges their events.
func (m *Manager) deriveStateEvents(deviceID int64) map[*model.Event]*model.Position {
	state := m.devices.DeviceState(deviceID)
	if state == nil {
		return nil
	}

	result := make(map[*model.Event]*model.Position)
	if events := m.cfg.Motion.UpdateMotionState(state); events != nil {
		for e, p := range events {
			result[e] = p
		}
	}
	speedLimit := m.devices.LookupAttributeDouble(deviceID, speedLimitAttribute, 0)
	if events := m.cfg.Overspeed.UpdateOverspeedState(state, speedLimit); events != nil {
		for e, p := range events {
			result[e] = p
		}
	}
	return result
}

// persistStatus writes the device's status through the device manager with a
// bounded retry. Persistence failures are absorbed and logged: the status
// change stays in memory and fan-out still happens.
func (m *Manager) persistStatus(device *model.Device) {
	_, err := backoff.Retry(m.ctx, func() (struct{}, error) {
		return struct{}{}, m.devices.UpdateDeviceStatus(device)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(persistMaxTries))
	if err != nil {
		m.log.Warn("session: update device status error", "deviceID", device.ID, "error", err)
	}
}
