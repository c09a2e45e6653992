package session

import (
	"net"

	"github.com/tracklabs/trackd/internal/model"
)

// Channel is the opaque transport handle a protocol server hands to the
// session core. The core compares channels by value (pointer identity for
// the usual implementations) and never inspects them beyond the remote
// address.
type Channel interface {
	RemoteAddr() net.Addr
}

// IdentityResolver maps unique identifier strings and device ids to
// persistent device records. Lookups may fail transiently; the core treats a
// failed lookup as an unrecognized identity.
type IdentityResolver interface {
	DeviceByID(deviceID int64) (*model.Device, error)
	DeviceByUniqueID(uniqueID string) (*model.Device, error)
	// AddUnknownDevice auto-registers an unseen unique id. Only called when
	// the RegisterUnknown policy is enabled.
	AddUnknownDevice(uniqueID string) (*model.Device, error)
}

// DeviceManager persists device status and serves per-device derived state
// and attribute lookups.
type DeviceManager interface {
	DeviceState(deviceID int64) *model.DeviceState
	UpdateDeviceStatus(device *model.Device) error
	LookupAttributeDouble(deviceID int64, key string, defaultValue float64) float64
}

// PermissionsOracle answers device visibility questions for fan-out.
type PermissionsOracle interface {
	DeviceUsers(deviceID int64) []int64
}

// NotificationSink records synthetic events produced by status transitions.
type NotificationSink interface {
	UpdateEvents(events map[*model.Event]*model.Position)
}

// CacheCoordinator tracks which devices currently have a live session.
type CacheCoordinator interface {
	AddDevice(deviceID int64)
	RemoveDevice(deviceID int64)
}

// MotionEvaluator derives motion events from a device's pending state.
type MotionEvaluator interface {
	UpdateMotionState(state *model.DeviceState) map[*model.Event]*model.Position
}

// OverspeedEvaluator derives overspeed events from a device's pending state
// given the configured speed limit (0 disables the check).
type OverspeedEvaluator interface {
	UpdateOverspeedState(state *model.DeviceState, speedLimit float64) map[*model.Event]*model.Position
}

// UpdateListener receives pushed updates for one user session. Callbacks run
// while the listener registry is held in read mode: they must not block
// indefinitely and must not call AddListener/RemoveListener synchronously.
// The registry does not own listeners; whoever registered one must remove it
// in its own shutdown path.
type UpdateListener interface {
	OnKeepalive()
	OnUpdateDevice(device *model.Device)
	OnUpdatePosition(position *model.Position)
	OnUpdateEvent(event *model.Event)
}
