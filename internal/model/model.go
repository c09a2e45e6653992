package model

import "time"

// Device statuses as persisted and fanned out to subscribers.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Event types emitted by the session core and the state evaluators.
const (
	EventDeviceOnline    = "deviceOnline"
	EventDeviceOffline   = "deviceOffline"
	EventDeviceUnknown   = "deviceUnknown"
	EventDeviceMoving    = "deviceMoving"
	EventDeviceStopped   = "deviceStopped"
	EventDeviceOverspeed = "deviceOverspeed"
)

// Device is the persistent identity a tracker binds to. UniqueID is the
// primary device-supplied identifier (e.g. IMEI); a device may present
// aliases, but only the primary is stored here.
type Device struct {
	ID         int64
	UniqueID   string
	Name       string
	GroupID    int64 // 0 = no group
	Disabled   bool
	Status     string
	LastUpdate time.Time
	Attributes map[string]any
}

// Position is a single decoded report from a device.
type Position struct {
	ID        int64
	DeviceID  int64
	Time      time.Time
	Latitude  float64
	Longitude float64
	Speed     float64 // knots
	Valid     bool
}

// Event is a derived occurrence tied to a device, optionally with the
// position that produced it.
type Event struct {
	Type       string
	DeviceID   int64
	Time       time.Time
	Attributes map[string]any
}

// NewEvent constructs an event without a timestamp; the emitting side stamps
// it with its own clock.
func NewEvent(eventType string, deviceID int64) *Event {
	return &Event{Type: eventType, DeviceID: deviceID}
}

// Group is a node in the device-grouping forest. GroupID points at the
// parent; 0 means the node is a root.
type Group struct {
	ID      int64
	Name    string
	GroupID int64
}

// DeviceState carries the per-device derived state consumed by the motion
// and overspeed evaluators. A nil pending position means no transition is
// waiting to be resolved.
type DeviceState struct {
	Motion            bool
	MotionPosition    *Position
	MotionTime        time.Time
	Overspeed         bool
	OverspeedPosition *Position
	OverspeedTime     time.Time
}
