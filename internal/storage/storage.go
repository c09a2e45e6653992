// Package storage defines the persistence boundaries of the daemon. The
// session core and group manager consume these interfaces; memory.Store is
// the in-process implementation the daemon ships with.
package storage

import "github.com/tracklabs/trackd/internal/model"

// DeviceStore persists device records, their status, and per-device derived
// state.
type DeviceStore interface {
	DeviceByID(deviceID int64) (*model.Device, error)
	DeviceByUniqueID(uniqueID string) (*model.Device, error)
	InsertDevice(device *model.Device) error
	UpdateDeviceStatus(device *model.Device) error

	DeviceState(deviceID int64) *model.DeviceState
	SetDeviceState(deviceID int64, state *model.DeviceState)
}

// GroupStore persists the group forest.
type GroupStore interface {
	Groups() ([]*model.Group, error)
	InsertGroup(group *model.Group) error
	UpdateGroup(group *model.Group) error
}

// PermissionStore persists device visibility for users.
type PermissionStore interface {
	DeviceUsers(deviceID int64) []int64
	CheckDevice(userID, deviceID int64) bool
	LinkDevice(userID, deviceID int64)
	UnlinkDevice(userID, deviceID int64)
}
