// Package memory is the in-process store backing the daemon by default. It
// implements the device, group, and permission store contracts plus the
// identity-resolver and device-manager capabilities the session core
// consumes.
package memory

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tracklabs/trackd/internal/model"
	"github.com/tracklabs/trackd/internal/storage"
)

var (
	_ storage.DeviceStore     = (*Store)(nil)
	_ storage.GroupStore      = (*Store)(nil)
	_ storage.PermissionStore = (*Store)(nil)
)

// Store holds everything behind one mutex; contention is negligible at the
// session core's call rates.
type Store struct {
	log *slog.Logger

	mu           sync.Mutex
	nextDeviceID int64
	nextGroupID  int64
	devices      map[int64]*model.Device
	byUniqueID   map[string]int64
	states       map[int64]*model.DeviceState
	groups       map[int64]*model.Group
	deviceUsers  map[int64]map[int64]struct{}

	// Server-level attribute defaults, consulted when a device has no value.
	serverAttributes map[string]any
}

// New constructs an empty store.
func New(log *slog.Logger) *Store {
	return &Store{
		log:              log,
		nextDeviceID:     1,
		nextGroupID:      1,
		devices:          make(map[int64]*model.Device),
		byUniqueID:       make(map[string]int64),
		states:           make(map[int64]*model.DeviceState),
		groups:           make(map[int64]*model.Group),
		deviceUsers:      make(map[int64]map[int64]struct{}),
		serverAttributes: make(map[string]any),
	}
}

// SetServerAttribute installs a server-level attribute default.
func (s *Store) SetServerAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverAttributes[key] = value
}

// DeviceByID returns the device with the given id, or nil.
func (s *Store) DeviceByID(deviceID int64) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[deviceID], nil
}

// DeviceByUniqueID returns the device with the given unique id, or nil.
func (s *Store) DeviceByUniqueID(uniqueID string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUniqueID[uniqueID]; ok {
		return s.devices[id], nil
	}
	return nil, nil
}

// InsertDevice stores a new device, assigning an id when unset.
func (s *Store) InsertDevice(device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.UniqueID == "" {
		return errors.New("device unique id is required")
	}
	if _, ok := s.byUniqueID[device.UniqueID]; ok {
		return errors.New("device unique id already exists")
	}
	if device.ID == 0 {
		device.ID = s.nextDeviceID
		s.nextDeviceID++
	} else if device.ID >= s.nextDeviceID {
		s.nextDeviceID = device.ID + 1
	}
	s.devices[device.ID] = device
	s.byUniqueID[device.UniqueID] = device.ID
	return nil
}

// AddUnknownDevice auto-registers a device for an unseen unique id.
func (s *Store) AddUnknownDevice(uniqueID string) (*model.Device, error) {
	device := &model.Device{
		UniqueID: uniqueID,
		Name:     uniqueID,
		Status:   model.StatusUnknown,
	}
	if err := s.InsertDevice(device); err != nil {
		return nil, err
	}
	s.log.Info("storage: unknown device registered", "uniqueID", uniqueID, "deviceID", device.ID)
	return device, nil
}

// UpdateDeviceStatus persists status and last-update for a known device.
func (s *Store) UpdateDeviceStatus(device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.devices[device.ID]
	if !ok {
		return errors.New("device not found")
	}
	stored.Status = device.Status
	stored.LastUpdate = device.LastUpdate
	return nil
}

// DeviceState returns the derived state for a device, creating it on first
// access.
func (s *Store) DeviceState(deviceID int64) *model.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[deviceID]
	if !ok {
		state = &model.DeviceState{}
		s.states[deviceID] = state
	}
	return state
}

// SetDeviceState replaces the derived state for a device.
func (s *Store) SetDeviceState(deviceID int64, state *model.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
}

// LookupAttributeDouble resolves a numeric attribute for a device, falling
// back to the server-level default, then to the supplied default.
func (s *Store) LookupAttributeDouble(deviceID int64, key string, defaultValue float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[deviceID]; ok {
		if v, ok := asFloat(device.Attributes[key]); ok {
			return v
		}
	}
	if v, ok := asFloat(s.serverAttributes[key]); ok {
		return v
	}
	return defaultValue
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Groups returns all stored groups.
func (s *Store) Groups() ([]*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]*model.Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	return groups, nil
}

// InsertGroup stores a new group, assigning an id when unset.
func (s *Store) InsertGroup(group *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group.ID == 0 {
		group.ID = s.nextGroupID
		s.nextGroupID++
	} else if group.ID >= s.nextGroupID {
		s.nextGroupID = group.ID + 1
	}
	s.groups[group.ID] = group
	return nil
}

// UpdateGroup rewrites a stored group.
func (s *Store) UpdateGroup(group *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group.ID]; !ok {
		return errors.New("group not found")
	}
	s.groups[group.ID] = group
	return nil
}

// DeviceUsers returns the users permitted to see a device.
func (s *Store) DeviceUsers(deviceID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]int64, 0, len(s.deviceUsers[deviceID]))
	for userID := range s.deviceUsers[deviceID] {
		users = append(users, userID)
	}
	return users
}

// CheckDevice reports whether a user may see a device.
func (s *Store) CheckDevice(userID, deviceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deviceUsers[deviceID][userID]
	return ok
}

// LinkDevice grants a user visibility of a device.
func (s *Store) LinkDevice(userID, deviceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.deviceUsers[deviceID]
	if !ok {
		users = make(map[int64]struct{})
		s.deviceUsers[deviceID] = users
	}
	users[userID] = struct{}{}
}

// UnlinkDevice revokes a user's visibility of a device.
func (s *Store) UnlinkDevice(userID, deviceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.deviceUsers[deviceID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.deviceUsers, deviceID)
		}
	}
}
