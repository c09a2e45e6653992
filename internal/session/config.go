package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default decay timeout for devices left in online status without traffic.
const defaultDeviceTimeout = 600 * time.Second

// Config controls Manager behavior and supplies its collaborators. All
// collaborators are required except the state evaluators, which are only
// consulted when UpdateDeviceState is set.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Identity    IdentityResolver
	Devices     DeviceManager
	Permissions PermissionsOracle
	Notifier    NotificationSink
	Cache       CacheCoordinator

	Motion    MotionEvaluator
	Overspeed OverspeedEvaluator

	// DeviceTimeout is how long a device may stay online without traffic
	// before it decays to unknown.
	DeviceTimeout time.Duration

	// UpdateDeviceState runs the motion/overspeed evaluators on transitions
	// out of online.
	UpdateDeviceState bool

	// RegisterUnknown auto-registers unique ids the identity resolver does
	// not know.
	RegisterUnknown bool
}

// Validate fills defaults and enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Identity == nil {
		return errors.New("identity resolver is required")
	}
	if c.Devices == nil {
		return errors.New("device manager is required")
	}
	if c.Permissions == nil {
		return errors.New("permissions oracle is required")
	}
	if c.Notifier == nil {
		return errors.New("notification sink is required")
	}
	if c.Cache == nil {
		return errors.New("cache coordinator is required")
	}
	if c.UpdateDeviceState && (c.Motion == nil || c.Overspeed == nil) {
		return errors.New("state evaluators are required when update device state is enabled")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DeviceTimeout == 0 {
		c.DeviceTimeout = defaultDeviceTimeout
	}
	if c.DeviceTimeout < 0 {
		return errors.New("device timeout must be greater than 0")
	}
	return nil
}
