package state

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tracklabs/trackd/internal/model"
)

// OverspeedConfig controls the overspeed evaluator.
type OverspeedConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MinimalDuration is how long a device must stay above the limit before
	// the event derives.
	MinimalDuration time.Duration
}

// Validate fills defaults and enforces constraints for OverspeedConfig.
func (c *OverspeedConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MinimalDuration == 0 {
		c.MinimalDuration = defaultMinimalDuration
	}
	if c.MinimalDuration < 0 {
		return errors.New("minimal duration must be greater than 0")
	}
	return nil
}

// Overspeed derives deviceOverspeed events once a device has stayed above
// its configured speed limit long enough.
type Overspeed struct {
	log *slog.Logger
	cfg *OverspeedConfig
}

// NewOverspeed constructs an overspeed evaluator.
func NewOverspeed(cfg *OverspeedConfig) (*Overspeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Overspeed{log: cfg.Logger, cfg: cfg}, nil
}

// UpdateOverspeedState resolves a pending overspeed condition against the
// device's speed limit. A zero limit disables the check. A resolved
// condition clears the pending marker.
func (o *Overspeed) UpdateOverspeedState(state *model.DeviceState, speedLimit float64) map[*model.Event]*model.Position {
	if state == nil || speedLimit == 0 {
		return nil
	}
	if !state.Overspeed || state.OverspeedPosition == nil {
		return nil
	}
	if o.cfg.Clock.Now().Sub(state.OverspeedTime) < o.cfg.MinimalDuration {
		return nil
	}

	position := state.OverspeedPosition
	event := model.NewEvent(model.EventDeviceOverspeed, position.DeviceID)
	event.Time = position.Time
	// Carry the limit so downstream consumers need no second lookup.
	event.Attributes = map[string]any{"speedLimit": speedLimit}

	state.Overspeed = false
	state.OverspeedPosition = nil
	state.OverspeedTime = time.Time{}

	o.log.Debug("state: overspeed event derived", "deviceID", position.DeviceID, "speedLimit", speedLimit)
	return map[*model.Event]*model.Position{event: position}
}
