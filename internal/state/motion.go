// Package state holds the evaluators that derive motion and overspeed
// events from per-device state. Evaluators are pure over the state they are
// handed; the session core decides when they run.
package state

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tracklabs/trackd/internal/model"
)

const defaultMinimalDuration = 60 * time.Second

// MotionConfig controls the motion evaluator.
type MotionConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MinimalDuration is how long a motion change must persist before the
	// corresponding event derives.
	MinimalDuration time.Duration
}

// Validate fills defaults and enforces constraints for MotionConfig.
func (c *MotionConfig) Validate() error {
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

// Motion derives deviceMoving/deviceStopped events once a pending motion
// change has persisted for the configured duration.
type Motion struct {
	log *slog.Logger
	cfg *MotionConfig
}

// NewMotion constructs a motion evaluator.
func NewMotion(cfg *MotionConfig) (*Motion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Motion{log: cfg.Logger, cfg: cfg}, nil
}

// UpdateMotionState resolves a pending motion change. It returns the derived
// event keyed to the position that started the change, or nil when nothing
// is pending or the change has not persisted long enough. A resolved change
// clears the pending marker.
func (m *Motion) UpdateMotionState(state *model.DeviceState) map[*model.Event]*model.Position {
	if state == nil || state.MotionPosition == nil {
		return nil
	}
	if m.cfg.Clock.Now().Sub(state.MotionTime) < m.cfg.MinimalDuration {
		return nil
	}

	position := state.MotionPosition
	eventType := model.EventDeviceStopped
	if state.Motion {
		eventType = model.EventDeviceMoving
	}

	event := model.NewEvent(eventType, position.DeviceID)
	event.Time = position.Time

	state.MotionPosition = nil
	state.MotionTime = time.Time{}

	m.log.Debug("state: motion event derived", "deviceID", position.DeviceID, "type", eventType)
	return map[*model.Event]*model.Position{event: position}
}
