// Package notify records derived events and forwards them to the users
// allowed to see them.
package notify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/tracklabs/trackd/internal/model"
)

const defaultPoolSize = 8

// UserResolver answers which users may see a device's events.
type UserResolver interface {
	DeviceUsers(deviceID int64) []int64
}

// Forwarder ships one event to an external channel (mail, webhook, log).
// Forwarders run on the delivery pool and are isolated per event.
type Forwarder interface {
	ForwardEvent(userID int64, event *model.Event, position *model.Position) error
}

// BroadcastFunc pushes an event into the live-session fan-out for one user.
type BroadcastFunc func(userID int64, event *model.Event)

// Config supplies the notification manager's collaborators.
type Config struct {
	Logger    *slog.Logger
	Users     UserResolver
	Broadcast BroadcastFunc

	Forwarders []Forwarder

	// PoolSize bounds concurrent event delivery.
	PoolSize int
}

// Validate fills defaults and enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Users == nil {
		return errors.New("user resolver is required")
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.PoolSize < 0 {
		return errors.New("pool size must be greater than 0")
	}
	return nil
}

// Manager is the notification sink consumed by the session core. Delivery is
// asynchronous on a bounded worker pool; a slow forwarder never stalls a
// status transition.
type Manager struct {
	log *slog.Logger
	cfg *Config

	pool pond.Pool
}

// NewManager constructs a notification manager.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating notify config: %v", err)
	}
	return &Manager{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewPool(cfg.PoolSize),
	}, nil
}

// UpdateEvents records a batch of events with their producing positions and
// schedules delivery to every permitted user.
func (m *Manager) UpdateEvents(events map[*model.Event]*model.Position) {
	for event, position := range events {
		m.pool.Submit(func() {
			m.deliver(event, position)
		})
	}
}

func (m *Manager) deliver(event *model.Event, position *model.Position) {
	m.log.Debug("notify: event", "type", event.Type, "deviceID", event.DeviceID)

	for _, userID := range m.cfg.Users.DeviceUsers(event.DeviceID) {
		if m.cfg.Broadcast != nil {
			m.cfg.Broadcast(userID, event)
		}
		for _, f := range m.cfg.Forwarders {
			if err := f.ForwardEvent(userID, event, position); err != nil {
				m.log.Warn("notify: forward event error",
					"type", event.Type, "deviceID", event.DeviceID, "userID", userID, "error", err)
			}
		}
	}
}

// Close drains the delivery pool.
func (m *Manager) Close() {
	m.pool.StopAndWait()
}

// LogForwarder writes every event to the logger; it is the default forwarder
// wired by the daemon.
type LogForwarder struct {
	Logger *slog.Logger
}

// ForwardEvent implements Forwarder.
func (f *LogForwarder) ForwardEvent(userID int64, event *model.Event, position *model.Position) error {
	attrs := []any{"type", event.Type, "deviceID", event.DeviceID, "userID", userID}
	if position != nil {
		attrs = append(attrs, "lat", position.Latitude, "lon", position.Longitude)
	}
	f.Logger.Info("notify: event forwarded", attrs...)
	return nil
}
