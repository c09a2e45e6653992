package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tracklabs/trackd/internal/model"
)

func TestSession_Status_EmitsEventOncePerTransition(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, nil)
	f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})

	m.UpdateStatus(42, model.StatusOnline, zeroTime)
	m.UpdateStatus(42, model.StatusOnline, zeroTime)

	require.Equal(t, map[string]int{model.EventDeviceOnline: 1}, f.notifier.EventTypes())
}

func TestSession_Status_UnknownDevice_NoOp(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, nil)

	m.UpdateStatus(42, model.StatusOnline, zeroTime)

	require.Empty(t, f.notifier.Events())
	m.mu.Lock()
	require.Empty(t, m.timeouts)
	m.mu.Unlock()
}

func TestSession_Status_LastUpdateRefresh(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, nil)
	device := f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOnline})

	observed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// Same-status write still refreshes LastUpdate and emits nothing.
	m.UpdateStatus(42, model.StatusOnline, observed)

	require.Equal(t, observed, device.LastUpdate)
	require.Empty(t, f.notifier.Events())
}

func TestSession_Status_TimeoutArmedOnlyWhileOnline(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, nil)
	f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})

	armed := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.timeouts)
	}

	require.Zero(t, armed())
	m.UpdateStatus(42, model.StatusOnline, zeroTime)
	require.Equal(t, 1, armed())
	m.UpdateStatus(42, model.StatusOnline, zeroTime)
	require.Equal(t, 1, armed())
	m.UpdateStatus(42, model.StatusOffline, zeroTime)
	require.Zero(t, armed())
}

func TestSession_Status_OnlineDecay(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, func(cfg *Config) {
		cfg.DeviceTimeout = 5 * time.Minute
	})
	device := f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})

	ch := newMockChannel("127.0.0.1:5027")
	require.NotNil(t, m.Bind("generic", ch, ch.RemoteAddr(), "imei-1"))
	m.UpdateStatus(42, model.StatusOnline, f.clock.Now())

	f.clock.Advance(5 * time.Minute)

	require.Eventually(t, func() bool {
		return m.Lookup(42) == nil
	}, 2*time.Second, 10*time.Millisecond, "session must decay")

	require.Eventually(t, func() bool {
		return f.notifier.EventTypes()[model.EventDeviceUnknown] == 1
	}, 2*time.Second, 10*time.Millisecond, "deviceUnknown event must emit")

	require.Equal(t, model.StatusUnknown, device.Status)
	requireIndexesConsistent(t, m)
}

func TestSession_Status_DecayCancelledBeforeFire(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, func(cfg *Config) {
		cfg.DeviceTimeout = 5 * time.Minute
	})
	device := f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})

	m.UpdateStatus(42, model.StatusOnline, zeroTime)
	m.UpdateStatus(42, model.StatusOffline, zeroTime)

	f.clock.Advance(time.Hour)

	// The cancelled timeout must never demote the device to unknown.
	require.Never(t, func() bool {
		return device.Status == model.StatusUnknown
	}, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, map[string]int{
		model.EventDeviceOnline:  1,
		model.EventDeviceOffline: 1,
	}, f.notifier.EventTypes())
}

func TestSession_Status_EventPrecedesPersistPrecedesFanout(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, step)
	}

	m, f := newTestManager(t, nil)
	f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})
	f.devmgr.UpdateDeviceStatusFunc = func(*model.Device) error {
		record("persist")
		return nil
	}
	f.perms.DeviceUsersFunc = func(int64) []int64 { return []int64{7} }

	listener := &orderListener{record: record}
	m.AddListener(7, listener)

	// Wrap the notifier to record emission.
	notifier := f.notifier
	m.notifier = notifierFunc(func(events map[*model.Event]*model.Position) {
		record("events")
		notifier.UpdateEvents(events)
	})

	m.UpdateStatus(42, model.StatusOnline, zeroTime)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"events", "persist", "fanout"}, order)
}

func TestSession_Status_PersistFailureAbsorbed(t *testing.T) {
	t.Parallel()
	m, f := newTestManager(t, nil)
	device := f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})
	f.devmgr.UpdateDeviceStatusFunc = func(*model.Device) error {
		return errors.New("storage down")
	}
	f.perms.DeviceUsersFunc = func(int64) []int64 { return []int64{7} }

	listener := &testListener{}
	m.AddListener(7, listener)

	m.UpdateStatus(42, model.StatusOnline, zeroTime)

	// Status stays in memory and fan-out still happens.
	require.Equal(t, model.StatusOnline, device.Status)
	_, devices, _, _ := listener.counts()
	require.Equal(t, 1, devices)
}

func TestSession_Status_DerivedStateEventsOnLeavingOnline(t *testing.T) {
	t.Parallel()

	motionEvent := model.NewEvent(model.EventDeviceMoving, 42)
	overspeedEvent := model.NewEvent(model.EventDeviceOverspeed, 42)

	var motionCalls, overspeedCalls int
	var mu sync.Mutex

	m, f := newTestManager(t, func(cfg *Config) {
		cfg.UpdateDeviceState = true
		cfg.Motion = &MockMotionEvaluator{
			UpdateMotionStateFunc: func(*model.DeviceState) map[*model.Event]*model.Position {
				mu.Lock()
				defer mu.Unlock()
				motionCalls++
				return map[*model.Event]*model.Position{motionEvent: nil}
			},
		}
		cfg.Overspeed = &MockOverspeedEvaluator{
			UpdateOverspeedStateFunc: func(_ *model.DeviceState, speedLimit float64) map[*model.Event]*model.Position {
				mu.Lock()
				defer mu.Unlock()
				overspeedCalls++
				return map[*model.Event]*model.Position{overspeedEvent: nil}
			},
		}
	})
	f.addDevice(&model.Device{ID: 42, UniqueID: "imei-1", Status: model.StatusOffline})

	// Going online never consults the evaluators.
	m.UpdateStatus(42, model.StatusOnline, zeroTime)
	mu.Lock()
	require.Zero(t, motionCalls)
	require.Zero(t, overspeedCalls)
	mu.Unlock()

	m.UpdateStatus(42, model.StatusOffline, zeroTime)
	mu.Lock()
	require.Equal(t, 1, motionCalls)
	require.Equal(t, 1, overspeedCalls)
	mu.Unlock()

	types := f.notifier.EventTypes()
	require.Equal(t, 1, types[model.EventDeviceOffline])
	require.Equal(t, 1, types[model.EventDeviceMoving])
	require.Equal(t, 1, types[model.EventDeviceOverspeed])
}

// notifierFunc adapts a func to the NotificationSink interface.
type notifierFunc func(map[*model.Event]*model.Position)

func (f notifierFunc) UpdateEvents(events map[*model.Event]*model.Position) { f(events) }

// orderListener records only that device fan-out reached it.
type orderListener struct {
	record func(string)
}

func (l *orderListener) OnKeepalive()                     {}
func (l *orderListener) OnUpdateDevice(*model.Device)     { l.record("fanout") }
func (l *orderListener) OnUpdatePosition(*model.Position) {}
func (l *orderListener) OnUpdateEvent(*model.Event)       {}
