package cache

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tracklabs/trackd/internal/model"
)

var (
	debugFlag = flag.Bool("debug", false, "enable debug logging")
	quietFlag = flag.Bool("quiet", false, "disable logging")
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

type testWriter struct {
	t  *testing.T
	mu sync.Mutex
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t.Logf("%s", p)
	return len(p), nil
}

func newTestLogger(t *testing.T) *slog.Logger {
	var w io.Writer
	if *quietFlag {
		w = io.Discard
	} else {
		w = &testWriter{t: t}
	}
	logLevel := slog.LevelInfo
	if *debugFlag {
		logLevel = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	return slog.New(h)
}

// MockLoader serves devices from a map and counts loads.
type MockLoader struct {
	mu      sync.Mutex
	devices map[int64]*model.Device
	loads   int
	loadErr error
}

func newMockLoader(devices ...*model.Device) *MockLoader {
	l := &MockLoader{devices: make(map[int64]*model.Device)}
	for _, d := range devices {
		l.devices[d.ID] = d
	}
	return l
}

func (l *MockLoader) DeviceByID(deviceID int64) (*model.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.devices[deviceID], nil
}

func (l *MockLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func newTestCache(t *testing.T, loader DeviceLoader, ttl time.Duration) *DeviceCache {
	t.Helper()
	c, err := New(&Config{Logger: newTestLogger(t), Loader: loader, LookupTTL: ttl})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCache_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{Loader: newMockLoader()}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = &Config{Logger: newTestLogger(t)}
	require.EqualError(t, cfg.Validate(), "device loader is required")

	cfg = &Config{Logger: newTestLogger(t), Loader: newMockLoader(), LookupTTL: -1}
	require.Error(t, cfg.Validate())

	cfg = &Config{Logger: newTestLogger(t), Loader: newMockLoader()}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultLookupTTL, cfg.LookupTTL)
}

func TestCache_PinAndLookup(t *testing.T) {
	t.Parallel()
	loader := newMockLoader(&model.Device{ID: 42, UniqueID: "imei-1"})
	c := newTestCache(t, loader, time.Minute)

	c.AddDevice(42)
	require.Equal(t, 1, c.Len())

	// Pinned entries serve lookups without touching the loader again.
	device, err := c.Device(42)
	require.NoError(t, err)
	require.EqualValues(t, 42, device.ID)
	require.Equal(t, 1, loader.loadCount())
}

func TestCache_Unpin(t *testing.T) {
	t.Parallel()
	loader := newMockLoader(&model.Device{ID: 42, UniqueID: "imei-1"})
	c := newTestCache(t, loader, time.Minute)

	c.AddDevice(42)
	c.RemoveDevice(42)
	require.Zero(t, c.Len())

	// The next lookup goes back to storage.
	device, err := c.Device(42)
	require.NoError(t, err)
	require.NotNil(t, device)
	require.Equal(t, 2, loader.loadCount())
}

func TestCache_LookupExpires(t *testing.T) {
	t.Parallel()
	loader := newMockLoader(&model.Device{ID: 42, UniqueID: "imei-1"})
	c := newTestCache(t, loader, 20*time.Millisecond)

	_, err := c.Device(42)
	require.NoError(t, err)
	require.Equal(t, 1, loader.loadCount())

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "lookup entry must age out")

	_, err = c.Device(42)
	require.NoError(t, err)
	require.Equal(t, 2, loader.loadCount())
}

func TestCache_PinSurvivesLookupTTL(t *testing.T) {
	t.Parallel()
	loader := newMockLoader(&model.Device{ID: 42, UniqueID: "imei-1"})
	c := newTestCache(t, loader, 20*time.Millisecond)

	c.AddDevice(42)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, c.Len(), "pinned entry must not expire")
}

func TestCache_AddUnknownDevice_NoOp(t *testing.T) {
	t.Parallel()
	loader := newMockLoader()
	c := newTestCache(t, loader, time.Minute)

	c.AddDevice(42)
	require.Zero(t, c.Len())
}

func TestCache_LoadErrorSkipsPin(t *testing.T) {
	t.Parallel()
	loader := newMockLoader(&model.Device{ID: 42})
	loader.loadErr = errors.New("storage down")
	c := newTestCache(t, loader, time.Minute)

	c.AddDevice(42)
	require.Zero(t, c.Len())

	_, err := c.Device(42)
	require.Error(t, err)

	// Once storage recovers the lookup succeeds.
	loader.mu.Lock()
	loader.loadErr = nil
	loader.mu.Unlock()
	device, err := c.Device(42)
	require.NoError(t, err)
	require.NotNil(t, device)
}
