package session

import (
	"fmt"
	"net"
	"sync"
)

// Endpoint is the transport-layer identity of a connection: the channel
// handle plus its remote address. Two endpoints are equal iff both components
// are equal, which makes Endpoint usable as a map key.
type Endpoint struct {
	Channel    Channel
	RemoteAddr string
}

func endpointFor(channel Channel, remoteAddr net.Addr) Endpoint {
	return Endpoint{Channel: channel, RemoteAddr: addrString(remoteAddr)}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// hostString returns just the host part of an address for log lines.
func hostString(addr net.Addr) string {
	s := addrString(addr)
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// DeviceSession is the immutable binding of a device identity to a live
// endpoint, created on first successful identification. Decoders may stash
// per-protocol scratch values on it via Set/Get.
type DeviceSession struct {
	deviceID   int64
	uniqueID   string
	protocol   string
	channel    Channel
	remoteAddr net.Addr

	mu    sync.Mutex
	attrs map[string]any
}

// NewDeviceSession constructs a session binding. The manager is the only
// production caller; transport decoders construct them directly in tests.
func NewDeviceSession(deviceID int64, uniqueID, protocol string, channel Channel, remoteAddr net.Addr) *DeviceSession {
	return &DeviceSession{
		deviceID:   deviceID,
		uniqueID:   uniqueID,
		protocol:   protocol,
		channel:    channel,
		remoteAddr: remoteAddr,
	}
}

func (s *DeviceSession) DeviceID() int64      { return s.deviceID }
func (s *DeviceSession) UniqueID() string     { return s.uniqueID }
func (s *DeviceSession) Protocol() string     { return s.protocol }
func (s *DeviceSession) Channel() Channel     { return s.channel }
func (s *DeviceSession) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *DeviceSession) endpoint() Endpoint {
	return endpointFor(s.channel, s.remoteAddr)
}

// Set stores a per-protocol scratch attribute on the session.
func (s *DeviceSession) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// Get returns a previously stored scratch attribute.
func (s *DeviceSession) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *DeviceSession) String() string {
	return fmt.Sprintf("deviceID: %d, uniqueID: %s, protocol: %s, remoteAddr: %s",
		s.deviceID, s.uniqueID, s.protocol, addrString(s.remoteAddr))
}
