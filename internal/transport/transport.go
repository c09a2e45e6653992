// Package transport is the generic line-oriented TCP front end of the
// daemon. It carries no vendor wire protocol: a connection identifies itself
// with its first line (one or more whitespace-separated unique ids) and
// every later line counts as traffic. Real protocol decoders plug into the
// session core the same way this one does.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tracklabs/trackd/internal/model"
	"github.com/tracklabs/trackd/internal/session"
)

const protocolName = "generic"

// SessionCore is the slice of the session manager the transport drives.
type SessionCore interface {
	Bind(protocol string, channel session.Channel, remoteAddr net.Addr, uniqueIDs ...string) *session.DeviceSession
	Disconnect(channel session.Channel)
	UpdateStatus(deviceID int64, status string, observationTime time.Time)
}

// Config supplies the server's collaborators.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Sessions SessionCore

	ListenAddr string
}

// Validate fills defaults and enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sessions == nil {
		return errors.New("session core is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Conn is the channel handle the session core sees; endpoints compare it by
// pointer identity plus remote address.
type Conn struct {
	nc net.Conn
}

// RemoteAddr implements session.Channel.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Server accepts tracker connections and feeds the session core.
type Server struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	lis net.Listener
	wg  sync.WaitGroup
}

// NewServer constructs a Server and binds its listener.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating transport config: %v", err)
	}
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("error creating listener: %v", err)
	}
	return &Server{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		lis:   lis,
	}, nil
}

// LocalAddr exposes the bound listener address.
func (s *Server) LocalAddr() net.Addr { return s.lis.Addr() }

// Run accepts connections until the context is canceled or the listener is
// closed.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("transport: listening", "addr", s.lis.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.lis.Close()
	}()

	for {
		nc, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("error accepting connection: %v", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
		}()
	}
}

// handle runs one connection: identify, then treat every line as traffic
// until the peer goes away, then disconnect.
func (s *Server) handle(nc net.Conn) {
	conn := &Conn{nc: nc}
	defer func() {
		_ = nc.Close()
		s.cfg.Sessions.Disconnect(conn)
	}()

	scanner := bufio.NewScanner(nc)
	if !scanner.Scan() {
		s.log.Debug("transport: connection closed before identification", "remote", addrString(nc.RemoteAddr()))
		return
	}

	uniqueIDs := strings.Fields(scanner.Text())
	if len(uniqueIDs) == 0 {
		s.log.Warn("transport: empty identification line", "remote", addrString(nc.RemoteAddr()))
		return
	}

	deviceSession := s.cfg.Sessions.Bind(protocolName, conn, nc.RemoteAddr(), uniqueIDs...)
	if deviceSession == nil {
		return
	}
	s.cfg.Sessions.UpdateStatus(deviceSession.DeviceID(), model.StatusOnline, s.clock.Now())

	for scanner.Scan() {
		// Any traffic keeps the device online and refreshes its last update.
		s.cfg.Sessions.UpdateStatus(deviceSession.DeviceID(), model.StatusOnline, s.clock.Now())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("transport: read error", "remote", addrString(nc.RemoteAddr()), "error", err)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
