// Package runtime wires the daemon together and runs it until shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tracklabs/trackd/internal/cache"
	"github.com/tracklabs/trackd/internal/groups"
	"github.com/tracklabs/trackd/internal/model"
	"github.com/tracklabs/trackd/internal/notify"
	"github.com/tracklabs/trackd/internal/session"
	"github.com/tracklabs/trackd/internal/state"
	"github.com/tracklabs/trackd/internal/storage/memory"
	"github.com/tracklabs/trackd/internal/transport"
)

const defaultKeepaliveInterval = 30 * time.Second

// Config carries the daemon-level options handed down from flags.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	ListenAddr string // tracker TCP listener
	HTTPAddr   string // status/metrics API

	DeviceTimeout     time.Duration
	UpdateDeviceState bool
	RegisterUnknown   bool
	KeepaliveInterval time.Duration
}

// Validate fills defaults and enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.KeepaliveInterval < 0 {
		return errors.New("keepalive interval must be greater than 0")
	}
	return nil
}

// Run constructs every component and blocks until the context is canceled or
// a component fails.
func Run(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("error validating runtime config: %v", err)
	}
	log := cfg.Logger

	store := memory.New(log)

	deviceCache, err := cache.New(&cache.Config{Logger: log, Loader: store})
	if err != nil {
		return err
	}
	defer deviceCache.Close()

	groupManager, err := groups.NewManager(&groups.Config{Logger: log, Store: store})
	if err != nil {
		return err
	}

	motion, err := state.NewMotion(&state.MotionConfig{Logger: log, Clock: cfg.Clock})
	if err != nil {
		return err
	}
	overspeed, err := state.NewOverspeed(&state.OverspeedConfig{Logger: log, Clock: cfg.Clock})
	if err != nil {
		return err
	}

	var sessionManager *session.Manager
	notifier, err := notify.NewManager(&notify.Config{
		Logger: log,
		Users:  store,
		Broadcast: func(userID int64, event *model.Event) {
			sessionManager.UpdateEvent(userID, event)
		},
		Forwarders: []notify.Forwarder{&notify.LogForwarder{Logger: log}},
	})
	if err != nil {
		return err
	}
	defer notifier.Close()

	sessionManager, err = session.NewManager(ctx, &session.Config{
		Logger:            log,
		Clock:             cfg.Clock,
		Identity:          store,
		Devices:           store,
		Permissions:       store,
		Notifier:          notifier,
		Cache:             deviceCache,
		Motion:            motion,
		Overspeed:         overspeed,
		DeviceTimeout:     cfg.DeviceTimeout,
		UpdateDeviceState: cfg.UpdateDeviceState,
		RegisterUnknown:   cfg.RegisterUnknown,
	})
	if err != nil {
		return err
	}

	server, err := transport.NewServer(&transport.Config{
		Logger:     log,
		Clock:      cfg.Clock,
		Sessions:   sessionManager,
		ListenAddr: cfg.ListenAddr,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error)

	log.Info("runtime: starting tracker transport")
	go func() {
		errCh <- server.Run(ctx)
	}()

	// Keepalive ticker keeps subscriber transports (WebSocket-like) alive.
	go func() {
		ticker := cfg.Clock.NewTicker(cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				sessionManager.SendKeepalive()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sessions": len(sessionManager.Sessions()),
			"groups":   len(groupManager.All()),
		})
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		type sessionInfo struct {
			DeviceID int64  `json:"deviceId"`
			UniqueID string `json:"uniqueId"`
			Protocol string `json:"protocol"`
			Remote   string `json:"remote"`
		}
		sessions := sessionManager.Sessions()
		out := make([]sessionInfo, 0, len(sessions))
		for _, s := range sessions {
			remote := ""
			if addr := s.RemoteAddr(); addr != nil {
				remote = addr.String()
			}
			out = append(out, sessionInfo{
				DeviceID: s.DeviceID(),
				UniqueID: s.UniqueID(),
				Protocol: s.Protocol(),
				Remote:   remote,
			})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("POST /groups", func(w http.ResponseWriter, r *http.Request) {
		var group model.Group
		if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
			http.Error(w, "malformed group", http.StatusBadRequest)
			return
		}
		var err error
		if group.ID == 0 || groupManager.ByID(group.ID) == nil {
			err = groupManager.Add(&group)
		} else {
			err = groupManager.Update(&group)
		}
		if err != nil {
			if errors.Is(err, groups.ErrGroupCycle) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, group)
	})

	httpServer := &http.Server{Handler: mux}
	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("error creating http listener: %v", err)
	}

	log.Info("runtime: starting http api", "addr", lis.Addr().String())
	go func() {
		errCh <- httpServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Info("runtime: cleaning up and closing")
		_ = httpServer.Close()
		_ = sessionManager.Close()
		return nil
	case err := <-errCh:
		_ = httpServer.Close()
		_ = sessionManager.Close()
		return err
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
