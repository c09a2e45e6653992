// Package cache keeps device records hot while they have a live session.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tracklabs/trackd/internal/model"
)

const defaultLookupTTL = 5 * time.Minute

// DeviceLoader fetches a device record from storage.
type DeviceLoader interface {
	DeviceByID(deviceID int64) (*model.Device, error)
}

// Config supplies the device cache's collaborators.
type Config struct {
	Logger *slog.Logger
	Loader DeviceLoader

	// LookupTTL bounds how long incidental (non-pinned) lookups stay cached.
	LookupTTL time.Duration
}

// Validate fills defaults and enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Loader == nil {
		return errors.New("device loader is required")
	}
	if c.LookupTTL == 0 {
		c.LookupTTL = defaultLookupTTL
	}
	if c.LookupTTL < 0 {
		return errors.New("lookup TTL must be greater than 0")
	}
	return nil
}

// DeviceCache is the cache coordinator for the session core: devices with a
// live session are pinned without expiry, everything else ages out on a TTL.
type DeviceCache struct {
	log    *slog.Logger
	cfg    *Config
	loader DeviceLoader

	cache *ttlcache.Cache[int64, *model.Device]
}

// New constructs a DeviceCache and starts its expiry loop.
func New(cfg *Config) (*DeviceCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating cache config: %v", err)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[int64, *model.Device](cfg.LookupTTL),
		ttlcache.WithDisableTouchOnHit[int64, *model.Device](),
	)
	go cache.Start()

	return &DeviceCache{
		log:    cfg.Logger,
		cfg:    cfg,
		loader: cfg.Loader,
		cache:  cache,
	}, nil
}

// AddDevice pins a device as hot: the session core calls this when a session
// binds. A load failure is logged; the pin is skipped and the next lookup
// retries.
func (c *DeviceCache) AddDevice(deviceID int64) {
	device, err := c.loader.DeviceByID(deviceID)
	if err != nil {
		c.log.Warn("cache: load device error", "deviceID", deviceID, "error", err)
		return
	}
	if device == nil {
		return
	}
	c.cache.Set(deviceID, device, ttlcache.NoTTL)
}

// RemoveDevice unpins a device when its session goes away.
func (c *DeviceCache) RemoveDevice(deviceID int64) {
	c.cache.Delete(deviceID)
}

// Device returns the cached record, loading with the lookup TTL on a miss.
func (c *DeviceCache) Device(deviceID int64) (*model.Device, error) {
	if item := c.cache.Get(deviceID); item != nil {
		return item.Value(), nil
	}
	device, err := c.loader.DeviceByID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("error loading device: %v", err)
	}
	if device != nil {
		c.cache.Set(deviceID, device, c.cfg.LookupTTL)
	}
	return device, nil
}

// Len reports the number of cached devices.
func (c *DeviceCache) Len() int {
	return c.cache.Len()
}

// Close stops the expiry loop.
func (c *DeviceCache) Close() {
	c.cache.Stop()
}
