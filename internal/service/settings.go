package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tollgate/tollgate/internal/config"
)

// GlobalRateLimitKey is the settings row holding the per-IP limit.
const GlobalRateLimitKey = "global_rate_limit"

const (
	defaultSettingsTTL     = 30 * time.Second
	defaultSettingsTimeout = 2 * time.Second
)

// SettingsStore is the subset of the config store the cache reads and
// writes.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SettingsCacheOptions configures a SettingsCache.
type SettingsCacheOptions struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	// DefaultGlobalLimit is served until the first successful fetch and
	// whenever the settings row does not exist.
	DefaultGlobalLimit int
	Now                func() time.Time
	Logger             *slog.Logger
}

// SettingsCache serves the global rate limit from memory, refreshing it
// from the store once per TTL. Concurrent refreshes collapse into one
// fetch. A failed fetch keeps the last known value.
type SettingsCache struct {
	store   SettingsStore
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	group   singleflight.Group

	mu        sync.RWMutex
	value     int
	fetchedAt time.Time
	loaded    bool
	// version increases on every SetGlobalLimit so a fetch that started
	// before the write cannot replace the written value.
	version uint64
}

// NewSettingsCache creates a cache. Nothing is fetched until the first
// GetGlobalLimit call.
func NewSettingsCache(store SettingsStore, opts SettingsCacheOptions) *SettingsCache {
	if opts.TTL <= 0 {
		opts.TTL = defaultSettingsTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultSettingsTimeout
	}
	if opts.DefaultGlobalLimit <= 0 {
		opts.DefaultGlobalLimit = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SettingsCache{
		store:   store,
		ttl:     opts.TTL,
		timeout: opts.FetchTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
		value:   opts.DefaultGlobalLimit,
	}
}

func (c *SettingsCache) fresh() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.loaded && c.now().Sub(c.fetchedAt) < c.ttl
}

// GetGlobalLimit returns the global per-IP limit. It never fails: on a
// fetch error the previous value is returned and the next attempt waits
// for another TTL.
func (c *SettingsCache) GetGlobalLimit(ctx context.Context) int {
	if v, ok := c.fresh(); ok {
		return v
	}
	v, _, _ := c.group.Do(GlobalRateLimitKey, func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the flight.
		if v, ok := c.fresh(); ok {
			return v, nil
		}
		return c.refresh(ctx), nil
	})
	return v.(int)
}

func (c *SettingsCache) refresh(ctx context.Context) int {
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	raw, err := c.store.GetSetting(fctx, GlobalRateLimitKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != version {
		return c.value
	}
	c.fetchedAt = c.now()
	c.loaded = true

	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			c.logger.Error("settings fetch failed, using last known global limit",
				"error", err, "limit", c.value)
		}
		return c.value
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.logger.Error("ignoring malformed global rate limit setting", "value", raw)
		return c.value
	}
	c.value = n
	return n
}

// SetGlobalLimit persists a new global limit and serves it immediately.
func (c *SettingsCache) SetGlobalLimit(ctx context.Context, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: global rate limit must be positive", ErrInvalidInput)
	}
	if err := c.store.SetSetting(ctx, GlobalRateLimitKey, strconv.Itoa(limit)); err != nil {
		return err
	}
	c.mu.Lock()
	c.value = limit
	c.fetchedAt = c.now()
	c.loaded = true
	c.version++
	c.mu.Unlock()
	return nil
}

// Invalidate forces the next GetGlobalLimit to refetch.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
