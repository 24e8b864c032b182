package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/service"
)

// cliActor is recorded as created_by / rotated_by / blocked_by for changes
// made from the command line.
const cliActor = "cli"

// resolveDataDir returns the SQLite data directory: the configured value,
// or ~/.tollgate.
func resolveDataDir(cfg *config.YAMLConfig) string {
	if cfg.Database.DataDir != "" {
		return cfg.Database.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tollgate")
}

// openStore opens the configured store. An embedded SQLite store defaults
// to a file under ~/.tollgate rather than memory.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	opts := cfg.Database.StoreOptions()
	if (opts.Driver == "" || opts.Driver == config.DriverSQLite) && opts.DSN == "" {
		opts.DataDir = resolveDataDir(cfg)
	}
	store, err := config.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// newLogger builds the process logger from the logging section. dev forces
// debug level.
func newLogger(cfg config.LoggingConfig, dev bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// services is the set of components the management commands operate on.
type services struct {
	store    *config.Store
	routes   *gateway.RouteTable
	tokens   *service.TokenRegistry
	ipRules  *service.IPRuleService
	settings *service.SettingsCache
	security *service.SecurityCenter
}

func (s *services) Close() error {
	return s.store.Close()
}

// openServices opens the store and builds the services on top of it.
func openServices(ctx context.Context, cfg *config.YAMLConfig, logger *slog.Logger) (*services, error) {
	routeList, err := gateway.RoutesFromConfig(cfg.Gateway.Routes)
	if err != nil {
		return nil, err
	}
	routes, err := gateway.NewRouteTable(routeList)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	svc := &services{store: store, routes: routes}

	svc.tokens, err = service.NewTokenRegistry(ctx, store, service.TokenRegistryOptions{
		KnownRoute: routes.Has,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	lookupTimeout := config.Duration(cfg.Gateway.LookupTimeout, 2*time.Second)
	svc.ipRules, err = service.NewIPRuleService(ctx, store, service.IPRuleOptions{
		CacheTTL:      config.Duration(cfg.Gateway.IPRuleCacheTTL, 5*time.Minute),
		LookupTimeout: lookupTimeout,
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load ip rules: %w", err)
	}
	svc.settings = service.NewSettingsCache(store, service.SettingsCacheOptions{
		TTL:                config.Duration(cfg.RateLimit.SettingsTTL, 30*time.Second),
		FetchTimeout:       lookupTimeout,
		DefaultGlobalLimit: cfg.RateLimit.DefaultGlobalLimit,
		Logger:             logger,
	})
	svc.security = service.NewSecurityCenter(store, svc.ipRules, thresholdsFrom(cfg.Security))
	return svc, nil
}

func thresholdsFrom(c config.SecurityConfig) service.Thresholds {
	t := service.DefaultThresholds()
	if c.HighDistinctTypes > 0 {
		t.HighDistinctTypes = c.HighDistinctTypes
	}
	if c.HighEventCount > 0 {
		t.HighEventCount = c.HighEventCount
	}
	if c.MediumDistinctTypes > 0 {
		t.MediumDistinctTypes = c.MediumDistinctTypes
	}
	if c.MediumEventCount > 0 {
		t.MediumEventCount = c.MediumEventCount
	}
	return t
}

// commandEnv loads the configuration and opens the services with a quiet
// logger, for one-shot management commands.
func commandEnv(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(config.LoggingConfig{Level: "error", Format: cfg.Logging.Format}, false, os.Stderr)
	return openServices(ctx, cfg, logger)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
