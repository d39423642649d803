package edge

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
	PermissionPrompt  = "prompt"
)

type Config struct {
	Server struct {
		Port        int               `yaml:"port"`
		MetricsPort int               `yaml:"metricsPort"`
		Origin      string            `yaml:"origin"`
		PublicURL   string            `yaml:"publicURL"`
		Timeout     string            `yaml:"timeout"`
		Headers     map[string]string `yaml:"headers"`

		timeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		Path       string   `yaml:"path"`
		Prefix     string   `yaml:"prefix"`
		Version    string   `yaml:"version"`
		Precache   []string `yaml:"precache"`
		DynamicMax string   `yaml:"dynamicMax"`
		Discover   []string `yaml:"discover"`

		dynamicMaxBytes int64
	} `yaml:"cache"`

	API struct {
		Prefix        string `yaml:"prefix"`
		Notifications string `yaml:"notifications"`
	} `yaml:"api"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Sync struct {
		ProbeEvery  string `yaml:"probeEvery"`
		ProbePath   string `yaml:"probePath"`
		MaxAttempts int    `yaml:"maxAttempts"`

		probeEveryDur time.Duration
	} `yaml:"sync"`

	PeriodicSync struct {
		// Permission mirrors the platform's periodic-background-sync
		// permission. Anything but "granted" rejects registrations.
		Permission  string   `yaml:"permission"`
		MinInterval string   `yaml:"minInterval"`
		Tags        []string `yaml:"tags"`

		minIntervalDur time.Duration
	} `yaml:"periodicSync"`

	Notifications struct {
		Icon    string `yaml:"icon"`
		Badge   string `yaml:"badge"`
		Vibrate []int  `yaml:"vibrate"`
	} `yaml:"notifications"`

	Push struct {
		Token string `yaml:"token"`
	} `yaml:"push"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// Version names the cache buckets owned by one deployment of the worker.
type Version struct {
	Name    string
	Static  string
	Dynamic string
	// Legacy is the single-bucket name used before the static/dynamic split.
	// It is never written, only reclaimed on activation.
	Legacy string
}

func versionFor(prefix, name string) Version {
	return Version{
		Name:    name,
		Static:  prefix + "-static-" + name,
		Dynamic: prefix + "-dynamic-" + name,
		Legacy:  prefix + "-" + name,
	}
}

// Version returns the bucket naming for the configured cache version.
func (c Config) Version() Version {
	return versionFor(c.Cache.Prefix, c.Cache.Version)
}

func (c Config) skipWaiting() bool {
	return c.Lifecycle.SkipWaiting == nil || *c.Lifecycle.SkipWaiting
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.PublicURL != "" {
		if _, err := url.Parse(cfg.Server.PublicURL); err != nil {
			return Config{}, fmt.Errorf("server.publicURL: %w", err)
		}
	}
	cfg.Server.timeoutDur = 30 * time.Second
	if cfg.Server.Timeout != "" {
		d, err := time.ParseDuration(cfg.Server.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("server.timeout: %w", err)
		}
		cfg.Server.timeoutDur = d
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/leveldb"
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "kronos"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if strings.ContainsRune(cfg.Cache.Prefix+cfg.Cache.Version, 0) {
		return Config{}, fmt.Errorf("cache.prefix and cache.version must not contain NUL")
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = []string{"/", "/manifest.json", "/favicon.png"}
	}
	for i, p := range cfg.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("cache.precache[%d]: %q must start with /", i, p)
		}
	}
	if cfg.Cache.DynamicMax != "" {
		n, err := humanize.ParseBytes(cfg.Cache.DynamicMax)
		if err != nil {
			return Config{}, fmt.Errorf("cache.dynamicMax: %w", err)
		}
		cfg.Cache.dynamicMaxBytes = int64(n)
	}

	if cfg.API.Prefix == "" {
		cfg.API.Prefix = "/api/"
	}
	if !strings.HasPrefix(cfg.API.Prefix, "/") {
		return Config{}, fmt.Errorf("api.prefix %q must start with /", cfg.API.Prefix)
	}
	if cfg.API.Notifications == "" {
		cfg.API.Notifications = "/api/notifications"
	}

	cfg.Sync.probeEveryDur = 15 * time.Second
	if cfg.Sync.ProbeEvery != "" {
		d, err := time.ParseDuration(cfg.Sync.ProbeEvery)
		if err != nil {
			return Config{}, fmt.Errorf("sync.probeEvery: %w", err)
		}
		cfg.Sync.probeEveryDur = d
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = 3
	}

	switch cfg.PeriodicSync.Permission {
	case "":
		cfg.PeriodicSync.Permission = PermissionPrompt
	case PermissionGranted, PermissionDenied, PermissionPrompt:
	default:
		return Config{}, fmt.Errorf("periodicSync.permission: unknown value %q", cfg.PeriodicSync.Permission)
	}
	cfg.PeriodicSync.minIntervalDur = time.Hour
	if cfg.PeriodicSync.MinInterval != "" {
		d, err := time.ParseDuration(cfg.PeriodicSync.MinInterval)
		if err != nil {
			return Config{}, fmt.Errorf("periodicSync.minInterval: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("periodicSync.minInterval must be positive")
		}
		cfg.PeriodicSync.minIntervalDur = d
	}

	if cfg.Notifications.Icon == "" {
		cfg.Notifications.Icon = "/favicon.png"
	}
	if cfg.Notifications.Badge == "" {
		cfg.Notifications.Badge = "/favicon.png"
	}
	if cfg.Notifications.Vibrate == nil {
		cfg.Notifications.Vibrate = []int{100, 50, 100}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	return cfg, nil
}

// appOrigin is the scheme://host clients must share to count as windows of
// this app. Empty means any connected client matches.
func (c Config) appOrigin() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return originOf(c.Server.PublicURL)
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
