// Package config loads chartsnap settings from a TOML file, an optional .env
// file and CHARTSNAP_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// DefaultPath is read when no config file is named
const DefaultPath = "chartsnap.toml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "CHARTSNAP_"

// Config is the full application configuration
type Config struct {
	Renderer  model.RendererConfig `toml:"renderer"`
	Worker    WorkerConfig         `toml:"worker"`
	Chart     model.RenderConfig   `toml:"chart"`
	Store     StoreConfig          `toml:"store"`
	Source    SourceConfig         `toml:"source"`
	Server    ServerConfig         `toml:"server"`
	Scheduler SchedulerConfig      `toml:"scheduler"`
}

// WorkerConfig controls how render workers are spawned
type WorkerConfig struct {
	Executable     string `toml:"executable"` // empty means the running binary
	DeadlineMS     int    `toml:"deadline_ms"`
	GraceMS        int    `toml:"grace_ms"`
	ReadinessCapMS int    `toml:"readiness_cap_ms"`
}

// Deadline returns the default render deadline
func (w WorkerConfig) Deadline() time.Duration {
	return time.Duration(w.DeadlineMS) * time.Millisecond
}

// Grace returns the SIGTERM to SIGKILL delay
func (w WorkerConfig) Grace() time.Duration {
	return time.Duration(w.GraceMS) * time.Millisecond
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type SourceConfig struct {
	Driver string `toml:"driver"` // postgres or sqlite
	DSN    string `toml:"dsn"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type SchedulerConfig struct {
	Enabled       bool `toml:"enabled"`
	MaxConcurrent int  `toml:"max_concurrent"`
	MaxRetries    int  `toml:"max_retries"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Renderer: model.RendererConfig{
			Backend:           "chromium",
			Headless:          true,
			NoSandbox:         true,
			DisableGPU:        true,
			DeviceScaleFactor: 1,
		},
		Worker: WorkerConfig{
			DeadlineMS:     model.DefaultDeadlineMS,
			GraceMS:        2000,
			ReadinessCapMS: model.DefaultReadinessCapMS,
		},
		Chart:     model.DefaultRenderConfig(),
		Store:     StoreConfig{Path: "chartsnap.db"},
		Source:    SourceConfig{Driver: "sqlite"},
		Server:    ServerConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{Enabled: true, MaxConcurrent: 2, MaxRetries: 3},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides. A missing file is only an error when path was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c Config) Validate() error {
	switch c.Renderer.Backend {
	case "", "chromium", "playwright":
	default:
		return fmt.Errorf("unknown renderer backend '%s'", c.Renderer.Backend)
	}
	switch c.Source.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown source driver '%s'", c.Source.Driver)
	}
	// Captures are sized in CSS pixels; any other factor scales the image
	if c.Renderer.DeviceScaleFactor != 1 {
		return fmt.Errorf("renderer device_scale_factor must be 1, got %g", c.Renderer.DeviceScaleFactor)
	}
	if c.Worker.DeadlineMS <= 0 {
		return fmt.Errorf("worker deadline_ms must be positive, got %d", c.Worker.DeadlineMS)
	}
	if c.Worker.GraceMS < 0 || c.Worker.ReadinessCapMS < 0 {
		return fmt.Errorf("worker durations must not be negative")
	}
	if c.Scheduler.MaxConcurrent < 0 || c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler limits must not be negative")
	}
	if err := model.ValidateRenderConfig(&c.Chart); err != nil {
		return fmt.Errorf("invalid [chart] defaults: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from CHARTSNAP_* variables
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"RENDERER_BACKEND":       &cfg.Renderer.Backend,
		"RENDERER_CHROMIUM_PATH": &cfg.Renderer.ChromiumPath,
		"WORKER_EXECUTABLE":      &cfg.Worker.Executable,
		"STORE_PATH":             &cfg.Store.Path,
		"SOURCE_DRIVER":          &cfg.Source.Driver,
		"SOURCE_DSN":             &cfg.Source.DSN,
		"SERVER_ADDR":            &cfg.Server.Addr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKER_DEADLINE_MS":       &cfg.Worker.DeadlineMS,
		"WORKER_GRACE_MS":          &cfg.Worker.GraceMS,
		"WORKER_READINESS_CAP_MS":  &cfg.Worker.ReadinessCapMS,
		"SCHEDULER_MAX_CONCURRENT": &cfg.Scheduler.MaxConcurrent,
		"SCHEDULER_MAX_RETRIES":    &cfg.Scheduler.MaxRetries,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"RENDERER_HEADLESS":        &cfg.Renderer.Headless,
		"RENDERER_NO_SANDBOX":      &cfg.Renderer.NoSandbox,
		"RENDERER_DISABLE_GPU":     &cfg.Renderer.DisableGPU,
		"RENDERER_SKIP_TLS_VERIFY": &cfg.Renderer.SkipTLSVerify,
		"SCHEDULER_ENABLED":        &cfg.Scheduler.Enabled,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "RENDERER_DEVICE_SCALE_FACTOR"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sRENDERER_DEVICE_SCALE_FACTOR: %w", EnvPrefix, err)
		}
		cfg.Renderer.DeviceScaleFactor = f
	}
	return nil
}
