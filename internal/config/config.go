// Package config loads host configuration. Priority: env vars > config file
// > defaults. The core packages never read it; cmd/mnemos maps it onto
// constructor parameters.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/mnemos/internal/license"
	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/pro"
	"github.com/rendis/mnemos/internal/shield"
	"github.com/rendis/mnemos/internal/store"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/internal/validation"
	"github.com/rendis/mnemos/pkg/schema"
)

// Config holds all mnemos host configuration.
type Config struct {
	DataDir            string  `json:"data_dir" yaml:"data_dir"`
	LogLevel           string  `json:"log_level" yaml:"log_level"`
	LogFormat          string  `json:"log_format" yaml:"log_format"`
	StoreBackend       string  `json:"store_backend" yaml:"store_backend"`
	CheckpointSchedule string  `json:"checkpoint_schedule" yaml:"checkpoint_schedule"`
	PulseInterval      string  `json:"pulse_interval" yaml:"pulse_interval"`
	PulseTTL           float64 `json:"pulse_ttl" yaml:"pulse_ttl"` // seconds
	HandleIdleAfter    string  `json:"handle_idle_after" yaml:"handle_idle_after"`

	FlushOnBoot   bool             `json:"flush_on_boot" yaml:"flush_on_boot"`
	IgniteAutorun bool             `json:"ignite_autorun" yaml:"ignite_autorun"`
	PulseAutorun  bool             `json:"pulse_autorun" yaml:"pulse_autorun"`
	CPUCores      []int            `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	Priority      *schema.Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Model         string           `json:"model,omitempty" yaml:"model,omitempty"`

	LicenseKey          string        `json:"license_key,omitempty" yaml:"license_key,omitempty"`
	Profiles            []pro.Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	RuntimeKeywords     []string      `json:"runtime_keywords,omitempty" yaml:"runtime_keywords,omitempty"`
	AutoFlushMemPercent float64       `json:"auto_flush_mem_percent" yaml:"auto_flush_mem_percent"`

	// Extra holds unrecognized top-level keys from the file.
	Extra map[string]any `json:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:             DefaultDir(),
		LogLevel:            "info",
		LogFormat:           "text",
		StoreBackend:        store.BackendJSON,
		CheckpointSchedule:  shield.DefaultCheckpointSchedule,
		PulseInterval:       "2s",
		PulseTTL:            60,
		HandleIdleAfter:     "60s",
		AutoFlushMemPercent: pro.DefaultAutoFlushMemPercent,
	}
}

// DefaultDir is ~/.mnemos, or .mnemos when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnemos"
	}
	return filepath.Join(home, ".mnemos")
}

// configNames are tried in order by FindPath.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

// FindPath returns the first existing config file in dir, or the JSON path
// when none exists.
func FindPath(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, configNames[0])
}

// PulseIntervalDuration parses PulseInterval. Validation guarantees it
// parses for loaded configs.
func (c Config) PulseIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PulseInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// HandleIdleAfterDuration parses HandleIdleAfter: how long a tracked handle
// may sit unused before a soft flush closes it.
func (c Config) HandleIdleAfterDuration() time.Duration {
	d, err := time.ParseDuration(c.HandleIdleAfter)
	if err != nil || d <= 0 {
		return tuning.DefaultIdleAfter
	}
	return d
}

// PulseTTLDuration converts PulseTTL seconds to a duration.
func (c Config) PulseTTLDuration() time.Duration {
	return time.Duration(c.PulseTTL * float64(time.Second))
}

// Loader reads, validates and layers configuration.
type Loader struct {
	getenv    func(string) string
	logger    *slog.Logger
	validator *validation.Validator
}

// NewLoader returns a Loader reading the process environment.
func NewLoader(logger *slog.Logger) *Loader {
	return NewLoaderWithEnv(os.Getenv, logger)
}

// NewLoaderWithEnv returns a Loader using getenv for overrides.
func NewLoaderWithEnv(getenv func(string) string, logger *slog.Logger) *Loader {
	return &Loader{
		getenv:    getenv,
		logger:    logging.OrDefault(logger),
		validator: validation.NewValidator(),
	}
}

// Load layers defaults, the file at path and env overrides. A missing file
// yields defaults; an unreadable or invalid file yields defaults plus a
// logged warning.
func (l *Loader) Load(path string) Config {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		parsed, perr := l.Parse(data, FormatOf(path))
		if perr != nil {
			l.logger.Warn("ignoring invalid config file",
				slog.String("path", path),
				slog.String("error", perr.Error()))
		} else {
			cfg = parsed
		}
	} else if !os.IsNotExist(err) {
		l.logger.Warn("config file unreadable",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}

	l.applyEnv(&cfg)
	return cfg
}

// FormatOf returns "yaml" for .yaml/.yml paths and "json" otherwise.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Parse decodes and validates a config document over the defaults. Env
// overrides are not applied.
func (l *Loader) Parse(data []byte, format string) (Config, error) {
	var generic map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return Config{}, schema.NewError(schema.ErrCodeValidation, "config is not valid YAML").WithCause(err)
		}
	case "json":
		if err := json.Unmarshal(data, &generic); err != nil {
			return Config{}, schema.NewError(schema.ErrCodeValidation, "config is not valid JSON").WithCause(err)
		}
	default:
		return Config{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown config format %q", format)
	}
	if generic == nil {
		generic = map[string]any{}
	}

	if err := l.validator.ValidateValue(generic, configSchemaJSON); err != nil {
		return Config{}, err
	}

	cfg := Default()
	var err error
	if format == "yaml" {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, schema.NewError(schema.ErrCodeValidation, "config does not match its schema").WithCause(err)
	}

	if _, err := time.ParseDuration(cfg.PulseInterval); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeValidation, "pulse_interval: %s", err.Error()).WithCause(err)
	}
	if _, err := time.ParseDuration(cfg.HandleIdleAfter); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeValidation, "handle_idle_after: %s", err.Error()).WithCause(err)
	}

	for key, v := range generic {
		if slices.Contains(knownKeys, key) {
			continue
		}
		if cfg.Extra == nil {
			cfg.Extra = make(map[string]any)
		}
		cfg.Extra[key] = v
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	if v := l.getenv("MNEMOS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := l.getenv("MNEMOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := l.getenv("MNEMOS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := l.getenv("MNEMOS_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := l.getenv("MNEMOS_PULSE_AUTORUN"); v != "" {
		l.envBool("MNEMOS_PULSE_AUTORUN", v, &cfg.PulseAutorun)
	}
	if v := l.getenv("MNEMOS_FLUSH_ON_BOOT"); v != "" {
		l.envBool("MNEMOS_FLUSH_ON_BOOT", v, &cfg.FlushOnBoot)
	}
	cfg.LicenseKey = license.ResolveKey(cfg.LicenseKey, l.getenv)
}

func (l *Loader) envBool(name, v string, dst *bool) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.logger.Warn("ignoring invalid boolean env var", slog.String("var", name), slog.String("value", v))
		return
	}
	*dst = b
}

// Encode renders cfg as indented JSON, or YAML when format is "yaml".
func Encode(cfg Config, format string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if format == "yaml" {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Save writes cfg in the format implied by the path's extension.
func Save(path string, cfg Config) error {
	data, err := Encode(cfg, FormatOf(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
