// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/risk"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration shared by the service, the
// capture agent, and vigilctl.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Capture   CaptureConfig   `yaml:"capture"`
	Biometric BiometricConfig `yaml:"biometric"`
	Risk      risk.Policy     `yaml:"risk"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Export    ExportConfig    `yaml:"export"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can differ per
// environment.
type ConfigOverrides struct {
	Server   *ServerConfig   `yaml:"server,omitempty"`
	Storage  *StorageConfig  `yaml:"storage,omitempty"`
	Sessions *SessionsConfig `yaml:"sessions,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
}

// ServerConfig configures vigil-service's HTTP listener.
type ServerConfig struct {
	// Listen is the TCP address. Default: 127.0.0.1:8080
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins are the browser origins the observer socket
	// accepts besides the service's own host.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig configures on-disk locations.
type StorageConfig struct {
	// Root is the base directory for vigil data.
	Root string `yaml:"root"`

	// Database is the SQLite file holding sessions and the event log.
	Database string `yaml:"database"`

	// Evidence is the frame store directory.
	Evidence string `yaml:"evidence"`

	// Exams is the directory of exam definitions (*.json, *.jsonc).
	// The built-in sample is served when it is empty or missing.
	Exams string `yaml:"exams"`

	// PoolSize is the number of SQLite connections. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// CaptureConfig configures vigil-agent.
type CaptureConfig struct {
	// ServiceURL is where signals and frames are sent.
	ServiceURL string `yaml:"service_url"`

	FrameIntervalMS      int `yaml:"frame_interval_ms"`
	LocalCheckIntervalMS int `yaml:"local_check_interval_ms"`
	RetryBackoffMS       int `yaml:"retry_backoff_ms"`

	// CameraCommand writes one encoded frame to stdout per run.
	CameraCommand string        `yaml:"camera_command"`
	CameraArgs    []string      `yaml:"camera_args"`
	CameraTimeout time.Duration `yaml:"camera_timeout"`
}

func (c CaptureConfig) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMS) * time.Millisecond
}

func (c CaptureConfig) LocalCheckInterval() time.Duration {
	return time.Duration(c.LocalCheckIntervalMS) * time.Millisecond
}

func (c CaptureConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// BiometricConfig holds the analysis thresholds and the detector
// worker. With no DetectorCommand the service runs without face
// verification.
type BiometricConfig struct {
	biometric.Thresholds `yaml:",inline"`

	DetectorCommand string   `yaml:"detector_command"`
	DetectorArgs    []string `yaml:"detector_args"`
}

// FanoutConfig configures observer delivery.
type FanoutConfig struct {
	// Buffer is each subscriber's queue length. Default: 64
	Buffer int `yaml:"buffer"`

	// MQTT mirrors every message to a broker when Broker is set.
	MQTT fanout.MQTTConfig `yaml:"mqtt"`
}

// SessionsConfig tunes the lifecycle controller.
type SessionsConfig struct {
	// AbandonAfter is the silence after which an active session is
	// abandoned. Zero disables reaping. Default: 5m
	AbandonAfter time.Duration `yaml:"abandon_after"`

	// ReapInterval defaults to a quarter of AbandonAfter.
	ReapInterval time.Duration `yaml:"reap_interval"`

	InboundBuffer  int `yaml:"inbound_buffer"`
	OutboundBuffer int `yaml:"outbound_buffer"`
}

// ExportConfig configures evidence bundles.
type ExportConfig struct {
	// Recipients are age X25519 public keys. Bundles are sealed to
	// them; with none, bundles are only compressed.
	Recipients []string `yaml:"recipients"`

	// IncludeFrames adds referenced frames to bundles.
	IncludeFrames bool `yaml:"include_frames"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Format is "text" or "json". Default: text
	Format string `yaml:"format"`

	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. The config file is loaded
// over it.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "vigil")

	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Root:     defaultRoot,
			Database: "${VIGIL_ROOT}/vigil.db",
			Evidence: "${VIGIL_ROOT}/evidence",
			Exams:    "${VIGIL_ROOT}/exams",
			PoolSize: 4,
		},
		Capture: CaptureConfig{
			ServiceURL:           "http://127.0.0.1:8080",
			FrameIntervalMS:      5000,
			LocalCheckIntervalMS: 500,
			RetryBackoffMS:       1000,
			CameraTimeout:        10 * time.Second,
		},
		Biometric: BiometricConfig{Thresholds: biometric.DefaultThresholds()},
		Risk:      risk.DefaultPolicy(),
		Fanout: FanoutConfig{
			Buffer: fanout.DefaultBuffer,
			MQTT:   fanout.MQTTConfig{ClientID: "vigil-service", TopicPrefix: "vigil", QoS: 1},
		},
		Sessions: SessionsConfig{AbandonAfter: 5 * time.Minute},
		Logging:  LoggingConfig{Format: "text", Level: "info"},
	}
}

// Load loads configuration from the VIGIL_CONFIG environment variable.
// There is no fallback: without it Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("VIGIL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VIGIL_CONFIG environment variable not set; " +
			"set it to the path of your vigil.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Environment
// variables only reach the config through ${VAR} expansion in path
// fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// Builtin returns the defaults with paths expanded, for running
// without a config file.
func Builtin() *Config {
	cfg := Default()
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production logs are machine-read.
		if overrides == nil {
			overrides = &ConfigOverrides{Logging: &LoggingConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if o := overrides.Server; o != nil {
		if o.Listen != "" {
			c.Server.Listen = o.Listen
		}
		if o.ShutdownTimeout != 0 {
			c.Server.ShutdownTimeout = o.ShutdownTimeout
		}
		if len(o.AllowedOrigins) > 0 {
			c.Server.AllowedOrigins = o.AllowedOrigins
		}
	}
	if o := overrides.Storage; o != nil {
		if o.Root != "" {
			c.Storage.Root = o.Root
		}
		if o.Database != "" {
			c.Storage.Database = o.Database
		}
		if o.Evidence != "" {
			c.Storage.Evidence = o.Evidence
		}
		if o.Exams != "" {
			c.Storage.Exams = o.Exams
		}
		if o.PoolSize != 0 {
			c.Storage.PoolSize = o.PoolSize
		}
	}
	if o := overrides.Sessions; o != nil {
		if o.AbandonAfter != 0 {
			c.Sessions.AbandonAfter = o.AbandonAfter
		}
		if o.ReapInterval != 0 {
			c.Sessions.ReapInterval = o.ReapInterval
		}
	}
	if o := overrides.Logging; o != nil {
		if o.Format != "" {
			c.Logging.Format = o.Format
		}
		if o.Level != "" {
			c.Logging.Level = o.Level
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// ${VIGIL_ROOT} is the expanded storage root.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"VIGIL_ROOT": c.Storage.Root,
		"HOME":       os.Getenv("HOME"),
	}
	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["VIGIL_ROOT"] = c.Storage.Root

	c.Storage.Database = expandVars(c.Storage.Database, vars)
	c.Storage.Evidence = expandVars(c.Storage.Evidence, vars)
	c.Storage.Exams = expandVars(c.Storage.Exams, vars)
	c.Capture.CameraCommand = expandVars(c.Capture.CameraCommand, vars)
	c.Biometric.DetectorCommand = expandVars(c.Biometric.DetectorCommand, vars)
	for i, arg := range c.Biometric.DetectorArgs {
		c.Biometric.DetectorArgs[i] = expandVars(arg, vars)
	}
	c.Fanout.MQTT.Password = expandVars(c.Fanout.MQTT.Password, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	logFormats = []string{"text", "json"}
	logLevels  = []string{"debug", "info", "warn", "error"}
)

// Validate checks the configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Storage.Database == "" {
		errs = append(errs, errors.New("storage.database is required"))
	}
	if c.Storage.Evidence == "" {
		errs = append(errs, errors.New("storage.evidence is required"))
	}
	if c.Storage.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 1, got %d", c.Storage.PoolSize))
	}
	if c.Capture.FrameIntervalMS <= 0 {
		errs = append(errs, errors.New("capture.frame_interval_ms must be positive"))
	}
	if c.Capture.LocalCheckIntervalMS <= 0 {
		errs = append(errs, errors.New("capture.local_check_interval_ms must be positive"))
	}
	if c.Capture.RetryBackoffMS <= 0 {
		errs = append(errs, errors.New("capture.retry_backoff_ms must be positive"))
	}
	if err := c.Biometric.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("biometric: %w", err))
	}
	if c.Risk.RecoveryWindowEvents < 1 {
		errs = append(errs, errors.New("risk.recovery_window_events must be at least 1"))
	}
	if c.Risk.FocusLossCriticalCount < 1 {
		errs = append(errs, errors.New("risk.focus_loss_critical_count must be at least 1"))
	}
	if c.Fanout.Buffer < 1 {
		errs = append(errs, errors.New("fanout.buffer must be at least 1"))
	}
	if c.Fanout.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("fanout.mqtt.qos must be 0, 1, or 2, got %d", c.Fanout.MQTT.QoS))
	}
	if c.Sessions.AbandonAfter < 0 || c.Sessions.ReapInterval < 0 {
		errs = append(errs, errors.New("sessions durations must not be negative"))
	}
	for _, recipient := range c.Export.Recipients {
		if !strings.HasPrefix(recipient, "age1") {
			errs = append(errs, fmt.Errorf("export.recipients: %q is not an age public key", recipient))
		}
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", logFormats))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", logLevels))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the storage directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Storage.Root,
		c.Storage.Evidence,
		filepath.Dir(c.Storage.Database),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// NewLogger builds the configured slog handler over w.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("logging.format %q is not text or json", l.Format)
	}
}
