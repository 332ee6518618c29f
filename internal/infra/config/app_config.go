// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/bastion"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified bastion configuration sourced from YAML.
type AppConfig struct {
	Environment Environment            `yaml:"environment"`
	Risk        RiskConfig             `yaml:"risk"`
	Scaler      ScalerConfig           `yaml:"scaler"`
	ExitPlan    ExitPlanConfig         `yaml:"exitPlan"`
	Correlation CorrelationConfig      `yaml:"correlation"`
	Execution   ExecutionConfig        `yaml:"execution"`
	Safety      SafetyConfig           `yaml:"safety"`
	Routing     RoutingConfig          `yaml:"routing"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Database    DatabaseConfig         `yaml:"database"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Notify      NotifyConfig           `yaml:"notify"`
	Strategies  StrategiesConfig       `yaml:"strategies"`
	// User seeds the per-user configuration when the store holds none.
	User schema.UserConfig `yaml:"user"`
}

// DefaultAppConfig returns the stock configuration with one paper venue.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Risk:        defaultRiskConfig(),
		Scaler:      defaultScalerConfig(),
		ExitPlan:    defaultExitPlanConfig(),
		Correlation: defaultCorrelationConfig(),
		Execution:   defaultExecutionConfig(),
		Safety:      defaultSafetyConfig(),
		Routing:     RoutingConfig{Classes: nil, RefreshConcurrency: 8},
		Venues:      nil,
		Database:    DatabaseConfig{},
		Telemetry:   defaultTelemetryConfig(),
		Notify:      NotifyConfig{WebhookURL: "", Source: "bastion", Timeout: 10 * time.Second},
		Strategies:  StrategiesConfig{Directory: "strategies"},
		User: schema.UserConfig{
			UserID: "default",
			Mode:   schema.ModeAdvisory,
		},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Values
// absent from the file keep their defaults and ${VAR} references are expanded
// from the environment.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML over the defaults, then normalises and validates it.
func Parse(raw []byte) (AppConfig, error) {
	cfg := DefaultAppConfig()
	cfg.Venues = nil
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the
// path is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

// Save writes the configuration as YAML, replacing path atomically.
func (c AppConfig) Save(path string) error {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path = filepath.Clean(strings.TrimSpace(path))
	tmp, err := os.CreateTemp(filepath.Dir(path), ".app-*.yaml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(bytes); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	venues := make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		key := normalizeVenueName(name)
		if key == "" {
			return fmt.Errorf("venue name required")
		}
		if _, exists := venues[key]; exists {
			return fmt.Errorf("duplicate venue name %q", key)
		}
		v.applyDefaults()
		venues[key] = v
	}
	if len(venues) == 0 {
		venues["paper"] = defaultVenueConfig()
	}
	c.Venues = venues

	if c.Routing.RefreshConcurrency == 0 {
		c.Routing.RefreshConcurrency = 8
	}
	c.Execution.DefaultStrategy = strings.ToLower(strings.TrimSpace(c.Execution.DefaultStrategy))
	c.Execution.BenchmarkSymbol = schema.NormalizeSymbol(c.Execution.BenchmarkSymbol)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 10 * time.Second
	}

	strategyDir := strings.TrimSpace(c.Strategies.Directory)
	if strategyDir == "" {
		strategyDir = "strategies"
	}
	c.Strategies.Directory = filepath.Clean(strategyDir)

	c.User.UserID = strings.TrimSpace(c.User.UserID)
	if c.User.UserID == "" {
		c.User.UserID = "default"
	}
	c.User.Mode = schema.Mode(strings.ToLower(strings.TrimSpace(string(c.User.Mode))))
	if c.User.Mode == "" {
		c.User.Mode = schema.ModeAdvisory
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Scaler.validate(); err != nil {
		return fmt.Errorf("scaler: %w", err)
	}
	if err := c.ExitPlan.validate(); err != nil {
		return fmt.Errorf("exitPlan: %w", err)
	}
	if err := c.Correlation.validate(); err != nil {
		return fmt.Errorf("correlation: %w", err)
	}
	if err := c.Execution.validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	if err := c.Safety.validate(); err != nil {
		return fmt.Errorf("safety: %w", err)
	}

	enabled := 0
	for name, v := range c.Venues {
		if err := v.validate(); err != nil {
			return fmt.Errorf("venues.%s: %w", name, err)
		}
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled venue required")
	}
	if err := c.Routing.validate(c.Venues); err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	if !c.User.Mode.Valid() {
		return fmt.Errorf("user mode must be autonomous or advisory")
	}
	if c.User.MaxLeverage < 0 || c.User.MaxSize < 0 || c.User.MaxSize > 1 {
		return fmt.Errorf("user maxLeverage must be >= 0 and maxSize within [0,1]")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if strings.TrimSpace(c.Strategies.Directory) == "" {
		return fmt.Errorf("strategies directory required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	out := c
	out.Risk.ClusterCaps = cloneMap(c.Risk.ClusterCaps)
	out.Risk.DrawdownSteps = append([]DampingStepConfig(nil), c.Risk.DrawdownSteps...)
	out.Scaler.Bases = cloneMap(c.Scaler.Bases)
	if c.Scaler.Overrides != nil {
		out.Scaler.Overrides = make(map[string]map[string]MultipliersConfig, len(c.Scaler.Overrides))
		for k, v := range c.Scaler.Overrides {
			out.Scaler.Overrides[k] = cloneMap(v)
		}
	}
	out.ExitPlan.Tiers = append([]TierConfig(nil), c.ExitPlan.Tiers...)
	if c.Routing.Classes != nil {
		out.Routing.Classes = make(map[string][]string, len(c.Routing.Classes))
		for k, v := range c.Routing.Classes {
			out.Routing.Classes[k] = append([]string(nil), v...)
		}
	}
	if c.Venues != nil {
		out.Venues = make(map[string]VenueConfig, len(c.Venues))
		for k, v := range c.Venues {
			v.Prices = cloneMap(v.Prices)
			out.Venues[k] = v
		}
	}
	out.User = c.User.Clone()
	return out
}

// EnabledVenues returns the enabled venue configurations by name.
func (c AppConfig) EnabledVenues() map[string]VenueConfig {
	out := make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		if v.Enabled {
			out[name] = v
		}
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
