//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package config handles configuration management for pgedge-dwload.
// Configuration is loaded from a YAML config file, an optional .env file
// and DWLOAD_* environment variables (intended for credentials), then CLI
// flags. CLI flags take precedence over everything else.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DateLayout is the layout used for every date in the configuration.
const DateLayout = "2006-01-02"

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "DWLOAD"

// Config holds all configuration for pgedge-dwload.
type Config struct {
	// Source is the connection string of the OLTP store (read-only).
	Source string `mapstructure:"source"`

	// Target is the connection string of the warehouse.
	Target string `mapstructure:"target"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// LogJSON switches the console writer off.
	LogJSON bool `mapstructure:"log_json"`

	// Run holds configuration for the run subcommand.
	Run RunConfig `mapstructure:"run"`

	// Calendar holds configuration for the time dimension.
	Calendar CalendarConfig `mapstructure:"calendar"`

	// Seed holds configuration for the demo data generator.
	Seed SeedConfig `mapstructure:"seed"`
}

// RunConfig holds configuration for an ETL run.
type RunConfig struct {
	// From and To bound the load window (YYYY-MM-DD, inclusive).
	// Both empty means: full history on the first run, incremental after.
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`

	// LookbackDays widens an incremental window backwards to pick up
	// late-arriving rows.
	LookbackDays int `mapstructure:"lookback_days"`

	// ConnectTimeout is the connection timeout in seconds.
	ConnectTimeout int `mapstructure:"connect_timeout"`

	// StepTimeout bounds every load step, in seconds.
	StepTimeout int `mapstructure:"step_timeout"`

	// MaxParallel is how many independent steps may run at once.
	MaxParallel int `mapstructure:"max_parallel"`

	// BatchSize is the number of fact rows per COPY batch.
	BatchSize int `mapstructure:"batch_size"`

	// DefaultTaxRate (percent) applies to sale lines without a rate.
	DefaultTaxRate float64 `mapstructure:"default_tax_rate"`

	// Tolerance is the accepted difference between recomputed and
	// source-stored totals.
	Tolerance float64 `mapstructure:"tolerance"`

	// MetricsFile, when set, receives Prometheus text-format metrics
	// after the run (node_exporter textfile collector).
	MetricsFile string `mapstructure:"metrics_file"`
}

// CalendarConfig holds configuration for the time dimension.
type CalendarConfig struct {
	// Start and End override the generated date range (YYYY-MM-DD).
	// When empty the range covers whole years around the load window.
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`

	// Holidays maps YYYY-MM-DD to the holiday name.
	Holidays map[string]string `mapstructure:"holidays"`
}

// SeedConfig holds configuration for demo data generation.
type SeedConfig struct {
	Customers int    `mapstructure:"customers"`
	Products  int    `mapstructure:"products"`
	Stores    int    `mapstructure:"stores"`
	Sales     int    `mapstructure:"sales"`
	Sessions  int    `mapstructure:"sessions"`
	StartDate string `mapstructure:"start_date"`
	EndDate   string `mapstructure:"end_date"`

	// RandomSeed makes generation reproducible when non-zero.
	RandomSeed uint64 `mapstructure:"random_seed"`

	// AnomalyRate is the fraction of sale lines whose stored total is
	// perturbed, to exercise data-quality warnings.
	AnomalyRate float64 `mapstructure:"anomaly_rate"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Run: RunConfig{
			LookbackDays:   3,
			ConnectTimeout: 15,
			StepTimeout:    900, // 15 minutes
			MaxParallel:    1,
			BatchSize:      5000,
			DefaultTaxRate: 13,
			Tolerance:      0.01,
		},
		Calendar: CalendarConfig{
			Holidays: map[string]string{},
		},
		Seed: SeedConfig{
			Customers: 500,
			Products:  200,
			Stores:    6,
			Sales:     2000,
			Sessions:  3000,
		},
	}
}

// Load reads configuration from config files and the environment.
// Config file locations (in order of precedence):
// 1. Path specified by configFile parameter
// 2. ./pgedge-dwload.yaml
// 3. ~/.config/pgedge-dwload/config.yaml
func Load(configFile string) (*Config, error) {
	// A missing .env file is normal; anything else is reported.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("pgedge-dwload")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "pgedge-dwload"))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values for keys viper knows about.
	for _, key := range []string{"source", "target", "log_level"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source connection string is required")
	}
	if c.Target == "" {
		return fmt.Errorf("target connection string is required")
	}
	return nil
}

// ValidateRun checks configuration required for the run command.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Run.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second")
	}
	if c.Run.StepTimeout < 1 {
		return fmt.Errorf("step_timeout must be at least 1 second")
	}
	if c.Run.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1")
	}
	if c.Run.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.Run.LookbackDays < 0 {
		return fmt.Errorf("lookback_days must be non-negative")
	}
	if c.Run.DefaultTaxRate < 0 || c.Run.DefaultTaxRate > 100 {
		return fmt.Errorf("default_tax_rate must be between 0 and 100")
	}
	if c.Run.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative")
	}

	if (c.Run.From == "") != (c.Run.To == "") {
		return fmt.Errorf("from and to must be given together")
	}
	if err := checkRange("window", c.Run.From, c.Run.To); err != nil {
		return err
	}
	if err := checkRange("calendar", c.Calendar.Start, c.Calendar.End); err != nil {
		return err
	}
	for day := range c.Calendar.Holidays {
		if _, err := ParseDate(day); err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", day, err)
		}
	}
	return nil
}

// ValidateSeed checks configuration required for the seed command.
func (c *Config) ValidateSeed() error {
	if c.Source == "" {
		return fmt.Errorf("source connection string is required")
	}
	if c.Seed.Customers < 1 || c.Seed.Products < 1 || c.Seed.Stores < 1 {
		return fmt.Errorf("customers, products and stores must be at least 1")
	}
	if c.Seed.Sales < 0 || c.Seed.Sessions < 0 {
		return fmt.Errorf("sales and sessions must be non-negative")
	}
	if c.Seed.AnomalyRate < 0 || c.Seed.AnomalyRate > 1 {
		return fmt.Errorf("anomaly_rate must be between 0 and 1")
	}
	return checkRange("seed", c.Seed.StartDate, c.Seed.EndDate)
}

// ConnectTimeoutDuration returns the connection timeout.
func (r RunConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(r.ConnectTimeout) * time.Second
}

// StepTimeoutDuration returns the per-step timeout.
func (r RunConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(r.StepTimeout) * time.Second
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
}

func checkRange(name, start, end string) error {
	var from, to time.Time
	var err error
	if start != "" {
		if from, err = ParseDate(start); err != nil {
			return fmt.Errorf("invalid %s start date %q: %w", name, start, err)
		}
	}
	if end != "" {
		if to, err = ParseDate(end); err != nil {
			return fmt.Errorf("invalid %s end date %q: %w", name, end, err)
		}
	}
	if start != "" && end != "" && from.After(to) {
		return fmt.Errorf("%s start %s is after end %s", name, start, end)
	}
	return nil
}
