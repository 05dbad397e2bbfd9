// Package config provides configuration types, defaults and loading for cop.
//
// Values come from defaults, an optional YAML file and COP_ environment
// variables, in increasing precedence. Nested keys use an underscore in the
// environment: telemetry.sample_rate is COP_TELEMETRY_SAMPLE_RATE.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COP"

// Config holds all configuration options.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`  // debug, info, warn, error
	Format      string `mapstructure:"format"` // "json" or "console"
	Development bool   `mapstructure:"development"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Metrics     bool    `mapstructure:"metrics"`
	MetricsAddr string  `mapstructure:"metrics_addr"` // empty disables the HTTP endpoint
	Namespace   string  `mapstructure:"namespace"`
	Tracing     bool    `mapstructure:"tracing"`
	Exporter    string  `mapstructure:"exporter"` // "none", "stdout" or "otlp"
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`

	// OTLPEndpoint is the collector address for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// RuntimeConfig configures application assembly.
type RuntimeConfig struct {
	Descriptor      string `mapstructure:"descriptor"`
	ParallelCompile bool   `mapstructure:"parallel_compile"`
	ThreadSafeUses  bool   `mapstructure:"thread_safe_uses"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Metrics:      true,
			Namespace:    "cop",
			Exporter:     "none",
			ServiceName:  "cop",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// SetDefaults registers every key with its default so environment overrides
// apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("telemetry.metrics", d.Telemetry.Metrics)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.namespace", d.Telemetry.Namespace)
	v.SetDefault("telemetry.tracing", d.Telemetry.Tracing)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("runtime.descriptor", d.Runtime.Descriptor)
	v.SetDefault("runtime.parallel_compile", d.Runtime.ParallelCompile)
	v.SetDefault("runtime.thread_safe_uses", d.Runtime.ThreadSafeUses)
}

// Load reads configuration into v. An empty path skips the file.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid option.
func (c Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter: unknown exporter %q", c.Telemetry.Exporter))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate: %v is outside [0, 1]", c.Telemetry.SampleRate))
	}
	return errors.Join(errs...)
}
