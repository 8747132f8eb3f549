// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"sdrpipe/internal/analysis"
	applog "sdrpipe/internal/log"
	"sdrpipe/internal/queue"
	"sdrpipe/internal/radio"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Force debug logging regardless of log_level.
	LogLevel  string          `yaml:"log_level"` // Logging level ("debug", "info", "warn", "error").
	Radio     RadioConfig     `yaml:"radio"`
	Queue     QueueConfig     `yaml:"queue"`
	Stream    StreamConfig    `yaml:"stream"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Transport TransportConfig `yaml:"transport"`
}

// RadioConfig selects devices and how they are tuned.
type RadioConfig struct {
	Driver     string            `yaml:"driver"`      // Restrict discovery to one driver; empty searches all.
	Args       map[string]string `yaml:"args"`        // Extra discovery filter and driver options.
	SampleRate float64           `yaml:"sample_rate"` // Requested rate in S/s.
	Frequency  float64           `yaml:"frequency"`   // Center frequency in Hz.
	Direction  string            `yaml:"direction"`   // "rx" or "tx".
	Channels   []int             `yaml:"channels"`    // Channels streamed together.
	Format     string            `yaml:"format"`      // CS8, CU8, CS16, CF32; empty for native.
}

// QueueConfig bounds each device's handoff queue.
type QueueConfig struct {
	MaxDepth      int    `yaml:"max_depth"`       // Pending blocks before the policy applies; 0 is unbounded.
	Policy        string `yaml:"policy"`          // unbounded, drop-oldest, drop-newest, block.
	DiscardOnStop bool   `yaml:"discard_on_stop"` // Drop pending blocks on stop instead of draining them.
}

// StreamConfig tunes the acquisition loop.
type StreamConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// AnalysisConfig tunes the spectral analysis stage.
type AnalysisConfig struct {
	Window           string        `yaml:"window"`            // none, hann, hamming, blackman, ...
	PlanCache        int           `yaml:"plan_cache"`        // FFT sizes kept planned.
	SpectrumInterval time.Duration `yaml:"spectrum_interval"` // Minimum gap between spectrum events per device.
}

// TransportConfig holds settings related to sending results over the network.
type TransportConfig struct {
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send decibel spectra over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // e.g. "127.0.0.1:9090".
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between packets per device.
	UDPMaxBins       int           `yaml:"udp_max_bins"`       // Spectra are decimated to at most this many bins.
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Serve JSON events over WebSocket.
	WebSocketAddress string        `yaml:"websocket_address"`  // Listen address for the WebSocket server.
}

// candidates are searched in order when LoadConfig is given no path.
var candidates = []string{"sdrpipe.yaml", "config.yaml"}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches the default locations. If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		applog.Debugf("Configuration: loaded %s", path)
	}

	// Environment overrides apply after the file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that can be checked without opening a device.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := applog.ParseLevel(c.LogLevel); !ok {
		check(fmt.Errorf("log_level '%s' is not a known level", c.LogLevel))
	}

	if c.Radio.SampleRate <= 0 {
		check(fmt.Errorf("radio.sample_rate must be positive, got %g", c.Radio.SampleRate))
	}
	if c.Radio.Frequency <= 0 {
		check(fmt.Errorf("radio.frequency must be positive, got %g", c.Radio.Frequency))
	}
	if _, err := radio.ParseDirection(c.Radio.Direction); err != nil {
		check(fmt.Errorf("radio.direction: %w", err))
	}
	if _, err := radio.ParseFormat(c.Radio.Format); err != nil {
		check(fmt.Errorf("radio.format: %w", err))
	}
	seen := make(map[int]bool, len(c.Radio.Channels))
	for _, ch := range c.Radio.Channels {
		if ch < 0 || seen[ch] {
			check(fmt.Errorf("radio.channels: invalid or repeated channel %d", ch))
		}
		seen[ch] = true
	}

	if c.Queue.MaxDepth < 0 {
		check(fmt.Errorf("queue.max_depth must not be negative, got %d", c.Queue.MaxDepth))
	}
	if _, err := queue.ParsePolicy(c.Queue.Policy); err != nil {
		check(fmt.Errorf("queue.policy: %w", err))
	}

	for name, d := range map[string]time.Duration{
		"stream.read_timeout":         c.Stream.ReadTimeout,
		"stream.status_interval":      c.Stream.StatusInterval,
		"stream.report_interval":      c.Stream.ReportInterval,
		"analysis.spectrum_interval":  c.Analysis.SpectrumInterval,
		"transport.udp_send_interval": c.Transport.UDPSendInterval,
	} {
		if d < 0 {
			check(fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	if _, err := analysis.ParseWindowFunc(c.Analysis.Window); err != nil {
		check(fmt.Errorf("analysis.window: %w", err))
	}
	if c.Analysis.PlanCache < 0 {
		check(fmt.Errorf("analysis.plan_cache must not be negative, got %d", c.Analysis.PlanCache))
	}

	if c.Transport.UDPEnabled {
		if _, _, err := net.SplitHostPort(c.Transport.UDPTargetAddress); err != nil {
			check(fmt.Errorf("transport.udp_target_address '%s' appears invalid: %w", c.Transport.UDPTargetAddress, err))
		}
	}
	if c.Transport.WebSocketEnabled {
		if _, _, err := net.SplitHostPort(c.Transport.WebSocketAddress); err != nil {
			check(fmt.Errorf("transport.websocket_address '%s' appears invalid: %w", c.Transport.WebSocketAddress, err))
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies ENV_* variables on top of the loaded values.
// Unparseable values are ignored with a warning.
func (cfg *Config) applyEnvOverrides() {
	envBool := func(key string, dst *bool) {
		if val, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				applog.Warnf("Configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = b
			applog.Debugf("Configuration: %s overrides to %v", key, b)
		}
	}
	envFloat := func(key string, dst *float64) {
		if val, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				applog.Warnf("Configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = f
			applog.Debugf("Configuration: %s overrides to %g", key, f)
		}
	}
	envString := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
			applog.Debugf("Configuration: %s overrides to %s", key, val)
		}
	}
	envDuration := func(key string, dst *time.Duration) {
		if val, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				applog.Warnf("Configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = d
			applog.Debugf("Configuration: %s overrides to %s", key, d)
		}
	}

	// ENV_{...}
	envBool("ENV_DEBUG", &cfg.Debug)
	envString("ENV_LOG_LEVEL", &cfg.LogLevel)

	// ENV_RADIO_{...}
	envString("ENV_RADIO_DRIVER", &cfg.Radio.Driver)
	envFloat("ENV_RADIO_SAMPLE_RATE", &cfg.Radio.SampleRate)
	envFloat("ENV_RADIO_FREQUENCY", &cfg.Radio.Frequency)
	envString("ENV_RADIO_FORMAT", &cfg.Radio.Format)

	// ENV_QUEUE_{...}
	envString("ENV_QUEUE_POLICY", &cfg.Queue.Policy)
	if val, ok := os.LookupEnv("ENV_QUEUE_MAX_DEPTH"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Queue.MaxDepth = n
		} else {
			applog.Warnf("Configuration: ignoring ENV_QUEUE_MAX_DEPTH=%q: %v", val, err)
		}
	}

	// ENV_UDP_{...} and ENV_WS_{...}
	envBool("ENV_UDP_ENABLED", &cfg.Transport.UDPEnabled)
	envString("ENV_UDP_TARGET_ADDRESS", &cfg.Transport.UDPTargetAddress)
	envDuration("ENV_UDP_SEND_INTERVAL", &cfg.Transport.UDPSendInterval)
	envBool("ENV_WS_ENABLED", &cfg.Transport.WebSocketEnabled)
	envString("ENV_WS_ADDRESS", &cfg.Transport.WebSocketAddress)
}
