// Package config handles kaiser-core configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is swappable in tests so the search never touches real
// config files on a developer machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kaiser/config.yaml, /etc/kaiser/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kaiser", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/kaiser/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all kaiser-core configuration.
type Config struct {
	KaiserID   string           `yaml:"kaiser_id"`
	Listen     ListenConfig     `yaml:"listen"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Health     HealthConfig     `yaml:"health"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Breakers   BreakerConfig    `yaml:"breakers"`
	Logic      LogicConfig      `yaml:"logic"`
	Websocket  WebsocketConfig  `yaml:"websocket"`
	Retention  RetentionConfig  `yaml:"retention"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the HTTP server (websocket, health, metrics).
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"` // e.g. tcp://broker:1883, ssl://broker:8883
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLS            MQTTTLSConfig `yaml:"tls"`
	KeepAliveSec   int           `yaml:"keep_alive_sec"`
	// OfflineBufferSize caps how many unsent publishes are held for
	// replay while the broker is unreachable; oldest entries drop first.
	OfflineBufferSize int `yaml:"offline_buffer_size"`
	// PayloadShape selects the egress payload layout. Only "flat" is
	// implemented; the field exists so the historical nested shape is an
	// explicit configuration decision rather than a silent one.
	PayloadShape string `yaml:"payload_shape"`
}

// MQTTTLSConfig defines optional TLS/mTLS for the broker connection.
type MQTTTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// AllowInsecure permits an unverified TLS connection when no CA file
	// is configured. Off by default; enabling it logs a loud warning.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// SubscriberConfig sizes the inbound dispatch worker pool.
type SubscriberConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// HealthConfig defines the device heartbeat thresholds.
type HealthConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	OfflineThresholdSec  int `yaml:"offline_threshold_sec"`
	StaleSensorSweepSec  int `yaml:"stale_sensor_sweep_sec"`
}

// HeartbeatInterval returns the configured heartbeat interval.
func (h HealthConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.HeartbeatIntervalSec) * time.Second
}

// OfflineThreshold returns the configured offline threshold.
func (h HealthConfig) OfflineThreshold() time.Duration {
	return time.Duration(h.OfflineThresholdSec) * time.Second
}

// RateLimitConfig defines the global and per-device execution budgets.
// The per-rule budget comes from each rule row.
type RateLimitConfig struct {
	GlobalPerSec    int `yaml:"global_per_sec"`
	PerDevicePerSec int `yaml:"per_device_per_sec"`
}

// BreakerConfig defines circuit-breaker thresholds shared by all
// protected dependencies.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutSec  int `yaml:"reset_timeout_sec"`
	HalfOpenProbes   int `yaml:"half_open_probes"`
}

// LogicConfig defines the rule engine's scheduling and timeouts.
type LogicConfig struct {
	TimerIntervalSec int `yaml:"timer_interval_sec"`
	ActionTimeoutSec int `yaml:"action_timeout_sec"`
	RuleTimeoutSec   int `yaml:"rule_timeout_sec"`
	ConflictTTLSec   int `yaml:"conflict_ttl_sec"`
}

// WebsocketConfig defines the operator fan-out limits.
type WebsocketConfig struct {
	// PerClientPerSec caps messages delivered to one client; overflow is
	// dropped, not queued.
	PerClientPerSec int `yaml:"per_client_per_sec"`
}

// RetentionConfig gates the destructive cleanup jobs. Every flag
// defaults to false and no code path flips one: deleting history is
// always an explicit operator decision.
type RetentionConfig struct {
	PruneReadings     bool `yaml:"prune_readings"`
	PruneExecutions   bool `yaml:"prune_executions"`
	PruneAudit        bool `yaml:"prune_audit"`
	ReadingRetainDays int  `yaml:"reading_retain_days"`
	HistoryRetainDays int  `yaml:"history_retain_days"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MQTT_PASSWORD}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.KaiserID == "" {
		c.KaiserID = "god"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "kaiser"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.OfflineBufferSize == 0 {
		c.MQTT.OfflineBufferSize = 1000
	}
	if c.MQTT.PayloadShape == "" {
		c.MQTT.PayloadShape = "flat"
	}
	if c.Subscriber.MaxWorkers == 0 {
		c.Subscriber.MaxWorkers = 10
	}
	if c.Subscriber.QueueDepth == 0 {
		c.Subscriber.QueueDepth = 256
	}
	if c.Health.HeartbeatIntervalSec == 0 {
		c.Health.HeartbeatIntervalSec = 60
	}
	if c.Health.OfflineThresholdSec == 0 {
		// 180s per the device firmware documentation. Some firmware
		// revisions shipped 120s; the documented figure wins.
		c.Health.OfflineThresholdSec = 180
	}
	if c.Health.StaleSensorSweepSec == 0 {
		c.Health.StaleSensorSweepSec = 300
	}
	if c.RateLimits.GlobalPerSec == 0 {
		c.RateLimits.GlobalPerSec = 100
	}
	if c.RateLimits.PerDevicePerSec == 0 {
		c.RateLimits.PerDevicePerSec = 20
	}
	if c.Breakers.FailureThreshold == 0 {
		c.Breakers.FailureThreshold = 5
	}
	if c.Breakers.ResetTimeoutSec == 0 {
		c.Breakers.ResetTimeoutSec = 30
	}
	if c.Breakers.HalfOpenProbes == 0 {
		c.Breakers.HalfOpenProbes = 2
	}
	if c.Logic.TimerIntervalSec == 0 {
		c.Logic.TimerIntervalSec = 60
	}
	if c.Logic.ActionTimeoutSec == 0 {
		c.Logic.ActionTimeoutSec = 30
	}
	if c.Logic.RuleTimeoutSec == 0 {
		c.Logic.RuleTimeoutSec = 30
	}
	if c.Logic.ConflictTTLSec == 0 {
		c.Logic.ConflictTTLSec = 60
	}
	if c.Websocket.PerClientPerSec == 0 {
		c.Websocket.PerClientPerSec = 10
	}
	if c.Retention.ReadingRetainDays == 0 {
		c.Retention.ReadingRetainDays = 90
	}
	if c.Retention.HistoryRetainDays == 0 {
		c.Retention.HistoryRetainDays = 30
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.MQTT.PayloadShape != "flat" {
		return fmt.Errorf("mqtt.payload_shape %q not supported (only \"flat\" is implemented)", c.MQTT.PayloadShape)
	}
	if c.MQTT.TLS.Enabled && c.MQTT.TLS.CAFile == "" && !c.MQTT.TLS.AllowInsecure {
		return fmt.Errorf("mqtt.tls enabled without ca_file; set mqtt.tls.allow_insecure to accept an unverified connection")
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		return fmt.Errorf("mqtt.tls cert_file and key_file must be set together")
	}
	if c.Health.OfflineThresholdSec <= c.Health.HeartbeatIntervalSec {
		return fmt.Errorf("health.offline_threshold_sec (%d) must exceed heartbeat_interval_sec (%d)",
			c.Health.OfflineThresholdSec, c.Health.HeartbeatIntervalSec)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// against a plaintext broker on localhost. All defaults are already
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
