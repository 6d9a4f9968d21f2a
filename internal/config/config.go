package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration. Fields loaded at startup are
// immutable; the handful of options the API may change at runtime live
// behind the mutex and are reached through getters.
type Config struct {
	// Runtime connection
	RuntimeEndpoint string

	// HTTP surface
	Port     string
	APIToken string

	// Logging
	LogLevel string
	LogJSON  bool

	// Fixed-at-startup engine knobs
	MaxParallelUpdates int
	EventBufferSize    int
	UpdateTimeout      time.Duration
	ShutdownTimeout    time.Duration
	StopGrace          time.Duration
	HistoryLimit       int
	CheckSchedule      string // cron expression; empty = interval pacing

	// Optional collaborators
	AuditDBPath     string
	MQTTBroker      string
	MQTTTopic       string
	WebhookURL      string
	MetricsTextfile string

	mu             sync.RWMutex
	checkInterval  time.Duration
	updateInterval time.Duration
	autoUpdate     bool
	cleanup        bool
	labelFilter    string
}

// fileConfig is the optional YAML layer read from CONFIG_FILE.
// Environment variables override anything set here.
type fileConfig struct {
	RuntimeEndpoint string `yaml:"runtime_endpoint"`
	Port            string `yaml:"port"`
	LogLevel        string `yaml:"log_level"`
	CheckInterval   string `yaml:"check_interval"`
	UpdateInterval  string `yaml:"update_interval"`
	AutoUpdate      *bool  `yaml:"auto_update"`
	Cleanup         *bool  `yaml:"cleanup"`
	LabelFilter     string `yaml:"label_filter"`
	CheckSchedule   string `yaml:"check_schedule"`
}

// Load reads configuration from the optional config file and the
// environment. Any value that fails to parse is a startup error.
func Load() (*Config, error) {
	cfg := &Config{
		checkInterval:  30 * time.Second,
		updateInterval: 300 * time.Second,
		autoUpdate:     false,
		cleanup:        true,

		RuntimeEndpoint:    "/var/run/docker.sock",
		Port:               "8080",
		LogLevel:           "info",
		LogJSON:            true,
		MaxParallelUpdates: 1,
		EventBufferSize:    1024,
		UpdateTimeout:      120 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		StopGrace:          30 * time.Second,
		HistoryLimit:       100,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envStr("RUNTIME_ENDPOINT", &cfg.RuntimeEndpoint))
	collect(envStr("PORT", &cfg.Port))
	collect(envStr("API_TOKEN", &cfg.APIToken))
	collect(envStr("LOG_LEVEL", &cfg.LogLevel))
	collect(envBool("LOG_JSON", &cfg.LogJSON))
	collect(envDuration("CHECK_INTERVAL", &cfg.checkInterval))
	collect(envDuration("UPDATE_INTERVAL", &cfg.updateInterval))
	collect(envBool("AUTO_UPDATE", &cfg.autoUpdate))
	collect(envBool("CLEANUP", &cfg.cleanup))
	collect(envStr("LABEL_FILTER", &cfg.labelFilter))
	collect(envStr("CHECK_SCHEDULE", &cfg.CheckSchedule))
	collect(envInt("MAX_PARALLEL_UPDATES", &cfg.MaxParallelUpdates))
	collect(envInt("EVENT_BUFFER_SIZE", &cfg.EventBufferSize))
	collect(envDuration("UPDATE_TIMEOUT", &cfg.UpdateTimeout))
	collect(envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout))
	collect(envDuration("STOP_GRACE", &cfg.StopGrace))
	collect(envInt("UPDATE_HISTORY_LIMIT", &cfg.HistoryLimit))
	collect(envStr("AUDIT_DB_PATH", &cfg.AuditDBPath))
	collect(envStr("MQTT_BROKER", &cfg.MQTTBroker))
	collect(envStr("MQTT_TOPIC", &cfg.MQTTTopic))
	collect(envStr("WEBHOOK_URL", &cfg.WebhookURL))
	collect(envStr("METRICS_TEXTFILE", &cfg.MetricsTextfile))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.RuntimeEndpoint != "" {
		c.RuntimeEndpoint = fc.RuntimeEndpoint
	}
	if fc.Port != "" {
		c.Port = fc.Port
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.CheckInterval != "" {
		d, err := parseInterval(fc.CheckInterval)
		if err != nil {
			return fmt.Errorf("config file check_interval: %w", err)
		}
		c.checkInterval = d
	}
	if fc.UpdateInterval != "" {
		d, err := parseInterval(fc.UpdateInterval)
		if err != nil {
			return fmt.Errorf("config file update_interval: %w", err)
		}
		c.updateInterval = d
	}
	if fc.AutoUpdate != nil {
		c.autoUpdate = *fc.AutoUpdate
	}
	if fc.Cleanup != nil {
		c.cleanup = *fc.Cleanup
	}
	if fc.LabelFilter != "" {
		c.labelFilter = fc.LabelFilter
	}
	if fc.CheckSchedule != "" {
		c.CheckSchedule = fc.CheckSchedule
	}
	return nil
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.checkInterval <= 0 {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL must be > 0, got %s", c.checkInterval))
	}
	if c.updateInterval <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_INTERVAL must be > 0, got %s", c.updateInterval))
	}
	if c.MaxParallelUpdates < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_UPDATES must be >= 1, got %d", c.MaxParallelUpdates))
	}
	if c.EventBufferSize < 1 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER_SIZE must be >= 1, got %d", c.EventBufferSize))
	}
	if c.UpdateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_TIMEOUT must be > 0, got %s", c.UpdateTimeout))
	}
	if c.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("STOP_GRACE must be >= 0, got %s", c.StopGrace))
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("UPDATE_HISTORY_LIMIT must be >= 1, got %d", c.HistoryLimit))
	}
	if c.labelFilter != "" {
		if _, err := ParseLabelFilter(c.labelFilter); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Runtime-mutable getters.

func (c *Config) CheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkInterval
}

func (c *Config) UpdateInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateInterval
}

func (c *Config) AutoUpdate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdate
}

func (c *Config) Cleanup() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleanup
}

func (c *Config) LabelFilter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labelFilter
}

// Snapshot is the API representation of the mutable configuration.
type Snapshot struct {
	CheckInterval   int    `json:"check_interval"`
	UpdateInterval  int    `json:"update_interval"`
	AutoUpdate      bool   `json:"auto_update"`
	Cleanup         bool   `json:"cleanup"`
	LabelFilter     string `json:"label_filter,omitempty"`
	EventBufferSize int    `json:"event_buffer_size"`
}

// View returns the current mutable configuration. Intervals are
// reported in whole seconds, matching the wire format PUT accepts.
func (c *Config) View() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		CheckInterval:   int(c.checkInterval / time.Second),
		UpdateInterval:  int(c.updateInterval / time.Second),
		AutoUpdate:      c.autoUpdate,
		Cleanup:         c.cleanup,
		LabelFilter:     c.labelFilter,
		EventBufferSize: c.EventBufferSize,
	}
}

// Update carries a partial configuration mutation; nil fields are left
// unchanged.
type Update struct {
	CheckInterval  *int    `json:"check_interval"`
	UpdateInterval *int    `json:"update_interval"`
	AutoUpdate     *bool   `json:"auto_update"`
	Cleanup        *bool   `json:"cleanup"`
	LabelFilter    *string `json:"label_filter"`
}

// FieldError reports a single invalid field in an Update.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Apply validates and applies a partial update atomically: if any field
// is out of bounds, nothing changes and the offending fields are
// returned.
func (c *Config) Apply(u Update) []FieldError {
	var fieldErrs []FieldError
	if u.CheckInterval != nil && *u.CheckInterval < 1 {
		fieldErrs = append(fieldErrs, FieldError{"check_interval", "must be >= 1 second"})
	}
	if u.UpdateInterval != nil && *u.UpdateInterval < 1 {
		fieldErrs = append(fieldErrs, FieldError{"update_interval", "must be >= 1 second"})
	}
	if u.LabelFilter != nil && *u.LabelFilter != "" {
		if _, err := ParseLabelFilter(*u.LabelFilter); err != nil {
			fieldErrs = append(fieldErrs, FieldError{"label_filter", err.Error()})
		}
	}
	if len(fieldErrs) > 0 {
		return fieldErrs
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if u.CheckInterval != nil {
		c.checkInterval = time.Duration(*u.CheckInterval) * time.Second
	}
	if u.UpdateInterval != nil {
		c.updateInterval = time.Duration(*u.UpdateInterval) * time.Second
	}
	if u.AutoUpdate != nil {
		c.autoUpdate = *u.AutoUpdate
	}
	if u.Cleanup != nil {
		c.cleanup = *u.Cleanup
	}
	if u.LabelFilter != nil {
		c.labelFilter = *u.LabelFilter
	}
	return nil
}

// LabelFilter is a conjunction of key[=value] requirements.
type LabelPredicate []labelTerm

type labelTerm struct {
	key      string
	value    string
	hasValue bool
}

// ParseLabelFilter parses a comma-separated list of key or key=value
// terms. All terms must match for a container to be monitored.
func ParseLabelFilter(s string) (LabelPredicate, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var pred LabelPredicate
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("label filter %q has an empty term", s)
		}
		key, value, hasValue := strings.Cut(part, "=")
		if key == "" {
			return nil, fmt.Errorf("label filter term %q has an empty key", part)
		}
		pred = append(pred, labelTerm{key: key, value: value, hasValue: hasValue})
	}
	return pred, nil
}

// Matches reports whether the labels satisfy every term. A nil
// predicate matches everything.
func (p LabelPredicate) Matches(labels map[string]string) bool {
	for _, t := range p {
		v, ok := labels[t.key]
		if !ok {
			return false
		}
		if t.hasValue && v != t.value {
			return false
		}
	}
	return true
}

// parseInterval accepts either a Go duration ("30s") or a bare number
// of seconds ("30"), the format the outer orchestration plane uses.
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (want seconds or duration)", s)
	}
	return d, nil
}

func envStr(key string, dst *string) error {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := parseInterval(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
