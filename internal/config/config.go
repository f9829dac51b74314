// Package config provides the configuration schema for policyd.
//
// Configuration is loaded from a YAML file (policyd.yaml) with
// POLICYD_-prefixed environment variable overrides, and validated with
// github.com/go-playground/validator/v10 before the daemon starts.
package config

// Config is the top-level configuration for policyd.
type Config struct {
	// Sockets configures the four well-known Unix socket paths.
	Sockets SocketsConfig `yaml:"sockets" mapstructure:"sockets"`

	// Storage configures the on-disk policy database.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Plugins configures dynamic plugin discovery.
	Plugins PluginsConfig `yaml:"plugins" mapstructure:"plugins"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Monitor configures the monitor fan-out buffering subsystem.
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Audit selects which decisions are recorded to the monitor pipeline,
	// the successor of CYNARA_AUDIT_LEVEL.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Metrics configures the Prometheus metrics listener.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables verbose logging and permissive defaults useful for
	// running policyd against a scratch database during development.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// SocketsConfig configures the four accepting Unix sockets (§6).
type SocketsConfig struct {
	// Client is the path clients submit Check requests on.
	Client string `yaml:"client" mapstructure:"client" validate:"required"`
	// Admin is the path administrators mutate the database on.
	Admin string `yaml:"admin" mapstructure:"admin" validate:"required"`
	// Agent is the path out-of-process agents register and reply on.
	Agent string `yaml:"agent" mapstructure:"agent" validate:"required"`
	// MonitorGet is the path monitors block on for GetEntries/Flush.
	MonitorGet string `yaml:"monitor_get" mapstructure:"monitor_get" validate:"required"`
	// Mode is the octal file mode applied to each socket file after bind.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty"`
}

// StorageConfig configures the on-disk policy database (§6).
type StorageConfig struct {
	// Dir is the directory holding db/buckets, db/_, db/_<id>, db/checksum
	// and db/guard.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
	// RootDefault is the root bucket's default result type when no
	// database exists on disk yet: ALLOW or DENY (NONE is rejected, per
	// §3 "the root bucket ... must not have a default type of NONE").
	// Defaults to DENY.
	RootDefault string `yaml:"root_default" mapstructure:"root_default" validate:"omitempty,oneof=ALLOW DENY"`
}

// PluginsConfig configures dynamic plugin discovery (§4.3).
type PluginsConfig struct {
	// Dir is scanned for *.so files at startup. Empty disables dynamic
	// plugin loading; the bundled CEL plugin is always registered.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// CacheConfig configures the client-side decision cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries the LRU holds.
	// Defaults to 10000.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`
}

// MonitorConfig configures the monitor fan-out buffering subsystem:
// channel depth, implicit flush size/age, and the backpressure warning
// threshold.
type MonitorConfig struct {
	// ChannelSize is the buffer size of the internal monitor-entry
	// channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// FlushSize is the entry count that triggers an implicit flush.
	// Fixed at 100 per §4.7 but exposed for tuning in tests.
	FlushSize int `yaml:"flush_size" mapstructure:"flush_size" validate:"omitempty,min=1"`
	// FlushInterval is the age that triggers an implicit flush (e.g.
	// "120s"). Fixed at 120s per §4.7 but exposed for tests.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
	// WarningThreshold is a percentage (0-100) of ChannelSize. Defaults to
	// 80. It is validated and defaulted only; no component reads it, so no
	// warning is emitted when the intake channel fills.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// LogConfig configures structured logging via log/slog.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". Superseded CYNARA_LOG_LEVEL.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	// Format selects "text" or "json" output. Defaults to "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// AuditConfig selects which decisions reach the monitor pipeline,
// the successor of CYNARA_AUDIT_LEVEL.
type AuditConfig struct {
	// Level is one of NONE, DENY, ALLOW, OTHER, ALL. Defaults to ALL.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=NONE DENY ALLOW OTHER ALL"`
}

// MetricsConfig configures the Prometheus metrics HTTP listener.
type MetricsConfig struct {
	// Enabled turns the metrics listener on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Addr is the address the metrics listener binds (e.g. "127.0.0.1:9090").
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// TracingConfig configures OpenTelemetry span export for the codec decode
// path (policyd.codec.decode) and the dispatcher (policyd.dispatch.<dialect>).
// Disabled by default: the tracer provider installed is a no-op, so spans
// cost nothing until an operator opts in.
type TracingConfig struct {
	// Enabled turns on a real TracerProvider. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Stdout pretty-prints spans to stderr instead of discarding them,
	// for local development. Has no effect unless Enabled is true.
	Stdout bool `yaml:"stdout" mapstructure:"stdout"`
}

// SetDefaults applies compiled-in defaults to unset fields, matching
// §6's "documented defaults" requirement.
func (c *Config) SetDefaults() {
	if c.Sockets.Client == "" {
		c.Sockets.Client = "/run/policyd/client.sock"
	}
	if c.Sockets.Admin == "" {
		c.Sockets.Admin = "/run/policyd/admin.sock"
	}
	if c.Sockets.Agent == "" {
		c.Sockets.Agent = "/run/policyd/agent.sock"
	}
	if c.Sockets.MonitorGet == "" {
		c.Sockets.MonitorGet = "/run/policyd/monitor.sock"
	}
	if c.Sockets.Mode == "" {
		c.Sockets.Mode = "0660"
	}

	if c.Storage.Dir == "" {
		c.Storage.Dir = "/var/lib/policyd"
	}
	if c.Storage.RootDefault == "" {
		c.Storage.RootDefault = "DENY"
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 10000
	}

	if c.Monitor.ChannelSize == 0 {
		c.Monitor.ChannelSize = 1000
	}
	if c.Monitor.FlushSize == 0 {
		c.Monitor.FlushSize = 100
	}
	if c.Monitor.FlushInterval == "" {
		c.Monitor.FlushInterval = "120s"
	}
	if c.Monitor.WarningThreshold == 0 {
		c.Monitor.WarningThreshold = 80
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DevMode {
		c.Log.Level = "debug"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Audit.Level == "" {
		c.Audit.Level = "ALL"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
}
