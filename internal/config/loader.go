package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variable overrides. If configFile is empty, it searches for
// policyd.yaml/.yml in standard locations. The search requires an explicit
// YAML extension so Viper's SetConfigName doesn't match the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("policyd")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYD_SOCKETS_CLIENT, etc.
	viper.SetEnvPrefix("POLICYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()

	// metrics.enabled defaults to true (unlike tracing.enabled, which
	// defaults to false): Config.SetDefaults only fills zero-valued fields,
	// and a bool's zero value is false, so the true default has to be
	// registered with Viper itself to survive Unmarshal.
	viper.SetDefault("metrics.enabled", true)
}

// findConfigFile searches standard locations for a policyd config file with
// an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyd"),
		"/etc/policyd",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyd"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every leaf config key so POLICYD_-prefixed
// environment variables override nested YAML values.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("sockets.client")
	_ = viper.BindEnv("sockets.admin")
	_ = viper.BindEnv("sockets.agent")
	_ = viper.BindEnv("sockets.monitor_get")
	_ = viper.BindEnv("sockets.mode")

	_ = viper.BindEnv("storage.dir")
	_ = viper.BindEnv("storage.root_default")

	_ = viper.BindEnv("plugins.dir")

	_ = viper.BindEnv("cache.capacity")

	_ = viper.BindEnv("monitor.channel_size")
	_ = viper.BindEnv("monitor.flush_size")
	_ = viper.BindEnv("monitor.flush_interval")
	_ = viper.BindEnv("monitor.warning_threshold")

	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("log.format")

	_ = viper.BindEnv("audit.level")

	_ = viper.BindEnv("metrics.enabled")
	_ = viper.BindEnv("metrics.addr")

	_ = viper.BindEnv("tracing.enabled")
	_ = viper.BindEnv("tracing.stdout")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the config file, applies environment overrides, sets
// defaults, validates, and returns the resulting Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the config file and applies defaults, but does not
// validate. Use this when CLI flags may still mutate the config (e.g. --dev)
// before validation runs.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file Viper loaded, or an
// empty string if none was found (environment-only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
