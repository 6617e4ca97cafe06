package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SWITCHBOARD_GATEWAY_PORT.
const EnvPrefix = "SWITCHBOARD"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills derived
// defaults. A missing file is not an error: defaults plus environment are used.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".switchboard")
	}
	if cfg.Store.Driver == DriverSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions.db")
	}

	for i := range cfg.Agents {
		cfg.Agents[i] = cfg.Agents[i].withDefaults()
		fillAPIKeys(&cfg.Agents[i])
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file omits the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.client_secret", d.Gateway.ClientSecret)
	v.SetDefault("gateway.registry_secret", d.Gateway.RegistrySecret)
	v.SetDefault("gateway.default_agent", d.Gateway.DefaultAgent)
	v.SetDefault("gateway.post_verification_agent", d.Gateway.PostVerificationAgent)
	v.SetDefault("gateway.verification_tool", d.Gateway.VerificationTool)
	v.SetDefault("gateway.nudge_on_handoff", d.Gateway.NudgeOnHandoff)
	v.SetDefault("gateway.timers.swap_close_delay", d.Gateway.Timers.SwapCloseDelay)
	v.SetDefault("gateway.timers.verified_settle_delay", d.Gateway.Timers.VerifiedSettleDelay)
	v.SetDefault("gateway.timers.disconnect_grace", d.Gateway.Timers.DisconnectGrace)
	v.SetDefault("gateway.timers.purge_delay", d.Gateway.Timers.PurgeDelay)
	v.SetDefault("gateway.timers.connect_timeout", d.Gateway.Timers.ConnectTimeout)
	v.SetDefault("gateway.session_ttl", d.Gateway.SessionTTL)
	v.SetDefault("gateway.store_timeout", d.Gateway.StoreTimeout)
	v.SetDefault("gateway.transcript_cache_size", d.Gateway.TranscriptCacheSize)
	v.SetDefault("gateway.monitor_interval", d.Gateway.MonitorInterval)
	v.SetDefault("gateway.shutdown_timeout", d.Gateway.ShutdownTimeout)

	v.SetDefault("registry.staleness_threshold", d.Registry.StalenessThreshold)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.retry_attempts", d.Store.RetryAttempts)
	v.SetDefault("store.retry_base_delay", d.Store.RetryBaseDelay)
	v.SetDefault("store.retry_max_delay", d.Store.RetryMaxDelay)
	v.SetDefault("store.sweep_schedule", d.Store.SweepSchedule)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
}

// fillAPIKeys falls back to the providers' conventional environment variables
func fillAPIKeys(a *AgentConfig) {
	if a.Model.APIKey == "" {
		switch a.Model.Provider {
		case ProviderAnthropic:
			a.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case ProviderOpenAI:
			a.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if a.Classifier.Enabled && a.Classifier.APIKey == "" {
		a.Classifier.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".switchboard", "switchboard.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
