package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/registry"
	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidatePort validates a listen port. Zero is allowed where the caller picks one.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateStoreDriver validates the session store driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	return oneOf("store driver", driver, DriverMemory, DriverSQLite)
}

// ValidateSchedule validates a cron expression or @every descriptor
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateAgentRole validates an agent role
func (v *Validator) ValidateAgentRole(role string) error {
	if role == "" {
		return nil
	}
	return oneOf("agent role", role, registry.RoleDefault, registry.RoleVerification)
}

// ValidateAgent checks one worker definition
func (v *Validator) ValidateAgent(a AgentConfig) []error {
	var errs []error
	wrap := func(err error) {
		errs = append(errs, fmt.Errorf("agent %q: %w", a.ID, err))
	}

	if a.ID == "" {
		errs = append(errs, fmt.Errorf("agent id cannot be empty"))
	}
	if err := v.ValidatePort(a.Port); err != nil {
		wrap(err)
	}
	if err := v.ValidateAgentRole(a.Role); err != nil {
		wrap(err)
	}
	if a.Model.Provider != "" {
		if err := oneOf("model provider", a.Model.Provider, ProviderAnthropic, ProviderOpenAI); err != nil {
			wrap(err)
		} else if err := v.ValidateAPIKey(a.Model.APIKey, a.Model.Provider); err != nil {
			wrap(err)
		}
	}
	if a.Classifier.Enabled {
		if err := v.ValidateAPIKey(a.Classifier.APIKey, ProviderAnthropic); err != nil {
			wrap(fmt.Errorf("classifier: %w", err))
		}
	}
	if a.Role == registry.RoleVerification && a.VerificationTool == "" {
		wrap(fmt.Errorf("verification agents need a verification_tool"))
	}
	if a.Limits.MaxCallsPerWindow < 0 || a.Limits.MaxVerificationAttempts < 0 {
		wrap(fmt.Errorf("limits must be >= 0"))
	}
	for _, tool := range a.Tools {
		if tool.Name == "" {
			wrap(fmt.Errorf("tool name cannot be empty"))
		}
	}
	if len(a.Tools) > 0 && a.Backend.URL == "" {
		wrap(fmt.Errorf("domain tools need a backend url"))
	}

	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	} else if cfg.Gateway.Port == 0 {
		errs = append(errs, fmt.Errorf("gateway.port cannot be zero"))
	}
	if cfg.Gateway.DefaultAgent == "" {
		errs = append(errs, fmt.Errorf("gateway.default_agent cannot be empty"))
	}
	if cfg.Gateway.TranscriptCacheSize < 0 {
		errs = append(errs, fmt.Errorf("gateway.transcript_cache_size must be >= 0"))
	}
	t := cfg.Gateway.Timers
	if t.SwapCloseDelay < 0 || t.VerifiedSettleDelay < 0 || t.DisconnectGrace < 0 || t.PurgeDelay < 0 || t.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("gateway.timers must be >= 0"))
	}

	if cfg.Registry.StalenessThreshold < 0 {
		errs = append(errs, fmt.Errorf("registry.staleness_threshold must be >= 0"))
	}

	if err := v.ValidateStoreDriver(cfg.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if cfg.Store.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("store.retry_attempts must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Store.SweepSchedule); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.Format != "" {
		if err := oneOf("log format", cfg.Logging.Format, "console", "json"); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool)
	ports := make(map[int]string)
	for _, a := range cfg.Agents {
		errs = append(errs, v.ValidateAgent(a)...)
		if a.ID != "" && seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true
		if a.Port > 0 {
			if other, ok := ports[a.Port]; ok {
				errs = append(errs, fmt.Errorf("agents %q and %q share port %d", other, a.ID, a.Port))
			}
			ports[a.Port] = a.ID
		}
	}

	return errs
}

// Validate returns every configuration problem joined into one error
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func oneOf(what, value string, valid ...string) error {
	for _, ok := range valid {
		if value == ok {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}
