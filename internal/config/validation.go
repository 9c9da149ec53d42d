package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pbdna/agent-fleet/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateBrokerConfig(&cfg.Broker)
	v.validateCacheConfig(&cfg.Cache)
	v.validateDatabaseConfig(&cfg.Database)
	v.validateAgentsConfig(&cfg.Agents)
	v.validateOrchestratorConfig(&cfg.Orchestrator)
	v.validateQualityConfig(&cfg.Quality)
	v.validateLoggingConfig(&cfg.Logging)

	if cfg.Fleet.SettleDelay < 0 {
		v.addError("fleet.settle_delay", "settle delay must be non-negative")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("server.port", fmt.Sprintf("port %d out of range 1-65535", cfg.Port))
	}
	if cfg.ReadTimeout > 0 && cfg.ReadTimeout < time.Second {
		v.addError("server.read_timeout", "read timeout should be at least 1 second")
	}
	if cfg.WriteTimeout > 0 && cfg.WriteTimeout < time.Second {
		v.addError("server.write_timeout", "write timeout should be at least 1 second")
	}
}

func (v *Validator) validateBrokerConfig(cfg *BrokerConfig) {
	if cfg.URL == "" {
		v.addError("broker.url", "broker url is required")
	} else if u, err := url.Parse(cfg.URL); err != nil {
		v.addError("broker.url", fmt.Sprintf("invalid url: %v", err))
	} else if u.Scheme != "memory" && u.Scheme != "redis" && u.Scheme != "rediss" {
		v.addError("broker.url", fmt.Sprintf("unsupported scheme '%s', must be one of: memory, redis, rediss", u.Scheme))
	}

	if cfg.DeadLetterChannel == "" {
		v.addError("broker.dead_letter_channel", "dead letter channel is required")
	}
	if cfg.MaxDeliveries < 1 {
		v.addError("broker.max_deliveries", "max deliveries must be at least 1")
	}
}

func (v *Validator) validateCacheConfig(cfg *CacheConfig) {
	if cfg.URL != "" {
		if _, err := url.Parse(cfg.URL); err != nil {
			v.addError("cache.url", fmt.Sprintf("invalid url: %v", err))
		}
	}
	if cfg.DedupTTL <= 0 {
		v.addError("cache.dedup_ttl", "dedup ttl must be positive")
	}
}

func (v *Validator) validateDatabaseConfig(cfg *DatabaseConfig) {
	switch cfg.Driver {
	case "":
	case "mysql", "postgres":
		if cfg.DSN == "" {
			v.addError("database.dsn", "dsn is required when a driver is set")
		}
	default:
		v.addError("database.driver", fmt.Sprintf("invalid driver '%s', must be one of: mysql, postgres", cfg.Driver))
	}
}

func (v *Validator) validateAgentsConfig(cfg *AgentsConfig) {
	if cfg.MaxConcurrentTasks < 1 {
		v.addError("agents.max_concurrent_tasks", "max concurrent tasks must be at least 1")
	}
	if cfg.HealthCheckInterval <= 0 {
		v.addError("agents.health_check_interval", "health check interval must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		v.addError("agents.shutdown_timeout", "shutdown timeout must be positive")
	}
	if cfg.ShutdownPollInterval <= 0 {
		v.addError("agents.shutdown_poll_interval", "shutdown poll interval must be positive")
	}

	known := make(map[string]bool, len(types.WorkerAgentTypes)+1)
	known[string(types.AgentTypeOrchestrator)] = true
	for _, t := range types.WorkerAgentTypes {
		known[string(t)] = true
	}
	for name, o := range cfg.Overrides {
		field := "agents.overrides." + name
		if !known[name] {
			v.addError(field, fmt.Sprintf("unknown agent type '%s'", name))
			continue
		}
		if name == string(types.AgentTypeOrchestrator) && o.Disabled {
			v.addError(field+".disabled", "orchestrator cannot be disabled")
		}
		if o.MaxConcurrentTasks < 0 {
			v.addError(field+".max_concurrent_tasks", "max concurrent tasks must be non-negative")
		}
		if o.HealthCheckInterval < 0 {
			v.addError(field+".health_check_interval", "health check interval must be non-negative")
		}
	}
}

func (v *Validator) validateOrchestratorConfig(cfg *OrchestratorConfig) {
	if cfg.MaxAttempts < 1 {
		v.addError("orchestrator.max_attempts", "max attempts must be at least 1")
	}
	if cfg.BackoffMultiplier < 1 {
		v.addError("orchestrator.backoff_multiplier", "backoff multiplier must be at least 1")
	}
	if cfg.InitialDelay < 0 {
		v.addError("orchestrator.initial_delay", "initial delay must be non-negative")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.InitialDelay {
		v.addError("orchestrator.max_delay", "max delay should not be less than initial delay")
	}
}

func (v *Validator) validateQualityConfig(cfg *QualityConfig) {
	if cfg.MinLength < 0 {
		v.addError("quality.min_length", "min length must be non-negative")
	}
	if cfg.MaxLength > 0 && cfg.MaxLength < cfg.MinLength {
		v.addError("quality.max_length", "max length should be greater than min length")
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		v.addError("quality.min_score", "min score must be within [0, 1]")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format != "" && !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch cfg.Output {
	case "", "stdout":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required for file output")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid output '%s', must be one of: stdout, file, both", cfg.Output))
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
