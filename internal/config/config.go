package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pbdna/agent-fleet/pkg/types"
)

// Config represents the complete configuration for the agent fleet.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Server       ServerConfig       `yaml:"server"`
	Broker       BrokerConfig       `yaml:"broker"`
	Cache        CacheConfig        `yaml:"cache"`
	Database     DatabaseConfig     `yaml:"database"`
	Agents       AgentsConfig       `yaml:"agents"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Quality      QualityConfig      `yaml:"quality"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// AppConfig holds application identity.
type AppConfig struct {
	Name string `yaml:"name" env:"APP_NAME"`
	Env  string `yaml:"env" env:"ENVIRONMENT"` // development, staging, production
}

// ServerConfig holds the health HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"SERVER_ENABLE_CORS"`
}

// Address returns host:port for the listener.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BrokerConfig holds message broker configuration.
type BrokerConfig struct {
	// URL selects the transport: memory:// or redis://host:port/db.
	URL               string        `yaml:"url" env:"BROKER_URL"`
	ChannelPrefix     string        `yaml:"channel_prefix" env:"BROKER_CHANNEL_PREFIX"`
	DeadLetterChannel string        `yaml:"dead_letter_channel" env:"BROKER_DEAD_LETTER_CHANNEL"`
	MaxDeliveries     int           `yaml:"max_deliveries" env:"BROKER_MAX_DELIVERIES"`
	PollTimeout       time.Duration `yaml:"poll_timeout" env:"BROKER_POLL_TIMEOUT"`

	// ConsumerID names this process's in-flight lists and must stay the same
	// across restarts. Empty uses the hostname.
	ConsumerID string `yaml:"consumer_id,omitempty" env:"BROKER_CONSUMER_ID"`
}

// CacheConfig holds the cache used for dedup and seen-sets.
type CacheConfig struct {
	// URL is a redis:// URL; empty selects the in-process cache.
	URL       string        `yaml:"url" env:"REDIS_URL"`
	KeyPrefix string        `yaml:"key_prefix" env:"CACHE_KEY_PREFIX"`
	DedupTTL  time.Duration `yaml:"dedup_ttl" env:"CACHE_DEDUP_TTL"`
	SeenTTL   time.Duration `yaml:"seen_ttl" env:"CACHE_SEEN_TTL"`
}

// DatabaseConfig holds workflow store configuration. An empty driver keeps
// workflow state in memory.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"` // mysql, postgres
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
}

// AgentsConfig holds defaults shared by every agent plus per-type overrides.
type AgentsConfig struct {
	MaxConcurrentTasks   int                      `yaml:"max_concurrent_tasks" env:"AGENT_MAX_CONCURRENT_TASKS"`
	HealthCheckInterval  time.Duration            `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	ShutdownTimeout      time.Duration            `yaml:"shutdown_timeout" env:"AGENT_SHUTDOWN_TIMEOUT"`
	ShutdownPollInterval time.Duration            `yaml:"shutdown_poll_interval" env:"AGENT_SHUTDOWN_POLL_INTERVAL"`
	Overrides            map[string]AgentOverride `yaml:"overrides"`
}

// AgentOverride customises a single agent type. Zero values inherit.
type AgentOverride struct {
	Disabled            bool          `yaml:"disabled"`
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// FleetConfig holds bootstrap/shutdown timing.
type FleetConfig struct {
	SettleDelay     time.Duration `yaml:"settle_delay" env:"FLEET_SETTLE_DELAY"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout" env:"FLEET_GRACEFUL_TIMEOUT"`
}

// OrchestratorConfig holds workflow configuration.
type OrchestratorConfig struct {
	WorkflowsFile     string        `yaml:"workflows_file" env:"FLEET_WORKFLOWS_FILE"`
	MaxAttempts       int           `yaml:"max_attempts" env:"FLEET_RETRY_MAX_ATTEMPTS"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"FLEET_RETRY_BACKOFF_MULTIPLIER"`
	InitialDelay      time.Duration `yaml:"initial_delay" env:"FLEET_RETRY_INITIAL_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"FLEET_RETRY_MAX_DELAY"`
}

// RetryPolicy returns the default retry policy for workflow stages.
func (c OrchestratorConfig) RetryPolicy() *types.RetryPolicy {
	return &types.RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		BackoffMultiplier: c.BackoffMultiplier,
		InitialDelay:      c.InitialDelay,
		MaxDelay:          c.MaxDelay,
	}
}

// LLMConfig holds the content generation provider configuration.
type LLMConfig struct {
	Provider string        `yaml:"provider" env:"LLM_PROVIDER"` // openai, deepseek, azure
	APIKey   string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model    string        `yaml:"model" env:"OPENAI_MODEL"`
	BaseURL  string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Timeout  time.Duration `yaml:"timeout" env:"CONTENT_GENERATION_TIMEOUT"`
}

// QualityConfig holds quality control thresholds and rule scripts.
type QualityConfig struct {
	MinLength int      `yaml:"min_length" env:"QUALITY_MIN_LENGTH"`
	MaxLength int      `yaml:"max_length" env:"QUALITY_MAX_LENGTH"`
	MinScore  float64  `yaml:"min_score" env:"QUALITY_MIN_SCORE"`
	Rules     []string `yaml:"rules" env:"QUALITY_RULES"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "agent-fleet",
			Env:  "development",
		},
		Server: ServerConfig{
			Host:         "",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			URL:               "memory://",
			ChannelPrefix:     "pbdna",
			DeadLetterChannel: "dead-letter",
			MaxDeliveries:     3,
			PollTimeout:       time.Second,
		},
		Cache: CacheConfig{
			KeyPrefix: "pbdna",
			DedupTTL:  24 * time.Hour,
			SeenTTL:   7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxIdleConns:    5,
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
		},
		Agents: AgentsConfig{
			MaxConcurrentTasks:   5,
			HealthCheckInterval:  30 * time.Second,
			ShutdownTimeout:      30 * time.Second,
			ShutdownPollInterval: time.Second,
			Overrides:            make(map[string]AgentOverride),
		},
		Fleet: FleetConfig{
			SettleDelay:     2 * time.Second,
			GracefulTimeout: 45 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:       3,
			BackoffMultiplier: 2,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4",
			Timeout:  60 * time.Second,
		},
		Quality: QualityConfig{
			MinLength: 50,
			MaxLength: 3000,
			MinScore:  0.6,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// AgentConfig resolves the effective configuration of one agent type.
func (c *Config) AgentConfig(agentType types.AgentType) types.AgentConfig {
	cfg := types.DefaultAgentConfig(agentType)
	cfg.BrokerURL = c.Broker.URL
	cfg.MaxConcurrentTasks = c.Agents.MaxConcurrentTasks
	cfg.HealthCheckInterval = c.Agents.HealthCheckInterval
	cfg.ShutdownTimeout = c.Agents.ShutdownTimeout
	cfg.ShutdownPollInterval = c.Agents.ShutdownPollInterval

	if o, ok := c.Agents.Overrides[string(agentType)]; ok {
		if o.MaxConcurrentTasks > 0 {
			cfg.MaxConcurrentTasks = o.MaxConcurrentTasks
		}
		if o.HealthCheckInterval > 0 {
			cfg.HealthCheckInterval = o.HealthCheckInterval
		}
	}
	return cfg
}

// AgentEnabled reports whether an agent type should be started.
func (c *Config) AgentEnabled(agentType types.AgentType) bool {
	o, ok := c.Agents.Overrides[string(agentType)]
	return !ok || !o.Disabled
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dotted-path overrides, e.g. {"server.port": "9090"}.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnvLookup replaces the environment lookup (used by tests).
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line overrides
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	if cfg.Agents.Overrides == nil {
		cfg.Agents.Overrides = make(map[string]AgentOverride)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		name := strings.ReplaceAll(part, "_", "")
		field := v.FieldByNameFunc(func(fieldName string) bool {
			return strings.EqualFold(fieldName, name)
		})
		if !field.IsValid() {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		// Rules may contain commas, so slices from env are ';'-separated.
		parts := strings.Split(value, ";")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
