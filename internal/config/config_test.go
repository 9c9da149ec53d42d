package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbdna/agent-fleet/pkg/types"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory://", cfg.Broker.URL)
	assert.Equal(t, 5, cfg.Agents.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Agents.HealthCheckInterval)
	assert.Equal(t, 2*time.Second, cfg.Fleet.SettleDelay)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9000
  read_timeout: 60s
  enable_cors: true

broker:
  url: redis://localhost:6379/2
  max_deliveries: 5

agents:
  max_concurrent_tasks: 8
  health_check_interval: 10s
  overrides:
    publisher:
      max_concurrent_tasks: 1
    learning:
      disabled: true

quality:
  rules:
    - "content.indexOf('lorem') < 0"

logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, ":9000", cfg.Server.Address())
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Server.EnableCORS)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Broker.URL)
	assert.Equal(t, 5, cfg.Broker.MaxDeliveries)
	assert.Equal(t, "dead-letter", cfg.Broker.DeadLetterChannel)
	assert.Equal(t, 8, cfg.Agents.MaxConcurrentTasks)
	assert.Len(t, cfg.Quality.Rules, 1)
	assert.Equal(t, "debug", cfg.Logging.Level)

	publisher := cfg.AgentConfig(types.AgentTypePublisher)
	assert.Equal(t, 1, publisher.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Second, publisher.HealthCheckInterval)
	assert.Equal(t, "redis://localhost:6379/2", publisher.BrokerURL)

	generator := cfg.AgentConfig(types.AgentTypeContentGenerator)
	assert.Equal(t, 8, generator.MaxConcurrentTasks)

	assert.False(t, cfg.AgentEnabled(types.AgentTypeLearning))
	assert.True(t, cfg.AgentEnabled(types.AgentTypePublisher))
	assert.True(t, cfg.AgentEnabled(types.AgentTypeNewsDiscovery))
}

func TestLoadFromNonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/path/config.yaml").WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.NotNil(t, cfg.Agents.Overrides)
}

func TestEnvOverrides(t *testing.T) {
	env := envMap(map[string]string{
		"BROKER_URL":                 "redis://broker:6379/0",
		"REDIS_URL":                  "redis://cache:6379/1",
		"AGENT_MAX_CONCURRENT_TASKS": "12",
		"HEALTH_CHECK_INTERVAL":      "45s",
		"PORT":                       "7070",
		"LOG_LEVEL":                  "warn",
		"SERVER_ENABLE_CORS":         "true",
		"QUALITY_MIN_SCORE":          "0.75",
		"QUALITY_RULES":              "length > 10; hashtags.length <= 5",
	})

	cfg, err := NewLoader().WithEnvLookup(env).Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://broker:6379/0", cfg.Broker.URL)
	assert.Equal(t, "redis://cache:6379/1", cfg.Cache.URL)
	assert.Equal(t, 12, cfg.Agents.MaxConcurrentTasks)
	assert.Equal(t, 45*time.Second, cfg.Agents.HealthCheckInterval)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Server.EnableCORS)
	assert.InDelta(t, 0.75, cfg.Quality.MinScore, 1e-9)
	assert.Equal(t, []string{"length > 10", "hashtags.length <= 5"}, cfg.Quality.Rules)
}

func TestInvalidEnvValue(t *testing.T) {
	_, err := NewLoader().WithEnvLookup(envMap(map[string]string{"PORT": "eighty"})).Load()
	assert.Error(t, err)
}

func TestCmdArgsOverrideEnv(t *testing.T) {
	cfg, err := NewLoader().
		WithEnvLookup(envMap(map[string]string{"PORT": "7070"})).
		WithCmdArgs(map[string]string{
			"server.port":            "9090",
			"fleet.settle_delay":     "0s",
			"orchestrator.max_delay": "1m",
		}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, time.Duration(0), cfg.Fleet.SettleDelay)
	assert.Equal(t, time.Minute, cfg.Orchestrator.MaxDelay)
}

func TestCmdArgsUnknownPath(t *testing.T) {
	_, err := NewLoader().
		WithEnvLookup(envMap(nil)).
		WithCmdArgs(map[string]string{"server.nope": "1"}).
		Load()
	assert.Error(t, err)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	policy := cfg.Orchestrator.RetryPolicy()

	assert.Equal(t, types.DefaultRetryPolicy(), policy)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Broker.URL = "kafka://localhost"
	cfg.Agents.MaxConcurrentTasks = 0
	cfg.Agents.Overrides["orchestrator"] = AgentOverride{Disabled: true}
	cfg.Agents.Overrides["mystery"] = AgentOverride{}
	cfg.Database.Driver = "sqlite"
	cfg.Logging.Output = "file"

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["server.port"])
	assert.True(t, fields["broker.url"])
	assert.True(t, fields["agents.max_concurrent_tasks"])
	assert.True(t, fields["agents.overrides.orchestrator.disabled"])
	assert.True(t, fields["agents.overrides.mystery"])
	assert.True(t, fields["database.driver"])
	assert.True(t, fields["logging.file_path"])
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestLoadAndValidate(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: loud\n"), 0644))

	_, err := LoadAndValidate(configPath)
	assert.Error(t, err)
}
