package types

import "time"

// AgentType 表示 worker 的种类，每个类型拥有一个同名的消息通道
type AgentType string

const (
	AgentTypeOrchestrator     AgentType = "orchestrator"
	AgentTypeNewsDiscovery    AgentType = "news-discovery"
	AgentTypeContentGenerator AgentType = "content-generator"
	AgentTypeQualityControl   AgentType = "quality-control"
	AgentTypePublisher        AgentType = "publisher"
	AgentTypeLearning         AgentType = "learning"

	// Broadcast 发给 fleet 中所有 agent
	Broadcast AgentType = "*"
)

// WorkerAgentTypes 除 orchestrator 外的 agent，按启动顺序排列
var WorkerAgentTypes = []AgentType{
	AgentTypeNewsDiscovery,
	AgentTypeContentGenerator,
	AgentTypeQualityControl,
	AgentTypePublisher,
	AgentTypeLearning,
}

// IsBroadcast 是否为广播标记
func (t AgentType) IsBroadcast() bool {
	return t == Broadcast
}

// Channel 返回该类型 agent 的消息通道名
func (t AgentType) Channel() string {
	if t == Broadcast {
		return BroadcastChannel
	}
	return string(t)
}

// BroadcastChannel 所有 agent 在自身通道之外都会订阅的广播通道
const BroadcastChannel = "broadcast"

// AgentConfig 表示单个 agent 实例的静态配置
type AgentConfig struct {
	// ID 实例唯一标识，为空时自动生成
	ID string `yaml:"id" json:"id"`

	// Type agent 类型
	Type AgentType `yaml:"type" json:"type"`

	// Name 展示名称
	Name string `yaml:"name" json:"name"`

	// BrokerURL 消息通道连接串
	BrokerURL string `yaml:"broker_url" json:"brokerUrl"`

	// MaxConcurrentTasks 在途任务上限
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"maxConcurrentTasks"`

	// HealthCheckInterval status_update 上报周期
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"healthCheckInterval"`

	// ShutdownTimeout 停止时等待在途任务的上限
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdownTimeout"`

	// ShutdownPollInterval 停止时轮询在途任务数的间隔
	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval" json:"shutdownPollInterval"`
}

// DefaultAgentConfig 返回指定类型的默认配置
func DefaultAgentConfig(agentType AgentType) AgentConfig {
	return AgentConfig{
		Type:                 agentType,
		Name:                 string(agentType),
		BrokerURL:            "memory://",
		MaxConcurrentTasks:   5,
		HealthCheckInterval:  30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		ShutdownPollInterval: time.Second,
	}
}
