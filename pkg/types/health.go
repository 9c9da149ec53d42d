package types

import "time"

// HealthStatus 表示单个 agent 某一时刻的健康快照，按需计算，不持久化
type HealthStatus struct {
	AgentID             string        `json:"agentId"`
	AgentType           AgentType     `json:"agentType"`
	Healthy             bool          `json:"healthy"`
	Running             bool          `json:"running"`
	LastCheck           time.Time     `json:"lastCheck"`
	Uptime              time.Duration `json:"uptime"`
	MemoryUsage         float64       `json:"memoryUsage"`
	CPUUsage            float64       `json:"cpuUsage"`
	ActiveTasks         int           `json:"activeTasks"`
	MaxConcurrentTasks  int           `json:"maxConcurrentTasks"`
	CompletedTasks      int64         `json:"completedTasks"`
	FailedTasks         int64         `json:"failedTasks"`
	AverageTaskDuration time.Duration `json:"averageTaskDuration"`
	P95TaskDuration     time.Duration `json:"p95TaskDuration"`
}
