package health

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"pbdna/agent-fleet/pkg/types"
	"pbdna/agent-fleet/pkg/utils"
)

// 聚合状态
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusOK        = "ok"
)

// CheckFunc 返回某个 agent 的健康快照
type CheckFunc func() (types.HealthStatus, error)

// AggregationError 健康检查函数失败或 panic，只影响对应的 agent
type AggregationError struct {
	AgentType types.AgentType
	Err       error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("health check for %s failed: %v", e.AgentType, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

// AgentHealth 单个 agent 的检查结果
type AgentHealth struct {
	AgentType types.AgentType     `json:"agentType"`
	Healthy   bool                `json:"healthy"`
	Status    *types.HealthStatus `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Report 聚合健康报告
type Report struct {
	Status    string        `json:"status"`
	Ready     bool          `json:"ready"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Agents    []AgentHealth `json:"agents"`
	Errors    []string      `json:"errors,omitempty"`
}

// Liveness 存活报告
type Liveness struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
}

// AgentMetrics 单个 agent 的运行指标
type AgentMetrics struct {
	AgentID             string        `json:"agentId"`
	Healthy             bool          `json:"healthy"`
	Uptime              time.Duration `json:"uptime"`
	ActiveTasks         int           `json:"activeTasks"`
	MaxConcurrentTasks  int           `json:"maxConcurrentTasks"`
	CompletedTasks      int64         `json:"completedTasks"`
	FailedTasks         int64         `json:"failedTasks"`
	AverageTaskDuration time.Duration `json:"averageTaskDuration"`
	P95TaskDuration     time.Duration `json:"p95TaskDuration"`
	Error               string        `json:"error,omitempty"`
}

// Metrics 进程与各 agent 的指标
type Metrics struct {
	Timestamp time.Time               `json:"timestamp"`
	Uptime    time.Duration           `json:"uptime"`
	Process   utils.ProcessStats      `json:"process"`
	Agents    map[string]AgentMetrics `json:"agents"`
	Extra     map[string]any          `json:"extra,omitempty"`
}

// Aggregator 按 agent 类型登记健康检查函数，并提供存活、就绪与指标视图。
// 每次调用都重新计算，不做缓存。
type Aggregator struct {
	startedAt time.Time

	mu     sync.RWMutex
	checks map[types.AgentType]CheckFunc
	extras map[string]func() any
}

// NewAggregator 创建聚合器
func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		checks:    make(map[types.AgentType]CheckFunc),
		extras:    make(map[string]func() any),
	}
}

// Register 登记 agent 的健康检查函数，同类型重复登记会覆盖
func (a *Aggregator) Register(agentType types.AgentType, check CheckFunc) {
	a.mu.Lock()
	a.checks[agentType] = check
	a.mu.Unlock()
}

// RegisterStatus 登记不会失败的健康快照函数
func (a *Aggregator) RegisterStatus(agentType types.AgentType, status func() types.HealthStatus) {
	a.Register(agentType, func() (types.HealthStatus, error) {
		return status(), nil
	})
}

// Unregister 移除 agent 的健康检查函数
func (a *Aggregator) Unregister(agentType types.AgentType) {
	a.mu.Lock()
	delete(a.checks, agentType)
	a.mu.Unlock()
}

// RegisterExtra 登记附加到指标中的数据源
func (a *Aggregator) RegisterExtra(name string, fn func() any) {
	a.mu.Lock()
	a.extras[name] = fn
	a.mu.Unlock()
}

// Registered 返回已登记的 agent 类型（有序）
func (a *Aggregator) Registered() []types.AgentType {
	a.mu.RLock()
	out := utils.MapKeys(a.checks)
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Liveness 进程存活即返回 ok，与 agent 健康无关
func (a *Aggregator) Liveness() Liveness {
	return Liveness{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Uptime:    time.Since(a.startedAt),
	}
}

type namedCheck struct {
	agentType types.AgentType
	check     CheckFunc
}

// snapshotChecks 复制登记表，检查函数在锁外执行
func (a *Aggregator) snapshotChecks() []namedCheck {
	a.mu.RLock()
	out := make([]namedCheck, 0, len(a.checks))
	for t, fn := range a.checks {
		out = append(out, namedCheck{agentType: t, check: fn})
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].agentType < out[j].agentType })
	return out
}

// runCheck 执行检查函数，错误与 panic 转为 AggregationError
func runCheck(agentType types.AgentType, check CheckFunc) (status types.HealthStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &AggregationError{
				AgentType: agentType,
				Err:       fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	status, err = check()
	if err != nil {
		return status, &AggregationError{AgentType: agentType, Err: err}
	}
	return status, nil
}

// Health 执行所有检查并返回聚合报告。至少登记一个 agent 且全部健康时才就绪。
func (a *Aggregator) Health() Report {
	checks := a.snapshotChecks()
	report := Report{
		Timestamp: time.Now(),
		Uptime:    time.Since(a.startedAt),
		Agents:    make([]AgentHealth, 0, len(checks)),
	}

	if len(checks) == 0 {
		report.Errors = append(report.Errors, "no agents registered")
	}

	for _, c := range checks {
		status, err := runCheck(c.agentType, c.check)
		entry := AgentHealth{AgentType: c.agentType}
		switch {
		case err != nil:
			entry.Error = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", c.agentType, firstLine(err.Error())))
		case !status.Healthy:
			entry.Status = &status
			report.Errors = append(report.Errors, fmt.Sprintf("%s: unhealthy", c.agentType))
		default:
			entry.Healthy = true
			entry.Status = &status
		}
		report.Agents = append(report.Agents, entry)
	}

	report.Ready = len(report.Errors) == 0
	report.Status = StatusUnhealthy
	if report.Ready {
		report.Status = StatusHealthy
	}
	return report
}

// Readiness 返回是否就绪以及不就绪的原因
func (a *Aggregator) Readiness() (bool, []string) {
	report := a.Health()
	return report.Ready, report.Errors
}

// Metrics 汇总进程资源与各 agent 的运行指标。单个 agent 的检查失败
// 只记录在该 agent 的条目中；聚合过程本身 panic 时返回错误。
func (a *Aggregator) Metrics() (m *Metrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("aggregate metrics: %v", r)
		}
	}()

	checks := a.snapshotChecks()
	m = &Metrics{
		Timestamp: time.Now(),
		Uptime:    time.Since(a.startedAt),
		Process:   utils.ReadProcessStats(),
		Agents:    make(map[string]AgentMetrics, len(checks)),
	}

	for _, c := range checks {
		status, checkErr := runCheck(c.agentType, c.check)
		if checkErr != nil {
			m.Agents[string(c.agentType)] = AgentMetrics{Error: firstLine(checkErr.Error())}
			continue
		}
		m.Agents[string(c.agentType)] = AgentMetrics{
			AgentID:             status.AgentID,
			Healthy:             status.Healthy,
			Uptime:              status.Uptime,
			ActiveTasks:         status.ActiveTasks,
			MaxConcurrentTasks:  status.MaxConcurrentTasks,
			CompletedTasks:      status.CompletedTasks,
			FailedTasks:         status.FailedTasks,
			AverageTaskDuration: status.AverageTaskDuration,
			P95TaskDuration:     status.P95TaskDuration,
		}
	}

	a.mu.RLock()
	extras := make(map[string]func() any, len(a.extras))
	for name, fn := range a.extras {
		extras[name] = fn
	}
	a.mu.RUnlock()
	if len(extras) > 0 {
		m.Extra = make(map[string]any, len(extras))
		for name, fn := range extras {
			m.Extra[name] = fn()
		}
	}
	return m, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
