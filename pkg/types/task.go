package types

import (
	"fmt"
	"time"
)

// TaskStatus 表示任务的生命周期状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskError 表示失败任务和 error_report 中的结构化错误
type TaskError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Error 实现 error 接口
func (e *TaskError) Error() string {
	return e.Message
}

// Task 表示归属于单个 agent 的一个工作单元
type Task struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Agent         AgentType      `json:"agent"`
	Type          string         `json:"type"`
	Status        TaskStatus     `json:"status"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload"`
	Result        any            `json:"result,omitempty"`
	Error         *TaskError     `json:"error,omitempty"`
	RetryCount    int            `json:"retryCount"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Source        AgentType      `json:"source"`
	Timeout       time.Duration  `json:"timeout"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// TaskFromMessage 由 task_request 消息创建 pending 任务。
// 任务 ID 即请求消息 ID，重新提交产生新任务。
func TaskFromMessage(agent AgentType, msg *Message) (*Task, error) {
	req, ok := msg.TaskRequest()
	if !ok {
		return nil, fmt.Errorf("message %s is not a task request", msg.ID)
	}

	retries := 0
	if req.Attempt > 1 {
		retries = req.Attempt - 1
	}
	data := req.Data
	if data == nil {
		data = make(map[string]any)
	}

	return &Task{
		ID:            msg.ID,
		UserID:        req.UserID,
		Agent:         agent,
		Type:          req.TaskType,
		Status:        TaskStatusPending,
		Priority:      req.Priority,
		Payload:       data,
		RetryCount:    retries,
		CorrelationID: msg.CorrelationID,
		Source:        msg.Source,
		Timeout:       msg.Timeout,
		CreatedAt:     time.Now(),
	}, nil
}

// IsTerminal 任务是否已到终态
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration 返回处理耗时，未开始时为零
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

// ToResult 为终态任务构造 task_result
func (t *Task) ToResult() *TaskResult {
	return &TaskResult{
		TaskID:   t.ID,
		UserID:   t.UserID,
		TaskType: t.Type,
		Agent:    t.Agent,
		Status:   t.Status,
		Result:   t.Result,
		Error:    t.Error,
		Duration: t.Duration().Milliseconds(),
		Attempt:  t.RetryCount + 1,
	}
}

// StringField 从 payload 读取字符串，不存在时返回空串
func (t *Task) StringField(key string) string {
	if v, ok := t.Payload[key].(string); ok {
		return v
	}
	return ""
}
