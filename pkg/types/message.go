package types

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType 表示 agent 之间消息的类型
type MessageType string

const (
	MessageTypeTaskRequest    MessageType = "task_request"
	MessageTypeTaskResult     MessageType = "task_result"
	MessageTypeStatusUpdate   MessageType = "status_update"
	MessageTypeErrorReport    MessageType = "error_report"
	MessageTypeCoordination   MessageType = "coordination"
	MessageTypeLearningUpdate MessageType = "learning_update"
)

// Priority 消息优先级，low < medium < high < critical
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

// String 返回小写的优先级名称
func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority 解析优先级名称，空字符串视为 medium
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityMedium, fmt.Errorf("unknown priority: %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityCritical {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// RetryPolicy 表示失败请求的重新提交策略
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"max_attempts"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	InitialDelay      time.Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"maxDelay" yaml:"max_delay"`
}

// DefaultRetryPolicy 工作流阶段未指定策略时使用
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		BackoffMultiplier: 2,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
	}
}

// Delay 返回第 attempt 次（从 1 开始）提交前的等待时间：
// InitialDelay * BackoffMultiplier^(attempt-1)，不超过 MaxDelay
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Message 表示 agent 之间通过消息通道传递的信封
type Message struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Source        AgentType     `json:"source"`
	Target        AgentType     `json:"target"`
	Type          MessageType   `json:"type"`
	Priority      Priority      `json:"priority"`
	Payload       Payload       `json:"payload"`
	RequiresAck   bool          `json:"requiresAck"`
	Timeout       time.Duration `json:"timeout"`
	RetryPolicy   *RetryPolicy  `json:"retryPolicy,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
}

// NewMessage 创建消息，消息类型由 payload 决定
func NewMessage(source, target AgentType, priority Priority, payload Payload) *Message {
	msgType := MessageType("")
	if payload != nil {
		msgType = payload.MessageType()
	}
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Source:    source,
		Target:    target,
		Type:      msgType,
		Priority:  priority,
		Payload:   payload,
		Timeout:   30 * time.Second,
	}
}

// Validate 检查消息是否可路由
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.Target == "" {
		return fmt.Errorf("message %s has no target", m.ID)
	}
	if m.Target != Broadcast && strings.ContainsAny(string(m.Target), "*,") {
		return fmt.Errorf("message %s target must be a single agent type or broadcast: %q", m.ID, m.Target)
	}
	if m.Payload == nil {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if m.Payload.MessageType() != m.Type {
		return fmt.Errorf("message %s type %s does not match payload %s", m.ID, m.Type, m.Payload.MessageType())
	}
	return nil
}

// WithCorrelation 设置 correlation id 并返回消息本身
func (m *Message) WithCorrelation(id string) *Message {
	m.CorrelationID = id
	return m
}

// TaskRequest 以 task_request 读取 payload
func (m *Message) TaskRequest() (*TaskRequest, bool) {
	p, ok := m.Payload.(*TaskRequest)
	return p, ok && p != nil
}

// TaskResult 以 task_result 读取 payload
func (m *Message) TaskResult() (*TaskResult, bool) {
	p, ok := m.Payload.(*TaskResult)
	return p, ok && p != nil
}

// Coordination 以 coordination 事件读取 payload
func (m *Message) Coordination() (*Coordination, bool) {
	p, ok := m.Payload.(*Coordination)
	return p, ok && p != nil
}
