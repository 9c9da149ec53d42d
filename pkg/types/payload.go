package types

// Payload 表示消息体，具体结构由消息类型决定，路由不读取其内容
type Payload interface {
	MessageType() MessageType
	isPayload()
}

// TaskRequest 表示请求目标 agent 执行一个任务
type TaskRequest struct {
	UserID   string         `json:"userId"`
	TaskType string         `json:"taskType"`
	Data     map[string]any `json:"data"`
	Priority Priority       `json:"priority"`
	// Attempt 首次提交为 1，每次重新提交加一
	Attempt int `json:"attempt,omitempty"`
}

func (*TaskRequest) MessageType() MessageType { return MessageTypeTaskRequest }
func (*TaskRequest) isPayload()               {}

// TaskResult 表示任务的终态结果或拒绝
type TaskResult struct {
	TaskID   string     `json:"taskId"`
	UserID   string     `json:"userId"`
	TaskType string     `json:"taskType"`
	Agent    AgentType  `json:"agent"`
	Status   TaskStatus `json:"status"`
	Result   any        `json:"result,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
	// Duration 处理耗时，单位毫秒
	Duration int64 `json:"duration"`
	Attempt  int   `json:"attempt,omitempty"`
	// Rejected 任务未进入处理即被拒绝
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (*TaskResult) MessageType() MessageType { return MessageTypeTaskResult }
func (*TaskResult) isPayload()               {}

// Succeeded 任务是否成功完成
func (r *TaskResult) Succeeded() bool {
	return r != nil && !r.Rejected && r.Status == TaskStatusCompleted
}

// AgentState 表示 status_update 中的 agent 状态
type AgentState string

const (
	AgentStateOnline  AgentState = "online"
	AgentStateOffline AgentState = "offline"
	AgentStateRunning AgentState = "running"
)

// StatusUpdate 表示 agent 状态变化或周期性健康上报
type StatusUpdate struct {
	AgentID   string        `json:"agentId"`
	AgentType AgentType     `json:"agentType"`
	State     AgentState    `json:"state"`
	Health    *HealthStatus `json:"health,omitempty"`
}

func (*StatusUpdate) MessageType() MessageType { return MessageTypeStatusUpdate }
func (*StatusUpdate) isPayload()               {}

// ErrorReport 表示无法处理的消息
type ErrorReport struct {
	OriginalMessageID string    `json:"originalMessageId"`
	Error             TaskError `json:"error"`
}

func (*ErrorReport) MessageType() MessageType { return MessageTypeErrorReport }
func (*ErrorReport) isPayload()               {}

// Coordination 表示 agent 之间的领域事件或控制指令
type Coordination struct {
	Event  string         `json:"event"`
	UserID string         `json:"userId,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (*Coordination) MessageType() MessageType { return MessageTypeCoordination }
func (*Coordination) isPayload()               {}

// LearningUpdate 表示向 fleet 广播的发布结果洞察
type LearningUpdate struct {
	UserID   string         `json:"userId"`
	Insights map[string]any `json:"insights"`
}

func (*LearningUpdate) MessageType() MessageType { return MessageTypeLearningUpdate }
func (*LearningUpdate) isPayload()               {}

// coordination 消息携带的领域事件
const (
	EventNewsDiscovered = "news_discovered"
	EventStartWorkflow  = "start_workflow"
)

// newPayload 按消息类型返回空的 payload
func newPayload(t MessageType) Payload {
	switch t {
	case MessageTypeTaskRequest:
		return &TaskRequest{}
	case MessageTypeTaskResult:
		return &TaskResult{}
	case MessageTypeStatusUpdate:
		return &StatusUpdate{}
	case MessageTypeErrorReport:
		return &ErrorReport{}
	case MessageTypeCoordination:
		return &Coordination{}
	case MessageTypeLearningUpdate:
		return &LearningUpdate{}
	default:
		return nil
	}
}
