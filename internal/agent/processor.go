package agent

import (
	"context"

	"pbdna/agent-fleet/pkg/types"
)

// Processor 由具体 worker 实现的任务处理契约。
type Processor interface {
	// Initialize 分配 worker 自身的资源，失败会中止 Start。
	Initialize(ctx context.Context) error

	// ValidateTask 在处理前廉价地校验任务参数。
	ValidateTask(task *types.Task) bool

	// ProcessTask 执行任务并返回结果。ctx 带有消息的超时时间。
	ProcessTask(ctx context.Context, task *types.Task) (any, error)
}

// CoordinationHandler 处理 coordination 消息。
type CoordinationHandler interface {
	HandleCoordination(ctx context.Context, msg *types.Message, event *types.Coordination) error
}

// StatusHandler 处理 status_update 消息。
type StatusHandler interface {
	HandleStatusUpdate(ctx context.Context, msg *types.Message, update *types.StatusUpdate) error
}

// LearningHandler 处理 learning_update 消息。
type LearningHandler interface {
	HandleLearningUpdate(ctx context.Context, msg *types.Message, update *types.LearningUpdate) error
}

// MessageHandler 处理其余消息类型（task_result、error_report）。
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *types.Message) error
}

// Emitter 供 Processor 向其他 agent 发送消息。
type Emitter interface {
	// Emit 以当前 agent 为来源构造并发布一条消息。
	Emit(ctx context.Context, target types.AgentType, priority types.Priority, payload types.Payload, correlationID string) (*types.Message, error)

	// Publish 发布一条已构造好的消息到其目标通道。
	Publish(ctx context.Context, msg *types.Message) error
}

// EmitterAware 需要发送消息的 Processor 实现该接口，Runtime 创建时注入自身。
type EmitterAware interface {
	SetEmitter(e Emitter)
}

// ProcessorFunc 将函数适配为只处理任务、不做初始化和校验的 Processor。
type ProcessorFunc func(ctx context.Context, task *types.Task) (any, error)

func (f ProcessorFunc) Initialize(context.Context) error { return nil }
func (f ProcessorFunc) ValidateTask(*types.Task) bool    { return true }
func (f ProcessorFunc) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	return f(ctx, task)
}
