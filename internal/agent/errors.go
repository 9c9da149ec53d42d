package agent

import (
	"errors"
	"fmt"

	"pbdna/agent-fleet/pkg/types"
)

// 拒绝原因
const (
	ReasonAtCapacity  = "at capacity"
	ReasonInvalidTask = "invalid task parameters"
	ReasonNotRunning  = "agent not running"
)

var (
	// ErrRejected 被所有 RejectionError 包装，便于 errors.Is 判断
	ErrRejected = errors.New("task rejected")

	// ErrDuplicateTask 同一任务 ID 已在处理中（消息被重复投递）
	ErrDuplicateTask = errors.New("task already in progress")
)

// RejectionError 任务未进入处理阶段即被拒绝，不计入失败数。
type RejectionError struct {
	TaskID string
	Agent  types.AgentType
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("task %s rejected by %s: %s", e.TaskID, e.Agent, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// ProcessingError 任务进入处理后失败（返回错误或 panic），计入失败数。
type ProcessingError struct {
	TaskID string
	Agent  types.AgentType
	Err    error
	// Trace 错误链与调用栈，panic 时为 panic 现场的调用栈
	Trace string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("task %s failed on %s: %v", e.TaskID, e.Agent, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// TaskError 转换为消息中携带的结构化错误
func (e *ProcessingError) TaskError() *types.TaskError {
	return &types.TaskError{Message: e.Err.Error(), Trace: e.Trace}
}
