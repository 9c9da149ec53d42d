// Package store 持久化 orchestrator 的工作流状态。
// 未配置数据库时使用进程内存储；配置 mysql/postgres 时通过 gorm 写入数据库。
package store

import (
	"context"
	"errors"
	"time"

	"pbdna/agent-fleet/internal/config"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("workflow not found")

// WorkflowRecord 工作流状态快照
type WorkflowRecord struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	UserID        string         `json:"userId"`
	Status        string         `json:"status"`
	Stage         int            `json:"stage"`
	PendingTaskID string         `json:"pendingTaskId"`
	Attempt       int            `json:"attempt"`
	Event         map[string]any `json:"event"`
	Results       map[string]any `json:"results"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Store 工作流存储接口
type Store interface {
	// SaveWorkflow 按 ID 插入或更新
	SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error
	// GetWorkflow 读取工作流，不存在时返回 ErrNotFound
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	// ListWorkflows 按更新时间倒序列出工作流，status 为空表示全部
	ListWorkflows(ctx context.Context, status string, limit int) ([]*WorkflowRecord, error)
	Close() error
}

// New 根据数据库配置创建存储
func New(cfg config.DatabaseConfig) (Store, error) {
	if cfg.Driver == "" {
		return NewMemoryStore(), nil
	}
	return NewGormStore(cfg)
}
