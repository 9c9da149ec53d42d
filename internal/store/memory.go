package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// MemoryStore 进程内工作流存储
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*WorkflowRecord
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*WorkflowRecord)}
}

// cloneRecord 经 JSON 往返复制记录，与数据库存储的列编码保持一致
func cloneRecord(rec *WorkflowRecord) (*WorkflowRecord, error) {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return nil, err
	}
	out := &WorkflowRecord{}
	if err := sonic.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, rec *WorkflowRecord) error {
	cp, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}

	s.mu.Lock()
	if prev, ok := s.records[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	s.records[cp.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*WorkflowRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec)
}

func (s *MemoryStore) ListWorkflows(_ context.Context, status string, limit int) ([]*WorkflowRecord, error) {
	s.mu.RLock()
	out := make([]*WorkflowRecord, 0, len(s.records))
	for _, rec := range s.records {
		if status != "" && rec.Status != status {
			continue
		}
		cp, err := cloneRecord(rec)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
