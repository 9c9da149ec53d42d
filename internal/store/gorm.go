package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pbdna/agent-fleet/internal/config"
)

// workflowModel 工作流表模型
type workflowModel struct {
	ID            string    `gorm:"primarykey;size:64"`
	Name          string    `gorm:"size:100;not null"`
	UserID        string    `gorm:"size:64;index"`
	Status        string    `gorm:"size:20;index"`
	Stage         int       `gorm:"default:0"`
	PendingTaskID string    `gorm:"size:64"`
	Attempt       int       `gorm:"default:1"`
	Event         string    `gorm:"type:text"`
	Results       string    `gorm:"type:text"`
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time `gorm:"index"`
}

// TableName 表名
func (workflowModel) TableName() string {
	return "fleet_workflow"
}

// GormStore 基于 gorm 的工作流存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 打开数据库连接并迁移表结构
func NewGormStore(cfg config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB 使用已有连接创建存储
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&workflowModel{}); err != nil {
		return nil, fmt.Errorf("migrate workflow table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	m, err := toModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var m workflowModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&m)
}

func (s *GormStore) ListWorkflows(ctx context.Context, status string, limit int) ([]*WorkflowRecord, error) {
	q := s.db.WithContext(ctx).Model(&workflowModel{}).Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []workflowModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]*WorkflowRecord, 0, len(models))
	for i := range models {
		rec, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(rec *WorkflowRecord) (*workflowModel, error) {
	event, err := marshalJSONColumn(rec.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	results, err := marshalJSONColumn(rec.Results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	return &workflowModel{
		ID:            rec.ID,
		Name:          rec.Name,
		UserID:        rec.UserID,
		Status:        rec.Status,
		Stage:         rec.Stage,
		PendingTaskID: rec.PendingTaskID,
		Attempt:       rec.Attempt,
		Event:         event,
		Results:       results,
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

func fromModel(m *workflowModel) (*WorkflowRecord, error) {
	event, err := unmarshalJSONColumn(m.Event)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	results, err := unmarshalJSONColumn(m.Results)
	if err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	return &WorkflowRecord{
		ID:            m.ID,
		Name:          m.Name,
		UserID:        m.UserID,
		Status:        m.Status,
		Stage:         m.Stage,
		PendingTaskID: m.PendingTaskID,
		Attempt:       m.Attempt,
		Event:         event,
		Results:       results,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func marshalJSONColumn(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	return sonic.MarshalString(v)
}

func unmarshalJSONColumn(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var v map[string]any
	if err := sonic.UnmarshalString(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}
