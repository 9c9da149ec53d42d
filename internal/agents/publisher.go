package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// ErrNotApproved 内容未通过审核
var ErrNotApproved = errors.New("content not approved")

// Post 待发布的帖子
type Post struct {
	UserID        string   `json:"userId"`
	Content       string   `json:"content"`
	Hashtags      []string `json:"hashtags,omitempty"`
	Score         float64  `json:"score"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// PublishedPost 发布结果
type PublishedPost struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// PostPublisher 把帖子发布到外部平台
type PostPublisher interface {
	Publish(ctx context.Context, post Post) (PublishedPost, error)
}

// DryRunPublisher 只在内存中记录帖子，不访问外部平台
type DryRunPublisher struct {
	mu    sync.Mutex
	posts []Post
}

func NewDryRunPublisher() *DryRunPublisher {
	return &DryRunPublisher{}
}

func (p *DryRunPublisher) Publish(_ context.Context, post Post) (PublishedPost, error) {
	p.mu.Lock()
	p.posts = append(p.posts, post)
	p.mu.Unlock()
	return PublishedPost{
		ID:          "dry-run-" + uuid.NewString(),
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Posts 返回已记录的帖子
func (p *DryRunPublisher) Posts() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Post(nil), p.posts...)
}

// Publisher 发布已审核通过的内容
type Publisher struct {
	target PostPublisher
	dryRun bool
	log    *zap.Logger
}

// NewPublisher 创建 publisher worker，target 为空时使用 DryRunPublisher
func NewPublisher(target PostPublisher) *Publisher {
	_, dryRun := target.(*DryRunPublisher)
	if target == nil {
		target = NewDryRunPublisher()
		dryRun = true
	}
	return &Publisher{
		target: target,
		dryRun: dryRun,
		log:    logger.Named(string(types.AgentTypePublisher)),
	}
}

func (p *Publisher) Initialize(context.Context) error {
	if p.dryRun {
		p.log.Info("publisher running in dry-run mode")
	}
	return nil
}

func (p *Publisher) ValidateTask(task *types.Task) bool {
	return task.Type == TaskPublishPost &&
		task.StringField("content") != "" &&
		boolValue(task.Payload, "approved")
}

func (p *Publisher) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	if !boolValue(task.Payload, "approved") {
		return nil, ErrNotApproved
	}
	score, _ := floatValue(task.Payload, "score")
	post := Post{
		UserID:        task.UserID,
		Content:       stringValue(task.Payload, "content"),
		Hashtags:      stringSlice(task.Payload, "hashtags"),
		Score:         score,
		CorrelationID: task.CorrelationID,
	}

	published, err := p.target.Publish(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("publish post: %w", err)
	}

	p.log.Info("post published",
		zap.String("task_id", task.ID),
		zap.String("post_id", published.ID),
		zap.Bool("dry_run", p.dryRun),
	)

	result := map[string]any{
		"postId":      published.ID,
		"publishedAt": published.PublishedAt.Format(time.RFC3339),
		"dryRun":      p.dryRun,
	}
	if published.URL != "" {
		result["url"] = published.URL
	}
	return result, nil
}
