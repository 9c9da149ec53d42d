package agents

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

func TestMain(m *testing.M) {
	logger.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type recordingEmitter struct {
	mu   sync.Mutex
	err  error
	msgs []*types.Message
}

func (e *recordingEmitter) Emit(_ context.Context, target types.AgentType, priority types.Priority, payload types.Payload, correlationID string) (*types.Message, error) {
	if e.err != nil {
		return nil, e.err
	}
	msg := types.NewMessage("test", target, priority, payload).WithCorrelation(correlationID)
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	return msg, nil
}

func (e *recordingEmitter) Publish(_ context.Context, msg *types.Message) error {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	return e.err
}

func (e *recordingEmitter) messages() []*types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.Message(nil), e.msgs...)
}

func newTask(taskType string, payload map[string]any) *types.Task {
	return &types.Task{
		ID:            "task-1",
		UserID:        "user-1",
		Type:          taskType,
		Payload:       payload,
		CorrelationID: "wf-1",
	}
}

func TestPayloadHelpers(t *testing.T) {
	m := map[string]any{
		"name":    "  go  ",
		"score":   0.75,
		"count":   3,
		"numstr":  "1.5",
		"yes":     true,
		"yesStr":  "true",
		"no":      "nope",
		"tags":    []any{"#a", " #b ", 7, ""},
		"csv":     "x, y,,z",
		"objects": []any{map[string]any{"k": 1}, "skip"},
	}

	assert.Equal(t, "go", stringValue(m, "name"))
	assert.Equal(t, "", stringValue(m, "score"))

	f, ok := floatValue(m, "score")
	assert.True(t, ok)
	assert.Equal(t, 0.75, f)
	f, ok = floatValue(m, "count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
	f, ok = floatValue(m, "numstr")
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
	_, ok = floatValue(m, "missing")
	assert.False(t, ok)

	assert.True(t, boolValue(m, "yes"))
	assert.True(t, boolValue(m, "yesStr"))
	assert.False(t, boolValue(m, "no"))
	assert.False(t, boolValue(m, "missing"))

	assert.Equal(t, []string{"#a", "#b"}, stringSlice(m, "tags"))
	assert.Equal(t, []string{"x", "y", "z"}, stringSlice(m, "csv"))
	assert.Empty(t, stringSlice(m, "missing"))

	assert.Len(t, mapSlice(m, "objects"), 1)
	assert.Nil(t, mapSlice(m, "missing"))
}

func TestNewProcessor(t *testing.T) {
	cfg := config.DefaultConfig()

	for _, agentType := range types.WorkerAgentTypes {
		p, err := NewProcessor(cfg, agentType, Deps{})
		require.NoError(t, err, agentType)
		assert.NotNil(t, p)
	}

	p, _ := NewProcessor(cfg, types.AgentTypePublisher, Deps{})
	assert.IsType(t, &Publisher{}, p)

	_, err := NewProcessor(cfg, types.AgentTypeOrchestrator, Deps{})
	assert.Error(t, err)
}

func TestPublisher(t *testing.T) {
	dry := NewDryRunPublisher()
	p := NewPublisher(dry)
	require.NoError(t, p.Initialize(context.Background()))

	assert.False(t, p.ValidateTask(newTask(TaskPublishPost, map[string]any{"content": "hello"})))
	assert.False(t, p.ValidateTask(newTask(TaskPublishPost, map[string]any{"content": "hello", "approved": false})))
	assert.False(t, p.ValidateTask(newTask(TaskPublishPost, map[string]any{"approved": true})))
	assert.False(t, p.ValidateTask(newTask(TaskReviewContent, map[string]any{"content": "hello", "approved": true})))
	assert.True(t, p.ValidateTask(newTask(TaskPublishPost, map[string]any{"content": "hello", "approved": "true"})))

	task := newTask(TaskPublishPost, map[string]any{
		"content":  "hello world",
		"hashtags": []any{"#go"},
		"approved": true,
		"score":    0.8,
	})
	result, err := p.ProcessTask(context.Background(), task)
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Contains(t, out["postId"], "dry-run-")
	assert.Equal(t, true, out["dryRun"])
	assert.NotEmpty(t, out["publishedAt"])

	posts := dry.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "hello world", posts[0].Content)
	assert.Equal(t, []string{"#go"}, posts[0].Hashtags)
	assert.Equal(t, 0.8, posts[0].Score)
	assert.Equal(t, "wf-1", posts[0].CorrelationID)

	_, err = p.ProcessTask(context.Background(), newTask(TaskPublishPost, map[string]any{"content": "x"}))
	assert.ErrorIs(t, err, ErrNotApproved)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Post) (PublishedPost, error) {
	return PublishedPost{}, errors.New("rate limited")
}

func TestPublisherTargetError(t *testing.T) {
	p := NewPublisher(failingPublisher{})
	assert.False(t, p.dryRun)

	_, err := p.ProcessTask(context.Background(), newTask(TaskPublishPost, map[string]any{
		"content":  "hello",
		"approved": true,
	}))
	assert.ErrorContains(t, err, "rate limited")
}

func TestPublisherDefaultsToDryRun(t *testing.T) {
	p := NewPublisher(nil)
	assert.True(t, p.dryRun)
	assert.IsType(t, &DryRunPublisher{}, p.target)
}
