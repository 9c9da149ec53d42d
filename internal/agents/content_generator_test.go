package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/types"
)

type fakeChat struct {
	reply string
	err   error

	input   []*schema.Message
	options *model.Options
}

func (f *fakeChat) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.input = input
	f.options = model.GetCommonOptions(nil, opts...)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func TestMaxTokens(t *testing.T) {
	tests := map[string]int{
		"post":     500,
		"article":  2000,
		"story":    600,
		"poll":     300,
		"carousel": 400,
		"unknown":  500,
	}
	for contentType, want := range tests {
		assert.Equal(t, want, MaxTokens(contentType), contentType)
	}
}

func TestTemperature(t *testing.T) {
	assert.InDelta(t, 0.3, Temperature(0), 1e-9)
	assert.InDelta(t, 0.6, Temperature(0.5), 1e-9)
	assert.InDelta(t, 0.9, Temperature(1), 1e-9)
	assert.InDelta(t, 0.9, Temperature(3), 1e-9)
	assert.InDelta(t, 0.3, Temperature(-1), 1e-9)
}

func TestCreativity(t *testing.T) {
	assert.InDelta(t, 0.8, creativity(map[string]any{"creativity": 0.8}), 1e-9)
	assert.InDelta(t, 1.0, creativity(map[string]any{"creativity": 4.0}), 1e-9)
	assert.InDelta(t, (0.3+0.1+0.3)/3, creativity(map[string]any{}), 1e-9)
	assert.InDelta(t, 0.5, creativity(map[string]any{"voice": map[string]any{
		"emotional_expressiveness": 0.9,
		"humor_usage":              0.3,
		"storytelling_style":       0.3,
	}}), 1e-9)
}

func TestContentGeneratorValidate(t *testing.T) {
	g := NewContentGenerator(config.LLMConfig{}, nil)

	assert.False(t, g.ValidateTask(newTask(TaskGeneratePost, map[string]any{})))
	assert.False(t, g.ValidateTask(newTask(TaskPublishPost, map[string]any{"topic": "x"})))
	assert.True(t, g.ValidateTask(newTask(TaskGeneratePost, map[string]any{"topic": "x"})))
	assert.True(t, g.ValidateTask(newTask(TaskGeneratePost, map[string]any{"article": "x"})))
}

func TestContentGeneratorTemplate(t *testing.T) {
	g := NewContentGenerator(config.LLMConfig{}, nil)
	require.NoError(t, g.Initialize(context.Background()))

	result, err := g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{
		"topic":    "Go 1.25 released",
		"article":  "The new release ships a faster garbage collector.",
		"url":      "https://go.dev/blog/go1.25",
		"industry": "technology",
	}))
	require.NoError(t, err)

	out := result.(map[string]any)
	content := out["content"].(string)
	assert.True(t, strings.HasPrefix(content, "Go 1.25 released"))
	assert.Contains(t, content, "Read more: https://go.dev/blog/go1.25")
	assert.Contains(t, content, "#TechLeadership")
	assert.Equal(t, ModelTemplate, out["model"])
	assert.Equal(t, "post", out["contentType"])
	assert.Equal(t, 500, out["maxTokens"])

	hashtags := out["hashtags"].([]string)
	assert.Len(t, hashtags, 4)

	hasCTA := false
	for _, cta := range callsToAction["post"] {
		if strings.HasSuffix(content, cta) {
			hasCTA = true
		}
	}
	assert.True(t, hasCTA, content)
}

func TestContentGeneratorKeepsExistingHashtagsAndQuestion(t *testing.T) {
	content := optimize("Big news#golang #go #release what do you think?", "post", "")
	assert.Equal(t, "Big news #golang #go #release what do you think?", content)
}

func TestContentGeneratorUsesModel(t *testing.T) {
	chat := &fakeChat{reply: "  A thoughtful post about Go. #go #golang #dev\n\nThoughts?  "}
	g := NewContentGenerator(config.LLMConfig{Model: "gpt-4o"}, chat)
	require.NoError(t, g.Initialize(context.Background()))

	result, err := g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{
		"topic":       "Go",
		"contentType": "article",
		"creativity":  0.5,
	}))
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, "A thoughtful post about Go. #go #golang #dev\n\nThoughts?", out["content"])
	assert.Equal(t, "gpt-4o", out["model"])
	assert.Equal(t, "article", out["contentType"])

	require.Len(t, chat.input, 2)
	assert.Equal(t, schema.System, chat.input[0].Role)
	assert.Contains(t, chat.input[1].Content, "Write a LinkedIn article about: Go")
	require.NotNil(t, chat.options.Temperature)
	assert.InDelta(t, 0.6, *chat.options.Temperature, 1e-6)
	require.NotNil(t, chat.options.MaxTokens)
	assert.Equal(t, 2000, *chat.options.MaxTokens)
}

func TestContentGeneratorModelError(t *testing.T) {
	g := NewContentGenerator(config.LLMConfig{}, &fakeChat{err: errors.New("quota exceeded")})
	_, err := g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{"topic": "Go"}))
	assert.ErrorContains(t, err, "quota exceeded")

	g = NewContentGenerator(config.LLMConfig{}, &fakeChat{reply: "   "})
	_, err = g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{"topic": "Go"}))
	assert.ErrorContains(t, err, "empty response")
}

func TestContentGeneratorLearnsPreferredType(t *testing.T) {
	g := NewContentGenerator(config.LLMConfig{}, nil)

	require.NoError(t, g.HandleLearningUpdate(context.Background(), nil, &types.LearningUpdate{
		UserID:   "user-1",
		Insights: map[string]any{"topContentType": "story"},
	}))
	assert.Equal(t, "story", g.PreferredContentType("user-1"))

	result, err := g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{"topic": "Go"}))
	require.NoError(t, err)
	assert.Equal(t, "story", result.(map[string]any)["contentType"])
	assert.Equal(t, 600, result.(map[string]any)["maxTokens"])

	result, err = g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{"topic": "Go", "contentType": "poll"}))
	require.NoError(t, err)
	assert.Equal(t, "poll", result.(map[string]any)["contentType"])
}

func TestContentGeneratorTopicFromArticle(t *testing.T) {
	g := NewContentGenerator(config.LLMConfig{}, nil)
	result, err := g.ProcessTask(context.Background(), newTask(TaskGeneratePost, map[string]any{
		"article": "Chips are back. Supply recovered this quarter.",
	}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.(map[string]any)["content"].(string), "Chips are back"))
}
