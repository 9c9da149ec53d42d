package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeTaskRequest(t *testing.T) {
	msg := NewMessage(AgentTypeOrchestrator, AgentTypeContentGenerator, PriorityHigh, &TaskRequest{
		UserID:   "user-1",
		TaskType: "generate_post",
		Data:     map[string]any{"topic": "observability"},
		Priority: PriorityHigh,
		Attempt:  2,
	}).WithCorrelation("corr-1")
	msg.RetryPolicy = DefaultRetryPolicy()

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"high"`)
	assert.Contains(t, string(data), `"type":"task_request"`)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, AgentTypeContentGenerator, decoded.Target)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, msg.RetryPolicy, decoded.RetryPolicy)

	req, ok := decoded.TaskRequest()
	require.True(t, ok)
	assert.Equal(t, "generate_post", req.TaskType)
	assert.Equal(t, "observability", req.Data["topic"])
	assert.Equal(t, 2, req.Attempt)
}

func TestDecodeSelectsPayloadVariant(t *testing.T) {
	msg := NewMessage(AgentTypePublisher, AgentTypeOrchestrator, PriorityMedium, &TaskResult{
		TaskID: "task-1",
		Status: TaskStatusFailed,
		Error:  &TaskError{Message: "boom", Trace: "stack"},
	})

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	result, ok := decoded.TaskResult()
	require.True(t, ok)
	assert.Equal(t, TaskStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "boom", result.Error.Message)

	_, isRequest := decoded.TaskRequest()
	assert.False(t, isRequest)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":"1","type":"telepathy","target":"publisher","payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	msg := NewMessage(AgentTypeLearning, AgentTypeOrchestrator, PriorityLow, &LearningUpdate{UserID: "u"})
	msg.Type = MessageTypeTaskResult

	_, err := EncodeMessage(msg)
	assert.Error(t, err)
	assert.Error(t, msg.Validate())
}

func TestMessageValidate(t *testing.T) {
	msg := NewMessage(AgentTypeOrchestrator, Broadcast, PriorityLow, &Coordination{Event: "ping"})
	require.NoError(t, msg.Validate())

	msg.Target = "publisher,learning"
	assert.Error(t, msg.Validate())

	msg.Target = ""
	assert.Error(t, msg.Validate())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

// TestPriorityOrderingProperty 优先级按 low < medium < high < critical 排序，且名称可往返解析。
func TestPriorityOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := Priority(rapid.IntRange(0, 3).Draw(t, "a"))
		b := Priority(rapid.IntRange(0, 3).Draw(t, "b"))

		pa, err := ParsePriority(a.String())
		if err != nil {
			t.Fatalf("parse %s: %v", a, err)
		}
		if pa != a {
			t.Fatalf("round trip %s -> %s", a, pa)
		}
		if (a < b) != (int(a) < int(b)) {
			t.Fatalf("ordering mismatch for %s and %s", a, b)
		}
	})
}

// TestRetryDelayProperty 重试延迟随尝试次数单调不减，且不超过 MaxDelay。
func TestRetryDelayProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := &RetryPolicy{
			MaxAttempts:       rapid.IntRange(1, 10).Draw(t, "maxAttempts"),
			BackoffMultiplier: rapid.Float64Range(0.5, 4).Draw(t, "multiplier"),
			InitialDelay:      time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial")),
			MaxDelay:          time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max")),
		}

		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			d := policy.Delay(attempt)
			if d < prev {
				t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
			}
			if d > policy.MaxDelay {
				t.Fatalf("delay %v exceeds max %v", d, policy.MaxDelay)
			}
			prev = d
		}
	})
}

func TestRetryDelayNilPolicy(t *testing.T) {
	var policy *RetryPolicy
	assert.Equal(t, time.Duration(0), policy.Delay(3))
}
