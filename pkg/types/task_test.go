package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskFromMessage(t *testing.T) {
	msg := NewMessage(AgentTypeOrchestrator, AgentTypePublisher, PriorityHigh, &TaskRequest{
		UserID:   "user-7",
		TaskType: "publish_post",
		Data:     map[string]any{"content": "hello"},
		Priority: PriorityHigh,
		Attempt:  3,
	}).WithCorrelation("wf-1")

	task, err := TaskFromMessage(AgentTypePublisher, msg)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, task.ID)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "wf-1", task.CorrelationID)
	assert.Equal(t, AgentTypeOrchestrator, task.Source)
	assert.Equal(t, "hello", task.StringField("content"))
	assert.Equal(t, "", task.StringField("missing"))
}

func TestTaskFromMessageRejectsOtherPayloads(t *testing.T) {
	msg := NewMessage(AgentTypeOrchestrator, AgentTypePublisher, PriorityLow, &Coordination{Event: "x"})
	_, err := TaskFromMessage(AgentTypePublisher, msg)
	assert.Error(t, err)
}

func TestTaskToResult(t *testing.T) {
	started := time.Now().Add(-1500 * time.Millisecond)
	done := started.Add(1500 * time.Millisecond)
	task := &Task{
		ID:          "t1",
		UserID:      "u1",
		Type:        "review_content",
		Agent:       AgentTypeQualityControl,
		Status:      TaskStatusCompleted,
		Result:      map[string]any{"approved": true},
		StartedAt:   &started,
		CompletedAt: &done,
	}

	result := task.ToResult()
	assert.Equal(t, "t1", result.TaskID)
	assert.Equal(t, int64(1500), result.Duration)
	assert.Equal(t, 1, result.Attempt)
	assert.True(t, result.Succeeded())
	assert.True(t, task.IsTerminal())
}
