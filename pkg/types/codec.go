package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// ErrUnknownMessageType 消息类型没有对应的 payload
var ErrUnknownMessageType = errors.New("unknown message type")

var wireAPI = sonic.ConfigStd

// wireMessage Message 的传输格式
type wireMessage struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        AgentType       `json:"source"`
	Target        AgentType       `json:"target"`
	Type          MessageType     `json:"type"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	RequiresAck   bool            `json:"requiresAck"`
	Timeout       time.Duration   `json:"timeout"`
	RetryPolicy   *RetryPolicy    `json:"retryPolicy,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// EncodeMessage 将消息序列化为 JSON
func EncodeMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("message is nil")
	}
	if m.Payload != nil && m.Payload.MessageType() != m.Type {
		return nil, fmt.Errorf("message %s type %s does not match payload %s", m.ID, m.Type, m.Payload.MessageType())
	}

	var payload json.RawMessage
	if m.Payload != nil {
		data, err := wireAPI.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		payload = data
	}

	return wireAPI.Marshal(&wireMessage{
		ID:            m.ID,
		Timestamp:     m.Timestamp,
		Source:        m.Source,
		Target:        m.Target,
		Type:          m.Type,
		Priority:      m.Priority,
		Payload:       payload,
		RequiresAck:   m.RequiresAck,
		Timeout:       m.Timeout,
		RetryPolicy:   m.RetryPolicy,
		CorrelationID: m.CorrelationID,
	})
}

// DecodeMessage 解析 EncodeMessage 的输出，按消息类型选择 payload 结构
func DecodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := wireAPI.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	payload := newPayload(w.Type)
	if payload == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, w.Type)
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := wireAPI.Unmarshal(w.Payload, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}

	return &Message{
		ID:            w.ID,
		Timestamp:     w.Timestamp,
		Source:        w.Source,
		Target:        w.Target,
		Type:          w.Type,
		Priority:      w.Priority,
		Payload:       payload,
		RequiresAck:   w.RequiresAck,
		Timeout:       w.Timeout,
		RetryPolicy:   w.RetryPolicy,
		CorrelationID: w.CorrelationID,
	}, nil
}

// CloneMessage 经过一次编解码得到消息的深拷贝
func CloneMessage(m *Message) (*Message, error) {
	data, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}
