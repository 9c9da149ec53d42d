// Package broker 提供 agent 之间的消息通道抽象。
//
// 每个 agent 类型拥有一个同名通道，通道内消息在订阅者之间竞争消费，
// 保证至少一次投递；broadcast 通道向所有订阅者扇出。处理失败的消息
// 按 MaxDeliveries 重新投递，超过次数后进入死信通道。
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"pbdna/agent-fleet/pkg/types"
)

// Handler 处理一条投递的消息。返回错误会触发重新投递。
type Handler func(ctx context.Context, msg *types.Message) error

// Subscription 表示一个活跃的订阅
type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Broker 消息通道接口
type Broker interface {
	// Connect 建立与消息中间件的连接
	Connect(ctx context.Context) error
	// EnsureDeadLetter 确保死信通道可用
	EnsureDeadLetter(ctx context.Context) error
	// Publish 发布消息到通道
	Publish(ctx context.Context, channel string, msg *types.Message) error
	// Subscribe 订阅通道，每个订阅拥有独立的投递 goroutine
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	// DeadLetter 将无法处理的消息写入死信通道
	DeadLetter(ctx context.Context, msg *types.Message, reason string) error
	// Disconnect 取消所有订阅并断开连接
	Disconnect(ctx context.Context) error
	// IsConnected 返回是否已连接
	IsConnected() bool
}

// Options 消息通道配置
type Options struct {
	URL               string
	ChannelPrefix     string
	DeadLetterChannel string
	MaxDeliveries     int
	PollTimeout       time.Duration

	// ConsumerID 稳定的消费者标识，重启后据此回收处理中未确认的消息。
	// 为空时使用主机名。
	ConsumerID string
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		URL:               "memory://",
		DeadLetterChannel: "dead-letter",
		MaxDeliveries:     3,
		PollTimeout:       time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.URL == "" {
		o.URL = d.URL
	}
	if o.DeadLetterChannel == "" {
		o.DeadLetterChannel = d.DeadLetterChannel
	}
	if o.MaxDeliveries < 1 {
		o.MaxDeliveries = d.MaxDeliveries
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.ConsumerID == "" {
		o.ConsumerID = defaultConsumerID()
	}
	return o
}

func defaultConsumerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "default"
}

// DeadLetterEntry 死信记录
type DeadLetterEntry struct {
	Channel  string         `json:"channel"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failedAt"`
	Message  *types.Message `json:"-"`
	Raw      []byte         `json:"message"`
}

// TransportError 消息通道操作失败
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("broker %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op, channel string, err error) error {
	return &TransportError{Op: op, Channel: channel, Err: err}
}

var (
	// ErrNotConnected 未连接或已断开时由 TransportError 包装
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadySubscribed 同一消费者对同一队列通道重复订阅
	ErrAlreadySubscribed = errors.New("channel already subscribed")
)

// New 根据 URL scheme 创建消息通道客户端。
// memory:// 的客户端共享 hub；hub 为 nil 时使用进程内默认 hub。
func New(opts Options, hub *MemoryHub) (Broker, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, transportError("parse url", "", err)
	}

	switch u.Scheme {
	case "memory":
		if hub == nil {
			hub = DefaultHub()
		}
		return hub.Client(), nil
	case "redis", "rediss":
		return NewRedisBroker(opts), nil
	default:
		return nil, transportError("parse url", "", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}
