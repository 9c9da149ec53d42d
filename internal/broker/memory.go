package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// delivery 一次待投递的消息，data 为编码后的消息体
type delivery struct {
	channel string
	data    []byte
	attempt int
}

// memoryChannel 单个通道的状态
type memoryChannel struct {
	fanout  bool
	pending []delivery
	subs    []*memorySubscription
	next    int
}

// MemoryHub 进程内消息中心，多个 MemoryBroker 客户端共享一个 hub。
// 没有订阅者时，点对点通道的消息保留到第一个订阅者出现。
type MemoryHub struct {
	mu                sync.Mutex
	maxDeliveries     int
	deadLetterChannel string
	channels          map[string]*memoryChannel
	deadLetters       []DeadLetterEntry
}

var (
	defaultHub     *MemoryHub
	defaultHubOnce sync.Once
)

// DefaultHub 返回进程内默认 hub
func DefaultHub() *MemoryHub {
	defaultHubOnce.Do(func() {
		defaultHub = NewMemoryHub(DefaultOptions())
	})
	return defaultHub
}

// NewMemoryHub 创建进程内消息中心
func NewMemoryHub(opts Options) *MemoryHub {
	opts = opts.withDefaults()
	return &MemoryHub{
		maxDeliveries:     opts.MaxDeliveries,
		deadLetterChannel: opts.DeadLetterChannel,
		channels:          make(map[string]*memoryChannel),
	}
}

// Client 创建一个新的客户端连接
func (h *MemoryHub) Client() *MemoryBroker {
	return &MemoryBroker{
		hub:  h,
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Pending 返回通道中等待订阅者的消息数（用于测试）
func (h *MemoryHub) Pending(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[channel]; ok {
		return len(ch.pending)
	}
	return 0
}

// DeadLetters 返回死信记录副本（用于测试和诊断）
func (h *MemoryHub) DeadLetters() []DeadLetterEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DeadLetterEntry, len(h.deadLetters))
	copy(out, h.deadLetters)
	return out
}

func (h *MemoryHub) channelLocked(name string) *memoryChannel {
	ch, ok := h.channels[name]
	if !ok {
		ch = &memoryChannel{fanout: name == types.BroadcastChannel}
		h.channels[name] = ch
	}
	return ch
}

// publish 路由一条新消息
func (h *MemoryHub) publish(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channelLocked(channel)
	if ch.fanout {
		for _, sub := range ch.subs {
			sub.enqueue(delivery{channel: channel, data: data})
		}
		return
	}
	h.routeLocked(ch, delivery{channel: channel, data: data})
}

// routeLocked 把消息交给下一个订阅者（轮询），没有订阅者时挂起
func (h *MemoryHub) routeLocked(ch *memoryChannel, d delivery) {
	if len(ch.subs) == 0 {
		ch.pending = append(ch.pending, d)
		return
	}
	sub := ch.subs[ch.next%len(ch.subs)]
	ch.next++
	sub.enqueue(d)
}

// redeliver 将处理失败的消息重新投递
func (h *MemoryHub) redeliver(from *memorySubscription, d delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channelLocked(d.channel)
	if ch.fanout {
		from.enqueue(d)
		return
	}
	h.routeLocked(ch, d)
}

func (h *MemoryHub) addSubscription(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channelLocked(sub.channel)
	ch.subs = append(ch.subs, sub)
	if !ch.fanout && len(ch.pending) > 0 {
		pending := ch.pending
		ch.pending = nil
		for _, d := range pending {
			h.routeLocked(ch, d)
		}
	}
}

// removeSubscription 移除订阅，未投递的消息交还给通道
func (h *MemoryHub) removeSubscription(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[sub.channel]
	if !ok {
		return
	}
	for i, s := range ch.subs {
		if s == sub {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			break
		}
	}

	leftover := sub.drain()
	if ch.fanout {
		return
	}
	for _, d := range leftover {
		h.routeLocked(ch, d)
	}
}

func (h *MemoryHub) ensureDeadLetter() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelLocked(h.deadLetterChannel)
	return h.deadLetterChannel
}

func (h *MemoryHub) deadLetter(channel string, data []byte, msg *types.Message, reason string) {
	h.mu.Lock()
	h.deadLetters = append(h.deadLetters, DeadLetterEntry{
		Channel:  channel,
		Reason:   reason,
		FailedAt: time.Now(),
		Message:  msg,
		Raw:      data,
	})
	h.mu.Unlock()

	fields := []zap.Field{zap.String("channel", channel), zap.String("reason", reason)}
	if msg != nil {
		fields = append(fields, zap.String("message_id", msg.ID), zap.String("type", string(msg.Type)))
	}
	logger.Named("broker").Warn("message dead-lettered", fields...)
}

// memorySubscription 一个订阅及其投递 goroutine
type memorySubscription struct {
	hub     *MemoryHub
	client  *MemoryBroker
	channel string
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	inbox  []delivery
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Channel() string {
	return s.channel
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.removeSubscription(s)
		close(s.done)
		s.cancel()
		s.client.forget(s)
	})
	return nil
}

func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	s.inbox = append(s.inbox, d)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return delivery{}, false
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return d, true
}

func (s *memorySubscription) drain() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

func (s *memorySubscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for !s.stopped() {
			d, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(d)
		}
	}
}

func (s *memorySubscription) deliver(d delivery) {
	msg, err := types.DecodeMessage(d.data)
	if err != nil {
		s.hub.deadLetter(d.channel, d.data, nil, fmt.Sprintf("decode: %v", err))
		return
	}

	err = invokeHandler(s.ctx, s.handler, msg)
	if err == nil {
		return
	}
	if d.attempt+1 >= s.hub.maxDeliveries {
		s.hub.deadLetter(d.channel, d.data, msg, err.Error())
		return
	}

	logger.Named("broker").Debug("redelivering message",
		zap.String("channel", d.channel),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", d.attempt+1),
		zap.Error(err),
	)
	d.attempt++
	s.hub.redeliver(s, d)
}

// MemoryBroker 进程内消息通道客户端
type MemoryBroker struct {
	hub *MemoryHub

	mu        sync.Mutex
	connected bool
	subs      map[*memorySubscription]struct{}
}

// Hub 返回客户端所属的 hub
func (b *MemoryBroker) Hub() *MemoryHub {
	return b.hub
}

func (b *MemoryBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transportError("connect", "", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) EnsureDeadLetter(ctx context.Context) error {
	if !b.IsConnected() {
		return transportError("ensure dead-letter", "", ErrNotConnected)
	}
	b.hub.ensureDeadLetter()
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, msg *types.Message) error {
	if !b.IsConnected() {
		return transportError("publish", channel, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return transportError("publish", channel, err)
	}
	data, err := types.EncodeMessage(msg)
	if err != nil {
		return transportError("publish", channel, err)
	}
	b.hub.publish(channel, data)
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, transportError("subscribe", channel, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, transportError("subscribe", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		hub:     b.hub,
		client:  b,
		channel: channel,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.loop()
	b.hub.addSubscription(sub)
	return sub, nil
}

func (b *MemoryBroker) DeadLetter(ctx context.Context, msg *types.Message, reason string) error {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		return transportError("dead-letter", b.hub.deadLetterChannel, err)
	}
	b.hub.deadLetter(msg.Target.Channel(), data, msg, reason)
	return nil
}

func (b *MemoryBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.connected = false
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (b *MemoryBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *MemoryBroker) forget(sub *memorySubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
