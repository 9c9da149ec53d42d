package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// redisEnvelope 队列中的消息封装，attempt 记录已失败的投递次数
type redisEnvelope struct {
	Attempt int             `json:"attempt"`
	Message json.RawMessage `json:"message"`
}

// RedisBroker 基于 Redis 的消息通道。
// 点对点通道使用 LPUSH + BLMOVE 的可靠队列，broadcast 使用 pub/sub，
// 死信写入独立的 list。
type RedisBroker struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*redisSubscription
	wg     sync.WaitGroup
}

// NewRedisBroker 创建 Redis 消息通道客户端，调用 Connect 后可用
func NewRedisBroker(opts Options) *RedisBroker {
	return &RedisBroker{
		opts: opts.withDefaults(),
		log:  logger.Named("broker.redis"),
		subs: make(map[string]*redisSubscription),
	}
}

// key 生成带前缀的 Redis key
func (b *RedisBroker) key(parts ...string) string {
	if b.opts.ChannelPrefix != "" {
		parts = append([]string{b.opts.ChannelPrefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (b *RedisBroker) queueKey(channel string) string {
	return b.key("queue", channel)
}

func (b *RedisBroker) deadLetterKey() string {
	return b.key("dlq", b.opts.DeadLetterChannel)
}

func (b *RedisBroker) getClient() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *RedisBroker) Connect(ctx context.Context) error {
	redisOpts, err := redis.ParseURL(b.opts.URL)
	if err != nil {
		return transportError("connect", "", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transportError("connect", "", err)
	}

	b.mu.Lock()
	old := b.client
	b.client = client
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (b *RedisBroker) EnsureDeadLetter(ctx context.Context) error {
	client, err := b.getClient()
	if err != nil {
		return transportError("ensure dead-letter", b.opts.DeadLetterChannel, err)
	}
	// list 在第一次写入时创建，这里只登记死信通道供运维查询
	if err := client.HSet(ctx, b.key("meta"), "dead_letter", b.deadLetterKey()).Err(); err != nil {
		return transportError("ensure dead-letter", b.opts.DeadLetterChannel, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, msg *types.Message) error {
	client, err := b.getClient()
	if err != nil {
		return transportError("publish", channel, err)
	}

	data, err := types.EncodeMessage(msg)
	if err != nil {
		return transportError("publish", channel, err)
	}

	if channel == types.BroadcastChannel {
		if err := client.Publish(ctx, b.key(channel), data).Err(); err != nil {
			return transportError("publish", channel, err)
		}
		return nil
	}

	envelope, err := sonic.Marshal(&redisEnvelope{Message: data})
	if err != nil {
		return transportError("publish", channel, err)
	}
	if err := client.LPush(ctx, b.queueKey(channel), envelope).Err(); err != nil {
		return transportError("publish", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	client, err := b.getClient()
	if err != nil {
		return nil, transportError("subscribe", channel, err)
	}

	if channel != types.BroadcastChannel {
		if b.subscribed(channel) {
			return nil, transportError("subscribe", channel, ErrAlreadySubscribed)
		}
		if err := b.recoverProcessing(ctx, client, channel); err != nil {
			return nil, transportError("subscribe", channel, err)
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		id:      uuid.New().String(),
		broker:  b,
		channel: channel,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if channel == types.BroadcastChannel {
		pubsub := client.Subscribe(ctx, b.key(channel))
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			_ = pubsub.Close()
			return nil, transportError("subscribe", channel, err)
		}
		sub.pubsub = pubsub
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(sub.done)
		if sub.pubsub != nil {
			sub.consumeBroadcast(subCtx)
		} else {
			sub.consumeQueue(subCtx, client)
		}
	}()

	return sub, nil
}

func (b *RedisBroker) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.channel == channel {
			return true
		}
	}
	return false
}

// processingKey 处理中列表按通道和消费者标识命名，同一消费者重启后仍能找到
func (b *RedisBroker) processingKey(channel string) string {
	return b.key("processing", channel, b.opts.ConsumerID)
}

// recoverProcessing 把上次运行遗留在处理中列表的消息放回队列头部，
// 较早取出的消息先被重新消费。
func (b *RedisBroker) recoverProcessing(ctx context.Context, client *redis.Client, channel string) error {
	processing := b.processingKey(channel)
	queue := b.queueKey(channel)

	recovered := 0
	for {
		err := client.LMove(ctx, processing, queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("recover in-flight messages: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		b.log.Info("recovered in-flight messages",
			zap.String("channel", channel),
			zap.String("consumer_id", b.opts.ConsumerID),
			zap.Int("count", recovered),
		)
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, msg *types.Message, reason string) error {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		return transportError("dead-letter", b.opts.DeadLetterChannel, err)
	}
	return b.deadLetterRaw(ctx, msg.Target.Channel(), data, reason)
}

func (b *RedisBroker) deadLetterRaw(ctx context.Context, channel string, data []byte, reason string) error {
	client, err := b.getClient()
	if err != nil {
		return transportError("dead-letter", b.opts.DeadLetterChannel, err)
	}

	entry, err := sonic.Marshal(&DeadLetterEntry{
		Channel:  channel,
		Reason:   reason,
		FailedAt: time.Now(),
		Raw:      data,
	})
	if err != nil {
		return transportError("dead-letter", b.opts.DeadLetterChannel, err)
	}
	if err := client.LPush(ctx, b.deadLetterKey(), entry).Err(); err != nil {
		return transportError("dead-letter", b.opts.DeadLetterChannel, err)
	}

	b.log.Warn("message dead-lettered", zap.String("channel", channel), zap.String("reason", reason))
	return nil
}

// DeadLetters 读取最近的死信记录
func (b *RedisBroker) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	client, err := b.getClient()
	if err != nil {
		return nil, transportError("dead-letters", b.opts.DeadLetterChannel, err)
	}
	if limit <= 0 {
		limit = 100
	}

	items, err := client.LRange(ctx, b.deadLetterKey(), 0, limit-1).Result()
	if err != nil {
		return nil, transportError("dead-letters", b.opts.DeadLetterChannel, err)
	}

	entries := make([]DeadLetterEntry, 0, len(items))
	for _, item := range items {
		var entry DeadLetterEntry
		if err := sonic.UnmarshalString(item, &entry); err != nil {
			continue
		}
		if msg, err := types.DecodeMessage(entry.Raw); err == nil {
			entry.Message = msg
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *RedisBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	waitDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		b.log.Warn("subscriptions did not exit before disconnect deadline")
	}

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return transportError("disconnect", "", err)
	}
	return nil
}

func (b *RedisBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

func (b *RedisBroker) forget(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// redisSubscription Redis 订阅
type redisSubscription struct {
	id      string
	broker  *RedisBroker
	channel string
	handler Handler
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) Channel() string {
	return s.channel
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
		s.broker.forget(s.id)
	})
	if err != nil {
		return transportError("unsubscribe", s.channel, err)
	}
	return nil
}

// consumeQueue 从可靠队列消费：BLMOVE 到处理中列表，处理完成后移除
func (s *redisSubscription) consumeQueue(ctx context.Context, client *redis.Client) {
	queue := s.broker.queueKey(s.channel)
	processing := s.broker.processingKey(s.channel)
	timeout := s.broker.opts.PollTimeout

	for ctx.Err() == nil {
		raw, err := client.BLMove(ctx, queue, processing, "RIGHT", "LEFT", timeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.broker.log.Warn("queue poll failed", zap.String("channel", s.channel), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
			}
			continue
		}

		s.handleQueued(ctx, client, raw)

		// 处理结束后才确认，进程崩溃时消息留在处理中列表，下次订阅时回收
		if err := client.LRem(context.Background(), processing, 1, raw).Err(); err != nil {
			s.broker.log.Warn("ack failed", zap.String("channel", s.channel), zap.Error(err))
		}
	}
}

func (s *redisSubscription) handleQueued(ctx context.Context, client *redis.Client, raw string) {
	var envelope redisEnvelope
	if err := sonic.UnmarshalString(raw, &envelope); err != nil {
		_ = s.broker.deadLetterRaw(context.Background(), s.channel, []byte(raw), fmt.Sprintf("decode envelope: %v", err))
		return
	}

	msg, err := types.DecodeMessage(envelope.Message)
	if err != nil {
		_ = s.broker.deadLetterRaw(context.Background(), s.channel, envelope.Message, fmt.Sprintf("decode: %v", err))
		return
	}

	err = invokeHandler(ctx, s.handler, msg)
	if err == nil {
		return
	}

	envelope.Attempt++
	if envelope.Attempt >= s.broker.opts.MaxDeliveries {
		_ = s.broker.deadLetterRaw(context.Background(), s.channel, envelope.Message, err.Error())
		return
	}

	retry, mErr := sonic.Marshal(&envelope)
	if mErr == nil {
		mErr = client.LPush(context.Background(), s.broker.queueKey(s.channel), retry).Err()
	}
	if mErr != nil {
		s.broker.log.Error("requeue failed",
			zap.String("channel", s.channel),
			zap.String("message_id", msg.ID),
			zap.Error(mErr),
		)
	}
}

// consumeBroadcast 消费 pub/sub 广播，广播消息不重投
func (s *redisSubscription) consumeBroadcast(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := types.DecodeMessage([]byte(m.Payload))
			if err != nil {
				s.broker.log.Warn("dropping undecodable broadcast", zap.Error(err))
				continue
			}
			if err := invokeHandler(ctx, s.handler, msg); err != nil {
				s.broker.log.Warn("broadcast handler failed",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func invokeHandler(ctx context.Context, handler Handler, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, msg)
}
