package broker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbdna/agent-fleet/pkg/types"
)

func newTestMessage(target types.AgentType) *types.Message {
	return types.NewMessage(types.AgentTypeOrchestrator, target, types.PriorityMedium, &types.TaskRequest{
		UserID:   "u1",
		TaskType: "publish_post",
		Data:     map[string]any{"content": "hello"},
	})
}

func connectedClient(t *testing.T, hub *MemoryHub) *MemoryBroker {
	t.Helper()
	b := hub.Client()
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.EnsureDeadLetter(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (c *collector) handle(_ context.Context, msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) all() []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestMemoryPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	b := connectedClient(t, hub)

	var c collector
	_, err := b.Subscribe(context.Background(), "publisher", c.handle)
	require.NoError(t, err)

	msg := newTestMessage(types.AgentTypePublisher)
	require.NoError(t, b.Publish(context.Background(), "publisher", msg))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	got := c.all()[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.NotSame(t, msg, got)

	req, ok := got.TaskRequest()
	require.True(t, ok)
	assert.Equal(t, "hello", req.Data["content"])
}

func TestMemoryPendingUntilSubscribed(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	producer := connectedClient(t, hub)
	consumer := connectedClient(t, hub)

	for i := 0; i < 3; i++ {
		require.NoError(t, producer.Publish(context.Background(), "learning", newTestMessage(types.AgentTypeLearning)))
	}
	assert.Equal(t, 3, hub.Pending("learning"))

	var c collector
	_, err := consumer.Subscribe(context.Background(), "learning", c.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Pending("learning"))
}

func TestMemoryCompetingConsumers(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	b := connectedClient(t, hub)

	var c1, c2 collector
	_, err := b.Subscribe(context.Background(), "publisher", c1.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "publisher", c2.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher)))
	}

	require.Eventually(t, func() bool { return c1.count()+c2.count() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, c1.count())
	assert.Equal(t, 5, c2.count())
}

func TestMemoryBroadcastFanout(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	a := connectedClient(t, hub)
	b := connectedClient(t, hub)

	var ca, cb collector
	_, err := a.Subscribe(context.Background(), types.BroadcastChannel, ca.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), types.BroadcastChannel, cb.handle)
	require.NoError(t, err)

	msg := types.NewMessage(types.AgentTypePublisher, types.Broadcast, types.PriorityLow, &types.StatusUpdate{
		AgentType: types.AgentTypePublisher,
		State:     types.AgentStateOnline,
	})
	require.NoError(t, a.Publish(context.Background(), types.BroadcastChannel, msg))

	require.Eventually(t, func() bool { return ca.count() == 1 && cb.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Pending(types.BroadcastChannel))
}

func TestMemoryRedeliveryThenDeadLetter(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxDeliveries = 3
	hub := NewMemoryHub(opts)
	b := connectedClient(t, hub)

	var attempts atomic.Int32
	_, err := b.Subscribe(context.Background(), "quality-control", func(context.Context, *types.Message) error {
		attempts.Add(1)
		return errors.New("transient")
	})
	require.NoError(t, err)

	msg := newTestMessage(types.AgentTypeQualityControl)
	require.NoError(t, b.Publish(context.Background(), "quality-control", msg))

	require.Eventually(t, func() bool { return len(hub.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	dl := hub.DeadLetters()[0]
	assert.Equal(t, "quality-control", dl.Channel)
	assert.Equal(t, "transient", dl.Reason)
	require.NotNil(t, dl.Message)
	assert.Equal(t, msg.ID, dl.Message.ID)
}

func TestMemoryRedeliverySucceeds(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	b := connectedClient(t, hub)

	var attempts atomic.Int32
	_, err := b.Subscribe(context.Background(), "publisher", func(context.Context, *types.Message) error {
		if attempts.Add(1) == 1 {
			panic("first delivery explodes")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher)))

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, hub.DeadLetters())
}

func TestMemoryUnsubscribeReturnsUndelivered(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	b := connectedClient(t, hub)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var first collector
	sub, err := b.Subscribe(context.Background(), "publisher", func(ctx context.Context, msg *types.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return first.handle(ctx, msg)
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher)))
	}
	// 第一条消息阻塞在 handler 中，其余仍在 inbox
	<-started
	require.NoError(t, sub.Unsubscribe())
	close(release)

	require.Eventually(t, func() bool { return hub.Pending("publisher") == 2 }, time.Second, 5*time.Millisecond)

	var second collector
	_, err = b.Subscribe(context.Background(), "publisher", second.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return second.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return first.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryNotConnected(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	b := hub.Client()

	err := b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "publish", te.Op)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = b.Subscribe(context.Background(), "publisher", func(context.Context, *types.Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Disconnect(context.Background()))
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher)))
}

func TestMemoryDisconnectStopsDelivery(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())
	producer := connectedClient(t, hub)
	consumer := hub.Client()
	require.NoError(t, consumer.Connect(context.Background()))

	var c collector
	_, err := consumer.Subscribe(context.Background(), "learning", c.handle)
	require.NoError(t, err)
	require.NoError(t, consumer.Disconnect(context.Background()))

	require.NoError(t, producer.Publish(context.Background(), "learning", newTestMessage(types.AgentTypeLearning)))
	assert.Equal(t, 1, hub.Pending("learning"))
	assert.Equal(t, 0, c.count())
}

func TestNewSelectsTransport(t *testing.T) {
	hub := NewMemoryHub(DefaultOptions())

	b, err := New(Options{URL: "memory://"}, hub)
	require.NoError(t, err)
	mb, ok := b.(*MemoryBroker)
	require.True(t, ok)
	assert.Same(t, hub, mb.Hub())

	b, err = New(Options{URL: "redis://localhost:6379/0"}, nil)
	require.NoError(t, err)
	_, ok = b.(*RedisBroker)
	assert.True(t, ok)

	_, err = New(Options{URL: "amqp://localhost"}, nil)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestRedisKeys(t *testing.T) {
	b := NewRedisBroker(Options{URL: "redis://localhost:6379/0", ChannelPrefix: "pbdna"})
	assert.Equal(t, "pbdna:queue:publisher", b.queueKey("publisher"))
	assert.Equal(t, "pbdna:dlq:dead-letter", b.deadLetterKey())

	bare := NewRedisBroker(Options{URL: "redis://localhost:6379/0"})
	assert.Equal(t, "queue:publisher", bare.queueKey("publisher"))
	assert.False(t, bare.IsConnected())

	err := bare.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher))
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestRedisRoundTrip 需要真实 Redis，设置 REDIS_TEST_URL 后运行
func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	opts := DefaultOptions()
	opts.URL = url
	opts.ChannelPrefix = "pbdna-test-" + time.Now().Format("150405.000")
	opts.PollTimeout = 100 * time.Millisecond
	opts.MaxDeliveries = 2

	b := NewRedisBroker(opts)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())
	require.NoError(t, b.EnsureDeadLetter(context.Background()))

	var c collector
	_, err := b.Subscribe(context.Background(), "publisher", c.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "learning", func(context.Context, *types.Message) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "publisher", newTestMessage(types.AgentTypePublisher)))
	require.NoError(t, b.Publish(context.Background(), "learning", newTestMessage(types.AgentTypeLearning)))

	require.Eventually(t, func() bool { return c.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		entries, err := b.DeadLetters(context.Background(), 10)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRedisProcessingKeyIsStable(t *testing.T) {
	opts := DefaultOptions()
	opts.ChannelPrefix = "fleet"
	opts.ConsumerID = "worker-a"

	first := NewRedisBroker(opts)
	second := NewRedisBroker(opts)
	assert.Equal(t, "fleet:processing:publisher:worker-a", first.processingKey("publisher"))
	assert.Equal(t, first.processingKey("publisher"), second.processingKey("publisher"))

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, DefaultOptions().withDefaults().ConsumerID)
}

// TestRedisRecoversInFlightMessages 需要真实 Redis，设置 REDIS_TEST_URL 后运行
func TestRedisRecoversInFlightMessages(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	opts := DefaultOptions()
	opts.URL = url
	opts.ChannelPrefix = "pbdna-test-" + time.Now().Format("150405.000")
	opts.PollTimeout = 100 * time.Millisecond
	opts.ConsumerID = "worker-a"

	// 上一个进程取出消息后崩溃，消息留在处理中列表
	crashed := NewRedisBroker(opts)
	require.NoError(t, crashed.Connect(context.Background()))
	defer crashed.Disconnect(context.Background())
	client, err := crashed.getClient()
	require.NoError(t, err)
	data, err := types.EncodeMessage(newTestMessage(types.AgentTypePublisher))
	require.NoError(t, err)
	envelope, err := sonic.Marshal(&redisEnvelope{Message: data})
	require.NoError(t, err)
	require.NoError(t, client.LPush(context.Background(), crashed.processingKey("publisher"), envelope).Err())
	defer client.Del(context.Background(), crashed.processingKey("publisher"), crashed.queueKey("publisher"))

	restarted := NewRedisBroker(opts)
	require.NoError(t, restarted.Connect(context.Background()))
	defer restarted.Disconnect(context.Background())

	var c collector
	_, err = restarted.Subscribe(context.Background(), "publisher", c.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), restarted.processingKey("publisher")).Result()
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err = restarted.Subscribe(context.Background(), "publisher", c.handle)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}
