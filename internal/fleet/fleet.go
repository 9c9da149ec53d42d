package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/agent"
	"pbdna/agent-fleet/internal/agents"
	"pbdna/agent-fleet/internal/broker"
	"pbdna/agent-fleet/internal/cache"
	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/internal/health"
	"pbdna/agent-fleet/internal/orchestrator"
	"pbdna/agent-fleet/internal/store"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// ErrAlreadyStarted Start 被重复调用
var ErrAlreadyStarted = errors.New("fleet already started")

// Member fleet 中可独立启停的 agent
type Member interface {
	Type() types.AgentType
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthStatus() types.HealthStatus
}

// Options 创建 fleet 的可选依赖，零值字段按配置创建
type Options struct {
	// Hub memory:// 模式下所有 agent 共享的进程内通道
	Hub *broker.MemoryHub
	// Cache 用于结果去重和已见新闻
	Cache cache.Cache
	// Store 工作流存储
	Store store.Store
	// Definitions 工作流定义，为空时读取配置文件或使用内置定义
	Definitions []orchestrator.Definition
	// Listener 健康检查服务监听的 listener，为空时监听配置地址
	Listener net.Listener
	// Deps worker 依赖
	Deps agents.Deps
}

// Fleet 组装 orchestrator、worker 和健康检查服务
type Fleet struct {
	cfg      *config.Config
	listener net.Listener
	log      *zap.Logger

	agg          *health.Aggregator
	server       *health.Server
	orchestrator *orchestrator.Orchestrator
	workers      []Member

	closers []func() error

	mu      sync.Mutex
	started []Member
	running bool
}

// New 按配置创建 fleet，不启动任何组件
func New(ctx context.Context, cfg *config.Config, opts Options) (*Fleet, error) {
	f := &Fleet{
		cfg:      cfg,
		listener: opts.Listener,
		log:      logger.Named("fleet"),
		agg:      health.NewAggregator(),
	}

	brokerOpts := broker.Options{
		URL:               cfg.Broker.URL,
		ChannelPrefix:     cfg.Broker.ChannelPrefix,
		DeadLetterChannel: cfg.Broker.DeadLetterChannel,
		MaxDeliveries:     cfg.Broker.MaxDeliveries,
		PollTimeout:       cfg.Broker.PollTimeout,
		ConsumerID:        cfg.Broker.ConsumerID,
	}
	hub := opts.Hub
	if hub == nil && isMemoryURL(cfg.Broker.URL) {
		hub = broker.NewMemoryHub(brokerOpts)
	}

	c := opts.Cache
	if c == nil {
		var err error
		if c, err = cache.New(ctx, cfg.Cache); err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		f.closers = append(f.closers, c.Close)
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = store.New(cfg.Database); err != nil {
			f.close()
			return nil, fmt.Errorf("create store: %w", err)
		}
		f.closers = append(f.closers, st.Close)
	}

	defs := opts.Definitions
	if len(defs) == 0 {
		var err error
		if defs, err = orchestrator.LoadDefinitions(cfg.Orchestrator.WorkflowsFile); err != nil {
			f.close()
			return nil, err
		}
	}

	ob, err := broker.New(brokerOpts, hub)
	if err != nil {
		f.close()
		return nil, err
	}
	f.orchestrator, err = orchestrator.New(orchestrator.Options{
		Agent:       cfg.AgentConfig(types.AgentTypeOrchestrator),
		Definitions: defs,
		Retry:       cfg.Orchestrator.RetryPolicy(),
		Cache:       c,
		DedupTTL:    cfg.Cache.DedupTTL,
		Store:       st,
	}, ob)
	if err != nil {
		f.close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	deps := opts.Deps
	if deps.Cache == nil {
		deps.Cache = c
	}
	for _, agentType := range types.WorkerAgentTypes {
		if !cfg.AgentEnabled(agentType) {
			f.log.Info("agent disabled", zap.String("agent_type", string(agentType)))
			continue
		}
		p, err := agents.NewProcessor(cfg, agentType, deps)
		if err != nil {
			f.close()
			return nil, err
		}
		b, err := broker.New(brokerOpts, hub)
		if err != nil {
			f.close()
			return nil, err
		}
		f.workers = append(f.workers, agent.NewRuntime(cfg.AgentConfig(agentType), p, b))
	}

	f.server = health.NewServer(f.agg, cfg.Server)
	return f, nil
}

func isMemoryURL(raw string) bool {
	u, err := url.Parse(raw)
	return raw == "" || (err == nil && u.Scheme == "memory")
}

// Aggregator 返回健康检查聚合器
func (f *Fleet) Aggregator() *health.Aggregator {
	return f.agg
}

// Server 返回健康检查 HTTP 服务
func (f *Fleet) Server() *health.Server {
	return f.server
}

// Orchestrator 返回 orchestrator
func (f *Fleet) Orchestrator() *orchestrator.Orchestrator {
	return f.orchestrator
}

// Workers 返回按启动顺序排列的 worker
func (f *Fleet) Workers() []Member {
	return append([]Member(nil), f.workers...)
}

// Start 依次启动健康检查服务、orchestrator 和各 worker。
// 任一组件启动失败时停止已启动的部分并返回错误。
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrAlreadyStarted
	}

	var err error
	if f.listener != nil {
		err = f.server.Serve(f.listener)
	} else {
		err = f.server.Start()
	}
	if err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	f.running = true

	if err := f.startMember(ctx, f.orchestrator); err != nil {
		f.rollback()
		return err
	}
	o := f.orchestrator
	f.agg.RegisterExtra("workflows", func() any { return o.Stats() })

	if delay := f.cfg.Fleet.SettleDelay; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			f.rollback()
			return ctx.Err()
		}
	}

	for _, w := range f.workers {
		if err := f.startMember(ctx, w); err != nil {
			f.rollback()
			return err
		}
	}

	f.log.Info("fleet started",
		zap.Int("workers", len(f.workers)),
		zap.String("broker", f.cfg.Broker.URL),
		zap.String("health_address", f.server.Addr()),
	)
	return nil
}

func (f *Fleet) startMember(ctx context.Context, m Member) error {
	if err := m.Start(ctx); err != nil {
		// 部分启动的组件（已连接通道或已订阅）需要清理
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.gracefulTimeout())
		_ = m.Stop(stopCtx)
		cancel()
		return fmt.Errorf("start %s: %w", m.Type(), err)
	}
	f.started = append(f.started, m)
	f.agg.RegisterStatus(m.Type(), m.HealthStatus)
	f.log.Info("agent started", zap.String("agent_type", string(m.Type())))
	return nil
}

// rollback 启动失败时停止已启动的组件
func (f *Fleet) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), f.gracefulTimeout())
	defer cancel()
	f.stopLocked(ctx)
}

// Stop 逆序停止 worker，然后停止 orchestrator，最后关闭健康检查服务。
// 整个过程受 GracefulTimeout 约束，重复调用无副作用。
func (f *Fleet) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.gracefulTimeout())
	defer cancel()
	return f.stopLocked(ctx)
}

func (f *Fleet) stopLocked(ctx context.Context) error {
	var errs []error
	// started 中 orchestrator 在最前，逆序即先停 worker
	for i := len(f.started) - 1; i >= 0; i-- {
		m := f.started[i]
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.Type(), err))
		}
		f.agg.Unregister(m.Type())
	}
	f.started = nil

	if err := f.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown health server: %w", err))
	}
	f.close()
	f.running = false

	if err := errors.Join(errs...); err != nil {
		f.log.Warn("fleet stopped with errors", zap.Error(err))
		return err
	}
	f.log.Info("fleet stopped")
	return nil
}

// close 释放 fleet 自己创建的缓存和存储
func (f *Fleet) close() {
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](); err != nil {
			f.log.Warn("close resource failed", zap.Error(err))
		}
	}
	f.closers = nil
}

func (f *Fleet) gracefulTimeout() time.Duration {
	if f.cfg.Fleet.GracefulTimeout > 0 {
		return f.cfg.Fleet.GracefulTimeout
	}
	return 45 * time.Second
}

// Run 启动 fleet 并阻塞到 ctx 结束，然后优雅停止
func (f *Fleet) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		// 启动期间收到退出信号，Start 已回滚，按正常退出处理
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			f.log.Info("shutdown signal received during startup", zap.Error(context.Cause(ctx)))
			return nil
		}
		return err
	}
	<-ctx.Done()
	f.log.Info("shutdown signal received", zap.Error(context.Cause(ctx)))
	return f.Stop(context.WithoutCancel(ctx))
}
