package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/broker"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
	"pbdna/agent-fleet/pkg/utils"
)

// Runtime 托管一个 Processor 的 agent 运行时。
type Runtime struct {
	cfg       types.AgentConfig
	processor Processor
	broker    broker.Broker
	log       *zap.Logger

	// 生命周期
	lifecycleMu sync.Mutex
	started     bool
	running     atomic.Bool
	startedAt   atomic.Value // time.Time
	subs        []broker.Subscription

	// 健康上报
	healthCancel context.CancelFunc
	healthDone   chan struct{}

	// 任务，accepting 与 active 同受 mu 保护
	mu        sync.Mutex
	accepting bool
	active    map[string]*types.Task
	completed atomic.Int64
	failed    atomic.Int64
	durations *durationStats
}

// NewRuntime 创建 agent 运行时。配置在创建时复制，之后不可修改。
func NewRuntime(cfg types.AgentConfig, processor Processor, b broker.Broker) *Runtime {
	defaults := types.DefaultAgentConfig(cfg.Type)
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%s", cfg.Type, uuid.New().String()[:8])
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Type)
	}
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.ShutdownPollInterval <= 0 {
		cfg.ShutdownPollInterval = defaults.ShutdownPollInterval
	}

	r := &Runtime{
		cfg:       cfg,
		processor: processor,
		broker:    b,
		log:       logger.Named(string(cfg.Type)).With(zap.String("agent_id", cfg.ID)),
		active:    make(map[string]*types.Task),
		durations: newDurationStats(),
	}
	r.startedAt.Store(time.Time{})

	if aware, ok := processor.(EmitterAware); ok {
		aware.SetEmitter(r)
	}
	return r
}

// ID 返回 agent 实例 ID。
func (r *Runtime) ID() string {
	return r.cfg.ID
}

// Type 返回 agent 类型。
func (r *Runtime) Type() types.AgentType {
	return r.cfg.Type
}

// Config 返回配置副本。
func (r *Runtime) Config() types.AgentConfig {
	return r.cfg
}

// IsRunning 返回是否运行中。
func (r *Runtime) IsRunning() bool {
	return r.running.Load()
}

// Start 连接消息通道、初始化 Processor、订阅通道并广播上线。
// 任一步骤失败都会返回错误，之后仍可安全调用 Stop。
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return nil
	}
	r.started = true

	if err := r.broker.Connect(ctx); err != nil {
		return fmt.Errorf("%s connect: %w", r.cfg.Type, err)
	}
	if err := r.broker.EnsureDeadLetter(ctx); err != nil {
		return fmt.Errorf("%s ensure dead-letter: %w", r.cfg.Type, err)
	}
	if err := r.processor.Initialize(ctx); err != nil {
		return fmt.Errorf("%s initialize: %w", r.cfg.Type, err)
	}

	// 先置为可接收，订阅后立刻投递的积压消息不会被误拒
	r.setAccepting(true)
	for _, channel := range []string{r.cfg.Type.Channel(), types.BroadcastChannel} {
		sub, err := r.broker.Subscribe(ctx, channel, r.handle)
		if err != nil {
			r.setAccepting(false)
			return fmt.Errorf("%s subscribe: %w", r.cfg.Type, err)
		}
		r.subs = append(r.subs, sub)
	}

	r.startHealthLoop()
	r.startedAt.Store(time.Now())
	r.running.Store(true)

	if err := r.broadcastState(ctx, types.AgentStateOnline); err != nil {
		return fmt.Errorf("%s broadcast online: %w", r.cfg.Type, err)
	}

	r.log.Info("agent started",
		zap.Int("max_concurrent_tasks", r.cfg.MaxConcurrentTasks),
		zap.Duration("health_check_interval", r.cfg.HealthCheckInterval),
	)
	return nil
}

// Stop 停止接收任务、等待在途任务完成（有上限）、广播下线并断开连接。
// 可重复调用，Start 部分失败后调用也是安全的；传输错误只记录日志。
func (r *Runtime) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	wasRunning := r.running.Swap(false)
	r.setAccepting(false)

	// 先退订本类型通道，未投递的请求留在通道中
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn("unsubscribe failed", zap.String("channel", sub.Channel()), zap.Error(err))
		}
	}
	r.subs = nil

	r.stopHealthLoop()
	r.gracefulShutdown(ctx)

	if wasRunning {
		if err := r.broadcastState(ctx, types.AgentStateOffline); err != nil {
			r.log.Warn("broadcast offline failed", zap.Error(err))
		}
	}

	if err := r.broker.Disconnect(ctx); err != nil {
		r.log.Warn("disconnect failed", zap.Error(err))
	}

	r.log.Info("agent stopped",
		zap.Int64("completed_tasks", r.completed.Load()),
		zap.Int64("failed_tasks", r.failed.Load()),
	)
	return nil
}

// gracefulShutdown 按固定间隔轮询在途任务数，超时后记录警告并继续。
func (r *Runtime) gracefulShutdown(ctx context.Context) {
	if r.ActiveTaskCount() == 0 {
		return
	}

	deadline := time.NewTimer(r.cfg.ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.ShutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.ActiveTaskCount() == 0 {
				return
			}
		case <-deadline.C:
			r.log.Warn("shutdown timeout with tasks still active",
				zap.Int("active_tasks", r.ActiveTaskCount()),
				zap.Duration("timeout", r.cfg.ShutdownTimeout),
			)
			return
		case <-ctx.Done():
			r.log.Warn("shutdown context done with tasks still active",
				zap.Int("active_tasks", r.ActiveTaskCount()),
				zap.Error(ctx.Err()),
			)
			return
		}
	}
}

func (r *Runtime) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.healthCancel = cancel
	r.healthDone = done

	utils.SafeGoWithName(string(r.cfg.Type)+"-health", func() {
		defer close(done)

		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reportHealth(ctx)
			}
		}
	})
}

func (r *Runtime) stopHealthLoop() {
	if r.healthCancel == nil {
		return
	}
	r.healthCancel()
	<-r.healthDone
	r.healthCancel = nil
	r.healthDone = nil
}

// reportHealth 向 orchestrator 上报健康快照，失败只记录日志。
func (r *Runtime) reportHealth(ctx context.Context) {
	health := r.HealthStatus()
	_, err := r.Emit(ctx, types.AgentTypeOrchestrator, types.PriorityLow, &types.StatusUpdate{
		AgentID:   r.cfg.ID,
		AgentType: r.cfg.Type,
		State:     types.AgentStateRunning,
		Health:    &health,
	}, "")
	if err != nil {
		r.log.Warn("health report failed", zap.Error(err))
	}
}

func (r *Runtime) broadcastState(ctx context.Context, state types.AgentState) error {
	health := r.HealthStatus()
	_, err := r.Emit(ctx, types.Broadcast, types.PriorityMedium, &types.StatusUpdate{
		AgentID:   r.cfg.ID,
		AgentType: r.cfg.Type,
		State:     state,
		Health:    &health,
	}, "")
	return err
}

// Emit 以当前 agent 为来源发布消息。
func (r *Runtime) Emit(ctx context.Context, target types.AgentType, priority types.Priority, payload types.Payload, correlationID string) (*types.Message, error) {
	msg := types.NewMessage(r.cfg.Type, target, priority, payload).WithCorrelation(correlationID)
	if err := r.Publish(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Publish 校验并发布消息到目标通道。
func (r *Runtime) Publish(ctx context.Context, msg *types.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return r.broker.Publish(ctx, msg.Target.Channel(), msg)
}

// handle 是订阅的消息入口，按消息类型分发。
func (r *Runtime) handle(ctx context.Context, msg *types.Message) error {
	if msg.Target.IsBroadcast() && msg.Source == r.cfg.Type {
		return nil
	}

	switch msg.Type {
	case types.MessageTypeTaskRequest:
		return r.handleTaskRequest(ctx, msg)

	case types.MessageTypeCoordination:
		if h, ok := r.processor.(CoordinationHandler); ok {
			event, _ := msg.Coordination()
			return r.runHook(ctx, msg, func() error { return h.HandleCoordination(ctx, msg, event) })
		}

	case types.MessageTypeStatusUpdate:
		if h, ok := r.processor.(StatusHandler); ok {
			update, _ := msg.Payload.(*types.StatusUpdate)
			return r.runHook(ctx, msg, func() error { return h.HandleStatusUpdate(ctx, msg, update) })
		}

	case types.MessageTypeLearningUpdate:
		if h, ok := r.processor.(LearningHandler); ok {
			update, _ := msg.Payload.(*types.LearningUpdate)
			return r.runHook(ctx, msg, func() error { return h.HandleLearningUpdate(ctx, msg, update) })
		}

	case types.MessageTypeTaskResult, types.MessageTypeErrorReport:
		if h, ok := r.processor.(MessageHandler); ok {
			return r.runHook(ctx, msg, func() error { return h.HandleMessage(ctx, msg) })
		}

	default:
		r.log.Warn("dropping message of unknown type",
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)),
		)
		return nil
	}

	r.log.Debug("message received",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("source", string(msg.Source)),
	)
	return nil
}

// runHook 执行消息钩子，错误与 panic 转为发给来源的 error_report。
func (r *Runtime) runHook(ctx context.Context, msg *types.Message, fn func() error) error {
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = &ProcessingError{
					TaskID: msg.ID,
					Agent:  r.cfg.Type,
					Err:    fmt.Errorf("hook panic: %v", rec),
					Trace:  string(debug.Stack()),
				}
			}
		}()
		return fn()
	}()
	if err == nil {
		return nil
	}

	r.log.Error("message hook failed",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.Error(err),
	)
	taskErr := types.TaskError{Message: err.Error()}
	var perr *ProcessingError
	if errors.As(err, &perr) {
		taskErr.Trace = perr.Trace
	}
	r.reportError(ctx, msg, taskErr)
	return nil
}

func (r *Runtime) reportError(ctx context.Context, msg *types.Message, taskErr types.TaskError) {
	target := msg.Source
	if target == "" || target == r.cfg.Type {
		target = types.AgentTypeOrchestrator
	}
	_, err := r.Emit(ctx, target, types.PriorityHigh, &types.ErrorReport{
		OriginalMessageID: msg.ID,
		Error:             taskErr,
	}, msg.CorrelationID)
	if err != nil {
		r.log.Warn("error report failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (r *Runtime) handleTaskRequest(ctx context.Context, msg *types.Message) error {
	task, err := r.Submit(ctx, msg)

	var rejection *RejectionError
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrDuplicateTask):
		r.log.Debug("ignoring redelivered task", zap.String("task_id", msg.ID))
		return nil

	case errors.As(err, &rejection):
		r.log.Info("task rejected",
			zap.String("task_id", rejection.TaskID),
			zap.String("reason", rejection.Reason),
		)
		result := task.ToResult()
		result.Status = types.TaskStatusCancelled
		result.Rejected = true
		result.Reason = rejection.Reason
		return r.publishResult(ctx, task, result)

	default:
		r.log.Warn("malformed task request", zap.String("message_id", msg.ID), zap.Error(err))
		r.reportError(ctx, msg, types.TaskError{Message: err.Error()})
		return nil
	}
}

// Submit 接收一条 task_request 消息。容量检查与占位在同一把锁内完成，
// 拒绝以 *RejectionError 同步返回；接受的任务在独立 goroutine 中处理。
// 返回的 Task 是提交时刻的快照。
func (r *Runtime) Submit(ctx context.Context, msg *types.Message) (*types.Task, error) {
	task, err := types.TaskFromMessage(r.cfg.Type, msg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		task.Status = types.TaskStatusCancelled
		return task, r.rejection(task, ReasonNotRunning)
	}
	if _, dup := r.active[task.ID]; dup {
		r.mu.Unlock()
		return nil, ErrDuplicateTask
	}
	if len(r.active) >= r.cfg.MaxConcurrentTasks {
		r.mu.Unlock()
		task.Status = types.TaskStatusCancelled
		return task, r.rejection(task, ReasonAtCapacity)
	}
	r.active[task.ID] = task
	r.mu.Unlock()

	if !r.validate(task) {
		r.release(task.ID)
		task.Status = types.TaskStatusCancelled
		return task, r.rejection(task, ReasonInvalidTask)
	}

	r.mu.Lock()
	now := time.Now()
	task.Status = types.TaskStatusInProgress
	task.StartedAt = &now
	snapshot := *task
	r.mu.Unlock()

	r.log.Debug("task accepted",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Int("attempt", task.RetryCount+1),
	)

	utils.SafeGoWithName("task-"+task.ID, func() {
		r.process(task)
	})
	return &snapshot, nil
}

func (r *Runtime) rejection(task *types.Task, reason string) error {
	return &RejectionError{TaskID: task.ID, Agent: r.cfg.Type, Reason: reason}
}

// validate 调用 ValidateTask，panic 视为校验失败。
func (r *Runtime) validate(task *types.Task) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("task validation panicked", zap.String("task_id", task.ID), zap.Any("panic", rec))
			ok = false
		}
	}()
	return r.processor.ValidateTask(task)
}

func (r *Runtime) release(taskID string) {
	r.mu.Lock()
	delete(r.active, taskID)
	r.mu.Unlock()
}

// process 执行任务并发布唯一的终态结果，发布后才释放容量。
func (r *Runtime) process(task *types.Task) {
	defer r.release(task.ID)

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	result, perr := r.invoke(ctx, task)

	r.mu.Lock()
	completedAt := time.Now()
	task.CompletedAt = &completedAt
	if perr != nil {
		task.Status = types.TaskStatusFailed
		task.Error = perr.TaskError()
	} else {
		task.Status = types.TaskStatusCompleted
		task.Result = result
	}
	payload := task.ToResult()
	r.mu.Unlock()

	r.durations.record(task.Duration())
	if perr != nil {
		r.failed.Add(1)
		r.log.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.Error(perr.Err),
		)
	} else {
		r.completed.Add(1)
		r.log.Debug("task completed",
			zap.String("task_id", task.ID),
			zap.Duration("duration", task.Duration()),
		)
	}

	if err := r.publishResult(context.Background(), task, payload); err != nil {
		r.log.Error("publish task result failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// invoke 调用 ProcessTask，错误与 panic 统一为 ProcessingError。
func (r *Runtime) invoke(ctx context.Context, task *types.Task) (result any, perr *ProcessingError) {
	defer func() {
		if rec := recover(); rec != nil {
			perr = &ProcessingError{
				TaskID: task.ID,
				Agent:  r.cfg.Type,
				Err:    fmt.Errorf("panic: %v", rec),
				Trace:  string(debug.Stack()),
			}
		}
	}()

	result, err := r.processor.ProcessTask(ctx, task)
	if err != nil {
		return nil, &ProcessingError{
			TaskID: task.ID,
			Agent:  r.cfg.Type,
			Err:    err,
			Trace:  errorTrace(err),
		}
	}
	return result, nil
}

// errorTrace 展开错误链并附上当前调用栈
func errorTrace(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	b.Write(debug.Stack())
	return b.String()
}

// setAccepting 与容量占位共用 r.mu，Stop 之后不会再有任务占位
func (r *Runtime) setAccepting(v bool) {
	r.mu.Lock()
	r.accepting = v
	r.mu.Unlock()
}

func (r *Runtime) publishResult(ctx context.Context, task *types.Task, result *types.TaskResult) error {
	target := task.Source
	if target == "" || target.IsBroadcast() {
		target = types.AgentTypeOrchestrator
	}
	_, err := r.Emit(ctx, target, task.Priority, result, task.CorrelationID)
	return err
}

// ActiveTaskCount 返回在途任务数。
func (r *Runtime) ActiveTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveTasks 返回在途任务快照。
func (r *Runtime) ActiveTasks() []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Task, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, *t)
	}
	return out
}

// HealthStatus 根据内存计数器与进程资源同步计算健康快照，不做 I/O。
func (r *Runtime) HealthStatus() types.HealthStatus {
	now := time.Now()
	running := r.running.Load()

	var uptime time.Duration
	if started, _ := r.startedAt.Load().(time.Time); running && !started.IsZero() {
		uptime = now.Sub(started)
	}

	proc := utils.ReadProcessStats()
	mean, p95 := r.durations.snapshot()

	return types.HealthStatus{
		AgentID:             r.cfg.ID,
		AgentType:           r.cfg.Type,
		Healthy:             running && r.broker.IsConnected(),
		Running:             running,
		LastCheck:           now,
		Uptime:              uptime,
		MemoryUsage:         proc.MemoryUsage,
		CPUUsage:            proc.CPUUsage,
		ActiveTasks:         r.ActiveTaskCount(),
		MaxConcurrentTasks:  r.cfg.MaxConcurrentTasks,
		CompletedTasks:      r.completed.Load(),
		FailedTasks:         r.failed.Load(),
		AverageTaskDuration: mean,
		P95TaskDuration:     p95,
	}
}
