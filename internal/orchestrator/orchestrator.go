package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/agent"
	"pbdna/agent-fleet/internal/broker"
	"pbdna/agent-fleet/internal/cache"
	"pbdna/agent-fleet/internal/store"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// 工作流状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusHalted    = "halted"
)

// TaskTypeStartWorkflow orchestrator 自身接收的任务类型
const TaskTypeStartWorkflow = types.EventStartWorkflow

var (
	// ErrUnknownWorkflow 工作流名称未定义
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrStopped orchestrator 已停止
	ErrStopped = errors.New("orchestrator stopped")
)

// Options orchestrator 的依赖与配置，零值字段使用默认实现。
type Options struct {
	Agent       types.AgentConfig
	Definitions []Definition
	Retry       *types.RetryPolicy
	Cache       cache.Cache
	DedupTTL    time.Duration
	Store       store.Store
}

// AgentView 最近一次收到的 agent 状态
type AgentView struct {
	AgentID   string              `json:"agentId"`
	AgentType types.AgentType     `json:"agentType"`
	State     types.AgentState    `json:"state"`
	Health    *types.HealthStatus `json:"health,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Stats 工作流计数
type Stats struct {
	Active    int   `json:"active"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Halted    int64 `json:"halted"`
	Retries   int64 `json:"retries"`
}

// workflow 一个进行中的工作流
type workflow struct {
	def     *Definition
	rec     store.WorkflowRecord
	request *types.Message

	timer    *time.Timer
	retryGen int
}

func (wf *workflow) stage() *Stage {
	return &wf.def.Stages[wf.rec.Stage]
}

// scope 构造第 index 个阶段的 JSONPath 求值范围
func (wf *workflow) scope(index int) map[string]any {
	var previous any
	if index > 0 {
		previous = wf.rec.Results[wf.def.Stages[index-1].Name]
	}
	return map[string]any{
		"event":         wf.rec.Event,
		"previous":      previous,
		"results":       wf.rec.Results,
		"userId":        wf.rec.UserID,
		"correlationId": wf.rec.ID,
	}
}

func (wf *workflow) snapshot() *store.WorkflowRecord {
	rec := wf.rec
	rec.Event = maps.Clone(wf.rec.Event)
	rec.Results = maps.Clone(wf.rec.Results)
	return &rec
}

// Orchestrator 协调其他 agent 的工作流引擎，由一个 orchestrator 类型的
// agent.Runtime 托管：领域事件触发工作流，task_result 推进阶段，失败按
// 重试策略重新提交。
type Orchestrator struct {
	runtime  *agent.Runtime
	emitter  agent.Emitter
	defs     map[string]*Definition
	triggers map[string]*Definition
	retry    *types.RetryPolicy
	dedup    *Deduper
	store    store.Store
	log      *zap.Logger

	mu        sync.Mutex
	stopped   bool
	workflows map[string]*workflow
	agents    map[string]AgentView

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	halted    atomic.Int64
	retries   atomic.Int64
}

// New 创建 orchestrator 及其运行时
func New(opts Options, b broker.Broker) (*Orchestrator, error) {
	defs := opts.Definitions
	if len(defs) == 0 {
		defs = DefaultDefinitions()
	}
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}

	retry := opts.Retry
	if retry == nil || retry.MaxAttempts < 1 {
		retry = types.DefaultRetryPolicy()
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemoryCache("")
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	o := &Orchestrator{
		defs:      make(map[string]*Definition, len(defs)),
		triggers:  make(map[string]*Definition, len(defs)),
		retry:     retry,
		dedup:     NewDeduper(c, opts.DedupTTL),
		store:     st,
		log:       logger.Named(string(types.AgentTypeOrchestrator)),
		workflows: make(map[string]*workflow),
		agents:    make(map[string]AgentView),
	}
	for i := range defs {
		def := &defs[i]
		o.defs[def.Name] = def
		if def.Trigger != "" {
			o.triggers[def.Trigger] = def
		}
	}

	cfg := opts.Agent
	cfg.Type = types.AgentTypeOrchestrator
	o.runtime = agent.NewRuntime(cfg, o, b)
	return o, nil
}

// Runtime 返回托管 orchestrator 的运行时
func (o *Orchestrator) Runtime() *agent.Runtime {
	return o.runtime
}

func (o *Orchestrator) Type() types.AgentType {
	return types.AgentTypeOrchestrator
}

func (o *Orchestrator) HealthStatus() types.HealthStatus {
	return o.runtime.HealthStatus()
}

// Start 启动运行时
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = false
	o.mu.Unlock()
	return o.runtime.Start(ctx)
}

// Stop 取消所有待执行的重试，再停止运行时。工作流状态保留在存储中。
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	for _, wf := range o.workflows {
		if wf.timer != nil {
			wf.timer.Stop()
			wf.timer = nil
		}
	}
	o.mu.Unlock()
	return o.runtime.Stop(ctx)
}

// SetEmitter 由运行时注入
func (o *Orchestrator) SetEmitter(e agent.Emitter) {
	o.emitter = e
}

// Initialize 从存储恢复未结束的工作流，等待重试的阶段立即重新提交。
func (o *Orchestrator) Initialize(ctx context.Context) error {
	recs, err := o.store.ListWorkflows(ctx, StatusRunning, 0)
	if err != nil {
		return fmt.Errorf("restore workflows: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	restored := 0
	for _, rec := range recs {
		def, ok := o.defs[rec.Name]
		if !ok || rec.Stage >= len(def.Stages) {
			o.log.Warn("skipping workflow with unknown definition",
				zap.String("workflow_id", rec.ID),
				zap.String("workflow", rec.Name),
			)
			continue
		}
		if _, exists := o.workflows[rec.ID]; exists {
			continue
		}
		if rec.Results == nil {
			rec.Results = make(map[string]any)
		}
		wf := &workflow{def: def, rec: *rec}
		o.workflows[rec.ID] = wf
		if wf.rec.PendingTaskID == "" {
			if wf.rec.Attempt < 1 {
				wf.rec.Attempt = 1
			}
			o.scheduleLocked(wf, 0, wf.rec.Attempt)
		}
		restored++
	}
	if restored > 0 {
		o.log.Info("workflows restored", zap.Int("count", restored))
	}
	return nil
}

// ValidateTask 只接受指向已定义工作流的 start_workflow 任务
func (o *Orchestrator) ValidateTask(task *types.Task) bool {
	if task.Type != TaskTypeStartWorkflow {
		return false
	}
	_, ok := o.defs[task.StringField("workflow")]
	return ok
}

// ProcessTask 启动任务指定的工作流
func (o *Orchestrator) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	data, _ := task.Payload["data"].(map[string]any)
	rec, err := o.StartWorkflow(ctx, task.StringField("workflow"), task.UserID, data, task.CorrelationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"workflowId": rec.ID,
		"status":     rec.Status,
	}, nil
}

// HandleCoordination 匹配触发事件并启动工作流
func (o *Orchestrator) HandleCoordination(ctx context.Context, msg *types.Message, event *types.Coordination) error {
	if event == nil {
		return nil
	}

	name := ""
	data := event.Data
	if event.Event == types.EventStartWorkflow {
		name, _ = event.Data["workflow"].(string)
		data, _ = event.Data["data"].(map[string]any)
	} else if def, ok := o.triggers[event.Event]; ok {
		name = def.Name
	}
	if name == "" {
		o.log.Debug("no workflow for event", zap.String("event", event.Event), zap.String("source", string(msg.Source)))
		return nil
	}

	_, err := o.StartWorkflow(ctx, name, event.UserID, data, msg.CorrelationID)
	return err
}

// HandleStatusUpdate 记录 agent 的最新状态
func (o *Orchestrator) HandleStatusUpdate(_ context.Context, msg *types.Message, update *types.StatusUpdate) error {
	if update == nil || update.AgentID == "" {
		return nil
	}
	o.mu.Lock()
	o.agents[update.AgentID] = AgentView{
		AgentID:   update.AgentID,
		AgentType: update.AgentType,
		State:     update.State,
		Health:    update.Health,
		UpdatedAt: msg.Timestamp,
	}
	o.mu.Unlock()

	if update.State != types.AgentStateRunning {
		o.log.Info("agent state changed",
			zap.String("agent_id", update.AgentID),
			zap.String("agent_type", string(update.AgentType)),
			zap.String("state", string(update.State)),
		)
	}
	return nil
}

// HandleMessage 处理 task_result 与 error_report
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *types.Message) error {
	switch payload := msg.Payload.(type) {
	case *types.TaskResult:
		o.handleResult(ctx, msg, payload)
	case *types.ErrorReport:
		o.handleErrorReport(ctx, msg, payload)
	}
	return nil
}

// StartWorkflow 启动工作流。correlationID 为空时生成新的 ID；
// 同一 ID 的工作流已存在时直接返回其状态。
func (o *Orchestrator) StartWorkflow(ctx context.Context, name, userID string, data map[string]any, correlationID string) (*store.WorkflowRecord, error) {
	def, ok := o.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	} else if rec, err := o.store.GetWorkflow(ctx, correlationID); err == nil {
		o.mu.Lock()
		_, inMemory := o.workflows[correlationID]
		o.mu.Unlock()
		if !inMemory {
			return rec, nil
		}
	}
	if data == nil {
		data = make(map[string]any)
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	if wf, exists := o.workflows[correlationID]; exists {
		snap := wf.snapshot()
		o.mu.Unlock()
		o.log.Debug("workflow already started", zap.String("workflow_id", correlationID))
		return snap, nil
	}

	now := time.Now()
	wf := &workflow{
		def: def,
		rec: store.WorkflowRecord{
			ID:        correlationID,
			Name:      name,
			UserID:    userID,
			Status:    StatusRunning,
			Attempt:   1,
			Event:     data,
			Results:   make(map[string]any),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	o.workflows[correlationID] = wf
	o.started.Add(1)
	msg := o.enterStageLocked(ctx, wf, 0)
	snap := wf.snapshot()
	o.mu.Unlock()

	o.log.Info("workflow started",
		zap.String("workflow_id", correlationID),
		zap.String("workflow", name),
		zap.String("user_id", userID),
	)
	o.send(ctx, correlationID, msg)
	return snap, nil
}

// enterStageLocked 进入第 index 个阶段并返回待发送的请求；
// 没有后续阶段或条件不满足时结束工作流并返回 nil。
func (o *Orchestrator) enterStageLocked(ctx context.Context, wf *workflow, index int) *types.Message {
	if index >= len(wf.def.Stages) {
		o.finishLocked(ctx, wf, StatusCompleted, "")
		return nil
	}

	stage := &wf.def.Stages[index]
	scope := wf.scope(index)
	if !stage.shouldRun(scope) {
		o.finishLocked(ctx, wf, StatusHalted, fmt.Sprintf("stage %s skipped: condition %s not met", stage.Name, stage.When))
		return nil
	}

	wf.rec.Stage = index
	wf.rec.Attempt = 1
	wf.rec.Error = ""
	msg := o.dispatchLocked(wf, &types.TaskRequest{
		UserID:   wf.rec.UserID,
		TaskType: stage.TaskType,
		Data:     stage.resolveInput(scope),
		Priority: stage.priority(),
		Attempt:  1,
	})
	o.persistLocked(ctx, wf)
	return msg
}

// retryRequestLocked 复制上一次的请求，使用新的消息 ID 和递增的 attempt
func (o *Orchestrator) retryRequestLocked(wf *workflow) *types.Message {
	var prev *types.TaskRequest
	if wf.request != nil {
		prev, _ = wf.request.TaskRequest()
	}
	req := &types.TaskRequest{}
	if prev == nil || copier.Copy(req, prev) != nil {
		stage := wf.stage()
		req = &types.TaskRequest{
			UserID:   wf.rec.UserID,
			TaskType: stage.TaskType,
			Data:     stage.resolveInput(wf.scope(wf.rec.Stage)),
			Priority: stage.priority(),
		}
	}
	req.Attempt = wf.rec.Attempt
	return o.dispatchLocked(wf, req)
}

func (o *Orchestrator) dispatchLocked(wf *workflow, req *types.TaskRequest) *types.Message {
	stage := wf.stage()
	msg := types.NewMessage(types.AgentTypeOrchestrator, stage.Agent, req.Priority, req).WithCorrelation(wf.rec.ID)
	if stage.Timeout > 0 {
		msg.Timeout = stage.Timeout
	}
	msg.RetryPolicy = o.policy(stage)

	wf.request = msg
	wf.rec.PendingTaskID = msg.ID
	return msg
}

func (o *Orchestrator) policy(stage *Stage) *types.RetryPolicy {
	if stage.Retry != nil && stage.Retry.MaxAttempts > 0 {
		return stage.Retry
	}
	return o.retry
}

// send 发布请求，发布失败按一次失败的尝试处理
func (o *Orchestrator) send(ctx context.Context, workflowID string, msg *types.Message) {
	if msg == nil {
		return
	}
	if err := o.emitter.Publish(ctx, msg); err != nil {
		o.log.Warn("dispatch task request failed",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", msg.ID),
			zap.Error(err),
		)
		o.handleFailure(ctx, workflowID, msg.ID, fmt.Sprintf("dispatch: %v", err))
		return
	}
	o.log.Debug("task request dispatched",
		zap.String("workflow_id", workflowID),
		zap.String("task_id", msg.ID),
		zap.String("target", string(msg.Target)),
	)
}

func (o *Orchestrator) handleResult(ctx context.Context, msg *types.Message, result *types.TaskResult) {
	first, err := o.dedup.First(ctx, result.TaskID)
	switch {
	case err != nil:
		o.log.Warn("dedup check failed", zap.String("task_id", result.TaskID), zap.Error(err))
	case !first:
		o.log.Debug("duplicate task result ignored", zap.String("task_id", result.TaskID))
		return
	}

	if result.Succeeded() {
		o.advance(ctx, msg.CorrelationID, result)
		return
	}
	o.handleFailure(ctx, msg.CorrelationID, result.TaskID, failureReason(result))
}

func failureReason(result *types.TaskResult) string {
	switch {
	case result.Rejected:
		return "rejected: " + result.Reason
	case result.Error != nil:
		return result.Error.Message
	default:
		return string(result.Status)
	}
}

// pendingLocked 返回正在等待 taskID 结果的工作流
func (o *Orchestrator) pendingLocked(workflowID, taskID string) (*workflow, bool) {
	wf, ok := o.workflows[workflowID]
	if !ok || wf.rec.Status != StatusRunning || wf.rec.PendingTaskID != taskID {
		o.log.Debug("ignoring result for no pending task",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", taskID),
		)
		return nil, false
	}
	return wf, true
}

func (o *Orchestrator) advance(ctx context.Context, workflowID string, result *types.TaskResult) {
	o.mu.Lock()
	wf, ok := o.pendingLocked(workflowID, result.TaskID)
	if !ok {
		o.mu.Unlock()
		return
	}
	wf.rec.Results[wf.stage().Name] = result.Result
	wf.rec.PendingTaskID = ""
	wf.request = nil
	msg := o.enterStageLocked(ctx, wf, wf.rec.Stage+1)
	o.mu.Unlock()

	o.send(ctx, workflowID, msg)
}

// handleFailure 在重试预算内延迟重新提交，否则工作流失败
func (o *Orchestrator) handleFailure(ctx context.Context, workflowID, taskID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, ok := o.pendingLocked(workflowID, taskID)
	if !ok {
		return
	}
	wf.rec.PendingTaskID = ""
	stage := wf.stage()
	policy := o.policy(stage)

	if wf.rec.Attempt >= policy.MaxAttempts {
		o.finishLocked(ctx, wf, StatusFailed,
			fmt.Sprintf("stage %s failed after %d attempts: %s", stage.Name, wf.rec.Attempt, reason))
		return
	}

	delay := policy.Delay(wf.rec.Attempt)
	wf.rec.Error = reason
	o.persistLocked(ctx, wf)
	o.scheduleLocked(wf, delay, wf.rec.Attempt+1)

	o.log.Info("stage failed, retry scheduled",
		zap.String("workflow_id", workflowID),
		zap.String("stage", stage.Name),
		zap.Int("attempt", wf.rec.Attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
}

func (o *Orchestrator) handleErrorReport(ctx context.Context, msg *types.Message, report *types.ErrorReport) {
	o.log.Warn("error report received",
		zap.String("source", string(msg.Source)),
		zap.String("original_message_id", report.OriginalMessageID),
		zap.String("error", report.Error.Message),
	)
	if msg.CorrelationID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.pendingLocked(msg.CorrelationID, report.OriginalMessageID)
	if !ok {
		return
	}
	// 请求本身无法处理，重试没有意义
	o.finishLocked(ctx, wf, StatusFailed,
		fmt.Sprintf("stage %s reported by %s: %s", wf.stage().Name, msg.Source, report.Error.Message))
}

// scheduleLocked 在 delay 后以 attempt 重新提交当前阶段
func (o *Orchestrator) scheduleLocked(wf *workflow, delay time.Duration, attempt int) {
	if o.stopped {
		return
	}
	if wf.timer != nil {
		wf.timer.Stop()
	}
	wf.retryGen++
	id, gen := wf.rec.ID, wf.retryGen
	wf.timer = time.AfterFunc(delay, func() {
		o.resubmit(id, gen, attempt)
	})
}

func (o *Orchestrator) resubmit(workflowID string, gen, attempt int) {
	ctx := context.Background()

	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	if !ok || o.stopped || wf.retryGen != gen || wf.rec.Status != StatusRunning || wf.rec.PendingTaskID != "" {
		o.mu.Unlock()
		return
	}
	wf.timer = nil
	wf.rec.Attempt = attempt
	msg := o.retryRequestLocked(wf)
	o.persistLocked(ctx, wf)
	stage := wf.stage().Name
	o.mu.Unlock()

	o.retries.Add(1)
	o.log.Info("resubmitting stage",
		zap.String("workflow_id", workflowID),
		zap.String("stage", stage),
		zap.Int("attempt", attempt),
		zap.String("task_id", msg.ID),
	)
	o.send(ctx, workflowID, msg)
}

// finishLocked 结束工作流并从内存中移除，最终状态保留在存储中
func (o *Orchestrator) finishLocked(ctx context.Context, wf *workflow, status, reason string) {
	wf.rec.Status = status
	wf.rec.PendingTaskID = ""
	wf.rec.Error = reason
	wf.request = nil
	if wf.timer != nil {
		wf.timer.Stop()
		wf.timer = nil
	}
	o.persistLocked(ctx, wf)
	delete(o.workflows, wf.rec.ID)

	fields := []zap.Field{
		zap.String("workflow_id", wf.rec.ID),
		zap.String("workflow", wf.rec.Name),
		zap.String("status", status),
	}
	switch status {
	case StatusCompleted:
		o.completed.Add(1)
		o.log.Info("workflow completed", fields...)
	case StatusHalted:
		o.halted.Add(1)
		o.log.Info("workflow halted", append(fields, zap.String("reason", reason))...)
	default:
		o.failed.Add(1)
		o.log.Warn("workflow failed", append(fields, zap.String("reason", reason))...)
	}
}

// persistLocked 写穿到存储，失败只记录日志
func (o *Orchestrator) persistLocked(ctx context.Context, wf *workflow) {
	wf.rec.UpdatedAt = time.Now()
	if err := o.store.SaveWorkflow(context.WithoutCancel(ctx), wf.snapshot()); err != nil {
		o.log.Warn("persist workflow failed", zap.String("workflow_id", wf.rec.ID), zap.Error(err))
	}
}

// Workflow 返回工作流状态，进行中的从内存读取，其余从存储读取
func (o *Orchestrator) Workflow(ctx context.Context, id string) (*store.WorkflowRecord, error) {
	o.mu.Lock()
	if wf, ok := o.workflows[id]; ok {
		snap := wf.snapshot()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()
	return o.store.GetWorkflow(ctx, id)
}

// Workflows 按更新时间倒序列出工作流，status 为空表示全部
func (o *Orchestrator) Workflows(ctx context.Context, status string, limit int) ([]*store.WorkflowRecord, error) {
	return o.store.ListWorkflows(ctx, status, limit)
}

// Agents 返回已知 agent 的最新状态，按类型和 ID 排序
func (o *Orchestrator) Agents() []AgentView {
	o.mu.Lock()
	out := make([]AgentView, 0, len(o.agents))
	for _, v := range o.agents {
		out = append(out, v)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentType != out[j].AgentType {
			return out[i].AgentType < out[j].AgentType
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Stats 返回工作流计数
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := len(o.workflows)
	o.mu.Unlock()
	return Stats{
		Active:    active,
		Started:   o.started.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		Halted:    o.halted.Load(),
		Retries:   o.retries.Load(),
	}
}
