package agents

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/agent"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

const recentTopicsLimit = 10

// Outcome 单个用户的发布结果汇总
type Outcome struct {
	Posts         int            `json:"posts"`
	TotalScore    float64        `json:"totalScore"`
	ByContentType map[string]int `json:"byContentType"`
	RecentTopics  []string       `json:"recentTopics"`
	LastPostID    string         `json:"lastPostId"`
	scoreByType   map[string]float64
}

// Insights 汇总转换为 learning_update 中的洞察
func (o *Outcome) Insights() map[string]any {
	avg := 0.0
	if o.Posts > 0 {
		avg = o.TotalScore / float64(o.Posts)
	}
	return map[string]any{
		"posts":          o.Posts,
		"averageScore":   avg,
		"topContentType": o.topContentType(),
		"recentTopics":   append([]string(nil), o.RecentTopics...),
		"lastPostId":     o.LastPostID,
	}
}

// topContentType 平均分最高的内容类型，分数相同时取名称较小者
func (o *Outcome) topContentType() string {
	names := make([]string, 0, len(o.ByContentType))
	for name := range o.ByContentType {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestAvg := "", -1.0
	for _, name := range names {
		avg := o.scoreByType[name] / float64(o.ByContentType[name])
		if avg > bestAvg {
			best, bestAvg = name, avg
		}
	}
	return best
}

// Learning 记录发布结果并向 fleet 广播洞察
type Learning struct {
	emitter agent.Emitter
	log     *zap.Logger

	mu       sync.RWMutex
	outcomes map[string]*Outcome
}

// NewLearning 创建 learning worker
func NewLearning() *Learning {
	return &Learning{
		log:      logger.Named(string(types.AgentTypeLearning)),
		outcomes: make(map[string]*Outcome),
	}
}

func (l *Learning) SetEmitter(e agent.Emitter) {
	l.emitter = e
}

func (l *Learning) Initialize(context.Context) error {
	if l.emitter == nil {
		return errors.New("learning requires an emitter")
	}
	return nil
}

func (l *Learning) ValidateTask(task *types.Task) bool {
	return task.Type == TaskRecordOutcome && task.StringField("postId") != ""
}

func (l *Learning) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	contentType := stringValue(task.Payload, "contentType")
	if contentType == "" {
		contentType = "post"
	}
	score, _ := floatValue(task.Payload, "score")

	l.mu.Lock()
	o, ok := l.outcomes[task.UserID]
	if !ok {
		o = &Outcome{
			ByContentType: make(map[string]int),
			scoreByType:   make(map[string]float64),
		}
		l.outcomes[task.UserID] = o
	}
	o.Posts++
	o.TotalScore += score
	o.ByContentType[contentType]++
	o.scoreByType[contentType] += score
	postID := stringValue(task.Payload, "postId")
	o.LastPostID = postID
	if topic := stringValue(task.Payload, "topic"); topic != "" {
		o.RecentTopics = append(o.RecentTopics, topic)
		if len(o.RecentTopics) > recentTopicsLimit {
			o.RecentTopics = o.RecentTopics[len(o.RecentTopics)-recentTopicsLimit:]
		}
	}
	insights := o.Insights()
	l.mu.Unlock()

	update := &types.LearningUpdate{UserID: task.UserID, Insights: insights}
	if _, err := l.emitter.Emit(ctx, types.Broadcast, types.PriorityLow, update, task.CorrelationID); err != nil {
		// 结果已记录，广播失败不影响任务
		l.log.Warn("broadcast learning update failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	return map[string]any{
		"postId":   postID,
		"insights": insights,
	}, nil
}

// Outcome 返回用户汇总的副本
func (l *Learning) Outcome(userID string) (Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.outcomes[userID]
	if !ok {
		return Outcome{}, false
	}
	out := *o
	out.ByContentType = make(map[string]int, len(o.ByContentType))
	for k, v := range o.ByContentType {
		out.ByContentType[k] = v
	}
	out.RecentTopics = append([]string(nil), o.RecentTopics...)
	out.scoreByType = nil
	return out, true
}
