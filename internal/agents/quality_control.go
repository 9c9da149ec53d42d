package agents

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// DefaultRules 未配置规则时使用的检查。规则是 JS 表达式，可读取
// content、length、hashtags；返回 false 或字符串表示不通过。
var DefaultRules = []string{
	`hashtags.length <= 5 || "too many hashtags"`,
	`!/(.)\1{9,}/.test(content) || "repeated characters"`,
	`content.toUpperCase() !== content || length < 20 || "all caps"`,
}

const (
	lengthPenalty = 0.5
	rulePenalty   = 0.2
	ruleTimeout   = 500 * time.Millisecond
)

type qualityRule struct {
	source  string
	program *goja.Program
}

// QualityControl 按长度范围和 JS 规则为内容打分
type QualityControl struct {
	cfg   config.QualityConfig
	rules []qualityRule
	log   *zap.Logger
}

// NewQualityControl 创建 quality-control worker
func NewQualityControl(cfg config.QualityConfig) *QualityControl {
	return &QualityControl{
		cfg: cfg,
		log: logger.Named(string(types.AgentTypeQualityControl)),
	}
}

// Initialize 编译规则，任一规则语法错误都会中止启动
func (q *QualityControl) Initialize(context.Context) error {
	sources := q.cfg.Rules
	if len(sources) == 0 {
		sources = DefaultRules
	}
	rules := make([]qualityRule, 0, len(sources))
	for i, src := range sources {
		prog, err := goja.Compile(fmt.Sprintf("rule-%d", i+1), src, true)
		if err != nil {
			return fmt.Errorf("compile quality rule %d: %w", i+1, err)
		}
		rules = append(rules, qualityRule{source: src, program: prog})
	}
	q.rules = rules
	return nil
}

func (q *QualityControl) ValidateTask(task *types.Task) bool {
	return task.Type == TaskReviewContent && task.StringField("content") != ""
}

func (q *QualityControl) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	content := stringValue(task.Payload, "content")
	length := utf8.RuneCountInString(content)
	hashtags := stringSlice(task.Payload, "hashtags")
	if _, ok := task.Payload["hashtags"]; !ok {
		hashtags = hashtagPattern.FindAllString(content, -1)
	}

	score := 1.0
	issues := make([]string, 0)
	switch {
	case q.cfg.MinLength > 0 && length < q.cfg.MinLength:
		issues = append(issues, fmt.Sprintf("content too short: %d < %d", length, q.cfg.MinLength))
		score -= lengthPenalty
	case q.cfg.MaxLength > 0 && length > q.cfg.MaxLength:
		issues = append(issues, fmt.Sprintf("content too long: %d > %d", length, q.cfg.MaxLength))
		score -= lengthPenalty
	}

	for i, rule := range q.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issue, err := rule.eval(content, length, hashtags)
		if err != nil {
			return nil, fmt.Errorf("quality rule %d: %w", i+1, err)
		}
		if issue != "" {
			issues = append(issues, issue)
			score -= rulePenalty
		}
	}

	score = clamp(score, 0, 1)
	approved := score >= q.cfg.MinScore
	q.log.Debug("content reviewed",
		zap.String("task_id", task.ID),
		zap.Float64("score", score),
		zap.Bool("approved", approved),
		zap.Strings("issues", issues),
	)

	return map[string]any{
		"approved": approved,
		"score":    score,
		"issues":   issues,
		"length":   length,
	}, nil
}

// eval 在独立的 VM 中执行规则，返回问题描述，通过时为空
func (r qualityRule) eval(content string, length int, hashtags []string) (string, error) {
	vm := goja.New()
	if err := vm.Set("content", content); err != nil {
		return "", err
	}
	if err := vm.Set("length", length); err != nil {
		return "", err
	}
	tags := make([]any, len(hashtags))
	for i, t := range hashtags {
		tags[i] = t
	}
	if err := vm.Set("hashtags", tags); err != nil {
		return "", err
	}

	timer := time.AfterFunc(ruleTimeout, func() {
		vm.Interrupt("rule timeout")
	})
	defer timer.Stop()

	val, err := vm.RunProgram(r.program)
	if err != nil {
		return "", err
	}

	if goja.IsUndefined(val) || goja.IsNull(val) {
		return "", nil
	}
	switch v := val.Export().(type) {
	case bool:
		if v {
			return "", nil
		}
		return "rule failed: " + r.source, nil
	case string:
		return v, nil
	default:
		if val.ToBoolean() {
			return "", nil
		}
		return "rule failed: " + r.source, nil
	}
}
