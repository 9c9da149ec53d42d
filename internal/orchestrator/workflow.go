package orchestrator

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"gopkg.in/yaml.v3"

	"pbdna/agent-fleet/pkg/types"
)

// 内置工作流名称
const (
	WorkflowNewsToPost    = "news_to_post"
	WorkflowNewsDiscovery = "news_discovery"

	// EventDiscoveryRequested 触发一次新闻发现
	EventDiscoveryRequested = "discovery_requested"
)

// Definition 一条命名的工作流：触发事件 + 按顺序执行的阶段。
type Definition struct {
	Name    string  `yaml:"name"`
	Trigger string  `yaml:"trigger,omitempty"`
	Stages  []Stage `yaml:"stages"`
}

// Stage 工作流中的一个阶段，对应一次 task_request。
type Stage struct {
	Name     string          `yaml:"name"`
	Agent    types.AgentType `yaml:"agent"`
	TaskType string          `yaml:"task_type"`
	Priority string          `yaml:"priority,omitempty"`
	Timeout  time.Duration   `yaml:"timeout,omitempty"`

	// Input 任务参数名 -> JSONPath 表达式；不以 $ 开头的值按字面量处理。
	// 表达式的求值范围为 {event, previous, results, userId, correlationId}。
	Input map[string]string `yaml:"input,omitempty"`

	// When 为空或求值结果为真时执行本阶段，否则工作流以 halted 结束。
	When string `yaml:"when,omitempty"`

	Retry *types.RetryPolicy `yaml:"retry,omitempty"`
}

// definitionsFile 工作流 YAML 文件的顶层结构
type definitionsFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// DefaultDefinitions 返回内置工作流
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:    WorkflowNewsToPost,
			Trigger: types.EventNewsDiscovered,
			Stages: []Stage{
				{
					Name:     "generate",
					Agent:    types.AgentTypeContentGenerator,
					TaskType: "generate_post",
					Priority: "medium",
					Timeout:  2 * time.Minute,
					Input: map[string]string{
						"topic":       "$.event.title",
						"article":     "$.event.summary",
						"url":         "$.event.url",
						"contentType": "$.event.contentType",
						"creativity":  "$.event.creativity",
					},
				},
				{
					Name:     "review",
					Agent:    types.AgentTypeQualityControl,
					TaskType: "review_content",
					Priority: "medium",
					Input: map[string]string{
						"content":  "$.previous.content",
						"hashtags": "$.previous.hashtags",
					},
				},
				{
					Name:     "publish",
					Agent:    types.AgentTypePublisher,
					TaskType: "publish_post",
					Priority: "high",
					When:     "$.previous.approved",
					Input: map[string]string{
						"content":  "$.results.generate.content",
						"hashtags": "$.results.generate.hashtags",
						"approved": "$.previous.approved",
						"score":    "$.previous.score",
					},
				},
				{
					Name:     "learn",
					Agent:    types.AgentTypeLearning,
					TaskType: "record_outcome",
					Priority: "low",
					Input: map[string]string{
						"postId":      "$.previous.postId",
						"topic":       "$.event.title",
						"contentType": "$.results.generate.contentType",
						"score":       "$.results.review.score",
					},
				},
			},
		},
		{
			Name:    WorkflowNewsDiscovery,
			Trigger: EventDiscoveryRequested,
			Stages: []Stage{
				{
					Name:     "discover",
					Agent:    types.AgentTypeNewsDiscovery,
					TaskType: "discover_news",
					Priority: "medium",
					Input: map[string]string{
						"items":    "$.event.items",
						"sources":  "$.event.sources",
						"keywords": "$.event.keywords",
					},
				},
			},
		},
	}
}

// ParseDefinitions 解析工作流 YAML 并校验
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file definitionsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	if err := ValidateDefinitions(file.Workflows); err != nil {
		return nil, err
	}
	return file.Workflows, nil
}

// LoadDefinitions 从文件加载工作流，path 为空时返回内置工作流
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return DefaultDefinitions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows file %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// ValidateDefinitions 检查名称、触发事件唯一性以及阶段字段
func ValidateDefinitions(defs []Definition) error {
	if len(defs) == 0 {
		return fmt.Errorf("no workflows defined")
	}

	names := make(map[string]bool, len(defs))
	triggers := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("workflow name is required")
		}
		if names[def.Name] {
			return fmt.Errorf("duplicate workflow %q", def.Name)
		}
		names[def.Name] = true

		if def.Trigger != "" {
			if other, ok := triggers[def.Trigger]; ok {
				return fmt.Errorf("workflows %q and %q share trigger %q", other, def.Name, def.Trigger)
			}
			triggers[def.Trigger] = def.Name
		}

		if len(def.Stages) == 0 {
			return fmt.Errorf("workflow %q has no stages", def.Name)
		}
		stages := make(map[string]bool, len(def.Stages))
		for i, stage := range def.Stages {
			if err := stage.validate(); err != nil {
				return fmt.Errorf("workflow %q stage %d: %w", def.Name, i, err)
			}
			if stages[stage.Name] {
				return fmt.Errorf("workflow %q has duplicate stage %q", def.Name, stage.Name)
			}
			stages[stage.Name] = true
		}
	}
	return nil
}

func (s *Stage) validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if s.Agent == "" || s.Agent.IsBroadcast() || s.Agent == types.AgentTypeOrchestrator {
		return fmt.Errorf("stage %q must target a worker agent, got %q", s.Name, s.Agent)
	}
	if s.TaskType == "" {
		return fmt.Errorf("stage %q task_type is required", s.Name)
	}
	if _, err := types.ParsePriority(s.Priority); err != nil {
		return fmt.Errorf("stage %q: %w", s.Name, err)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("stage %q timeout must not be negative", s.Name)
	}
	for key, expr := range s.Input {
		if isPath(expr) {
			if _, err := jp.ParseString(expr); err != nil {
				return fmt.Errorf("stage %q input %q: %w", s.Name, key, err)
			}
		}
	}
	if s.When != "" {
		if _, err := jp.ParseString(s.When); err != nil {
			return fmt.Errorf("stage %q when: %w", s.Name, err)
		}
	}
	return nil
}

func (s *Stage) priority() types.Priority {
	p, _ := types.ParsePriority(s.Priority)
	return p
}

func isPath(expr string) bool {
	return strings.HasPrefix(expr, "$")
}

// evalPath 对 scope 求值 JSONPath，无匹配时返回 false
func evalPath(expr string, scope map[string]any) (any, bool) {
	path, err := jp.ParseString(expr)
	if err != nil {
		return nil, false
	}
	results := path.Get(scope)
	switch len(results) {
	case 0:
		return nil, false
	case 1:
		return results[0], true
	default:
		return results, true
	}
}

// resolveInput 按阶段的 Input 映射构造任务参数，缺失的路径被跳过
func (s *Stage) resolveInput(scope map[string]any) map[string]any {
	data := make(map[string]any, len(s.Input))
	for key, expr := range s.Input {
		if !isPath(expr) {
			data[key] = expr
			continue
		}
		if v, ok := evalPath(expr, scope); ok && v != nil {
			data[key] = v
		}
	}
	return data
}

// shouldRun 求值 When 条件
func (s *Stage) shouldRun(scope map[string]any) bool {
	if s.When == "" {
		return true
	}
	v, ok := evalPath(s.When, scope)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case nil:
		return false
	default:
		return true
	}
}
