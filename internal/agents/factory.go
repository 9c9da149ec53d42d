package agents

import (
	"fmt"

	"pbdna/agent-fleet/internal/agent"
	"pbdna/agent-fleet/internal/cache"
	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/types"
)

// Deps worker 共享的外部依赖，零值字段使用默认实现
type Deps struct {
	Cache     cache.Cache
	Feed      Feed
	Publisher PostPublisher
	ChatModel ChatGenerator
}

// NewProcessor 按 agent 类型创建 worker 的任务处理实现
func NewProcessor(cfg *config.Config, agentType types.AgentType, deps Deps) (agent.Processor, error) {
	switch agentType {
	case types.AgentTypeNewsDiscovery:
		return NewNewsDiscovery(deps.Cache, deps.Feed, cfg.Cache.SeenTTL), nil
	case types.AgentTypeContentGenerator:
		return NewContentGenerator(cfg.LLM, deps.ChatModel), nil
	case types.AgentTypeQualityControl:
		return NewQualityControl(cfg.Quality), nil
	case types.AgentTypePublisher:
		return NewPublisher(deps.Publisher), nil
	case types.AgentTypeLearning:
		return NewLearning(), nil
	default:
		return nil, fmt.Errorf("no worker implementation for agent type %q", agentType)
	}
}
