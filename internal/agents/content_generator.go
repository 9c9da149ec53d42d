package agents

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// ModelTemplate 未配置 LLM 时结果中的 model 字段
const ModelTemplate = "template"

// ChatGenerator 生成一次对话回复，eino 的 ChatModel 满足该接口
type ChatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// 内容类型对应的最大 token 数
var maxTokensByType = map[string]int{
	"post":     500,
	"article":  2000,
	"story":    600,
	"poll":     300,
	"carousel": 400,
}

var industryHashtags = map[string][]string{
	"technology": {"#TechLeadership", "#Innovation", "#DigitalTransformation", "#TechTrends"},
	"finance":    {"#FinTech", "#FinancialServices", "#InvestmentStrategy", "#EconomicInsights"},
	"healthcare": {"#HealthcareInnovation", "#MedicalLeadership", "#PatientCare", "#HealthTech"},
	"marketing":  {"#MarketingStrategy", "#DigitalMarketing", "#BrandBuilding", "#MarketingInsights"},
	"consulting": {"#BusinessStrategy", "#Consulting", "#Leadership", "#BusinessTransformation"},
}

var defaultHashtags = []string{"#Leadership", "#ProfessionalGrowth", "#BusinessInsights"}

var callsToAction = map[string][]string{
	"post": {
		"What's your experience with this?",
		"Thoughts?",
		"How do you handle this in your organization?",
		"What would you add to this list?",
	},
	"story": {
		"Have you had a similar experience?",
		"What lessons have you learned in similar situations?",
		"How would you have handled this differently?",
	},
	"article": {
		"What strategies have worked best for you?",
		"I'd love to hear your perspective on this.",
		"What other factors would you consider important?",
	},
}

var (
	hashtagPattern = regexp.MustCompile(`#\w+`)
	gluedHashtag   = regexp.MustCompile(`(\w)#`)
	ctaPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(what do you think|thoughts|share your|comment|let me know)\b`),
		regexp.MustCompile(`\?[^?]*$`),
		regexp.MustCompile(`(?i)\b(agree|disagree|experience)\b[^.]*\?`),
	}
)

const systemPrompt = `You write LinkedIn content for a professional audience.
Guidelines:
- Open with a hook in the first line
- Keep paragraphs short and scannable
- Include relevant hashtags (3-5 recommended)
- End with a question that invites discussion
Output only the post text.`

// ContentGenerator 根据新闻生成帖子。配置了 API key 时使用 LLM，否则使用模板。
type ContentGenerator struct {
	cfg   config.LLMConfig
	model ChatGenerator
	log   *zap.Logger

	mu        sync.RWMutex
	preferred map[string]string // userID -> 学习到的内容类型
}

// NewContentGenerator 创建 content-generator worker，chat 为空时按配置创建
func NewContentGenerator(cfg config.LLMConfig, chat ChatGenerator) *ContentGenerator {
	return &ContentGenerator{
		cfg:       cfg,
		model:     chat,
		log:       logger.Named(string(types.AgentTypeContentGenerator)),
		preferred: make(map[string]string),
	}
}

// newChatModel 创建 openai 兼容的聊天模型
func newChatModel(ctx context.Context, cfg config.LLMConfig) (ChatGenerator, error) {
	chatConfig := &openai.ChatModelConfig{
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "openai":
			baseURL = "https://api.openai.com/v1"
		case "deepseek":
			baseURL = "https://api.deepseek.com/v1"
		case "azure":
			chatConfig.ByAzure = true
			chatConfig.APIVersion = "2024-06-01"
		}
	}
	if baseURL != "" {
		chatConfig.BaseURL = baseURL
	}

	return openai.NewChatModel(ctx, chatConfig)
}

func (g *ContentGenerator) Initialize(ctx context.Context) error {
	if g.model != nil || g.cfg.APIKey == "" {
		if g.model == nil {
			g.log.Info("no LLM api key configured, using template generator")
		}
		return nil
	}
	chat, err := newChatModel(ctx, g.cfg)
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}
	g.model = chat
	return nil
}

func (g *ContentGenerator) ValidateTask(task *types.Task) bool {
	return task.Type == TaskGeneratePost &&
		(task.StringField("topic") != "" || task.StringField("article") != "")
}

// HandleLearningUpdate 记录用户表现最好的内容类型，作为之后的默认类型
func (g *ContentGenerator) HandleLearningUpdate(_ context.Context, _ *types.Message, update *types.LearningUpdate) error {
	if update == nil || update.UserID == "" {
		return nil
	}
	if ct := stringValue(update.Insights, "topContentType"); ct != "" {
		g.mu.Lock()
		g.preferred[update.UserID] = ct
		g.mu.Unlock()
	}
	return nil
}

// PreferredContentType 返回学习到的内容类型
func (g *ContentGenerator) PreferredContentType(userID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.preferred[userID]
}

func (g *ContentGenerator) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	topic := stringValue(task.Payload, "topic")
	article := stringValue(task.Payload, "article")
	if topic == "" {
		topic = firstSentence(article)
	}

	contentType := stringValue(task.Payload, "contentType")
	if contentType == "" {
		contentType = g.PreferredContentType(task.UserID)
	}
	if contentType == "" {
		contentType = "post"
	}

	temperature := Temperature(creativity(task.Payload))
	maxTokens := MaxTokens(contentType)

	var (
		content   string
		modelName = ModelTemplate
	)
	if g.model != nil {
		msgs := []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(buildPrompt(topic, article, stringValue(task.Payload, "url"), contentType)),
		}
		resp, err := g.model.Generate(ctx, msgs,
			model.WithTemperature(float32(temperature)),
			model.WithMaxTokens(maxTokens),
		)
		if err != nil {
			return nil, fmt.Errorf("generate content: %w", err)
		}
		content = strings.TrimSpace(resp.Content)
		if content == "" {
			return nil, errors.New("generate content: empty response")
		}
		modelName = g.cfg.Model
	} else {
		content = templateContent(topic, article, stringValue(task.Payload, "url"))
	}

	content = optimize(content, contentType, stringValue(task.Payload, "industry"))
	hashtags := hashtagPattern.FindAllString(content, -1)

	g.log.Debug("content generated",
		zap.String("task_id", task.ID),
		zap.String("content_type", contentType),
		zap.String("model", modelName),
		zap.Int("length", len(content)),
	)

	return map[string]any{
		"content":     content,
		"hashtags":    hashtags,
		"contentType": contentType,
		"model":       modelName,
		"temperature": temperature,
		"maxTokens":   maxTokens,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// MaxTokens 内容类型的 token 上限，未知类型按 post 处理
func MaxTokens(contentType string) int {
	if n, ok := maxTokensByType[contentType]; ok {
		return n
	}
	return maxTokensByType["post"]
}

// Temperature 创造力 [0,1] 映射到采样温度 [0.3,0.9]
func Temperature(creativity float64) float64 {
	return clamp(0.3+creativity*0.6, 0.3, 0.9)
}

// creativity 优先读取 creativity 字段，否则取语音特征
// emotional_expressiveness、humor_usage、storytelling_style 的均值
func creativity(payload map[string]any) float64 {
	if c, ok := floatValue(payload, "creativity"); ok {
		return clamp(c, 0, 1)
	}
	voice, _ := payload["voice"].(map[string]any)
	expressiveness, ok := floatValue(voice, "emotional_expressiveness")
	if !ok {
		expressiveness = 0.3
	}
	humor, ok := floatValue(voice, "humor_usage")
	if !ok {
		humor = 0.1
	}
	storytelling, ok := floatValue(voice, "storytelling_style")
	if !ok {
		storytelling = 0.3
	}
	return (expressiveness + humor + storytelling) / 3
}

func buildPrompt(topic, article, link, contentType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a LinkedIn %s about: %s\n", contentType, topic)
	if article != "" {
		fmt.Fprintf(&b, "\nSource material:\n%s\n", article)
	}
	if link != "" {
		fmt.Fprintf(&b, "\nReference link: %s\n", link)
	}
	return b.String()
}

func templateContent(topic, article, link string) string {
	var b strings.Builder
	b.WriteString(topic)
	if article != "" && article != topic {
		b.WriteString("\n\n")
		b.WriteString(article)
	}
	if link != "" {
		b.WriteString("\n\nRead more: ")
		b.WriteString(link)
	}
	return b.String()
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// optimize 补充话题标签和行动号召，并整理格式
func optimize(content, contentType, industry string) string {
	content = addHashtags(content, industry)
	content = ensureCallToAction(content, contentType)
	content = gluedHashtag.ReplaceAllString(content, "$1 #")
	return strings.TrimSpace(content)
}

// addHashtags 已有标签少于 3 个时补充行业标签，总数不超过 5 个
func addHashtags(content, industry string) string {
	existing := hashtagPattern.FindAllString(content, -1)
	if len(existing) >= 3 {
		return content
	}

	suggested, ok := industryHashtags[strings.ToLower(industry)]
	if !ok {
		suggested = defaultHashtags
	}
	var added []string
	for _, tag := range suggested {
		if len(added) >= 5-len(existing) {
			break
		}
		if !containsFold(existing, tag) {
			added = append(added, tag)
		}
	}
	if len(added) == 0 {
		return content
	}
	return content + "\n\n" + strings.Join(added, " ")
}

// ensureCallToAction 没有互动引导时追加一句，按内容选择以保证结果稳定
func ensureCallToAction(content, contentType string) string {
	for _, p := range ctaPatterns {
		if p.MatchString(content) {
			return content
		}
	}
	options, ok := callsToAction[contentType]
	if !ok {
		options = callsToAction["post"]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return content + "\n\n" + options[int(h.Sum32()%uint32(len(options)))]
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
