package agents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/agent"
	"pbdna/agent-fleet/internal/cache"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

// NewsItem 一条候选新闻
type NewsItem struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url,omitempty"`
	Source      string    `json:"source,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Feed 按来源名拉取新闻
type Feed interface {
	Fetch(ctx context.Context, source string) ([]NewsItem, error)
}

// ErrUnknownSource 来源未登记
var ErrUnknownSource = errors.New("unknown news source")

// StaticFeed 内存中的固定新闻源
type StaticFeed struct {
	mu    sync.RWMutex
	items map[string][]NewsItem
}

// NewStaticFeed 创建固定新闻源
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{items: make(map[string][]NewsItem)}
}

// Add 为来源追加新闻
func (f *StaticFeed) Add(source string, items ...NewsItem) {
	f.mu.Lock()
	for _, it := range items {
		if it.Source == "" {
			it.Source = source
		}
		f.items[source] = append(f.items[source], it)
	}
	f.mu.Unlock()
}

func (f *StaticFeed) Fetch(_ context.Context, source string) ([]NewsItem, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	items, ok := f.items[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return append([]NewsItem(nil), items...), nil
}

// NewsDiscovery 发现新闻并为每条未见过的新闻触发 news_discovered 事件
type NewsDiscovery struct {
	cache   cache.Cache
	feed    Feed
	seenTTL time.Duration
	emitter agent.Emitter
	log     *zap.Logger
}

// NewNewsDiscovery 创建 news-discovery worker，feed 可为空
func NewNewsDiscovery(c cache.Cache, feed Feed, seenTTL time.Duration) *NewsDiscovery {
	if c == nil {
		c = cache.NewMemoryCache("")
	}
	return &NewsDiscovery{
		cache:   c,
		feed:    feed,
		seenTTL: seenTTL,
		log:     logger.Named(string(types.AgentTypeNewsDiscovery)),
	}
}

func (n *NewsDiscovery) SetEmitter(e agent.Emitter) {
	n.emitter = e
}

func (n *NewsDiscovery) Initialize(context.Context) error {
	if n.emitter == nil {
		return errors.New("news-discovery requires an emitter")
	}
	return nil
}

func (n *NewsDiscovery) ValidateTask(task *types.Task) bool {
	if task.Type != TaskDiscoverNews {
		return false
	}
	return len(mapSlice(task.Payload, "items")) > 0 || len(stringSlice(task.Payload, "sources")) > 0
}

func (n *NewsDiscovery) ProcessTask(ctx context.Context, task *types.Task) (any, error) {
	items := parseItems(mapSlice(task.Payload, "items"))

	var sourceErrors []string
	for _, source := range stringSlice(task.Payload, "sources") {
		if n.feed == nil {
			sourceErrors = append(sourceErrors, fmt.Sprintf("%s: %v", source, ErrUnknownSource))
			continue
		}
		fetched, err := n.feed.Fetch(ctx, source)
		if err != nil {
			sourceErrors = append(sourceErrors, fmt.Sprintf("%s: %v", source, err))
			continue
		}
		items = append(items, fetched...)
	}

	keywords := slice.Map(stringSlice(task.Payload, "keywords"), func(_ int, k string) string {
		return strings.ToLower(k)
	})
	batch := make(map[string]struct{}, len(items))
	candidates := slice.Filter(items, func(_ int, it NewsItem) bool {
		if it.Title == "" || !matchesKeywords(it, keywords) {
			return false
		}
		key := seenKey(it)
		if _, dup := batch[key]; dup {
			return false
		}
		batch[key] = struct{}{}
		return true
	})

	discovered := make([]string, 0, len(candidates))
	skipped := len(items) - len(candidates)
	for _, it := range candidates {
		fresh, err := n.cache.SetNX(ctx, "news:seen:"+seenKey(it), it.Title, n.seenTTL)
		if err != nil {
			return nil, fmt.Errorf("record seen item: %w", err)
		}
		if !fresh {
			skipped++
			continue
		}

		event := &types.Coordination{
			Event:  types.EventNewsDiscovered,
			UserID: task.UserID,
			Data:   it.data(),
		}
		// 空 correlation id：每条新闻启动独立的工作流
		if _, err := n.emitter.Emit(ctx, types.AgentTypeOrchestrator, types.PriorityMedium, event, ""); err != nil {
			// 未能通知的新闻下次仍可被发现
			_ = n.cache.Del(context.WithoutCancel(ctx), "news:seen:"+seenKey(it))
			return nil, fmt.Errorf("emit news_discovered: %w", err)
		}
		discovered = append(discovered, it.Title)
	}

	n.log.Info("news discovered",
		zap.String("task_id", task.ID),
		zap.Int("discovered", len(discovered)),
		zap.Int("skipped", skipped),
	)

	result := map[string]any{
		"discovered": len(discovered),
		"skipped":    skipped,
		"titles":     discovered,
	}
	if len(sourceErrors) > 0 {
		result["sourceErrors"] = sourceErrors
	}
	return result, nil
}

func parseItems(raw []map[string]any) []NewsItem {
	items := make([]NewsItem, 0, len(raw))
	for _, m := range raw {
		it := NewsItem{
			Title:       stringValue(m, "title"),
			Summary:     stringValue(m, "summary"),
			URL:         stringValue(m, "url"),
			Source:      stringValue(m, "source"),
			ContentType: stringValue(m, "contentType"),
		}
		if ts := stringValue(m, "publishedAt"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				it.PublishedAt = t
			}
		}
		items = append(items, it)
	}
	return items
}

func matchesKeywords(it NewsItem, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(it.Title + " " + it.Summary)
	return slice.Some(keywords, func(_ int, k string) bool { return strings.Contains(text, k) })
}

// seenKey 规范化后的 URL，没有 URL 时使用标题
func seenKey(it NewsItem) string {
	if it.URL == "" {
		return "title:" + strings.ToLower(strings.TrimSpace(it.Title))
	}
	u, err := url.Parse(it.URL)
	if err != nil || u.Host == "" {
		return "url:" + strings.ToLower(it.URL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return "url:" + u.String()
}

func (it NewsItem) data() map[string]any {
	data := map[string]any{"title": it.Title}
	if it.Summary != "" {
		data["summary"] = it.Summary
	}
	if it.URL != "" {
		data["url"] = it.URL
	}
	if it.Source != "" {
		data["source"] = it.Source
	}
	if it.ContentType != "" {
		data["contentType"] = it.ContentType
	}
	if !it.PublishedAt.IsZero() {
		data["publishedAt"] = it.PublishedAt.Format(time.RFC3339)
	}
	return data
}
