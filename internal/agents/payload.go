package agents

import (
	"strings"

	"github.com/duke-git/lancet/v2/convertor"
	"github.com/duke-git/lancet/v2/slice"
)

// 任务类型
const (
	TaskDiscoverNews  = "discover_news"
	TaskGeneratePost  = "generate_post"
	TaskReviewContent = "review_content"
	TaskPublishPost   = "publish_post"
	TaskRecordOutcome = "record_outcome"
)

// stringValue 读取字符串字段，非字符串返回空
func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// floatValue 读取数值字段，兼容 JSON 解码后的 float64 与字符串字面量
func floatValue(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := convertor.ToFloat(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// boolValue 读取布尔字段，字符串 "true" 视为真
func boolValue(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, err := convertor.ToBool(v)
		return err == nil && b
	default:
		return false
	}
}

// stringSlice 读取字符串列表，兼容 []any 与逗号分隔的字符串
func stringSlice(m map[string]any, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []string:
		out = v
	case []any:
		out = make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}
	out = slice.Map(out, func(_ int, s string) string { return strings.TrimSpace(s) })
	return slice.Filter(out, func(_ int, s string) bool { return s != "" })
}

// mapSlice 读取对象列表
func mapSlice(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		if typed, ok := m[key].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}
