// Package health 聚合 fleet 中各 agent 的健康状态，并通过 HTTP 暴露
// /health、/health/live、/health/ready 与 /metrics。
//
// 就绪要求至少登记一个 agent 且全部健康；单个检查函数出错或 panic
// 只会让对应 agent 记为不健康。
package health
