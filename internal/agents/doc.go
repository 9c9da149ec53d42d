// Package agents 提供 fleet 中五个具体 worker 的任务处理实现：
// news-discovery、content-generator、quality-control、publisher、learning。
//
// 每个 worker 都是 agent.Processor，由 agent.Runtime 驱动；NewProcessor
// 根据配置和共享依赖构造对应的实现。
package agents
