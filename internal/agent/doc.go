// Package agent 提供所有 worker 共用的运行时。
//
// Runtime 负责连接消息通道、订阅本类型通道与广播通道、按容量接收任务、
// 异步执行 Processor、发布任务结果、定期上报健康状态以及优雅关闭。
// 具体的 worker 只需实现 Processor，并按需实现可选的消息钩子。
package agent
