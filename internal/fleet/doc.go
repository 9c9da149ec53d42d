// Package fleet 负责整个 agent fleet 的启动与关闭。
//
// 启动顺序：健康检查服务、orchestrator、等待 SettleDelay、按固定顺序启动
// worker（news-discovery、content-generator、quality-control、publisher、
// learning）。关闭顺序相反，健康检查服务最后关闭。
package fleet
