// Package orchestrator 实现协调其他 agent 的 orchestrator。
//
// 工作流由 YAML 或内置定义描述：一个触发事件和若干按顺序执行的阶段。
// 每个阶段向一个 worker 类型发送 task_request，收到成功的 task_result 后
// 进入下一阶段；失败或被拒绝时按重试策略延迟重新提交，超过次数后工作流失败。
// 工作流以 correlation id 为键，状态写穿到 store；重复投递的结果按任务 ID 去重。
package orchestrator
