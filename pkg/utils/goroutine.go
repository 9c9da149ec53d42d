package utils

import (
	"runtime/debug"

	"go.uber.org/zap"

	"pbdna/agent-fleet/pkg/logger"
)

// SafeGo 安全地启动一个 goroutine，自动捕获 panic 并记录日志
// 使用方式: utils.SafeGo(func() { ... })
func SafeGo(fn func()) {
	SafeGoWithCallback("", fn, nil)
}

// SafeGoWithName 安全地启动一个带名称的 goroutine，便于日志追踪
// 使用方式: utils.SafeGoWithName("health-report", func() { ... })
func SafeGoWithName(name string, fn func()) {
	SafeGoWithCallback(name, fn, nil)
}

// SafeGoWithCallback 安全地启动一个 goroutine，支持自定义 panic 处理回调
func SafeGoWithCallback(name string, fn func(), onPanic func(r any, stack []byte)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.L().Error("goroutine panic recovered",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", stack),
				)
				if onPanic != nil {
					onPanic(r, stack)
				}
			}
		}()
		fn()
	}()
}
