// Package cmd 提供 agent-fleet CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   __ _  __ _  ___ _ __ | |_    / _| | ___  ___| |_
  / _' |/ _' |/ _ \ '_ \| __|  | |_| |/ _ \/ _ \ __|
 | (_| | (_| |  __/ | | | |_   |  _| |  __/  __/ |_
  \__,_|\__, |\___|_| |_|\__|  |_| |_|\___|\___|\__|  %s
        |___/
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "agent-fleet",
	Short: "多 agent 内容生产流水线",
	Long: `agent-fleet 运行一组通过消息通道协作的 agent：
orchestrator 负责工作流编排，worker 负责新闻发现、内容生成、质量审核、发布与学习。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 的顺序加载并校验配置
func loadConfig(overrides map[string]string) (*config.Config, error) {
	args := make(map[string]string, len(overrides)+1)
	for k, v := range overrides {
		args[k] = v
	}
	if debug {
		args["logging.level"] = "debug"
	}

	loader := config.NewLoader().WithCmdArgs(args)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// initLogger 按配置初始化全局日志
func initLogger(cfg *config.Config) {
	logger.Init(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
}
