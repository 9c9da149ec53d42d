package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"pbdna/agent-fleet/internal/fleet"
	"pbdna/agent-fleet/pkg/logger"
)

var (
	// start 命令的 flags
	startPort      int
	startBrokerURL string
	startWorkflows string
)

// startCmd 启动整个 fleet
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 agent fleet",
	Long: `启动健康检查服务、orchestrator 和全部 worker，收到 SIGINT/SIGTERM 后优雅关闭。

启动顺序：
  - 健康检查 HTTP 服务
  - orchestrator
  - news-discovery、content-generator、quality-control、publisher、learning`,
	Example: `  # 使用默认配置（进程内消息通道）启动
  agent-fleet start

  # 使用 Redis 消息通道
  agent-fleet start --broker redis://localhost:6379/0

  # 使用配置文件
  agent-fleet start --config config.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().IntVar(&startPort, "port", 0, "健康检查服务端口")
	startCmd.Flags().StringVar(&startBrokerURL, "broker", "", "消息通道地址 (memory:// 或 redis://)")
	startCmd.Flags().StringVar(&startWorkflows, "workflows", "", "工作流定义文件")
}

func runStart(cmd *cobra.Command, args []string) error {
	overrides := make(map[string]string)
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = strconv.Itoa(startPort)
	}
	if cmd.Flags().Changed("broker") {
		overrides["broker.url"] = startBrokerURL
	}
	if cmd.Flags().Changed("workflows") {
		overrides["orchestrator.workflows_file"] = startWorkflows
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	initLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := fleet.New(ctx, cfg, fleet.Options{})
	if err != nil {
		return fmt.Errorf("创建 fleet 失败: %w", err)
	}

	fmt.Printf(Banner, Version)
	fmt.Println()
	fmt.Printf("  健康检查地址: %s\n", cfg.Server.Address())
	fmt.Printf("  消息通道: %s\n", cfg.Broker.URL)
	fmt.Println()

	if err := f.Run(ctx); err != nil {
		return fmt.Errorf("fleet 运行失败: %w", err)
	}
	fmt.Println("fleet 已停止。")
	return nil
}
