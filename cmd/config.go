package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd 打印生效的配置
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置",
	Long:  `按 默认值 < 配置文件 < 环境变量 的顺序合并配置并以 YAML 输出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		data, err := cfg.Serialize()
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
