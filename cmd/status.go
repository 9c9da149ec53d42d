package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"pbdna/agent-fleet/internal/health"
	"pbdna/agent-fleet/pkg/utils"
)

var (
	statusAddress string
	statusTimeout time.Duration
)

// statusCmd 查询运行中 fleet 的就绪状态
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看 fleet 就绪状态",
	Long:  `请求健康检查服务的 /health/ready，打印就绪状态与未就绪原因。未就绪时以非零状态退出。`,
	Example: `  agent-fleet status
  agent-fleet status --address http://localhost:9090`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddress, "address", "http://localhost:8080", "健康检查服务地址")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "请求超时时间")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ready, err := fetchReadiness(statusAddress, statusTimeout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if ready.Ready {
		fmt.Fprintln(out, "状态: 就绪")
		return nil
	}
	fmt.Fprintln(out, "状态: 未就绪")
	for _, e := range ready.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
	return fmt.Errorf("fleet 未就绪")
}

// fetchReadiness 通过 fasthttp 请求 /health/ready
func fetchReadiness(address string, timeout time.Duration) (*health.ReadinessResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimSuffix(address, "/") + "/health/ready")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", address, err)
	}

	code := resp.StatusCode()
	if code != fasthttp.StatusOK && code != fasthttp.StatusServiceUnavailable {
		return nil, fmt.Errorf("意外的响应状态: %d", code)
	}

	var ready health.ReadinessResponse
	if err := utils.Unmarshal(resp.Body(), &ready); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &ready, nil
}
