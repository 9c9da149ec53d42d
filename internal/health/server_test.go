package health

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
	"pbdna/agent-fleet/pkg/utils"
)

func TestMain(m *testing.M) {
	logger.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func newTestServer(agg *Aggregator) *Server {
	return NewServer(agg, config.DefaultConfig().Server)
}

func get(t *testing.T, s *Server, path string) (int, []byte) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestReadyEndpoint(t *testing.T) {
	agg := NewAggregator()
	s := newTestServer(agg)

	code, body := get(t, s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var resp ReadinessResponse
	require.NoError(t, utils.Unmarshal(body, &resp))
	assert.False(t, resp.Ready)
	assert.Contains(t, resp.Errors, "no agents registered")

	agg.Register(types.AgentTypeOrchestrator, healthy(types.AgentTypeOrchestrator))
	code, body = get(t, s, "/health/ready")
	assert.Equal(t, http.StatusOK, code)
	require.NoError(t, utils.Unmarshal(body, &resp))
	assert.True(t, resp.Ready)
}

func TestReadyEndpointNamesUnhealthyAgent(t *testing.T) {
	agg := NewAggregator()
	agg.Register(types.AgentTypeOrchestrator, healthy(types.AgentTypeOrchestrator))
	agg.Register(types.AgentTypeContentGenerator, unhealthy(types.AgentTypeContentGenerator))
	s := newTestServer(agg)

	code, body := get(t, s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	var resp ReadinessResponse
	require.NoError(t, utils.Unmarshal(body, &resp))
	assert.False(t, resp.Ready)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], string(types.AgentTypeContentGenerator))
}

func TestHealthEndpoint(t *testing.T) {
	agg := NewAggregator()
	agg.Register(types.AgentTypePublisher, healthy(types.AgentTypePublisher))
	s := newTestServer(agg)

	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)

	var report Report
	require.NoError(t, utils.Unmarshal(body, &report))
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Agents, 1)
	assert.Equal(t, types.AgentTypePublisher, report.Agents[0].AgentType)

	agg.Register(types.AgentTypeLearning, unhealthy(types.AgentTypeLearning))
	code, _ = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestLiveEndpoint(t *testing.T) {
	s := newTestServer(NewAggregator())

	code, body := get(t, s, "/health/live")
	assert.Equal(t, http.StatusOK, code)
	var live Liveness
	require.NoError(t, utils.Unmarshal(body, &live))
	assert.Equal(t, StatusOK, live.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	agg := NewAggregator()
	agg.Register(types.AgentTypePublisher, healthy(types.AgentTypePublisher))
	s := newTestServer(agg)

	code, body := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	var m Metrics
	require.NoError(t, utils.Unmarshal(body, &m))
	assert.Contains(t, m.Agents, string(types.AgentTypePublisher))

	agg.RegisterExtra("broken", func() any { panic("nope") })
	code, body = get(t, s, "/metrics")
	assert.Equal(t, http.StatusInternalServerError, code)
	var errResp ErrorResponse
	require.NoError(t, utils.Unmarshal(body, &errResp))
	assert.Equal(t, "metrics_unavailable", errResp.Error)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(NewAggregator())

	code, body := get(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
	var errResp ErrorResponse
	require.NoError(t, utils.Unmarshal(body, &errResp))
	assert.Equal(t, "error_404", errResp.Error)
}

func TestServeAndShutdown(t *testing.T) {
	agg := NewAggregator()
	agg.Register(types.AgentTypePublisher, healthy(types.AgentTypePublisher))
	s := newTestServer(agg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Serve(ln))
	assert.NotEmpty(t, s.Addr())

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + s.Addr() + "/health/live")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Shutdown(ctx))
}
