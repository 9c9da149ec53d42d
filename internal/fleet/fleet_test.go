package fleet

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/agents"
	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/internal/orchestrator"
	"pbdna/agent-fleet/internal/store"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/types"
)

func TestMain(m *testing.M) {
	logger.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agents.HealthCheckInterval = time.Hour
	cfg.Agents.ShutdownPollInterval = 10 * time.Millisecond
	cfg.Agents.ShutdownTimeout = time.Second
	cfg.Fleet.SettleDelay = 10 * time.Millisecond
	cfg.Fleet.GracefulTimeout = 5 * time.Second
	cfg.Orchestrator.InitialDelay = 10 * time.Millisecond
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestFleetStartStop(t *testing.T) {
	f, err := New(context.Background(), testConfig(), Options{Listener: listen(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Start(ctx))
	assert.ErrorIs(t, f.Start(ctx), ErrAlreadyStarted)

	want := append([]types.AgentType{types.AgentTypeOrchestrator}, types.WorkerAgentTypes...)
	assert.ElementsMatch(t, want, f.Aggregator().Registered())

	ready, errs := f.Aggregator().Readiness()
	assert.True(t, ready, errs)

	resp, err := http.Get("http://" + f.Server().Addr() + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := f.Aggregator().Metrics()
	require.NoError(t, err)
	assert.Contains(t, m.Extra, "workflows")

	require.NoError(t, f.Stop(ctx))
	assert.Empty(t, f.Aggregator().Registered())
	assert.Empty(t, f.Server().Addr())
	for _, w := range f.Workers() {
		assert.False(t, w.HealthStatus().Running, w.Type())
	}
	assert.NoError(t, f.Stop(ctx))
}

func TestFleetDisabledAgents(t *testing.T) {
	cfg := testConfig()
	cfg.Agents.Overrides[string(types.AgentTypeLearning)] = config.AgentOverride{Disabled: true}

	f, err := New(context.Background(), cfg, Options{Listener: listen(t)})
	require.NoError(t, err)

	got := make([]types.AgentType, 0)
	for _, w := range f.Workers() {
		got = append(got, w.Type())
	}
	assert.Equal(t, []types.AgentType{
		types.AgentTypeNewsDiscovery,
		types.AgentTypeContentGenerator,
		types.AgentTypeQualityControl,
		types.AgentTypePublisher,
	}, got)
}

func TestFleetNewsToPost(t *testing.T) {
	publisher := agents.NewDryRunPublisher()
	st := store.NewMemoryStore()
	f, err := New(context.Background(), testConfig(), Options{
		Listener: listen(t),
		Store:    st,
		Deps:     agents.Deps{Publisher: publisher},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Start(ctx))
	defer f.Stop(ctx)

	_, err = f.Orchestrator().StartWorkflow(ctx, orchestrator.WorkflowNewsDiscovery, "user-1", map[string]any{
		"items": []any{
			map[string]any{
				"title":   "Go 1.25 released",
				"summary": "The release ships a faster garbage collector and new tooling.",
				"url":     "https://go.dev/blog/go1.25",
			},
		},
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.Orchestrator().Stats().Completed == 2
	}, 5*time.Second, 20*time.Millisecond)

	posts := publisher.Posts()
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Content, "Go 1.25 released")
	assert.Equal(t, "user-1", posts[0].UserID)

	recs, err := st.ListWorkflows(ctx, orchestrator.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	names := []string{recs[0].Name, recs[1].Name}
	assert.ElementsMatch(t, []string{orchestrator.WorkflowNewsDiscovery, orchestrator.WorkflowNewsToPost}, names)

	stats := f.Orchestrator().Stats()
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Active)
}

func TestFleetRun(t *testing.T) {
	f, err := New(context.Background(), testConfig(), Options{Listener: listen(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		ready, _ := f.Aggregator().Readiness()
		return ready && len(f.Aggregator().Registered()) == 1+len(f.Workers())
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fleet did not stop")
	}
	assert.Empty(t, f.Aggregator().Registered())
}

func TestFleetRunCancelledDuringStartup(t *testing.T) {
	cfg := testConfig()
	cfg.Fleet.SettleDelay = time.Minute
	f, err := New(context.Background(), cfg, Options{Listener: listen(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// orchestrator 已注册，worker 仍在等待 settle delay
	require.Eventually(t, func() bool {
		return len(f.Aggregator().Registered()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fleet did not stop")
	}
	assert.Empty(t, f.Aggregator().Registered())
	assert.False(t, f.Orchestrator().HealthStatus().Running)
	assert.Empty(t, f.Server().Addr())
}

func TestFleetStartCancelledDuringSettle(t *testing.T) {
	cfg := testConfig()
	cfg.Fleet.SettleDelay = time.Minute
	f, err := New(context.Background(), cfg, Options{Listener: listen(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, f.Aggregator().Registered())
	assert.False(t, f.Orchestrator().HealthStatus().Running)
	for _, w := range f.Workers() {
		assert.False(t, w.HealthStatus().Running)
	}
}

func TestFleetWorkerStartFailureRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Quality.Rules = []string{"content ==="}
	f, err := New(context.Background(), cfg, Options{Listener: listen(t)})
	require.NoError(t, err)

	err = f.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start quality-control")

	assert.Empty(t, f.Aggregator().Registered())
	assert.False(t, f.Orchestrator().HealthStatus().Running)
	for _, w := range f.Workers() {
		assert.False(t, w.HealthStatus().Running, w.Type())
	}
	assert.Empty(t, f.Server().Addr())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.URL = "kafka://localhost"
	_, err := New(context.Background(), cfg, Options{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Orchestrator.WorkflowsFile = "/does/not/exist.yaml"
	_, err = New(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestServerStartFailure(t *testing.T) {
	ln := listen(t)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	f, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	err = f.Start(context.Background())
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Empty(t, f.Aggregator().Registered())
}
