package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	nodemodels "github.com/runbox/runbox/internal/node/models"
	noderepo "github.com/runbox/runbox/internal/node/repository"
	"github.com/runbox/runbox/internal/runtime"
	session "github.com/runbox/runbox/internal/session/models"
	template "github.com/runbox/runbox/internal/template/models"
)

// fakeRuntime records lifecycle calls and lets tests inject failures.
type fakeRuntime struct {
	mu         sync.Mutex
	created    []runtime.ContainerConfig
	started    []string
	stopped    []string
	removed    []string
	failStart  bool
	failPing   bool
	nextSerial int
}

var _ runtime.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Type() session.RuntimeType { return session.RuntimeLocal }
func (f *fakeRuntime) Close() error              { return nil }

func (f *fakeRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.nextSerial++
	return fmt.Sprintf("ctr-%d", f.nextSerial), nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("start failed")
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	return nil, runtime.ErrNotFound
}

func (f *fakeRuntime) IsRunning(ctx context.Context, id string) (bool, error) { return false, nil }

func (f *fakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (*runtime.WaitResult, error) {
	return &runtime.WaitResult{}, nil
}

func (f *fakeRuntime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error {
	if f.failPing {
		return errors.New("daemon unreachable")
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{PublicURL: "http://host.docker.internal:8080"},
		Docker: config.DockerConfig{DefaultNetwork: "bridge"},
		Executor: config.ExecutorConfig{
			Port: 8888,
		},
		Scheduler: config.SchedulerConfig{
			MaxContainers:   10,
			TotalCPU:        "8",
			TotalMemory:     "16Gi",
			CreateTimeout:   60,
			StopGracePeriod: 10,
		},
	}
}

func newTestService(t *testing.T, rt runtime.Runtime) (*Service, noderepo.NodeRepository) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	nodes := noderepo.NewMemoryRepository()
	svc, err := NewService(context.Background(), rt, nodes, nil, testConfig(), log)
	require.NoError(t, err)
	return svc, nodes
}

func testSession(id string) *session.Session {
	return &session.Session{
		ID:           id,
		TemplateID:   "tpl-1",
		Resources:    session.ResourceLimits{CPU: "1", Memory: "512Mi", Disk: "1Gi"},
		WorkspaceURI: "objstore://runbox-workspaces/sessions/" + id + "/",
	}
}

func testTemplate() *template.Template {
	return &template.Template{ID: "tpl-1", Name: "python-default", Image: "runbox/python:3.12"}
}

func TestRegisterNodeCapacity(t *testing.T) {
	svc, nodes := newTestService(t, &fakeRuntime{})

	node, err := nodes.GetNode(context.Background(), svc.LocalNodeID())
	require.NoError(t, err)
	assert.Equal(t, nodemodels.NodeOnline, node.Status)
	assert.Equal(t, int64(8000), node.TotalCPUMillis)
	assert.Equal(t, int64(16*1024*1024*1024), node.TotalMemoryBytes)
	assert.Equal(t, 10, node.MaxContainers)
}

func TestSelectNodePrefersCachedImage(t *testing.T) {
	svc, nodes := newTestService(t, &fakeRuntime{})
	ctx := context.Background()

	warm := &nodemodels.RuntimeNode{
		ID:               "warm",
		Hostname:         "warm-host",
		Status:           nodemodels.NodeOnline,
		TotalCPUMillis:   8000,
		TotalMemoryBytes: 16 * 1024 * 1024 * 1024,
		MaxContainers:    10,
		// Higher utilization than the registered node, but holds the image.
		AllocatedCPUMillis: 4000,
		CachedImages:       []string{"runbox/python:3.12"},
	}
	require.NoError(t, nodes.SaveNode(ctx, warm))

	picked, err := svc.SelectNode(ctx, ScheduleRequest{
		TemplateID: "tpl-1",
		Image:      "runbox/python:3.12",
		Resources:  session.ResourceLimits{CPU: "1", Memory: "512Mi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "warm", picked.ID)
}

func TestSelectNodeExhausted(t *testing.T) {
	svc, _ := newTestService(t, &fakeRuntime{})

	_, err := svc.SelectNode(context.Background(), ScheduleRequest{
		Image:     "runbox/python:3.12",
		Resources: session.ResourceLimits{CPU: "100", Memory: "512Mi"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsResourceExhausted(err))
}

func TestSelectNodeInvalidQuantity(t *testing.T) {
	svc, _ := newTestService(t, &fakeRuntime{})

	_, err := svc.SelectNode(context.Background(), ScheduleRequest{
		Resources: session.ResourceLimits{CPU: "one"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestBuildContainerConfig(t *testing.T) {
	svc, _ := newTestService(t, &fakeRuntime{})

	sess := testSession("sess-1")
	sess.EnvVars = map[string]string{"MY_VAR": "1"}

	cfg, err := svc.BuildContainerConfig(sess, testTemplate(), InstallOptions{})
	require.NoError(t, err)

	assert.Equal(t, "runbox-sess-1", cfg.Name)
	assert.Equal(t, "runbox/python:3.12", cfg.Image)
	assert.Equal(t, int64(1000), cfg.CPUMillis)
	assert.Equal(t, int64(512*1024*1024), cfg.MemoryBytes)
	assert.Equal(t, sess.WorkspaceURI, cfg.WorkspaceURI)
	assert.Empty(t, cfg.Entrypoint)

	assert.Equal(t, "sess-1", cfg.EnvVars["SESSION_ID"])
	assert.Equal(t, "/workspace", cfg.EnvVars["WORKSPACE_PATH"])
	assert.Equal(t, "http://host.docker.internal:8080", cfg.EnvVars["CONTROL_PLANE_URL"])
	assert.Equal(t, "1", cfg.EnvVars["MY_VAR"])

	assert.Equal(t, "sess-1", cfg.Labels[runtime.LabelSessionID])
	assert.Equal(t, "tpl-1", cfg.Labels[runtime.LabelTemplateID])
}

func TestBuildContainerConfigWrapsEntrypointForDeps(t *testing.T) {
	svc, _ := newTestService(t, &fakeRuntime{})

	sess := testSession("sess-2")
	sess.RequestedDeps = []string{"requests==2.31.0", "numpy"}

	cfg, err := svc.BuildContainerConfig(sess, testTemplate(), InstallOptions{
		TimeoutSec:  120,
		FailOnError: true,
	})
	require.NoError(t, err)
	require.Len(t, cfg.Entrypoint, 3)
	assert.Equal(t, "/bin/sh", cfg.Entrypoint[0])

	script := cfg.Entrypoint[2]
	assert.Contains(t, script, "'requests==2.31.0'")
	assert.Contains(t, script, "'numpy'")
	assert.Contains(t, script, depsInstallPath)
	assert.Contains(t, script, fmt.Sprintf("exit %d", DepsFailExitCode))
}

func TestCreateContainerReservesResources(t *testing.T) {
	rt := &fakeRuntime{}
	svc, nodes := newTestService(t, rt)
	ctx := context.Background()

	node, err := nodes.GetNode(ctx, svc.LocalNodeID())
	require.NoError(t, err)

	id, err := svc.CreateContainer(ctx, testSession("sess-3"), testTemplate(), node, InstallOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, rt.started, 1)

	node, err = nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), node.AllocatedCPUMillis)
	assert.Equal(t, 1, node.RunningContainers)

	require.NoError(t, svc.Destroy(ctx, id))
	node, err = nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), node.AllocatedCPUMillis)
	assert.Equal(t, 0, node.RunningContainers)
	assert.Contains(t, rt.stopped, id)
	assert.Contains(t, rt.removed, id)
}

func TestCreateContainerCleansUpOnStartFailure(t *testing.T) {
	rt := &fakeRuntime{failStart: true}
	svc, nodes := newTestService(t, rt)
	ctx := context.Background()

	node, err := nodes.GetNode(ctx, svc.LocalNodeID())
	require.NoError(t, err)

	_, err = svc.CreateContainer(ctx, testSession("sess-4"), testTemplate(), node, InstallOptions{})
	require.Error(t, err)
	assert.Len(t, rt.removed, 1)

	node, err = nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), node.AllocatedCPUMillis)
}

func TestCreateContainerRejectsOverCommit(t *testing.T) {
	rt := &fakeRuntime{}
	svc, nodes := newTestService(t, rt)
	ctx := context.Background()

	node, err := nodes.GetNode(ctx, svc.LocalNodeID())
	require.NoError(t, err)

	big := testSession("sess-5")
	big.Resources = session.ResourceLimits{CPU: "5", Memory: "1Gi"}
	_, err = svc.CreateContainer(ctx, big, testTemplate(), node, InstallOptions{})
	require.NoError(t, err)

	// A second create racing against the same stale node snapshot must be
	// caught by the reservation re-check, not overcommit the node.
	second := testSession("sess-6")
	second.Resources = session.ResourceLimits{CPU: "5", Memory: "1Gi"}
	_, err = svc.CreateContainer(ctx, second, testTemplate(), node, InstallOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsResourceExhausted(err))

	// The started-then-rejected container is rolled back.
	assert.Len(t, rt.stopped, 1)
	assert.Len(t, rt.removed, 1)

	node, err = nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), node.AllocatedCPUMillis)
	assert.Equal(t, 1, node.RunningContainers)
}

func TestRefreshNodeHealthMarksOffline(t *testing.T) {
	rt := &fakeRuntime{}
	svc, nodes := newTestService(t, rt)
	ctx := context.Background()

	rt.failPing = true
	require.NoError(t, svc.RefreshNodeHealth(ctx))

	node, err := nodes.GetNode(ctx, svc.LocalNodeID())
	require.NoError(t, err)
	assert.Equal(t, nodemodels.NodeOffline, node.Status)

	rt.failPing = false
	require.NoError(t, svc.RefreshNodeHealth(ctx))
	node, err = nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodemodels.NodeOnline, node.Status)
}

func TestParseResources(t *testing.T) {
	cpu, mem, disk, err := ParseResources(session.ResourceLimits{CPU: "500m", Memory: "1Gi", Disk: "2Gi"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), cpu)
	assert.Equal(t, int64(1024*1024*1024), mem)
	assert.Equal(t, int64(2*1024*1024*1024), disk)

	_, _, _, err = ParseResources(session.ResourceLimits{Memory: "lots"})
	assert.Error(t, err)
}

func TestDependencyEntrypointQuoting(t *testing.T) {
	args := dependencyEntrypoint([]string{"pkg'; rm -rf /"}, 60, false, true)
	require.Len(t, args, 3)
	assert.NotContains(t, args[2], "exit 86")
	assert.Contains(t, args[2], `'pkg'\''; rm -rf /'`)
	assert.False(t, strings.Contains(args[2], "pip check"))
}
