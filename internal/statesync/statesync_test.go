package statesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	execclient "github.com/runbox/runbox/internal/executor/client"
	nodemodels "github.com/runbox/runbox/internal/node/models"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/scheduler"
	"github.com/runbox/runbox/internal/session/dto"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/session/service"
	"github.com/runbox/runbox/internal/storage"
	templatemodels "github.com/runbox/runbox/internal/template/models"
	templaterepo "github.com/runbox/runbox/internal/template/repository"
)

type fakeScheduler struct {
	mu         sync.Mutex
	seq        int
	failCreate error
	destroyed  []string
}

func (f *fakeScheduler) SelectNode(ctx context.Context, req scheduler.ScheduleRequest) (*nodemodels.RuntimeNode, error) {
	return &nodemodels.RuntimeNode{ID: "node-1", Status: nodemodels.NodeOnline}, nil
}

func (f *fakeScheduler) CreateContainer(ctx context.Context, sess *models.Session, tmpl *templatemodels.Template, node *nodemodels.RuntimeNode, install scheduler.InstallOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.seq++
	if f.seq == 1 {
		return "ctr-1", nil
	}
	return "ctr-2", nil
}

func (f *fakeScheduler) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	submitted []string
}

func (f *fakeExecutor) Submit(ctx context.Context, baseURL string, req execclient.ExecuteRequest) (*execclient.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req.ExecutionID)
	return &execclient.ExecuteResponse{ExecutionID: req.ExecutionID, Status: "pending"}, nil
}

func (f *fakeExecutor) Health(ctx context.Context, baseURL string) (*execclient.HealthResponse, error) {
	return &execclient.HealthResponse{Status: "ok"}, nil
}

// livenessRuntime reports per-container liveness and optional check errors.
type livenessRuntime struct {
	mu       sync.Mutex
	dead     map[string]bool
	checkErr error
}

var _ runtime.Runtime = (*livenessRuntime)(nil)

func (r *livenessRuntime) markDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead == nil {
		r.dead = map[string]bool{}
	}
	r.dead[id] = true
}

func (r *livenessRuntime) Type() models.RuntimeType { return models.RuntimeLocal }
func (r *livenessRuntime) Close() error             { return nil }

func (r *livenessRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	return "ctr-1", nil
}
func (r *livenessRuntime) Start(ctx context.Context, id string) error { return nil }
func (r *livenessRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (r *livenessRuntime) Remove(ctx context.Context, id string, force bool) error { return nil }

func (r *livenessRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	return &runtime.ContainerInfo{ID: id, IP: "10.0.0.5", Status: "running"}, nil
}

func (r *livenessRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkErr != nil {
		return false, r.checkErr
	}
	return !r.dead[id], nil
}

func (r *livenessRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (r *livenessRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (*runtime.WaitResult, error) {
	return &runtime.WaitResult{}, nil
}
func (r *livenessRuntime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (r *livenessRuntime) Ping(ctx context.Context) error { return nil }

type fixture struct {
	sync     *Service
	svc      *service.Service
	sched    *fakeScheduler
	exec     *fakeExecutor
	rt       *livenessRuntime
	sessions repository.SessionRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	templates := templaterepo.NewMemoryRepository()
	sched := &fakeScheduler{}
	exec := &fakeExecutor{}
	rt := &livenessRuntime{}
	cfg := &config.Config{
		Sessions: config.SessionConfig{
			DefaultTimeout:   300,
			MaxTimeout:       3600,
			DefaultCPU:       "1",
			DefaultMemory:    "512Mi",
			DefaultDisk:      "1Gi",
			MaxRetryAttempts: 3,
		},
		Executor: config.ExecutorConfig{Port: 8888},
		Storage:  config.StorageConfig{Bucket: "runbox-workspaces"},
	}

	svc := service.NewService(repo, repo, templates, rt, sched, storage.NewMemoryStore("runbox-workspaces"), exec, nil, cfg, log)

	tmpl := &templatemodels.Template{ID: "tpl-1", Name: "python-default", Image: "runbox/python:3.12"}
	require.NoError(t, templates.CreateTemplate(context.Background(), tmpl))

	return &fixture{
		sync:     NewService(repo, rt, svc, log),
		svc:      svc,
		sched:    sched,
		exec:     exec,
		rt:       rt,
		sessions: repo,
	}
}

func (f *fixture) runningSession(t *testing.T) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkContainerReady(ctx, sess.ID, sess.ContainerID, 8888, "", nil))
	sess, err = f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionRunning, sess.Status)
	return sess
}

func TestReconcileLeavesLiveSessionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, "ctr-1", got.ContainerID)
}

func TestReconcileRecoversDeadContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	f.rt.markDead("ctr-1")

	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, "ctr-2", got.ContainerID)
}

func TestReconcileFailsSessionWhenRecoveryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	f.rt.markDead("ctr-1")
	f.sched.failCreate = apperrors.ResourceExhausted("no capacity")

	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Equal(t, "container lost and recovery failed", got.StatusReason)
}

func TestReconcileSkipsOnLivenessCheckError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	f.rt.checkErr = errors.New("daemon unavailable")

	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, "ctr-1", got.ContainerID)
}

func TestReconcileStartupIncludesCreating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)
	require.Equal(t, models.SessionCreating, sess.Status)
	f.rt.markDead(sess.ContainerID)

	require.NoError(t, f.sync.ReconcileStartup(ctx))

	got, err := f.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	// A provisioning session with a dead container is recovered too.
	assert.Equal(t, "ctr-2", got.ContainerID)
}

func TestReconcileResubmitsCrashedExecutionsAfterRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	exec, err := f.svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	f.rt.markDead("ctr-1")
	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Initial submit plus the resubmit after recovery.
	assert.Equal(t, []string{exec.ID, exec.ID}, f.exec.submitted)
}

func TestReconcileMarksCrashedExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.runningSession(t)
	exec, err := f.svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	f.rt.markDead("ctr-1")
	f.sched.failCreate = apperrors.ResourceExhausted("no capacity")
	require.NoError(t, f.sync.ReconcilePeriodic(ctx))

	got, err := f.svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCrashed, got.Status)
}
