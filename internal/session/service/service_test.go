package service

import (
	"context"
	"encoding/json"
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
	"github.com/runbox/runbox/internal/storage"
	templatemodels "github.com/runbox/runbox/internal/template/models"
	templaterepo "github.com/runbox/runbox/internal/template/repository"
)

// fakeScheduler satisfies ContainerScheduler without a real runtime node.
type fakeScheduler struct {
	mu            sync.Mutex
	created       int
	destroyed     []string
	failSelect    error
	failCreate    error
	lastInstall   scheduler.InstallOptions
	nextContainer string
}

func (f *fakeScheduler) SelectNode(ctx context.Context, req scheduler.ScheduleRequest) (*nodemodels.RuntimeNode, error) {
	if f.failSelect != nil {
		return nil, f.failSelect
	}
	return &nodemodels.RuntimeNode{ID: "node-1", Status: nodemodels.NodeOnline}, nil
}

func (f *fakeScheduler) CreateContainer(ctx context.Context, sess *models.Session, tmpl *templatemodels.Template, node *nodemodels.RuntimeNode, install scheduler.InstallOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.created++
	f.lastInstall = install
	if f.nextContainer != "" {
		return f.nextContainer, nil
	}
	return "ctr-1", nil
}

func (f *fakeScheduler) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

// fakeExecutor satisfies ExecutorClient and records submissions.
type fakeExecutor struct {
	mu        sync.Mutex
	submitted []execclient.ExecuteRequest
	submitErr error
	healthErr error
}

func (f *fakeExecutor) Submit(ctx context.Context, baseURL string, req execclient.ExecuteRequest) (*execclient.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return &execclient.ExecuteResponse{ExecutionID: req.ExecutionID, Status: "pending"}, nil
}

func (f *fakeExecutor) Health(ctx context.Context, baseURL string) (*execclient.HealthResponse, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &execclient.HealthResponse{Status: "ok"}, nil
}

// flakyStore wraps a store and lets tests fail prefix deletion.
type flakyStore struct {
	storage.Store
	deleteErr error
}

func (f *flakyStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.Store.DeletePrefix(ctx, prefix)
}

func testFixture(t *testing.T) (*Service, *fakeScheduler, *fakeExecutor, repository.SessionRepository, repository.ExecutionRepository, templaterepo.TemplateRepository) {
	svc, sched, exec, sessions, executions, templates, _ := testFixtureWithStore(t)
	return svc, sched, exec, sessions, executions, templates
}

func testFixtureWithStore(t *testing.T) (*Service, *fakeScheduler, *fakeExecutor, repository.SessionRepository, repository.ExecutionRepository, templaterepo.TemplateRepository, *flakyStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	templates := templaterepo.NewMemoryRepository()
	sched := &fakeScheduler{}
	exec := &fakeExecutor{}
	cfg := &config.Config{
		Sessions: config.SessionConfig{
			DefaultTimeout:   300,
			MaxTimeout:       3600,
			DefaultCPU:       "1",
			DefaultMemory:    "512Mi",
			DefaultDisk:      "1Gi",
			MaxProcesses:     64,
			MaxRetryAttempts: 3,
			InstallTimeout:   120,
		},
		Executor:  config.ExecutorConfig{Port: 8888},
		Scheduler: config.SchedulerConfig{ReadinessWait: 1},
		Storage:   config.StorageConfig{Bucket: "runbox-workspaces"},
	}

	store := &flakyStore{Store: storage.NewMemoryStore("runbox-workspaces")}
	svc := NewService(repo, repo, templates, &stubRuntime{ip: "10.0.0.5"}, sched, store, exec, nil, cfg, log)

	tmpl := &templatemodels.Template{ID: "tpl-1", Name: "python-default", Image: "runbox/python:3.12"}
	require.NoError(t, templates.CreateTemplate(context.Background(), tmpl))

	return svc, sched, exec, repo, repo, templates, store
}

// stubRuntime serves Inspect with a fixed IP; everything else is inert.
type stubRuntime struct {
	ip string
}

var _ runtime.Runtime = (*stubRuntime)(nil)

func (r *stubRuntime) Type() models.RuntimeType { return models.RuntimeLocal }
func (r *stubRuntime) Close() error             { return nil }

func (r *stubRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	return "ctr-1", nil
}
func (r *stubRuntime) Start(ctx context.Context, id string) error { return nil }
func (r *stubRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (r *stubRuntime) Remove(ctx context.Context, id string, force bool) error { return nil }

func (r *stubRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	if r.ip == "" {
		return nil, runtime.ErrNotFound
	}
	return &runtime.ContainerInfo{ID: id, IP: r.ip, Status: "running"}, nil
}

func (r *stubRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	return r.ip != "", nil
}
func (r *stubRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (r *stubRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (*runtime.WaitResult, error) {
	return &runtime.WaitResult{}, nil
}
func (r *stubRuntime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (r *stubRuntime) Ping(ctx context.Context) error { return nil }

func createRunningSession(t *testing.T, svc *Service) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkContainerReady(ctx, sess.ID, sess.ContainerID, 8888, "", nil))
	sess, err = svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionRunning, sess.Status)
	return sess
}

func TestCreateSessionDefaults(t *testing.T) {
	svc, sched, _, _, _, _ := testFixture(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)

	assert.Equal(t, models.SessionCreating, sess.Status)
	assert.Equal(t, 300, sess.TimeoutSeconds)
	assert.Equal(t, "1", sess.Resources.CPU)
	assert.Equal(t, "512Mi", sess.Resources.Memory)
	assert.Equal(t, models.DepsCompleted, sess.DepsStatus)
	assert.Equal(t, "ctr-1", sess.ContainerID)
	assert.Equal(t, "node-1", sess.RuntimeNodeID)
	assert.Contains(t, sess.WorkspaceURI, "objstore://runbox-workspaces/sessions/"+sess.ID)
	assert.Equal(t, 1, sched.created)
}

func TestCreateSessionUnknownTemplate(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)

	_, err := svc.CreateSession(context.Background(), dto.CreateSessionRequest{TemplateID: "nope"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateSessionTimeoutClampedToMax(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)

	sess, err := svc.CreateSession(context.Background(), dto.CreateSessionRequest{
		TemplateID:     "tpl-1",
		TimeoutSeconds: 7200,
	})
	require.NoError(t, err)
	assert.Equal(t, 3600, sess.TimeoutSeconds)

	_, err = svc.CreateSession(context.Background(), dto.CreateSessionRequest{
		TemplateID:     "tpl-1",
		TimeoutSeconds: -5,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateSessionNoCapacityLeavesNoRow(t *testing.T) {
	svc, sched, _, sessions, _, _ := testFixture(t)
	sched.failSelect = apperrors.ResourceExhausted("no capacity")

	_, err := svc.CreateSession(context.Background(), dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsResourceExhausted(err))

	all, err := sessions.ListSessions(context.Background(), repository.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateSessionContainerFailureMarksFailed(t *testing.T) {
	svc, sched, _, sessions, _, _ := testFixture(t)
	sched.failCreate = apperrors.UpstreamUnavailable("container runtime", errors.New("daemon down"))

	_, err := svc.CreateSession(context.Background(), dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.Error(t, err)

	all, err := sessions.ListSessionsByStatus(context.Background(), models.SessionFailed)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCreateSessionWithDependencies(t *testing.T) {
	svc, sched, _, _, _, _ := testFixture(t)

	sess, err := svc.CreateSession(context.Background(), dto.CreateSessionRequest{
		TemplateID:            "tpl-1",
		Dependencies:          []string{"requests"},
		FailOnDependencyError: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DepsInstalling, sess.DepsStatus)
	assert.True(t, sched.lastInstall.FailOnError)
	assert.Equal(t, 120, sched.lastInstall.TimeoutSec)
}

func TestMarkContainerReadyTransitions(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkContainerReady(ctx, sess.ID, "ctr-1", 8888, "", nil))
	sess, err = svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Equal(t, 8888, sess.ExecutorPort)

	// Replay is a no-op.
	require.NoError(t, svc.MarkContainerReady(ctx, sess.ID, "ctr-1", 8888, "", nil))
}

func TestExecuteHappyPath(t *testing.T) {
	svc, _, exec, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{
		Code:     "print('hi')",
		Language: "python",
		Event:    json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, run.Status)
	require.Len(t, exec.submitted, 1)
	assert.Equal(t, run.ID, exec.submitted[0].ExecutionID)
	assert.Equal(t, "python", exec.submitted[0].Language)
}

func TestExecuteRejectsNonRunningSession(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)

	_, err = svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecuteRejectsBadLanguageAndEvent(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	_, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "cobol"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Execute(ctx, sess.ID, dto.ExecuteRequest{
		Code: "x", Language: "python", Event: json.RawMessage(`{bad`),
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecuteUnreachableExecutorFailsExecutionOnly(t *testing.T) {
	svc, sched, exec, _, executions, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)
	exec.submitErr = apperrors.ExecutorUnreachable(errors.New("connection refused"))

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.Error(t, err)
	require.NotNil(t, run)

	stored, err := executions.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	assert.Equal(t, "executor_unreachable", stored.ErrorDetail)

	// The container stays up; the health loop owns that decision.
	assert.Empty(t, sched.destroyed)

	current, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, current.Status)
}

func TestApplyExecutionResultIdempotent(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	zero := 0
	result := ExecutionResult{
		ExecutionID: run.ID,
		Status:      "completed",
		Stdout:      "hi\n",
		ExitCode:    &zero,
		ReturnValue: json.RawMessage(`{"msg":"hi"}`),
		Metrics:     models.ExecutionMetrics{DurationMS: 12},
	}
	require.NoError(t, svc.ApplyExecutionResult(ctx, result))

	stored, err := svc.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
	assert.Equal(t, "hi\n", stored.Stdout)
	assert.NotNil(t, stored.CompletedAt)

	// Replaying a result for a terminal execution is ignored.
	result.Stdout = "changed"
	require.NoError(t, svc.ApplyExecutionResult(ctx, result))
	stored, err = svc.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", stored.Stdout)
}

func TestTerminateSessionIdempotent(t *testing.T) {
	svc, sched, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	terminated, err := svc.TerminateSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, terminated.Status)
	assert.NotNil(t, terminated.CompletedAt)
	assert.Equal(t, []string{"ctr-1"}, sched.destroyed)

	// Second terminate returns the terminal state unchanged.
	again, err := svc.TerminateSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, again.Status)
	assert.Len(t, sched.destroyed, 1)
}

func TestMarkContainerExitedMapsOutcome(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		exitCode int
		reason   string
		want     models.SessionStatus
	}{
		{"clean exit", 0, "", models.SessionCompleted},
		{"nonzero exit", 1, "", models.SessionFailed},
		{"deps install failure", scheduler.DepsFailExitCode, "", models.SessionFailed},
		{"external stop", 0, "sigterm", models.SessionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := createRunningSession(t, svc)
			require.NoError(t, svc.MarkContainerExited(ctx, sess.ID, tc.exitCode, tc.reason))
			got, err := svc.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
		})
	}
}

func TestSigtermAfterTerminateStaysTerminated(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	_, err := svc.TerminateSession(ctx, sess.ID)
	require.NoError(t, err)

	// The stop issued by terminate lands later as a sigterm exit callback;
	// the session keeps its client-requested terminal state.
	require.NoError(t, svc.MarkContainerExited(ctx, sess.ID, 0, "sigterm"))
	got, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, got.Status)
	assert.Equal(t, "client requested termination", got.StatusReason)
}

func TestMarkContainerExitedCrashesActiveExecutions(t *testing.T) {
	svc, _, _, _, executions, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkContainerExited(ctx, sess.ID, 137, ""))
	stored, err := executions.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCrashed, stored.Status)
}

func TestRetryExecution(t *testing.T) {
	svc, _, exec, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	require.NoError(t, svc.ApplyExecutionResult(ctx, ExecutionResult{
		ExecutionID: run.ID, Status: "crashed",
	}))

	retried, err := svc.RetryExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Len(t, exec.submitted, 2)
}

func TestRetryExecutionBudgetExhausted(t *testing.T) {
	svc, _, _, _, executions, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	stored, err := executions.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	stored.Status = models.ExecutionCrashed
	stored.RetryCount = 3
	require.NoError(t, executions.UpdateExecution(ctx, stored))

	out, err := svc.RetryExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, out.Status)
}

func TestExpireSessionDeletesWorkspace(t *testing.T) {
	svc, sched, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	require.NoError(t, svc.ExpireSession(ctx, sess.ID, "idle timeout"))
	got, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, got.Status)
	assert.Equal(t, "idle timeout", got.StatusReason)
	assert.Contains(t, sched.destroyed, "ctr-1")
	assert.Empty(t, got.WorkspaceURI)
}

func TestTerminateKeepsWorkspaceURIWhenDeleteFails(t *testing.T) {
	svc, _, _, _, _, _, store := testFixtureWithStore(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)
	store.deleteErr = errors.New("storage unavailable")

	terminated, err := svc.TerminateSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, terminated.Status)

	// The failed delete leaves the URI as the retry marker.
	got, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.WorkspaceURI)

	store.deleteErr = nil
	require.NoError(t, svc.PurgeWorkspace(ctx, sess.ID))
	got, err = svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorkspaceURI)

	// Re-purging an already clean session is a no-op.
	require.NoError(t, svc.PurgeWorkspace(ctx, sess.ID))
}

func TestResubmitCrashedExecutions(t *testing.T) {
	svc, _, exec, _, executions, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	run, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)
	require.NoError(t, svc.ApplyExecutionResult(ctx, ExecutionResult{
		ExecutionID: run.ID, Status: "crashed",
	}))

	spent, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "y", Language: "python"})
	require.NoError(t, err)
	stored, err := executions.GetExecution(ctx, spent.ID)
	require.NoError(t, err)
	stored.Status = models.ExecutionCrashed
	stored.RetryCount = 3
	require.NoError(t, executions.UpdateExecution(ctx, stored))

	svc.ResubmitCrashedExecutions(ctx, sess.ID)

	retried, err := executions.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	// Spent budget finalizes instead of resubmitting.
	finalized, err := executions.GetExecution(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, finalized.Status)
	assert.Len(t, exec.submitted, 3)
}

func TestRecoverSessionCreatesFreshContainer(t *testing.T) {
	svc, sched, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)
	sched.nextContainer = "ctr-2"

	require.NoError(t, svc.RecoverSession(ctx, sess.ID))
	got, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ctr-2", got.ContainerID)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Contains(t, sched.destroyed, "ctr-1")
}

func TestListSessionsRejectsUnknownStatus(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)

	_, _, err := svc.ListSessions(context.Background(), dto.ListSessionsQuery{Status: "BOGUS"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestListExecutionsSortedNewestFirst(t *testing.T) {
	svc, _, _, _, _, _ := testFixture(t)
	ctx := context.Background()
	sess := createRunningSession(t, svc)

	first, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "1", Language: "python"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := svc.Execute(ctx, sess.ID, dto.ExecuteRequest{Code: "2", Language: "python"})
	require.NoError(t, err)

	list, total, err := svc.ListExecutions(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
