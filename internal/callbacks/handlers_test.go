package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/config"
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

const testToken = "callback-secret"

type fakeScheduler struct {
	mu        sync.Mutex
	destroyed []string
}

func (f *fakeScheduler) SelectNode(ctx context.Context, req scheduler.ScheduleRequest) (*nodemodels.RuntimeNode, error) {
	return &nodemodels.RuntimeNode{ID: "node-1", Status: nodemodels.NodeOnline}, nil
}

func (f *fakeScheduler) CreateContainer(ctx context.Context, sess *models.Session, tmpl *templatemodels.Template, node *nodemodels.RuntimeNode, install scheduler.InstallOptions) (string, error) {
	return "ctr-1", nil
}

func (f *fakeScheduler) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

type fakeExecutor struct{}

func (f *fakeExecutor) Submit(ctx context.Context, baseURL string, req execclient.ExecuteRequest) (*execclient.ExecuteResponse, error) {
	return &execclient.ExecuteResponse{ExecutionID: req.ExecutionID, Status: "pending"}, nil
}

func (f *fakeExecutor) Health(ctx context.Context, baseURL string) (*execclient.HealthResponse, error) {
	return &execclient.HealthResponse{Status: "ok"}, nil
}

type stubRuntime struct{}

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
	return &runtime.ContainerInfo{ID: id, IP: "10.0.0.5", Status: "running"}, nil
}

func (r *stubRuntime) IsRunning(ctx context.Context, id string) (bool, error) { return true, nil }
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

type fixture struct {
	router *gin.Engine
	svc    *service.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	templates := templaterepo.NewMemoryRepository()
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

	svc := service.NewService(repo, repo, templates, &stubRuntime{}, &fakeScheduler{}, storage.NewMemoryStore("runbox-workspaces"), &fakeExecutor{}, nil, cfg, log)

	tmpl := &templatemodels.Template{ID: "tpl-1", Name: "python-default", Image: "runbox/python:3.12"}
	require.NoError(t, templates.CreateTemplate(context.Background(), tmpl))

	router := gin.New()
	RegisterRoutes(router, svc, testToken, log)

	return &fixture{router: router, svc: svc}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) creatingSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), dto.CreateSessionRequest{TemplateID: "tpl-1"})
	require.NoError(t, err)
	return sess
}

func (f *fixture) runningSession(t *testing.T) *models.Session {
	t.Helper()
	sess := f.creatingSession(t)
	w := f.post(t, "/internal/sessions/"+sess.ID+"/container_ready", gin.H{
		"container_id":  sess.ContainerID,
		"executor_port": 8888,
	}, testToken)
	require.Equal(t, http.StatusOK, w.Code)
	sess, err := f.svc.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionRunning, sess.Status)
	return sess
}

func TestCallbackRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	sess := f.creatingSession(t)

	w := f.post(t, "/internal/sessions/"+sess.ID+"/container_ready", gin.H{"container_id": "ctr-1"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.post(t, "/internal/sessions/"+sess.ID+"/container_ready", gin.H{"container_id": "ctr-1"}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestContainerReadyTransitionsSession(t *testing.T) {
	f := newFixture(t)
	sess := f.runningSession(t)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Equal(t, 8888, sess.ExecutorPort)
}

func TestContainerReadyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sess := f.runningSession(t)

	w := f.post(t, "/internal/sessions/"+sess.ID+"/container_ready", gin.H{
		"container_id":  sess.ContainerID,
		"executor_port": 8888,
	}, testToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestContainerReadyUnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/internal/sessions/nope/container_ready", gin.H{"container_id": "ctr-1"}, testToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContainerExitedCompletesSession(t *testing.T) {
	f := newFixture(t)
	sess := f.runningSession(t)

	w := f.post(t, "/internal/sessions/"+sess.ID+"/container_exited", gin.H{"exit_code": 0}, testToken)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.svc.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
}

func TestExecutionResultCallback(t *testing.T) {
	f := newFixture(t)
	sess := f.runningSession(t)

	exec, err := f.svc.Execute(context.Background(), sess.ID, dto.ExecuteRequest{
		Code:     "print(40 + 2)",
		Language: "python",
	})
	require.NoError(t, err)

	w := f.post(t, "/internal/executions/"+exec.ID+"/result", gin.H{
		"status":    "completed",
		"stdout":    "42\n",
		"exit_code": 0,
		"metrics":   gin.H{"duration_ms": 12},
	}, testToken)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.svc.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.Equal(t, "42\n", got.Stdout)
	assert.EqualValues(t, 12, got.Metrics.DurationMS)
}

func TestExecutionResultMissingStatus(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/internal/executions/exec-1/result", gin.H{"stdout": "x"}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatTouchesExecution(t *testing.T) {
	f := newFixture(t)
	sess := f.runningSession(t)

	exec, err := f.svc.Execute(context.Background(), sess.ID, dto.ExecuteRequest{
		Code:     "while True: pass",
		Language: "python",
	})
	require.NoError(t, err)

	w := f.post(t, "/internal/executions/"+exec.ID+"/heartbeat", gin.H{}, testToken)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.svc.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
}
