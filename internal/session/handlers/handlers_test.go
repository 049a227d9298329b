package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/session/service"
	"github.com/runbox/runbox/internal/storage"
	templatemodels "github.com/runbox/runbox/internal/template/models"
	templaterepo "github.com/runbox/runbox/internal/template/repository"
)

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
	store  storage.Store
}

// newFixture wires the REST surface with an inline limit of 16 bytes so the
// presign path is easy to reach.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	templates := templaterepo.NewMemoryRepository()
	store := storage.NewMemoryStore("runbox-workspaces")
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

	svc := service.NewService(repo, repo, templates, &stubRuntime{}, &fakeScheduler{}, store, &fakeExecutor{}, nil, cfg, log)

	tmpl := &templatemodels.Template{ID: "tpl-1", Name: "python-default", Image: "runbox/python:3.12"}
	require.NoError(t, templates.CreateTemplate(context.Background(), tmpl))

	router := gin.New()
	api := router.Group("/api/v1")
	RegisterRoutes(api, svc, store, 16, 900, log)

	return &fixture{router: router, svc: svc, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *fixture) runningSession(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"template_id": "tpl-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := f.decode(t, w)["id"].(string)
	require.NoError(t, f.svc.MarkContainerReady(context.Background(), id, "ctr-1", 8888, "", nil))
	return id
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"template_id": "tpl-1", "timeout": 600})
	require.Equal(t, http.StatusCreated, w.Code)

	body := f.decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "CREATING", body["status"])
	assert.EqualValues(t, 600, body["timeout_seconds"])
}

func TestCreateSessionMissingTemplate(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"template_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := f.decode(t, w)
	assert.Equal(t, "NOT_FOUND", body["error_code"])
}

func TestGetSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RUNNING", f.decode(t, w)["status"])

	w = f.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/sessions?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTerminateSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	w := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "TERMINATED", f.decode(t, w)["status"])

	// Repeat delete is idempotent.
	w = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecuteEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/executions/execute", gin.H{
		"code":     "print(1)",
		"language": "python",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := f.decode(t, w)
	assert.Equal(t, "RUNNING", body["status"])

	execID := body["id"].(string)
	w = f.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Result is unavailable until the execution reaches a terminal state.
	w = f.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/result", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecuteRejectsCreatingSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"template_id": "tpl-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := f.decode(t, w)["id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/executions/execute", gin.H{
		"code":     "print(1)",
		"language": "python",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileUploadAndInlineDownload(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/files/data.txt", strings.NewReader("hello"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/files/data.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestFileDownloadPresignsLargeObjects(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	payload := strings.Repeat("x", 64) // over the 16 byte inline limit
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/files/big.bin", strings.NewReader(payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/files/big.bin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := f.decode(t, w)
	assert.Contains(t, body["url"], "https://")
	assert.EqualValues(t, 64, body["size"])
}

func TestFilePathTraversalRejected(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/files/../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileDeleteEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.runningSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/files/tmp.txt", strings.NewReader("x"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/files/tmp.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, f.decode(t, w)["deleted"])
}
