package kubernetes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"

	"github.com/runbox/runbox/internal/common/logger"
	rt "github.com/runbox/runbox/internal/runtime"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testConfig(name, sessionID string) rt.ContainerConfig {
	return rt.ContainerConfig{
		Name:  name,
		Image: "runbox/python:3.12",
		Labels: map[string]string{
			rt.LabelManagedBy: "true",
			rt.LabelSessionID: sessionID,
		},
	}
}

func TestCreateIdempotentOnName(t *testing.T) {
	r := NewRuntimeWithClient(fake.NewClientset(), "runbox", testLogger(t))
	ctx := context.Background()

	first, err := r.Create(ctx, testConfig("runbox-s1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, "runbox-s1", first)

	// Replaying the same session's create resolves to the existing pod.
	again, err := r.Create(ctx, testConfig("runbox-s1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A name collision from a different session is a conflict.
	_, err = r.Create(ctx, testConfig("runbox-s1", "s2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rt.ErrAlreadyExists)
}

func TestStopAndRemoveTolerateMissingPod(t *testing.T) {
	r := NewRuntimeWithClient(fake.NewClientset(), "runbox", testLogger(t))
	ctx := context.Background()

	assert.NoError(t, r.Stop(ctx, "no-such-pod", 5*time.Second))
	assert.NoError(t, r.Remove(ctx, "no-such-pod", true))
}

func TestPingFakeCluster(t *testing.T) {
	r := NewRuntimeWithClient(fake.NewClientset(), "runbox", testLogger(t))
	assert.NoError(t, r.Ping(context.Background()))
}

func TestPingHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-release:
		case <-req.Context().Done():
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client, err := clientset.NewForConfig(&rest.Config{Host: srv.URL})
	require.NoError(t, err)
	r := NewRuntimeWithClient(client, "runbox", testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = r.Ping(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
