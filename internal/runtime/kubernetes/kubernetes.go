// Package kubernetes implements the container scheduler port against a
// Kubernetes cluster. Each session container maps to a single pod; actual
// placement is delegated to the cluster scheduler.
package kubernetes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/runtime"
	session "github.com/runbox/runbox/internal/session/models"
)

const workspaceVolume = "workspace"

// Runtime implements runtime.Runtime against a Kubernetes cluster.
type Runtime struct {
	client    kubernetes.Interface
	namespace string
	logger    *logger.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// NewRuntime creates a Kubernetes-backed runtime. An empty kubeconfig path
// selects the in-cluster config.
func NewRuntime(cfg config.KubernetesConfig, log *logger.Logger) (*Runtime, error) {
	var restCfg *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	log.Info("Kubernetes runtime created", zap.String("namespace", cfg.Namespace))
	return &Runtime{client: client, namespace: cfg.Namespace, logger: log}, nil
}

// NewRuntimeWithClient creates a runtime over an existing clientset (tests).
func NewRuntimeWithClient(client kubernetes.Interface, namespace string, log *logger.Logger) *Runtime {
	return &Runtime{client: client, namespace: namespace, logger: log}
}

// Type identifies this as the cluster runtime variant.
func (r *Runtime) Type() session.RuntimeType {
	return session.RuntimeCluster
}

// Close is a no-op; the clientset holds no persistent connections.
func (r *Runtime) Close() error { return nil }

// Create creates a pod for the container spec. Idempotent on cfg.Name.
func (r *Runtime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	pod := r.buildPod(cfg)

	created, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			existing, getErr := r.client.CoreV1().Pods(r.namespace).Get(ctx, cfg.Name, metav1.GetOptions{})
			if getErr != nil {
				return "", fmt.Errorf("failed to resolve pod name %s: %w", cfg.Name, getErr)
			}
			if existing.Labels[runtime.LabelSessionID] == cfg.Labels[runtime.LabelSessionID] {
				return existing.Name, nil
			}
			return "", fmt.Errorf("pod %s: %w", cfg.Name, runtime.ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to create pod %s: %w", cfg.Name, err)
	}

	r.logger.Info("Pod created",
		zap.String("pod", created.Name),
		zap.String("namespace", r.namespace),
	)
	return created.Name, nil
}

func (r *Runtime) buildPod(cfg runtime.ContainerConfig) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	limits := corev1.ResourceList{}
	if cfg.CPUMillis > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(cfg.CPUMillis, resource.DecimalSI)
	}
	if cfg.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(cfg.MemoryBytes, resource.BinarySI)
	}
	if cfg.DiskBytes > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(cfg.DiskBytes, resource.BinarySI)
	}

	container := corev1.Container{
		Name:  "sandbox",
		Image: cfg.Image,
		Env:   env,
		Resources: corev1.ResourceRequirements{
			Limits:   limits,
			Requests: limits,
		},
		VolumeMounts: []corev1.VolumeMount{{
			Name:      workspaceVolume,
			MountPath: "/workspace",
		}},
	}
	if len(cfg.Entrypoint) > 0 {
		container.Command = cfg.Entrypoint
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   cfg.Name,
			Labels: cfg.Labels,
			// The executor syncs the workspace prefix from object storage;
			// the pod itself only carries an ephemeral volume.
			Annotations: map[string]string{"runbox.workspace_uri": cfg.WorkspaceURI},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
			Volumes: []corev1.Volume{{
				Name:         workspaceVolume,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}
}

// Start is a no-op: pods start on creation.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	_, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("pod %s: %w", containerID, runtime.ErrNotFound)
	}
	return err
}

// Stop deletes the pod with the given grace period.
func (r *Runtime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	graceSeconds := int64(grace.Seconds())
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, containerID, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to stop pod %s: %w", containerID, err)
	}
	return nil
}

// Remove force-deletes the pod record.
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	opts := metav1.DeleteOptions{}
	if force {
		zero := int64(0)
		opts.GracePeriodSeconds = &zero
	}
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, containerID, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to remove pod %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns pod details mapped to the runtime-independent view.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("pod %s: %w", containerID, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect pod %s: %w", containerID, err)
	}
	return podInfo(pod), nil
}

func podInfo(pod *corev1.Pod) *runtime.ContainerInfo {
	info := &runtime.ContainerInfo{
		ID:     pod.Name,
		Name:   pod.Name,
		IP:     pod.Status.PodIP,
		Labels: pod.Labels,
	}
	if len(pod.Spec.Containers) > 0 {
		info.Image = pod.Spec.Containers[0].Image
	}
	if pod.Status.StartTime != nil {
		info.StartedAt = pod.Status.StartTime.Time
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		info.Status = "running"
	case corev1.PodSucceeded, corev1.PodFailed:
		info.Status = "exited"
	default:
		info.Status = "created"
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			info.ExitCode = int(cs.State.Terminated.ExitCode)
			info.ExitedAt = cs.State.Terminated.FinishedAt.Time
		}
	}
	return info
}

// IsRunning reports pod liveness; unknown pods are false, not an error.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := r.Inspect(ctx, containerID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.Running(), nil
}

// Logs returns the tail of the pod's log stream.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tail > 0 {
		tailLines := int64(tail)
		opts.TailLines = &tailLines
	}

	stream, err := r.client.CoreV1().Pods(r.namespace).GetLogs(containerID, opts).Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", fmt.Errorf("pod %s: %w", containerID, runtime.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get pod logs for %s: %w", containerID, err)
	}
	defer func() { _ = stream.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return "", fmt.Errorf("failed to read pod logs for %s: %w", containerID, err)
	}
	return buf.String(), nil
}

// Wait polls until the pod leaves the running phase or the timeout elapses.
func (r *Runtime) Wait(ctx context.Context, containerID string, timeout time.Duration) (*runtime.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		info, err := r.Inspect(ctx, containerID)
		if err != nil {
			return nil, err
		}
		if info.Status == "exited" {
			return &runtime.WaitResult{ExitCode: int64(info.ExitCode)}, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return &runtime.WaitResult{TimedOut: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns pods matching all given labels.
func (r *Runtime) List(ctx context.Context, selector map[string]string) ([]runtime.ContainerInfo, error) {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	infos := make([]runtime.ContainerInfo, 0, len(pods.Items))
	for i := range pods.Items {
		infos = append(infos, *podInfo(&pods.Items[i]))
	}
	return infos, nil
}

// Ping checks API server reachability, honoring the caller's deadline.
func (r *Runtime) Ping(ctx context.Context) error {
	restClient := r.client.Discovery().RESTClient()
	if restClient == nil {
		// Fake clientsets have no REST client; ServerVersion works there.
		if _, err := r.client.Discovery().ServerVersion(); err != nil {
			return fmt.Errorf("kubernetes ping failed: %w", err)
		}
		return nil
	}
	if err := restClient.Get().AbsPath("/version").Do(ctx).Error(); err != nil {
		return fmt.Errorf("kubernetes ping failed: %w", err)
	}
	return nil
}
