// Package scheduler places session containers on runtime nodes and drives
// their provisioning through the container runtime port.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	nodemodels "github.com/runbox/runbox/internal/node/models"
	noderepo "github.com/runbox/runbox/internal/node/repository"
	"github.com/runbox/runbox/internal/runtime"
	session "github.com/runbox/runbox/internal/session/models"
	template "github.com/runbox/runbox/internal/template/models"
)

const eventSource = "scheduler"

// ScheduleRequest asks for a node able to run one more container.
type ScheduleRequest struct {
	TemplateID      string
	Image           string
	Resources       session.ResourceLimits
	PreferredLabels map[string]string
}

// InstallOptions controls the dependency install step wrapped around the
// executor entrypoint.
type InstallOptions struct {
	TimeoutSec            int
	FailOnError           bool
	AllowVersionConflicts bool
}

type allocation struct {
	nodeID    string
	cpuMillis int64
	memBytes  int64
}

// Service selects nodes, builds container specs, and creates/destroys
// session containers.
type Service struct {
	runtime runtime.Runtime
	nodes   noderepo.NodeRepository
	bus     bus.EventBus
	cfg     config.SchedulerConfig
	logger  *logger.Logger

	executorPort int
	publicURL    string
	network      string
	disableBwrap bool

	mu          sync.Mutex
	allocations map[string]allocation // container id -> reserved resources
	localNodeID string
}

// NewService creates the scheduler and registers the node representing the
// configured runtime: the local host for Docker, a single logical node for a
// cluster.
func NewService(ctx context.Context, rt runtime.Runtime, nodes noderepo.NodeRepository, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) (*Service, error) {
	s := &Service{
		runtime:      rt,
		nodes:        nodes,
		bus:          eventBus,
		cfg:          cfg.Scheduler,
		logger:       log.WithFields(zap.String("component", "scheduler")),
		executorPort: cfg.Executor.Port,
		publicURL:    cfg.Server.PublicURL,
		network:      cfg.Docker.DefaultNetwork,
		disableBwrap: cfg.Executor.DisableBwrap,
		allocations:  make(map[string]allocation),
	}
	if err := s.registerNode(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) registerNode(ctx context.Context) error {
	totalCPU, err := resource.ParseQuantity(s.cfg.TotalCPU)
	if err != nil {
		return fmt.Errorf("invalid scheduler total cpu %q: %w", s.cfg.TotalCPU, err)
	}
	totalMem, err := resource.ParseQuantity(s.cfg.TotalMemory)
	if err != nil {
		return fmt.Errorf("invalid scheduler total memory %q: %w", s.cfg.TotalMemory, err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	if s.runtime.Type() == session.RuntimeCluster {
		hostname = "cluster"
	}

	now := time.Now().UTC()
	node := &nodemodels.RuntimeNode{
		ID:               uuid.New().String(),
		Hostname:         hostname,
		Type:             s.runtime.Type(),
		Status:           nodemodels.NodeOnline,
		TotalCPUMillis:   totalCPU.MilliValue(),
		TotalMemoryBytes: totalMem.Value(),
		MaxContainers:    s.cfg.MaxContainers,
		LastHeartbeatAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// A restart re-registers the same host; keep the existing record.
	if existing, err := s.nodes.GetNodeByHostname(ctx, hostname); err == nil {
		node.ID = existing.ID
		node.CreatedAt = existing.CreatedAt
	}
	if err := s.nodes.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("failed to register runtime node: %w", err)
	}
	s.localNodeID = node.ID

	s.publish(ctx, events.NodeRegistered, map[string]interface{}{
		"node_id":  node.ID,
		"hostname": node.Hostname,
		"type":     string(node.Type),
	})
	s.logger.Info("Runtime node registered",
		zap.String("node_id", node.ID),
		zap.String("hostname", node.Hostname),
		zap.Int64("total_cpu_millis", node.TotalCPUMillis),
		zap.Int64("total_memory_bytes", node.TotalMemoryBytes),
	)
	return nil
}

// LocalNodeID returns the id of the node this process registered.
func (s *Service) LocalNodeID() string {
	return s.localNodeID
}

// SelectNode picks an ONLINE node with spare capacity for the request.
// Nodes caching the template image win; ties break on lowest combined
// cpu+memory utilization.
func (s *Service) SelectNode(ctx context.Context, req ScheduleRequest) (*nodemodels.RuntimeNode, error) {
	cpuMillis, memBytes, _, err := ParseResources(req.Resources)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	candidates, err := s.nodes.ListNodesByStatus(ctx, nodemodels.NodeOnline)
	if err != nil {
		return nil, apperrors.Internal("failed to list runtime nodes", err)
	}

	eligible := candidates[:0]
	for _, n := range candidates {
		if n.HasCapacity(cpuMillis, memBytes) {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return nil, apperrors.ResourceExhausted("no runtime node has capacity for the requested resources")
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ci, cj := eligible[i].HasImage(req.Image), eligible[j].HasImage(req.Image)
		if ci != cj {
			return ci
		}
		return eligible[i].Utilization() < eligible[j].Utilization()
	})
	return eligible[0], nil
}

// BuildContainerConfig assembles the container spec for a session.
func (s *Service) BuildContainerConfig(sess *session.Session, tmpl *template.Template, install InstallOptions) (runtime.ContainerConfig, error) {
	cpuMillis, memBytes, diskBytes, err := ParseResources(sess.Resources)
	if err != nil {
		return runtime.ContainerConfig{}, apperrors.Validation(err.Error())
	}

	env := map[string]string{
		"SESSION_ID":        sess.ID,
		"WORKSPACE_PATH":    "/workspace",
		"CONTROL_PLANE_URL": s.publicURL,
	}
	for k, v := range sess.EnvVars {
		env[k] = v
	}
	if s.disableBwrap {
		env["RUNBOX_DISABLE_BWRAP"] = "1"
	}

	cfg := runtime.ContainerConfig{
		Name:         ContainerName(sess.ID),
		Image:        tmpl.Image,
		EnvVars:      env,
		CPUMillis:    cpuMillis,
		MemoryBytes:  memBytes,
		DiskBytes:    diskBytes,
		WorkspaceURI: sess.WorkspaceURI,
		Network:      s.network,
		Labels: map[string]string{
			runtime.LabelManagedBy:  "true",
			runtime.LabelSessionID:  sess.ID,
			runtime.LabelTemplateID: sess.TemplateID,
		},
	}
	if len(sess.RequestedDeps) > 0 {
		cfg.Entrypoint = dependencyEntrypoint(sess.RequestedDeps, install.TimeoutSec, install.FailOnError, install.AllowVersionConflicts)
	}
	return cfg, nil
}

// CreateContainer creates and starts the session container on the given
// node, reserving its resources. A failed start removes the partial
// container before the error propagates.
func (s *Service) CreateContainer(ctx context.Context, sess *session.Session, tmpl *template.Template, node *nodemodels.RuntimeNode, install InstallOptions) (string, error) {
	cfg, err := s.BuildContainerConfig(sess, tmpl, install)
	if err != nil {
		return "", err
	}

	createCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.CreateTimeout)*time.Second)
	defer cancel()

	containerID, err := s.runtime.Create(createCtx, cfg)
	if err != nil {
		return "", apperrors.UpstreamUnavailable("container runtime", err)
	}
	if err := s.runtime.Start(createCtx, containerID); err != nil {
		if rmErr := s.runtime.Remove(context.WithoutCancel(ctx), containerID, true); rmErr != nil {
			s.logger.Warn("Failed to remove container after start failure",
				zap.String("container_id", containerID), zap.Error(rmErr))
		}
		return "", apperrors.UpstreamUnavailable("container runtime", err)
	}

	if err := s.reserve(ctx, containerID, node.ID, cfg.CPUMillis, cfg.MemoryBytes); err != nil {
		if rmErr := s.Destroy(context.WithoutCancel(ctx), containerID); rmErr != nil {
			s.logger.Warn("Failed to remove container after reservation failure",
				zap.String("container_id", containerID), zap.Error(rmErr))
		}
		return "", err
	}
	s.publish(ctx, events.ContainerStarted, map[string]interface{}{
		"session_id":   sess.ID,
		"container_id": containerID,
		"node_id":      node.ID,
	})
	s.logger.Info("Container started",
		zap.String("session_id", sess.ID),
		zap.String("container_id", containerID),
		zap.String("node_id", node.ID),
	)
	return containerID, nil
}

// Destroy stops and removes a container with the configured grace period and
// releases its reservation. Unknown containers are not an error.
func (s *Service) Destroy(ctx context.Context, containerID string) error {
	grace := time.Duration(s.cfg.StopGracePeriod) * time.Second
	if err := s.runtime.Stop(ctx, containerID, grace); err != nil && !runtime.IsNotFound(err) {
		return apperrors.UpstreamUnavailable("container runtime", err)
	}
	if err := s.runtime.Remove(ctx, containerID, true); err != nil && !runtime.IsNotFound(err) {
		return apperrors.UpstreamUnavailable("container runtime", err)
	}
	s.release(ctx, containerID)
	return nil
}

// RefreshNodeHealth pings the runtime and reconciles the node record's
// liveness and container count. Registered as a periodic task.
func (s *Service) RefreshNodeHealth(ctx context.Context) error {
	node, err := s.nodes.GetNode(ctx, s.localNodeID)
	if err != nil {
		return fmt.Errorf("failed to load runtime node: %w", err)
	}

	status := nodemodels.NodeOnline
	if err := s.runtime.Ping(ctx); err != nil {
		status = nodemodels.NodeOffline
		s.logger.Warn("Runtime ping failed", zap.Error(err))
	} else {
		managed, err := s.runtime.List(ctx, map[string]string{runtime.LabelManagedBy: "true"})
		if err == nil {
			running := 0
			for i := range managed {
				if managed[i].Running() {
					running++
				}
			}
			node.RunningContainers = running
		}
	}

	if node.Status != status {
		s.publish(ctx, events.NodeStateChanged, map[string]interface{}{
			"node_id": node.ID,
			"from":    string(node.Status),
			"to":      string(status),
		})
		s.logger.Info("Runtime node state changed",
			zap.String("node_id", node.ID),
			zap.String("from", string(node.Status)),
			zap.String("to", string(status)),
		)
	}
	node.Status = status
	node.LastHeartbeatAt = time.Now().UTC()
	node.UpdatedAt = node.LastHeartbeatAt
	return s.nodes.SaveNode(ctx, node)
}

// reserve books the container's resources against the node. Capacity is
// re-validated here: the SelectNode check ran outside this critical section,
// so concurrent creates can race past it.
func (s *Service) reserve(ctx context.Context, containerID, nodeID string, cpuMillis, memBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return apperrors.Internal("failed to load node for reservation", err)
	}
	if !node.HasCapacity(cpuMillis, memBytes) {
		return apperrors.ResourceExhausted(
			fmt.Sprintf("node %s lost capacity before reservation", nodeID))
	}

	s.allocations[containerID] = allocation{nodeID: nodeID, cpuMillis: cpuMillis, memBytes: memBytes}
	s.applyAllocation(ctx, nodeID, cpuMillis, memBytes, 1)
	return nil
}

// release returns a container's reservation to its node. Safe to call for
// containers that were never reserved.
func (s *Service) release(ctx context.Context, containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[containerID]
	if !ok {
		return
	}
	delete(s.allocations, containerID)
	s.applyAllocation(ctx, alloc.nodeID, -alloc.cpuMillis, -alloc.memBytes, -1)
}

// applyAllocation mutates node counters; caller holds s.mu.
func (s *Service) applyAllocation(ctx context.Context, nodeID string, cpuMillis, memBytes int64, containers int) {
	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("Failed to load node for allocation update",
			zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	node.AllocatedCPUMillis = clampNonNegative(node.AllocatedCPUMillis + cpuMillis)
	node.AllocatedMemBytes = clampNonNegative(node.AllocatedMemBytes + memBytes)
	if rc := node.RunningContainers + containers; rc >= 0 {
		node.RunningContainers = rc
	} else {
		node.RunningContainers = 0
	}
	node.UpdatedAt = time.Now().UTC()
	if err := s.nodes.SaveNode(ctx, node); err != nil {
		s.logger.Warn("Failed to persist node allocation",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// ParseResources converts the string resource limits ("1", "512Mi", "1Gi")
// into milli-CPUs and bytes. Empty fields parse to zero.
func ParseResources(limits session.ResourceLimits) (cpuMillis, memBytes, diskBytes int64, err error) {
	if limits.CPU != "" {
		q, perr := resource.ParseQuantity(limits.CPU)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("invalid cpu limit %q: %w", limits.CPU, perr)
		}
		cpuMillis = q.MilliValue()
	}
	if limits.Memory != "" {
		q, perr := resource.ParseQuantity(limits.Memory)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("invalid memory limit %q: %w", limits.Memory, perr)
		}
		memBytes = q.Value()
	}
	if limits.Disk != "" {
		q, perr := resource.ParseQuantity(limits.Disk)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("invalid disk limit %q: %w", limits.Disk, perr)
		}
		diskBytes = q.Value()
	}
	return cpuMillis, memBytes, diskBytes, nil
}

// ContainerName derives the deterministic container name for a session.
func ContainerName(sessionID string) string {
	return "runbox-" + sessionID
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
