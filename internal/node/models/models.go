// Package models defines the runtime node entity used for scheduling.
package models

import (
	"time"

	session "github.com/runbox/runbox/internal/session/models"
)

// NodeStatus represents the scheduling availability of a node
type NodeStatus string

const (
	NodeOnline      NodeStatus = "ONLINE"
	NodeOffline     NodeStatus = "OFFLINE"
	NodeDraining    NodeStatus = "DRAINING"
	NodeMaintenance NodeStatus = "MAINTENANCE"
)

// RuntimeNode is a host (or a logical cluster) on which containers can be
// scheduled. Resource counters are in milli-CPUs and bytes and are mutated
// only inside the scheduler's critical section.
type RuntimeNode struct {
	ID                 string              `json:"id"`
	Hostname           string              `json:"hostname"`
	Type               session.RuntimeType `json:"type"`
	Endpoint           string              `json:"endpoint,omitempty"`
	Status             NodeStatus          `json:"status"`
	TotalCPUMillis     int64               `json:"total_cpu_millis"`
	AllocatedCPUMillis int64               `json:"allocated_cpu_millis"`
	TotalMemoryBytes   int64               `json:"total_memory_bytes"`
	AllocatedMemBytes  int64               `json:"allocated_memory_bytes"`
	RunningContainers  int                 `json:"running_containers"`
	MaxContainers      int                 `json:"max_containers"`
	CachedImages       []string            `json:"cached_images,omitempty"`
	LastHeartbeatAt    time.Time           `json:"last_heartbeat_at"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// HasCapacity reports whether the node can take one more container with the
// given resource request.
func (n *RuntimeNode) HasCapacity(cpuMillis, memBytes int64) bool {
	if n.Status != NodeOnline {
		return false
	}
	if n.RunningContainers >= n.MaxContainers {
		return false
	}
	if n.AllocatedCPUMillis+cpuMillis > n.TotalCPUMillis {
		return false
	}
	if n.AllocatedMemBytes+memBytes > n.TotalMemoryBytes {
		return false
	}
	return true
}

// HasImage reports whether the node already caches the given image.
func (n *RuntimeNode) HasImage(image string) bool {
	for _, cached := range n.CachedImages {
		if cached == image {
			return true
		}
	}
	return false
}

// Utilization returns the combined cpu+memory utilization in [0, 2],
// used as the scheduler tie-breaker.
func (n *RuntimeNode) Utilization() float64 {
	var u float64
	if n.TotalCPUMillis > 0 {
		u += float64(n.AllocatedCPUMillis) / float64(n.TotalCPUMillis)
	}
	if n.TotalMemoryBytes > 0 {
		u += float64(n.AllocatedMemBytes) / float64(n.TotalMemoryBytes)
	}
	return u
}
