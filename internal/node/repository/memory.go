package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbox/runbox/internal/node/models"
)

// MemoryRepository provides in-memory node storage. The node registry is
// rebuilt from config at startup, so in-memory is the default even in
// production deployments with a SQL session store.
type MemoryRepository struct {
	nodes map[string]*models.RuntimeNode
	mu    sync.RWMutex
}

var _ NodeRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory node repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nodes: make(map[string]*models.RuntimeNode)}
}

// SaveNode creates or replaces a node record
func (r *MemoryRepository) SaveNode(ctx context.Context, node *models.RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	copied := *node
	r.nodes[node.ID] = &copied
	return nil
}

// GetNode retrieves a node by ID
func (r *MemoryRepository) GetNode(ctx context.Context, id string) (*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	copied := *node
	return &copied, nil
}

// GetNodeByHostname retrieves a node by hostname
func (r *MemoryRepository) GetNodeByHostname(ctx context.Context, hostname string) (*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if node.Hostname == hostname {
			copied := *node
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("node %q: %w", hostname, ErrNotFound)
}

// ListNodes returns all nodes
func (r *MemoryRepository) ListNodes(ctx context.Context) ([]*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RuntimeNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		copied := *node
		result = append(result, &copied)
	}
	return result, nil
}

// ListNodesByStatus returns nodes in the given status
func (r *MemoryRepository) ListNodesByStatus(ctx context.Context, status models.NodeStatus) ([]*models.RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.RuntimeNode
	for _, node := range r.nodes {
		if node.Status == status {
			copied := *node
			result = append(result, &copied)
		}
	}
	return result, nil
}

// TouchHeartbeat updates a node's heartbeat timestamp
func (r *MemoryRepository) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node.LastHeartbeatAt = at.UTC()
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteNode removes a node record
func (r *MemoryRepository) DeleteNode(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	delete(r.nodes, id)
	return nil
}
