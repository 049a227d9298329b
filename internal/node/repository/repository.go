// Package repository defines persistence for runtime nodes.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/runbox/runbox/internal/node/models"
)

// ErrNotFound is returned when the requested node does not exist.
var ErrNotFound = errors.New("runtime node not found")

// NodeRepository stores runtime node records. The scheduler is the only
// writer of the resource counters.
type NodeRepository interface {
	SaveNode(ctx context.Context, node *models.RuntimeNode) error
	GetNode(ctx context.Context, id string) (*models.RuntimeNode, error)
	GetNodeByHostname(ctx context.Context, hostname string) (*models.RuntimeNode, error)
	ListNodes(ctx context.Context) ([]*models.RuntimeNode, error)
	ListNodesByStatus(ctx context.Context, status models.NodeStatus) ([]*models.RuntimeNode, error)
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteNode(ctx context.Context, id string) error
}
