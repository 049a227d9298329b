// Package tasks runs the named periodic background jobs: node health
// refresh, state reconciliation and the cleanup passes.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runbox/runbox/internal/common/logger"
)

// stopTimeout bounds how long StopAll waits for in-flight ticks.
const stopTimeout = 30 * time.Second

// Task is a periodic job. A tick returning an error is logged and the task
// keeps running; only context cancellation stops it.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Manager supervises the registered tasks.
type Manager struct {
	tasks  []Task
	logger *logger.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger: log.WithFields(zap.String("component", "tasks")),
	}
}

// Register adds a task. Must be called before StartAll.
func (m *Manager) Register(t Task) {
	m.tasks = append(m.tasks, t)
}

// StartAll launches one worker per registered task and returns immediately.
func (m *Manager) StartAll(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	for _, t := range m.tasks {
		task := t
		m.group.Go(func() error {
			m.runTask(ctx, task)
			return nil
		})
		m.logger.Info("Background task started",
			zap.String("task", task.Name),
			zap.Duration("interval", task.Interval))
	}
}

func (m *Manager) runTask(ctx context.Context, t Task) {
	if t.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.InitialDelay):
		}
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, t)
		}
	}
}

func (m *Manager) tick(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Background task panicked",
				zap.String("task", t.Name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		m.logger.Warn("Background task tick failed",
			zap.String("task", t.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

// StopAll cancels all workers and waits for them, bounded by stopTimeout.
func (m *Manager) StopAll() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()

	select {
	case err := <-done:
		m.logger.Info("Background tasks stopped")
		return err
	case <-time.After(stopTimeout):
		m.logger.Warn("Background tasks did not stop in time")
		return context.DeadlineExceeded
	}
}
