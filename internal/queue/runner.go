// Package queue is the durable async task facility: delivery tasks are
// persisted as outbox rows and drained by a cron-driven worker, decoupling
// delivery in time from the request that dispatched it.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/model"
)

// TaskStore persists and claims outbox rows.
type TaskStore interface {
	InsertTask(ctx context.Context, task *model.WebhookTask) error
	DuePendingTasks(ctx context.Context, limit int) ([]model.WebhookTask, error)
	MarkTaskOutcome(ctx context.Context, taskID uint, status, detail string) error
	CountPendingTasks(ctx context.Context) (int64, error)
}

// Executor runs one claimed task to a terminal status. It must never
// return an error: failure handling is the executor's own business.
type Executor interface {
	Execute(ctx context.Context, task model.WebhookTask) (status, detail string)
}

// Runner polls the outbox and executes due tasks.
type Runner struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.QueueConfig
	store     TaskStore
	executor  Executor
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewRunner creates a new task runner
func NewRunner(cfg *config.QueueConfig, store TaskStore, executor Executor, metrics *metrics.Metrics) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		cron:     cron.New(cron.WithSeconds()),
		config:   cfg,
		store:    store,
		executor: executor,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue persists a task for asynchronous execution. This is the fast
// path called from the dispatcher and must not block on anything but a
// single insert.
func (r *Runner) Enqueue(ctx context.Context, task *model.WebhookTask) error {
	return r.store.InsertTask(ctx, task)
}

// EnqueueIn persists a task that becomes due only after the given delay.
func (r *Runner) EnqueueIn(ctx context.Context, delay time.Duration, task *model.WebhookTask) error {
	task.RunAfter = time.Now().Add(delay)
	return r.store.InsertTask(ctx, task)
}

// Start starts the runner
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("task runner is already running")
	}

	if r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}

	schedule := fmt.Sprintf("*/%d * * * * *", r.config.PollSeconds)

	entryID, err := r.cron.AddFunc(schedule, r.drain)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	r.entryID = entryID
	r.cron.Start()
	r.isRunning = true

	logrus.Infof("Task runner started with poll interval: %d seconds", r.config.PollSeconds)
	return nil
}

// Stop stops the runner
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}

	// Cancel context to stop any running operations
	r.cancel()
	r.cron.Remove(r.entryID)
	r.isRunning = false
	// Release before waiting so an in-flight drain can finish its
	// isRunning check instead of deadlocking against us.
	r.mu.Unlock()

	// Stop the cron scheduler and wait for all jobs to complete
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
		logrus.Info("Task runner stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Task runner stop timeout, forcing shutdown")
	}

	return nil
}

// IsRunning returns whether the runner is running
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

// drain is the main processing function that runs periodically
func (r *Runner) drain() {
	r.wg.Add(1)
	defer r.wg.Done()

	r.mu.RLock()
	if !r.isRunning {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	tasks, err := r.store.DuePendingTasks(r.ctx, r.config.BatchSize)
	if err != nil {
		logrus.Errorf("Failed to fetch pending tasks: %v", err)
		return
	}

	if len(tasks) == 0 {
		return
	}

	logrus.Infof("Draining %d due delivery tasks", len(tasks))

	for _, task := range tasks {
		select {
		case <-r.ctx.Done():
			logrus.Info("Task runner context cancelled, leaving remaining tasks pending")
			return
		default:
		}
		r.runTask(task)
	}

	if pending, err := r.store.CountPendingTasks(r.ctx); err == nil {
		r.metrics.PendingTasks.Set(float64(pending))
	}
}

// runTask executes one task and records its terminal status.
func (r *Runner) runTask(task model.WebhookTask) {
	status, detail := r.executor.Execute(r.ctx, task)

	if err := r.store.MarkTaskOutcome(r.ctx, task.ID, status, detail); err != nil {
		logrus.Errorf("Failed to record outcome of task %d: %v", task.ID, err)
	}

	if detail != "" {
		logrus.Infof("Task %d finished: %s (%s)", task.ID, status, detail)
	} else {
		logrus.Infof("Task %d finished: %s", task.ID, status)
	}
}

// RunOnce drains the outbox once (for manual triggering)
func (r *Runner) RunOnce() error {
	logrus.Info("Draining task outbox once")
	r.drain()
	return nil
}

// GetNextRun returns the time of the next scheduled poll
func (r *Runner) GetNextRun() time.Time {
	if !r.IsRunning() {
		return time.Time{}
	}

	entry := r.cron.Entry(r.entryID)
	return entry.Next
}

// GetLastRun returns the time of the last poll
func (r *Runner) GetLastRun() time.Time {
	if !r.IsRunning() {
		return time.Time{}
	}

	entry := r.cron.Entry(r.entryID)
	return entry.Prev
}

// Wait waits for in-flight work to finish
func (r *Runner) Wait() {
	r.wg.Wait()
}
