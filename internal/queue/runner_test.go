package queue

import (
	"context"
	"testing"
	"time"

	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/model"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = metrics.NewMetrics()

// fakeTaskStore keeps the outbox in memory
type fakeTaskStore struct {
	tasks  []model.WebhookTask
	nextID uint
}

func (f *fakeTaskStore) InsertTask(ctx context.Context, task *model.WebhookTask) error {
	f.nextID++
	task.ID = f.nextID
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if task.RunAfter.IsZero() {
		task.RunAfter = time.Now()
	}
	f.tasks = append(f.tasks, *task)
	return nil
}

func (f *fakeTaskStore) DuePendingTasks(ctx context.Context, limit int) ([]model.WebhookTask, error) {
	var due []model.WebhookTask
	for _, task := range f.tasks {
		if task.Status == model.TaskStatusPending && !task.RunAfter.After(time.Now()) {
			due = append(due, task)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeTaskStore) MarkTaskOutcome(ctx context.Context, taskID uint, status, detail string) error {
	for i := range f.tasks {
		if f.tasks[i].ID == taskID {
			f.tasks[i].Status = status
			f.tasks[i].Detail = detail
		}
	}
	return nil
}

func (f *fakeTaskStore) CountPendingTasks(ctx context.Context) (int64, error) {
	var count int64
	for _, task := range f.tasks {
		if task.Status == model.TaskStatusPending {
			count++
		}
	}
	return count, nil
}

// fakeExecutor records what it ran
type fakeExecutor struct {
	executed []model.WebhookTask
	status   string
	detail   string
}

func (f *fakeExecutor) Execute(ctx context.Context, task model.WebhookTask) (string, string) {
	f.executed = append(f.executed, task)
	if f.status == "" {
		return model.TaskStatusDelivered, ""
	}
	return f.status, f.detail
}

func newTestRunner() (*Runner, *fakeTaskStore, *fakeExecutor) {
	store := &fakeTaskStore{}
	executor := &fakeExecutor{}
	cfg := &config.QueueConfig{PollSeconds: 60, BatchSize: 10}
	return NewRunner(cfg, store, executor, testMetrics), store, executor
}

func TestRunnerRestart(t *testing.T) {
	runner, _, _ := newTestRunner()

	if err := runner.Start(); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if !runner.IsRunning() {
		t.Fatalf("runner should be running after Start")
	}
	if err := runner.Start(); err == nil {
		t.Fatalf("second Start while running should fail")
	}
	if err := runner.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if runner.IsRunning() {
		t.Fatalf("runner should not be running after Stop")
	}
	if err := runner.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if !runner.IsRunning() {
		t.Fatalf("runner should be running after restart")
	}
	// context should be active again
	if runner.ctx == nil || runner.ctx.Err() != nil {
		t.Fatalf("runner context should be active after restart")
	}
	runner.Stop()
}

func TestRunnerDrainsDueTasks(t *testing.T) {
	runner, store, executor := newTestRunner()
	ctx := context.Background()

	if err := runner.Enqueue(ctx, &model.WebhookTask{SubjectID: 1, Event: "digest_set_to_never"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := runner.Enqueue(ctx, &model.WebhookTask{SubjectID: 2, Event: "digest_set_to_never"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Flip the flag directly so the cron cannot race the manual drain
	runner.isRunning = true

	if err := runner.RunOnce(); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	if len(executor.executed) != 2 {
		t.Fatalf("expected 2 executed tasks, got %d", len(executor.executed))
	}
	for _, task := range store.tasks {
		if task.Status != model.TaskStatusDelivered {
			t.Fatalf("task %d should be marked delivered, got %s", task.ID, task.Status)
		}
	}
}

func TestRunnerLeavesDelayedTasksPending(t *testing.T) {
	runner, store, executor := newTestRunner()
	ctx := context.Background()

	if err := runner.EnqueueIn(ctx, time.Hour, &model.WebhookTask{SubjectID: 3, Event: "digest_set_to_never"}); err != nil {
		t.Fatalf("delayed enqueue failed: %v", err)
	}

	runner.isRunning = true

	if err := runner.RunOnce(); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	if len(executor.executed) != 0 {
		t.Fatalf("delayed task must not run early")
	}
	if store.tasks[0].Status != model.TaskStatusPending {
		t.Fatalf("delayed task should stay pending, got %s", store.tasks[0].Status)
	}
}

func TestRunnerRecordsSkippedOutcome(t *testing.T) {
	runner, store, executor := newTestRunner()
	executor.status = model.TaskStatusSkipped
	executor.detail = "superseded"
	ctx := context.Background()

	if err := runner.Enqueue(ctx, &model.WebhookTask{SubjectID: 4, Event: "digest_set_to_never"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runner.isRunning = true

	if err := runner.RunOnce(); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	if store.tasks[0].Status != model.TaskStatusSkipped {
		t.Fatalf("expected skipped status, got %s", store.tasks[0].Status)
	}
	if store.tasks[0].Detail != "superseded" {
		t.Fatalf("expected detail to be recorded, got %q", store.tasks[0].Detail)
	}
}
