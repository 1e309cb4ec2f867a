// Package delivery executes queued webhook tasks. Every gating miss is a
// silent skip, never an error: state churn between enqueue and execution
// is expected.
package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"mail-optout-bridge/internal/classifier"
	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/model"
	"mail-optout-bridge/internal/webhook"
)

// SubjectStore reads subjects from the host application's user store.
type SubjectStore interface {
	FetchSubject(ctx context.Context, id uint64) (*model.Subject, error)
}

// PreferenceStore reads and annotates the subject's mail preferences.
type PreferenceStore interface {
	Snapshot(ctx context.Context, subjectID uint64) (*model.Snapshot, error)
	TouchLastNotified(ctx context.Context, subjectID uint64, at time.Time) error
}

// TokenChecker detects supersession of the task's delivery intent.
type TokenChecker interface {
	IsCurrent(ctx context.Context, subjectID uint64, token string) (bool, error)
}

// Ledger is the fire-once idempotency record. Both operations swallow
// storage failures per the fail-open/fail-soft contract.
type Ledger interface {
	AlreadyDelivered(ctx context.Context, event model.EventKind, subjectID uint64) bool
	MarkDelivered(ctx context.Context, event model.EventKind, subjectID uint64)
}

// Poster performs the outbound webhook call.
type Poster interface {
	Post(ctx context.Context, p webhook.Payload) (int, error)
}

// Journal records executed delivery attempts for observability.
type Journal interface {
	RecordDelivery(ctx context.Context, log *model.DeliveryLog)
}

// Runner re-validates and delivers one webhook task at a time.
type Runner struct {
	subjects SubjectStore
	prefs    PreferenceStore
	tokens   TokenChecker
	ledger   Ledger
	poster   Poster
	journal  Journal
	resolver classifier.MailLevelResolver
	cfg      *config.WebhookConfig
	metrics  *metrics.Metrics
}

// NewRunner creates a delivery runner.
func NewRunner(subjects SubjectStore, prefs PreferenceStore, tokens TokenChecker, ledger Ledger,
	poster Poster, journal Journal, resolver classifier.MailLevelResolver,
	cfg *config.WebhookConfig, m *metrics.Metrics) *Runner {
	return &Runner{
		subjects: subjects,
		prefs:    prefs,
		tokens:   tokens,
		ledger:   ledger,
		poster:   poster,
		journal:  journal,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
	}
}

// Execute runs one task to completion and returns its terminal status plus
// a human-readable detail. It never returns an error and never panics out:
// the business logic already decided failures are not retried, so the task
// host must always see normal completion.
func (r *Runner) Execute(ctx context.Context, task model.WebhookTask) (status, detail string) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Delivery task %d panicked for subject %d: %v", task.ID, task.SubjectID, rec)
			status = model.TaskStatusFailed
			detail = "internal error"
		}
	}()

	event := model.EventKind(task.Event)
	if !event.Known() {
		logrus.Warnf("Delivery task %d carries unknown event %q, skipping", task.ID, task.Event)
		return model.TaskStatusSkipped, "unknown event"
	}

	subject, err := r.subjects.FetchSubject(ctx, task.SubjectID)
	if err != nil {
		logrus.Errorf("Delivery task %d failed to fetch subject %d: %v", task.ID, task.SubjectID, err)
		return model.TaskStatusFailed, "subject fetch failed"
	}
	if subject == nil {
		return model.TaskStatusSkipped, "subject absent"
	}
	if subject.Staged || subject.Suspended {
		return model.TaskStatusSkipped, "subject staged or suspended"
	}

	snap, err := r.prefs.Snapshot(ctx, task.SubjectID)
	if err != nil {
		logrus.Errorf("Delivery task %d failed to read preferences for subject %d: %v", task.ID, task.SubjectID, err)
		return model.TaskStatusFailed, "snapshot read failed"
	}
	if snap == nil {
		return model.TaskStatusSkipped, "no preference record"
	}

	// Re-run the classifier: the state may have flipped back between
	// enqueue and execution, which is churn, not an error.
	if !r.predicateHolds(event, *snap) {
		return model.TaskStatusSkipped, "predicate no longer holds"
	}

	if task.IntentToken != "" {
		current, err := r.tokens.IsCurrent(ctx, task.SubjectID, task.IntentToken)
		if err != nil {
			// Fail closed: skipping risks silence for this stale intent
			// only, while proceeding risks a duplicate racing a newer one.
			logrus.Errorf("Delivery task %d intent check failed for subject %d: %v", task.ID, task.SubjectID, err)
			return model.TaskStatusSkipped, "intent check failed"
		}
		if !current {
			r.metrics.SupersededCount.Inc()
			logrus.Infof("Delivery task %d superseded by a newer intent for subject %d", task.ID, task.SubjectID)
			return model.TaskStatusSkipped, "superseded"
		}
	}

	if classifier.TooNew(subject.CreatedAt, r.cfg.MinAge(), time.Now()) {
		r.metrics.GateDrops.WithLabelValues("too_new").Inc()
		return model.TaskStatusSkipped, "subject too new"
	}

	if r.cfg.FireOnceEnabled && r.ledger.AlreadyDelivered(ctx, event, task.SubjectID) {
		return model.TaskStatusSkipped, "already delivered"
	}

	payload := buildPayload(task, subject, *snap)

	start := time.Now()
	httpStatus, err := r.poster.Post(ctx, payload)
	r.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Terminal for this attempt: no retry, no backoff, no re-enqueue.
		r.metrics.DeliveryFailures.Inc()
		logrus.Errorf("Delivery task %d failed for subject %d: %v", task.ID, task.SubjectID, err)
		r.journal.RecordDelivery(ctx, &model.DeliveryLog{
			TaskID:     task.ID,
			SubjectID:  task.SubjectID,
			Event:      task.Event,
			Status:     model.TaskStatusFailed,
			HTTPStatus: httpStatus,
			ErrorMsg:   err.Error(),
		})
		return model.TaskStatusFailed, err.Error()
	}

	if r.cfg.FireOnceEnabled {
		r.ledger.MarkDelivered(ctx, event, task.SubjectID)
	}
	if err := r.prefs.TouchLastNotified(ctx, task.SubjectID, time.Now()); err != nil {
		logrus.Warnf("Failed to record last notification time for subject %d: %v", task.SubjectID, err)
	}

	r.metrics.DeliverySuccesses.Inc()
	r.journal.RecordDelivery(ctx, &model.DeliveryLog{
		TaskID:     task.ID,
		SubjectID:  task.SubjectID,
		Event:      task.Event,
		Status:     model.TaskStatusDelivered,
		HTTPStatus: httpStatus,
	})
	logrus.Infof("Delivered %s webhook for subject %d (source %s)", task.Event, task.SubjectID, task.Source)
	return model.TaskStatusDelivered, ""
}

// predicateHolds maps an event kind to its classifier predicate.
func (r *Runner) predicateHolds(event model.EventKind, snap model.Snapshot) bool {
	switch event {
	case model.EventDigestSetToNever:
		return classifier.DigestNever(snap)
	case model.EventEmailLevelSetToNever:
		return classifier.AllMailOff(snap, r.resolver)
	default:
		return false
	}
}

// buildPayload maps the current subject and snapshot into the wire format.
func buildPayload(task model.WebhookTask, subject *model.Subject, snap model.Snapshot) webhook.Payload {
	registeredAt := ""
	if !subject.CreatedAt.IsZero() {
		registeredAt = subject.CreatedAt.UTC().Format(time.RFC3339)
	}
	digests := ""
	if snap.EmailDigestsEnabled != nil {
		if *snap.EmailDigestsEnabled {
			digests = "1"
		} else {
			digests = "0"
		}
	}
	return webhook.Payload{
		Event:              task.Event,
		UserID:             strconv.FormatUint(subject.ID, 10),
		Username:           subject.Username,
		Email:              subject.Email,
		RegisteredAt:       registeredAt,
		EmailDigests:       digests,
		DigestAfterMinutes: strconv.Itoa(snap.DigestIntervalMinutes),
		EmailLevel:         strconv.Itoa(snap.EmailLevel),
		SentAtUTC:          time.Now().UTC().Format(time.RFC3339),
		PendingToken:       task.IntentToken,
		Source:             task.Source,
	}
}
