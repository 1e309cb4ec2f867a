package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-optout-bridge/internal/intent"
	"mail-optout-bridge/internal/model"
)

// Repository wraps all database access for the bridge.
type Repository struct {
	db *gorm.DB
}

var _ intent.Store = (*Repository)(nil)

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FetchSubject returns the subject or nil if it does not exist.
func (r *Repository) FetchSubject(ctx context.Context, id uint64) (*model.Subject, error) {
	var subject model.Subject
	result := r.db.WithContext(ctx).First(&subject, id)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch subject %d: %w", id, result.Error)
	}
	return &subject, nil
}

// FetchSubjectByOptOutKey resolves an unsubscribe-link key to its subject,
// or nil if the key is unknown.
func (r *Repository) FetchSubjectByOptOutKey(ctx context.Context, key string) (*model.Subject, error) {
	var pref model.MailPreference
	result := r.db.WithContext(ctx).Where("opt_out_key = ?", key).First(&pref)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to resolve opt-out key: %w", result.Error)
	}
	return r.FetchSubject(ctx, pref.SubjectID)
}

// Snapshot reads the subject's current mail preferences, or nil if the
// subject has no preference record.
func (r *Repository) Snapshot(ctx context.Context, subjectID uint64) (*model.Snapshot, error) {
	var pref model.MailPreference
	result := r.db.WithContext(ctx).Where("subject_id = ?", subjectID).First(&pref)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to read preferences for subject %d: %w", subjectID, result.Error)
	}
	snap := pref.Snapshot()
	return &snap, nil
}

// ForceDigestNever coerces the subject's preference record to digest-off.
// The write is a derived consequence, not a user action, so it bypasses
// host-side validation.
func (r *Repository) ForceDigestNever(ctx context.Context, subjectID uint64) error {
	result := r.db.WithContext(ctx).Model(&model.MailPreference{}).
		Where("subject_id = ?", subjectID).
		Updates(map[string]interface{}{
			"email_digests_enabled":   false,
			"digest_interval_minutes": 0,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to force digest-never for subject %d: %w", subjectID, result.Error)
	}
	return nil
}

// TouchLastNotified records when an opt-out webhook was last sent for the
// subject.
func (r *Repository) TouchLastNotified(ctx context.Context, subjectID uint64, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.MailPreference{}).
		Where("subject_id = ?", subjectID).
		Update("last_optout_sent_at", at)
	if result.Error != nil {
		return fmt.Errorf("failed to record last notification for subject %d: %w", subjectID, result.Error)
	}
	return nil
}

// MintAndStore generates a fresh intent token and upserts it as the
// subject's current one. Last writer wins; there is no merge.
func (r *Repository) MintAndStore(ctx context.Context, subjectID uint64) (string, error) {
	token := intent.NewToken()
	record := model.IntentToken{
		SubjectID: subjectID,
		Token:     token,
		MintedAt:  time.Now(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "minted_at"}),
	}).Create(&record)
	if result.Error != nil {
		return "", fmt.Errorf("failed to store intent token for subject %d: %w", subjectID, result.Error)
	}
	return token, nil
}

// IsCurrent reports whether token is still the subject's stored intent.
func (r *Repository) IsCurrent(ctx context.Context, subjectID uint64, token string) (bool, error) {
	var record model.IntentToken
	result := r.db.WithContext(ctx).Where("subject_id = ?", subjectID).First(&record)
	if result.Error == gorm.ErrRecordNotFound {
		return false, nil
	}
	if result.Error != nil {
		return false, fmt.Errorf("failed to read intent token for subject %d: %w", subjectID, result.Error)
	}
	return record.Token == token, nil
}

// AlreadyDelivered consults the fire-once ledger. A storage failure is
// treated as not-yet-delivered: a false negative only risks a duplicate
// POST, never silence.
func (r *Repository) AlreadyDelivered(ctx context.Context, event model.EventKind, subjectID uint64) bool {
	var entry model.LedgerEntry
	result := r.db.WithContext(ctx).
		Where("event = ? AND subject_id = ?", string(event), subjectID).
		First(&entry)
	if result.Error == nil {
		return true
	}
	if result.Error != gorm.ErrRecordNotFound {
		logrus.Errorf("Ledger read failed for %s/%d, assuming not delivered: %v", event, subjectID, result.Error)
	}
	return false
}

// MarkDelivered records the (event, subject) pair in the fire-once ledger.
// Called only after a 2xx response; a write failure is logged, not
// escalated, since the worst case is one extra duplicate delivery.
func (r *Repository) MarkDelivered(ctx context.Context, event model.EventKind, subjectID uint64) {
	entry := model.LedgerEntry{
		Event:       string(event),
		SubjectID:   subjectID,
		DeliveredAt: time.Now(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		logrus.Errorf("Ledger write failed for %s/%d: %v", event, subjectID, result.Error)
	}
}

// InsertTask persists a new delivery task in the outbox.
func (r *Repository) InsertTask(ctx context.Context, task *model.WebhookTask) error {
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if task.RunAfter.IsZero() {
		task.RunAfter = time.Now()
	}
	result := r.db.WithContext(ctx).Create(task)
	if result.Error != nil {
		return fmt.Errorf("failed to enqueue delivery task: %w", result.Error)
	}
	return nil
}

// DuePendingTasks returns up to limit pending tasks whose run_after has
// passed, oldest first.
func (r *Repository) DuePendingTasks(ctx context.Context, limit int) ([]model.WebhookTask, error) {
	var tasks []model.WebhookTask
	result := r.db.WithContext(ctx).
		Where("status = ? AND run_after <= ?", model.TaskStatusPending, time.Now()).
		Order("id ASC").
		Limit(limit).
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch pending tasks: %w", result.Error)
	}
	return tasks, nil
}

// MarkTaskOutcome records the terminal status of an executed task.
func (r *Repository) MarkTaskOutcome(ctx context.Context, taskID uint, status, detail string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&model.WebhookTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":      status,
			"detail":      detail,
			"executed_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark task %d outcome: %w", taskID, result.Error)
	}
	return nil
}

// CountPendingTasks returns the number of tasks still waiting to run.
func (r *Repository) CountPendingTasks(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&model.WebhookTask{}).
		Where("status = ?", model.TaskStatusPending).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", result.Error)
	}
	return count, nil
}

// RecordDelivery journals one executed delivery attempt.
func (r *Repository) RecordDelivery(ctx context.Context, log *model.DeliveryLog) {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		logrus.Errorf("Failed to journal delivery attempt for task %d: %v", log.TaskID, err)
	}
}

// ListDeliveryLogs returns the most recent delivery attempts.
func (r *Repository) ListDeliveryLogs(ctx context.Context, limit int) ([]model.DeliveryLog, error) {
	var logs []model.DeliveryLog
	result := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", result.Error)
	}
	return logs, nil
}

// GetDeliveryLog returns one delivery attempt, or nil if absent.
func (r *Repository) GetDeliveryLog(ctx context.Context, id uint) (*model.DeliveryLog, error) {
	var log model.DeliveryLog
	result := r.db.WithContext(ctx).First(&log, id)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch delivery log %d: %w", id, result.Error)
	}
	return &log, nil
}

// ListTasks returns recent tasks, optionally filtered by status.
func (r *Repository) ListTasks(ctx context.Context, status string, limit int) ([]model.WebhookTask, error) {
	query := r.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var tasks []model.WebhookTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}
