package model

import (
	"time"
)

// EventKind identifies which opt-out transition a webhook reports.
type EventKind string

const (
	EventDigestSetToNever     EventKind = "digest_set_to_never"
	EventEmailLevelSetToNever EventKind = "email_level_set_to_never"
)

// Known reports whether the event kind is one this service delivers.
// Unknown kinds are skipped, never an error.
func (e EventKind) Known() bool {
	return e == EventDigestSetToNever || e == EventEmailLevelSetToNever
}

// Task status values.
const (
	TaskStatusPending   = "pending"
	TaskStatusDelivered = "delivered"
	TaskStatusSkipped   = "skipped"
	TaskStatusFailed    = "failed"
)

// Subject represents a user account observed by the bridge. In production
// the host application owns this table; the bridge only reads it.
type Subject struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(255)"`
	Email     string    `json:"email" gorm:"type:varchar(255)"`
	Staged    bool      `json:"staged" gorm:"default:false"`
	Suspended bool      `json:"suspended" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Subject
func (Subject) TableName() string {
	return "users"
}

// MailPreference holds a subject's mail settings. OptOutKey is the lookup
// key carried by unsubscribe links.
type MailPreference struct {
	ID                    uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	SubjectID             uint64     `json:"subject_id" gorm:"not null;uniqueIndex"`
	EmailDigestsEnabled   *bool      `json:"email_digests_enabled"`
	DigestIntervalMinutes int        `json:"digest_interval_minutes"`
	EmailLevel            int        `json:"email_level"`
	OptOutKey             string     `json:"opt_out_key" gorm:"type:varchar(255);index"`
	LastOptoutSentAt      *time.Time `json:"last_optout_sent_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName specifies the table name for MailPreference
func (MailPreference) TableName() string {
	return "mail_preferences"
}

// Snapshot is an immutable point-in-time read of a subject's mail
// preferences. Re-reading is the only way to observe fresher state.
type Snapshot struct {
	EmailDigestsEnabled   *bool
	DigestIntervalMinutes int
	EmailLevel            int
}

// Snapshot returns the preference record as a value snapshot.
func (p *MailPreference) Snapshot() Snapshot {
	return Snapshot{
		EmailDigestsEnabled:   p.EmailDigestsEnabled,
		DigestIntervalMinutes: p.DigestIntervalMinutes,
		EmailLevel:            p.EmailLevel,
	}
}

// IntentToken records the most recent authorized delivery intent per
// subject. Newer mints supersede older queued work; rows are upserted,
// never deleted.
type IntentToken struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SubjectID uint64    `json:"subject_id" gorm:"not null;uniqueIndex"`
	Token     string    `json:"token" gorm:"type:varchar(64);not null"`
	MintedAt  time.Time `json:"minted_at"`
}

// TableName specifies the table name for IntentToken
func (IntentToken) TableName() string {
	return "intent_tokens"
}

// LedgerEntry marks an (event, subject) pair as already delivered to
// ensure fire-once idempotency. Entries are never retracted.
type LedgerEntry struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Event       string    `json:"event" gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_event_subject,priority:1"`
	SubjectID   uint64    `json:"subject_id" gorm:"not null;uniqueIndex:ux_ledger_event_subject,priority:2"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// TableName specifies the table name for LedgerEntry
func (LedgerEntry) TableName() string {
	return "webhook_ledger"
}

// WebhookTask is a durable outbox row: one unit of async delivery work.
type WebhookTask struct {
	ID          uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	SubjectID   uint64     `json:"subject_id" gorm:"not null;index"`
	Event       string     `json:"event" gorm:"type:varchar(64);not null"`
	IntentToken string     `json:"intent_token" gorm:"type:varchar(64)"`
	Source      string     `json:"source" gorm:"type:varchar(128)"`
	Status      string     `json:"status" gorm:"type:varchar(32);not null;index;default:pending"`
	Detail      string     `json:"detail" gorm:"type:text"`
	RunAfter    time.Time  `json:"run_after" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at"`
}

// TableName specifies the table name for WebhookTask
func (WebhookTask) TableName() string {
	return "webhook_tasks"
}

// DeliveryLog journals every executed delivery attempt and its outcome.
type DeliveryLog struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID     uint      `json:"task_id" gorm:"index"`
	SubjectID  uint64    `json:"subject_id" gorm:"index"`
	Event      string    `json:"event" gorm:"type:varchar(64);not null"`
	Status     string    `json:"status" gorm:"type:varchar(32);not null"`
	HTTPStatus int       `json:"http_status"`
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for DeliveryLog
func (DeliveryLog) TableName() string {
	return "delivery_logs"
}
