package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mail-optout-bridge/internal/classifier"
	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/model"
	"mail-optout-bridge/internal/webhook"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = metrics.NewMetrics()

type fakeSubjects struct {
	subject *model.Subject
	err     error
}

func (f *fakeSubjects) FetchSubject(ctx context.Context, id uint64) (*model.Subject, error) {
	return f.subject, f.err
}

type fakePrefs struct {
	snap    *model.Snapshot
	err     error
	touched int
}

func (f *fakePrefs) Snapshot(ctx context.Context, subjectID uint64) (*model.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakePrefs) TouchLastNotified(ctx context.Context, subjectID uint64, at time.Time) error {
	f.touched++
	return nil
}

type fakeTokens struct {
	current string
	err     error
}

func (f *fakeTokens) IsCurrent(ctx context.Context, subjectID uint64, token string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return token == f.current, nil
}

type fakeLedger struct {
	entries map[string]bool
	marks   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]bool)}
}

func (f *fakeLedger) key(event model.EventKind, subjectID uint64) string {
	return fmt.Sprintf("%s/%d", event, subjectID)
}

func (f *fakeLedger) AlreadyDelivered(ctx context.Context, event model.EventKind, subjectID uint64) bool {
	return f.entries[f.key(event, subjectID)]
}

func (f *fakeLedger) MarkDelivered(ctx context.Context, event model.EventKind, subjectID uint64) {
	f.entries[f.key(event, subjectID)] = true
	f.marks++
}

type fakePoster struct {
	payloads []webhook.Payload
	status   int
	err      error
}

func (f *fakePoster) Post(ctx context.Context, p webhook.Payload) (int, error) {
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return f.status, f.err
	}
	if f.status == 0 {
		return 200, nil
	}
	return f.status, nil
}

type fakeJournal struct {
	logs []model.DeliveryLog
}

func (f *fakeJournal) RecordDelivery(ctx context.Context, log *model.DeliveryLog) {
	f.logs = append(f.logs, *log)
}

func boolPtr(b bool) *bool { return &b }

type fixture struct {
	subjects *fakeSubjects
	prefs    *fakePrefs
	tokens   *fakeTokens
	ledger   *fakeLedger
	poster   *fakePoster
	journal  *fakeJournal
	cfg      *config.WebhookConfig
	runner   *Runner
}

func newFixture() *fixture {
	f := &fixture{
		subjects: &fakeSubjects{
			subject: &model.Subject{
				ID:        42,
				Username:  "alice",
				Email:     "alice@example.com",
				CreatedAt: time.Now().Add(-30 * time.Minute),
			},
		},
		prefs: &fakePrefs{
			snap: &model.Snapshot{
				EmailDigestsEnabled:   boolPtr(false),
				DigestIntervalMinutes: 0,
				EmailLevel:            1,
			},
		},
		tokens:  &fakeTokens{current: "1714564800-deadbeefcafebabe"},
		ledger:  newFakeLedger(),
		poster:  &fakePoster{},
		journal: &fakeJournal{},
		cfg: &config.WebhookConfig{
			Enabled:         true,
			EndpointURL:     "https://example.com/hook",
			MinAgeMinutes:   10,
			OpenTimeout:     time.Second,
			ReadTimeout:     time.Second,
			FireOnceEnabled: true,
			NeverEmailLevel: 2,
		},
	}
	f.runner = NewRunner(f.subjects, f.prefs, f.tokens, f.ledger, f.poster, f.journal,
		classifier.StaticResolver{NeverOrdinal: 2}, f.cfg, testMetrics)
	return f
}

func digestTask() model.WebhookTask {
	return model.WebhookTask{
		ID:          1,
		SubjectID:   42,
		Event:       string(model.EventDigestSetToNever),
		IntentToken: "1714564800-deadbeefcafebabe",
		Source:      "preference_commit",
	}
}

func TestExecuteDelivers(t *testing.T) {
	f := newFixture()

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusDelivered, status)
	assert.Empty(t, detail)
	assert.Len(t, f.poster.payloads, 1)

	payload := f.poster.payloads[0]
	assert.Equal(t, "digest_set_to_never", payload.Event)
	assert.Equal(t, "42", payload.UserID)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "0", payload.EmailDigests)
	assert.Equal(t, "0", payload.DigestAfterMinutes)
	assert.Equal(t, "1714564800-deadbeefcafebabe", payload.PendingToken)
	assert.Equal(t, "preference_commit", payload.Source)
	assert.NotEmpty(t, payload.RegisteredAt)
	assert.NotEmpty(t, payload.SentAtUTC)

	assert.True(t, f.ledger.AlreadyDelivered(context.Background(), model.EventDigestSetToNever, 42))
	assert.Equal(t, 1, f.prefs.touched)

	assert.Len(t, f.journal.logs, 1)
	assert.Equal(t, model.TaskStatusDelivered, f.journal.logs[0].Status)
	assert.Equal(t, 200, f.journal.logs[0].HTTPStatus)
}

func TestExecuteSupersededTokenSkips(t *testing.T) {
	f := newFixture()
	f.tokens.current = "1714564999-aaaaaaaaaaaaaaaa" // a newer mint

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "superseded", detail)
	assert.Empty(t, f.poster.payloads)
	assert.Zero(t, f.ledger.marks)
}

func TestExecuteCurrentTokenProceeds(t *testing.T) {
	f := newFixture()

	status, _ := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusDelivered, status)
	assert.Len(t, f.poster.payloads, 1)
}

func TestExecuteIntentCheckFailureSkips(t *testing.T) {
	f := newFixture()
	f.tokens.err = fmt.Errorf("store unreachable")

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "intent check failed", detail)
	assert.Empty(t, f.poster.payloads)
}

func TestExecuteTokenlessTaskSkipsSupersessionCheck(t *testing.T) {
	f := newFixture()
	f.tokens.err = fmt.Errorf("must not be consulted")
	f.prefs.snap.EmailLevel = 2

	task := model.WebhookTask{
		ID:        2,
		SubjectID: 42,
		Event:     string(model.EventEmailLevelSetToNever),
		Source:    "preference_commit",
	}

	status, _ := f.runner.Execute(context.Background(), task)

	assert.Equal(t, model.TaskStatusDelivered, status)
}

func TestExecuteFireOnce(t *testing.T) {
	f := newFixture()

	status, _ := f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusDelivered, status)

	// Second execution for the same (event, subject) must not POST again
	status, detail := f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "already delivered", detail)
	assert.Len(t, f.poster.payloads, 1)
}

func TestExecuteFireOnceDisabled(t *testing.T) {
	f := newFixture()
	f.cfg.FireOnceEnabled = false

	status, _ := f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusDelivered, status)
	status, _ = f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusDelivered, status)

	assert.Len(t, f.poster.payloads, 2)
	assert.Zero(t, f.ledger.marks, "disabled ledger must never be written")
}

func TestExecuteAgeGate(t *testing.T) {
	f := newFixture()
	f.subjects.subject.CreatedAt = time.Now().Add(-time.Minute)

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "subject too new", detail)
	assert.Empty(t, f.poster.payloads)
}

func TestExecutePredicateNoLongerHolds(t *testing.T) {
	f := newFixture()
	// Digest was re-enabled between enqueue and execution
	f.prefs.snap = &model.Snapshot{
		EmailDigestsEnabled:   boolPtr(true),
		DigestIntervalMinutes: 1440,
		EmailLevel:            1,
	}

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "predicate no longer holds", detail)
	assert.Empty(t, f.poster.payloads)
}

func TestExecuteSubjectGone(t *testing.T) {
	f := newFixture()
	f.subjects.subject = nil

	status, detail := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "subject absent", detail)
}

func TestExecuteSuspendedSubject(t *testing.T) {
	f := newFixture()
	f.subjects.subject.Suspended = true

	status, _ := f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusSkipped, status)

	f.subjects.subject.Suspended = false
	f.subjects.subject.Staged = true

	status, _ = f.runner.Execute(context.Background(), digestTask())
	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Empty(t, f.poster.payloads)
}

func TestExecuteUnknownEvent(t *testing.T) {
	f := newFixture()

	task := digestTask()
	task.Event = "some_future_event"

	status, detail := f.runner.Execute(context.Background(), task)

	assert.Equal(t, model.TaskStatusSkipped, status)
	assert.Equal(t, "unknown event", detail)
	assert.Empty(t, f.poster.payloads)
}

func TestExecuteDeliveryFailure(t *testing.T) {
	f := newFixture()
	f.poster.status = 502
	f.poster.err = fmt.Errorf("webhook returned 502: upstream exploded")

	status, _ := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusFailed, status)
	assert.Len(t, f.poster.payloads, 1, "exactly one attempt, no retry")
	assert.Zero(t, f.ledger.marks, "ledger is written only after 2xx")
	assert.Zero(t, f.prefs.touched)

	assert.Len(t, f.journal.logs, 1)
	assert.Equal(t, model.TaskStatusFailed, f.journal.logs[0].Status)
	assert.Equal(t, 502, f.journal.logs[0].HTTPStatus)
	assert.Contains(t, f.journal.logs[0].ErrorMsg, "502")
}

func TestExecuteEndToEndAgainstMockEndpoint(t *testing.T) {
	// Scenario: interval flipped 1440 -> 0 thirty minutes after signup,
	// endpoint answers 200, digest_after_minutes rides along as "0".
	f := newFixture()

	status, _ := f.runner.Execute(context.Background(), digestTask())

	assert.Equal(t, model.TaskStatusDelivered, status)
	assert.Equal(t, "0", f.poster.payloads[0].DigestAfterMinutes)
	assert.True(t, f.ledger.AlreadyDelivered(context.Background(), model.EventDigestSetToNever, 42))
}
