// Package dispatch reacts to preference-change notifications from the
// host application. The dispatcher runs on the triggering request and only
// classifies and enqueues; it never performs network I/O and never lets an
// error escape to the caller.
package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mail-optout-bridge/internal/classifier"
	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/guard"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/model"
)

// SubjectStore resolves subjects from the host application's user store.
type SubjectStore interface {
	FetchSubject(ctx context.Context, id uint64) (*model.Subject, error)
	FetchSubjectByOptOutKey(ctx context.Context, key string) (*model.Subject, error)
}

// PreferenceStore reads and coerces the subject's mail preferences.
type PreferenceStore interface {
	Snapshot(ctx context.Context, subjectID uint64) (*model.Snapshot, error)
	ForceDigestNever(ctx context.Context, subjectID uint64) error
}

// TokenMinter mints and stores the subject's current delivery intent.
type TokenMinter interface {
	MintAndStore(ctx context.Context, subjectID uint64) (string, error)
}

// Enqueuer hands a delivery task to the durable async queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *model.WebhookTask) error
}

// Changed records which preference fields a notification reports as
// modified. Synthetic triggers (unsubscribe link, preferences-page save)
// carry no field diff and treat every field as potentially changed.
type Changed struct {
	EmailDigests   bool
	DigestInterval bool
	EmailLevel     bool
}

func allChanged() Changed {
	return Changed{EmailDigests: true, DigestInterval: true, EmailLevel: true}
}

// Dispatcher is the change reaction entry point.
type Dispatcher struct {
	subjects SubjectStore
	prefs    PreferenceStore
	tokens   TokenMinter
	queue    Enqueuer
	resolver classifier.MailLevelResolver
	cfg      *config.WebhookConfig
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(subjects SubjectStore, prefs PreferenceStore, tokens TokenMinter, queue Enqueuer,
	resolver classifier.MailLevelResolver, cfg *config.WebhookConfig, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		subjects: subjects,
		prefs:    prefs,
		tokens:   tokens,
		queue:    queue,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
	}
}

// PreferenceChanged reacts to a post-commit notification carrying a field
// diff. Every failure is swallowed and logged: the triggering commit must
// never fail because of this reaction.
func (d *Dispatcher) PreferenceChanged(ctx context.Context, subjectID uint64, changed Changed, source string) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Dispatcher panicked for subject %d: %v", subjectID, rec)
		}
	}()

	if !d.cfg.Enabled {
		return
	}

	if guard.Guarded(ctx) {
		d.metrics.RecursionSkipCount.Inc()
		logrus.Debugf("Skipping nested dispatch for subject %d", subjectID)
		return
	}

	d.metrics.DispatchCount.Inc()

	subject, err := d.subjects.FetchSubject(ctx, subjectID)
	if err != nil {
		logrus.Errorf("Dispatcher failed to fetch subject %d: %v", subjectID, err)
		return
	}
	if subject == nil {
		d.metrics.GateDrops.WithLabelValues("subject_absent").Inc()
		return
	}
	if subject.Staged || subject.Suspended {
		d.metrics.GateDrops.WithLabelValues("subject_excluded").Inc()
		return
	}

	// Hard drop: a too-new account never gets re-enqueued for later.
	if classifier.TooNew(subject.CreatedAt, d.cfg.MinAge(), time.Now()) {
		d.metrics.GateDrops.WithLabelValues("too_new").Inc()
		logrus.Infof("Dropping change for subject %d: account younger than %d minutes", subjectID, d.cfg.MinAgeMinutes)
		return
	}

	snap, err := d.prefs.Snapshot(ctx, subjectID)
	if err != nil {
		logrus.Errorf("Dispatcher failed to read preferences for subject %d: %v", subjectID, err)
		return
	}
	if snap == nil {
		d.metrics.GateDrops.WithLabelValues("no_snapshot").Inc()
		return
	}

	ctx, release := guard.Enter(ctx)
	defer release()

	if changed.EmailLevel && classifier.AllMailOff(*snap, d.resolver) {
		if d.cfg.ForceDigestNever {
			if err := d.prefs.ForceDigestNever(ctx, subjectID); err != nil {
				logrus.Errorf("Failed to coerce digest-never for subject %d: %v", subjectID, err)
			} else {
				d.metrics.CoercionCount.Inc()
				// The coercion changed the digest fields on our behalf;
				// fall through to the digest path with a fresh read.
				changed.EmailDigests = true
				changed.DigestInterval = true
				snap, err = d.prefs.Snapshot(ctx, subjectID)
				if err != nil || snap == nil {
					logrus.Errorf("Failed to re-read preferences for subject %d after coercion: %v", subjectID, err)
					return
				}
			}
		}
		if d.cfg.PostbackOnEmailLevelNever {
			d.enqueue(ctx, &model.WebhookTask{
				SubjectID: subjectID,
				Event:     string(model.EventEmailLevelSetToNever),
				Source:    source,
			})
		}
	}

	if (changed.EmailDigests || changed.DigestInterval) && classifier.DigestNever(*snap) {
		token, err := d.tokens.MintAndStore(ctx, subjectID)
		if err != nil {
			logrus.Errorf("Failed to mint intent token for subject %d: %v", subjectID, err)
			return
		}
		d.enqueue(ctx, &model.WebhookTask{
			SubjectID:   subjectID,
			Event:       string(model.EventDigestSetToNever),
			IntentToken: token,
			Source:      source,
		})
	}
}

// SyntheticTrigger reacts to a controller-driven flow where no field diff
// exists: every field is treated as potentially changed and the idempotent
// gating downstream absorbs the noise.
func (d *Dispatcher) SyntheticTrigger(ctx context.Context, subjectID uint64, source string) {
	d.PreferenceChanged(ctx, subjectID, allChanged(), source)
}

// UnsubscribeRequested resolves an unsubscribe-link key and reacts as a
// synthetic trigger.
func (d *Dispatcher) UnsubscribeRequested(ctx context.Context, key, source string) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Dispatcher panicked resolving opt-out key: %v", rec)
		}
	}()

	subject, err := d.subjects.FetchSubjectByOptOutKey(ctx, key)
	if err != nil {
		logrus.Errorf("Failed to resolve opt-out key: %v", err)
		return
	}
	if subject == nil {
		d.metrics.GateDrops.WithLabelValues("unknown_optout_key").Inc()
		return
	}
	d.SyntheticTrigger(ctx, subject.ID, source)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *model.WebhookTask) {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		logrus.Errorf("Failed to enqueue %s task for subject %d: %v", task.Event, task.SubjectID, err)
		return
	}
	d.metrics.EnqueueCount.Inc()
	logrus.Infof("Enqueued %s task for subject %d (source %s)", task.Event, task.SubjectID, task.Source)
}
