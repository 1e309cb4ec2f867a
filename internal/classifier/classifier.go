package classifier

import (
	"fmt"
	"time"

	"mail-optout-bridge/internal/model"
)

// MailLevelResolver answers whether an email level ordinal means "all mail
// off". The ordinal encoding is owned by the host application, so the
// resolver is injected at construction rather than hardcoded here.
type MailLevelResolver interface {
	IsNever(level int) (bool, error)
}

// StaticResolver resolves the "never" ordinal from a value injected at
// startup. A negative ordinal means the collaborator did not provide one.
type StaticResolver struct {
	NeverOrdinal int
}

// IsNever reports whether level is the injected "never" ordinal.
func (r StaticResolver) IsNever(level int) (bool, error) {
	if r.NeverOrdinal < 0 {
		return false, fmt.Errorf("never ordinal not resolved")
	}
	return level == r.NeverOrdinal, nil
}

// DigestNever reports whether the snapshot has digests disabled, either
// explicitly or via a non-positive interval.
func DigestNever(s model.Snapshot) bool {
	if s.EmailDigestsEnabled != nil && !*s.EmailDigestsEnabled {
		return true
	}
	return s.DigestIntervalMinutes <= 0
}

// AllMailOff reports whether the snapshot's email level means no mail at
// all. A resolver failure yields false: the predicate must never misfire.
func AllMailOff(s model.Snapshot, r MailLevelResolver) bool {
	if r == nil {
		return false
	}
	never, err := r.IsNever(s.EmailLevel)
	if err != nil {
		return false
	}
	return never
}

// TooNew reports whether the subject is younger than minAge at the given
// instant. A subject exactly minAge old is not too new. A zero creation
// time means the age is unknown and the subject is not gated.
func TooNew(createdAt time.Time, minAge time.Duration, now time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt) < minAge
}
