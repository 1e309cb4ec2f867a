// Package intent defines delivery-intent tokens. A token marks the most
// recent authorized delivery for a subject; queued work carrying an older
// token silently no-ops (most-recent-wins supersession).
package intent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Store persists the current intent token per subject.
type Store interface {
	// MintAndStore generates a fresh token and records it as the
	// subject's current intent. Last writer wins under concurrency.
	MintAndStore(ctx context.Context, subjectID uint64) (string, error)

	// IsCurrent reports whether token still equals the subject's stored
	// intent.
	IsCurrent(ctx context.Context, subjectID uint64, token string) (bool, error)
}

// NewToken returns a token of the form {unix_timestamp}-{random_hex}.
func NewToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the timestamp alone rather than aborting a dispatch.
		return fmt.Sprintf("%d-%x", time.Now().Unix(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().Unix(), hex.EncodeToString(buf))
}
