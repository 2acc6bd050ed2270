// Package dedup provides the shared windowed state behind notification
// decisions: fingerprint last-seen entries and per-owner quota counters.
//
// Two backends exist: an in-process store for single-instance deployments
// and tests, and a Redis store for horizontally scaled deployments. Both
// expose the same atomic reserve/release quota primitive so two concurrent
// evaluations for one owner can never both pass a nearly-exhausted quota.
package dedup

import (
	"context"
	"time"
)

// WindowKind selects which dedup window a fingerprint entry belongs to.
// The two windows are tracked independently: an alert may re-enter the
// push channel and the history channel at different times.
type WindowKind string

const (
	// WindowPush guards against repeated push deliveries of the same alert.
	WindowPush WindowKind = "push"
	// WindowHistory guards against duplicate entries in the user-facing history.
	WindowHistory WindowKind = "history"
)

// QuotaWindow identifies a rolling per-owner acceptance budget.
type QuotaWindow string

const (
	QuotaHourly QuotaWindow = "hour"
	QuotaDaily  QuotaWindow = "day"
)

// Duration returns the rolling period the quota counter covers.
func (w QuotaWindow) Duration() time.Duration {
	if w == QuotaDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Store is the shared mutable state consulted by the decision pipeline.
// Implementations must be safe for concurrent use.
type Store interface {
	// Seen reports whether the fingerprint was marked within the window kind's
	// configured duration.
	Seen(ctx context.Context, kind WindowKind, fingerprint string) (bool, error)

	// MarkSeen records the fingerprint as seen now, resetting the window's
	// expiry. Marking an already-present fingerprint refreshes it.
	MarkSeen(ctx context.Context, kind WindowKind, fingerprint string, window time.Duration) error

	// ReserveQuota atomically increments the owner's counter for the window
	// and reports whether the reservation stayed within limit. When the
	// counter is already at the limit it is left unchanged and false is
	// returned.
	ReserveQuota(ctx context.Context, ownerID string, window QuotaWindow, limit int) (bool, error)

	// ReleaseQuota returns one previously reserved slot, used when a
	// delivery ultimately fails and must not consume the owner's allowance.
	ReleaseQuota(ctx context.Context, ownerID string, window QuotaWindow) error
}
