// Package dedup recognizes delivery batches the collector already accepted.
// The SDK reuses one idempotency key for every retry of a batch; a retry
// whose earlier attempt succeeded but whose response was lost is answered
// without publishing again.
package dedup

// Deduplicator tracks accepted batch keys over a sliding window.
// Implementations must be safe for concurrent use.
type Deduplicator interface {
	// Seen reports whether key was marked within the window. Empty keys
	// are never seen.
	Seen(key string) bool

	// MarkSeen records key. Empty keys are ignored.
	MarkSeen(key string)
}
