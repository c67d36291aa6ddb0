// Package transport posts record batches to the tracking endpoint and
// computes the delay between delivery attempts.
package transport

import (
	"math"
	"time"
)

// Backoff computes the delay before retrying a failed batch. Delays rise
// from Min to Max along a quarter cosine: slow at first, steepest mid-way.
type Backoff struct {
	// Min is the delay after the first failed attempt.
	Min time.Duration

	// Max is the delay after attempt MaxRetries.
	Max time.Duration

	// MaxRetries is the attempt number at which Max is reached.
	MaxRetries int
}

// Delay returns the delay after the given failed attempt (1-indexed).
// Delay(1) == Min and Delay(MaxRetries) == Max; out-of-range attempts clamp.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.MaxRetries <= 1 || attempt <= 1 {
		return b.Min
	}
	if attempt >= b.MaxRetries {
		return b.Max
	}

	progress := float64(attempt-1) / float64(b.MaxRetries-1)
	ease := 1 - math.Cos(progress*math.Pi/2)
	delay := float64(b.Min) + float64(b.Max-b.Min)*ease

	return time.Duration(math.Round(delay))
}
