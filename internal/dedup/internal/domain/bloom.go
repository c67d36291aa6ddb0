// Package domain holds the sliding-window bloom filter behind batch
// de-duplication. Two filters (current and previous) rotate periodically so
// a key stays visible for between one half and one full window.
package domain

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// WindowFilter is a two-generation bloom filter. Keys are added to the
// current filter; lookups check both. Rotate discards the previous
// generation and starts a fresh current one.
type WindowFilter struct {
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	mu       sync.RWMutex
	window   time.Duration
	capacity uint
	fpRate   float64
}

// NewWindowFilter creates a WindowFilter sized for capacity keys per window
// at the given false positive rate.
func NewWindowFilter(window time.Duration, capacity uint, fpRate float64) *WindowFilter {
	return &WindowFilter{
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
		window:   window,
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Contains reports whether key is in either generation. It does not add it.
func (f *WindowFilter) Contains(key string) bool {
	data := []byte(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.Test(data) || f.previous.Test(data)
}

// Add records key in the current generation.
func (f *WindowFilter) Add(key string) {
	f.mu.Lock()
	f.current.Add([]byte(key))
	f.mu.Unlock()
}

// IsDuplicate reports whether key was already present and adds it if not,
// as one atomic step.
func (f *WindowFilter) IsDuplicate(key string) bool {
	data := []byte(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Test(data) || f.previous.Test(data) {
		return true
	}
	f.current.Add(data)
	return false
}

// Rotate moves current to previous and starts an empty current filter.
// Call it every window/2.
func (f *WindowFilter) Rotate() {
	fresh := bloom.NewWithEstimates(f.capacity, f.fpRate)

	f.mu.Lock()
	f.previous = f.current
	f.current = fresh
	f.mu.Unlock()
}

// Window returns the configured dedup window duration.
func (f *WindowFilter) Window() time.Duration {
	return f.window
}
