// Package buffer provides the in-memory queue of records awaiting delivery.
package buffer

import (
	"sync"

	"github.com/SebastienMelki/itly/internal/record"
)

// Buffer is an ordered, concurrency-safe queue of records. All mutation goes
// through Append and DrainAll.
type Buffer struct {
	mu       sync.Mutex
	records  []record.Record
	sizeHint int
}

// New creates an empty buffer. sizeHint preallocates capacity after each drain.
func New(sizeHint int) *Buffer {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Buffer{
		records:  make([]record.Record, 0, sizeHint),
		sizeHint: sizeHint,
	}
}

// Append adds r to the tail and returns the resulting length.
func (b *Buffer) Append(r record.Record) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, r)
	return len(b.records)
}

// DrainAll atomically swaps out and returns every buffered record in
// insertion order. Returns nil when the buffer is empty.
func (b *Buffer) DrainAll() []record.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}

	records := b.records
	b.records = make([]record.Record, 0, b.sizeHint)
	return records
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
