// Package batch splits drained records into bounded batches and drives the
// periodic flush timer.
package batch

// Split partitions items into consecutive chunks of at most size elements,
// preserving order. The last chunk holds the remainder. A size below 1 yields
// a single chunk.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size < 1 || size >= len(items) {
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
