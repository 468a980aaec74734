// Package chunkset tracks the byte ranges of a download that have not
// yet been written to the output file.
package chunkset

import "sort"

// Chunk is a half-open byte range [Off, Off+Len) of the output file.
type Chunk struct {
	Off uint64
	Len uint64
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() uint64 { return c.Off + c.Len }

// Set is an unordered pool of outstanding, pairwise-disjoint chunks.
// It is not safe for concurrent use; callers serialize access (the
// scheduler goroutine is the only one that touches a Set).
type Set struct {
	chunks []Chunk
}

// Seed installs a single chunk covering [0, total). The set must be
// empty before calling Seed.
func (s *Set) Seed(total uint64) {
	if len(s.chunks) != 0 {
		panic("chunkset: Seed called on a non-empty set")
	}
	if total == 0 {
		return
	}
	s.chunks = append(s.chunks, Chunk{Off: 0, Len: total})
}

// Push returns an unfinished chunk to the pool, e.g. the unwritten
// suffix of a failed connection's active range. Zero-length chunks are
// rejected silently since they carry no bytes to reassign.
func (s *Set) Push(c Chunk) {
	if c.Len == 0 {
		return
	}
	s.chunks = append(s.chunks, c)
}

// TakeOne removes and returns one chunk from the pool, LIFO. Ordering
// is not a correctness contract: Balance is what keeps assignment fair.
func (s *Set) TakeOne() (Chunk, bool) {
	if len(s.chunks) == 0 {
		return Chunk{}, false
	}
	last := len(s.chunks) - 1
	c := s.chunks[last]
	s.chunks = s.chunks[:last]
	return c, true
}

// Empty reports whether the pool holds no outstanding bytes.
func (s *Set) Empty() bool { return len(s.chunks) == 0 }

// Total returns the sum of outstanding chunk lengths.
func (s *Set) Total() uint64 {
	var total uint64
	for _, c := range s.chunks {
		total += c.Len
	}
	return total
}

// Len reports the number of chunks currently in the pool.
func (s *Set) Len() int { return len(s.chunks) }

// Balance merges byte-adjacent chunks, then splits the resulting
// maximal chunks so that no chunk exceeds ceil(total/n) bytes, where n
// is the number of connections the caller says are currently
// assignable. Balance is a pure function of the current chunks and n;
// it sorts by offset first so merging is order-independent regardless
// of the order chunks were pushed in (the original source's
// balance_chunks seeds its merge accumulator from the first chunk
// without sorting, which is order-dependent when the set is
// unsorted — this implementation always sorts first).
func (s *Set) Balance(n int) {
	if len(s.chunks) == 0 || n <= 0 {
		return
	}

	sort.Slice(s.chunks, func(i, j int) bool { return s.chunks[i].Off < s.chunks[j].Off })

	merged := make([]Chunk, 0, len(s.chunks))
	merged = append(merged, s.chunks[0])
	var total uint64 = s.chunks[0].Len
	for _, c := range s.chunks[1:] {
		total += c.Len
		last := &merged[len(merged)-1]
		if last.Off+last.Len == c.Off {
			last.Len += c.Len
		} else {
			merged = append(merged, c)
		}
	}

	maxChunkSize := total / uint64(n)
	if maxChunkSize == 0 {
		maxChunkSize = 1
	}

	result := make([]Chunk, 0, len(merged))
	for _, c := range merged {
		pieces := uint64(1)
		for (c.Len+pieces-1)/pieces > maxChunkSize {
			pieces++
		}
		base := c.Len / pieces
		extra := c.Len % pieces
		off := c.Off
		for i := uint64(0); i < pieces; i++ {
			length := base
			if i < extra {
				length++
			}
			result = append(result, Chunk{Off: off, Len: length})
			off += length
		}
	}

	s.chunks = result
}
