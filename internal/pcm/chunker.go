package pcm

import "github.com/samber/lo"

// Chunker is the pending chunk queue. It accumulates converted frames and
// hands them back in slices of exactly Size samples, splitting a queued
// buffer when a chunk boundary falls inside it.
//
// A Chunker has a single owner and is not safe for concurrent use.
type Chunker struct {
	size    int
	pending [][]int16
	total   int
}

// NewChunker returns a queue emitting chunks of size samples. Non-positive
// sizes fall back to two seconds at the default sample rate.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = 2 * DefaultSampleRate
	}
	return &Chunker{size: size}
}

// Size is the configured chunk length in samples.
func (c *Chunker) Size() int {
	return c.size
}

// Pending is the number of queued samples not yet emitted.
func (c *Chunker) Pending() int {
	return c.total
}

// Push queues samples. The chunker takes ownership of the slice.
func (c *Chunker) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	c.pending = append(c.pending, samples)
	c.total += len(samples)
}

// Next removes and returns one full chunk, or false when fewer than Size
// samples are queued.
func (c *Chunker) Next() ([]int16, bool) {
	if c.total < c.size {
		return nil, false
	}
	return c.drainExactly(c.size), true
}

// Drain removes every full chunk currently available.
func (c *Chunker) Drain() [][]int16 {
	var chunks [][]int16
	for {
		chunk, ok := c.Next()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

// Flush removes everything queued, regardless of size. It returns nil when
// the queue is empty.
func (c *Chunker) Flush() []int16 {
	if c.total == 0 {
		return nil
	}
	out := lo.Flatten(c.pending)
	c.Discard()
	return out
}

// Discard drops queued samples without emitting them.
func (c *Chunker) Discard() {
	c.pending = nil
	c.total = 0
}

func (c *Chunker) drainExactly(count int) []int16 {
	out := make([]int16, 0, count)
	for len(out) < count && len(c.pending) > 0 {
		head := c.pending[0]
		need := count - len(out)
		if len(head) <= need {
			out = append(out, head...)
			c.pending[0] = nil
			c.pending = c.pending[1:]
			continue
		}
		out = append(out, head[:need]...)
		c.pending[0] = head[need:]
	}
	c.total -= len(out)
	return out
}
