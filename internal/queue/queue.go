// SPDX-License-Identifier: MIT
/*
Package queue implements the handoff queue between a device's acquisition
loop (single producer) and its analysis stage (consumer).

Blocks are transferred by ownership: after Push the producer must not touch
the slice again, after Pop the consumer owns it.

Waiting:
  - WaitDataReady parks a consumer until a block is pending or the queue stops.
  - WaitQueueProcessed parks a caller until the queue drains or stops.
  - StopQueue wakes everyone. A stopped queue rejects Push; blocks that were
    already pending can still be drained with Pop unless the queue was built
    WithDiscardOnStop.

Capacity:

	Unbounded      grows without limit (the producer never waits)
	DropOldest     evicts the oldest pending block to make room
	DropNewest     rejects the incoming block
	BlockProducer  parks Push until a Pop frees space or the queue stops
*/
package queue

import (
	"fmt"
	"strings"
	"sync"
)

// Block is one unit of raw interleaved samples as read from a device.
type Block = []int8

// RawQueue is the queue type shared by acquisition and analysis.
type RawQueue = Queue[Block]

// Policy selects what Push does when a bounded queue is full.
type Policy int

const (
	Unbounded Policy = iota
	DropOldest
	DropNewest
	BlockProducer
)

// DefaultMaxDepth is the depth used by New when no option is given.
const DefaultMaxDepth = 64

// compactThreshold bounds how many popped slots may sit at the head of the
// backing slice before it is compacted.
const compactThreshold = 32

func (p Policy) String() string {
	switch p {
	case Unbounded:
		return "unbounded"
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case BlockProducer:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a policy name (case-insensitive) to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unbounded", "none":
		return Unbounded, nil
	case "drop-oldest", "oldest", "":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	case "block", "block-producer":
		return BlockProducer, nil
	default:
		return DropOldest, fmt.Errorf("unknown queue policy: '%s'", name)
	}
}

type settings struct {
	maxDepth      int
	policy        Policy
	discardOnStop bool
}

// Option configures a Queue at construction.
type Option func(*settings)

// WithMaxDepth bounds the queue to n pending blocks, applying policy when
// full. n <= 0 or policy Unbounded removes the bound.
func WithMaxDepth(n int, policy Policy) Option {
	return func(s *settings) {
		if n <= 0 || policy == Unbounded {
			s.maxDepth, s.policy = 0, Unbounded
			return
		}
		s.maxDepth, s.policy = n, policy
	}
}

// WithDiscardOnStop makes StopQueue drop every pending block.
func WithDiscardOnStop() Option {
	return func(s *settings) { s.discardOnStop = true }
}

// Queue is a thread-safe FIFO with blocking waits. The zero value is not
// usable; construct with New.
type Queue[T any] struct {
	mu        sync.Mutex
	dataReady *sync.Cond // pending became non-empty, or stop
	processed *sync.Cond // a block left the queue, or stop

	pending []T
	head    int
	stopped bool
	dropped uint64

	settings
}

// New returns an empty, running queue. Without options the queue is bounded
// to DefaultMaxDepth with the DropOldest policy.
func New[T any](opts ...Option) *Queue[T] {
	q := &Queue[T]{
		settings: settings{maxDepth: DefaultMaxDepth, policy: DropOldest},
	}
	for _, opt := range opts {
		opt(&q.settings)
	}
	q.dataReady = sync.NewCond(&q.mu)
	q.processed = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) size() int { return len(q.pending) - q.head }

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.pending[q.head]
	q.pending[q.head] = zero
	q.head++
	switch {
	case q.head == len(q.pending):
		q.pending = q.pending[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.pending):
		n := copy(q.pending, q.pending[q.head:])
		clear(q.pending[n:])
		q.pending = q.pending[:n]
		q.head = 0
	}
	return v
}

func (q *Queue[T]) clearLocked() {
	clear(q.pending)
	q.pending = q.pending[:0]
	q.head = 0
}

// Push appends v and wakes one data waiter. It is a no-op on a stopped queue.
// Only the BlockProducer policy can make Push wait.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	if q.maxDepth > 0 && q.size() >= q.maxDepth {
		switch q.policy {
		case DropOldest:
			q.popLocked()
			q.dropped++
		case DropNewest:
			q.dropped++
			return
		case BlockProducer:
			for !q.stopped && q.size() >= q.maxDepth {
				q.processed.Wait()
			}
			if q.stopped {
				return
			}
		}
	}
	q.pending = append(q.pending, v)
	q.dataReady.Signal()
}

// Pop removes and returns the oldest pending block. It never blocks; ok is
// false when nothing is pending.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() == 0 {
		return v, false
	}
	v = q.popLocked()
	q.processed.Broadcast()
	return v, true
}

// WaitDataReady blocks until a block is pending or the queue is stopped.
// It returns immediately on a stopped queue.
func (q *Queue[T]) WaitDataReady() {
	q.mu.Lock()
	for !q.stopped && q.size() == 0 {
		q.dataReady.Wait()
	}
	q.mu.Unlock()
}

// WaitQueueProcessed blocks until the queue is empty or stopped.
func (q *Queue[T]) WaitQueueProcessed() {
	q.mu.Lock()
	for !q.stopped && q.size() > 0 {
		q.processed.Wait()
	}
	q.mu.Unlock()
}

// StopQueue marks the queue stopped and wakes every waiter. Idempotent.
func (q *Queue[T]) StopQueue() {
	q.mu.Lock()
	q.stopped = true
	if q.discardOnStop {
		q.clearLocked()
	}
	q.dataReady.Broadcast()
	q.processed.Broadcast()
	q.mu.Unlock()
}

// ResetQueue clears the stopped flag, the drop count and anything pending.
// The caller must ensure no goroutine is using the queue concurrently.
func (q *Queue[T]) ResetQueue() {
	q.mu.Lock()
	q.stopped = false
	q.dropped = 0
	q.clearLocked()
	q.mu.Unlock()
}

func (q *Queue[T]) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Size returns a snapshot of the pending count.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

func (q *Queue[T]) Empty() bool {
	return q.Size() == 0
}

// Dropped returns how many blocks the capacity policy has discarded.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// MaxDepth returns the configured bound and policy. A depth of 0 means
// unbounded.
func (q *Queue[T]) MaxDepth() (int, Policy) {
	return q.maxDepth, q.policy
}
