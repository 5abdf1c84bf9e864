// Package queue is the bounded hand-off between the frame ingest loop and the inference workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/vigil/internal/types"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// ErrHeld is returned by DequeueUnless when its hold channel closes first.
var ErrHeld = errors.New("dequeue held")

// Policy decides which clip is sacrificed when the queue is full.
type Policy int

const (
	// DropNewest rejects the incoming clip and keeps the backlog intact.
	DropNewest Policy = iota
	// DropOldest evicts the head so fresher clips are processed first.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	}
	return DropNewest, fmt.Errorf("unknown backpressure policy %q", s)
}

// Stats is a point-in-time snapshot. Dropped == Submitted - Dequeued - Len always holds.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Dequeued  uint64 `json:"dequeued"`
	Dropped   uint64 `json:"dropped"`
	Len       int    `json:"len"`
	Capacity  int    `json:"capacity"`
}

// Queue is a fixed-capacity FIFO with a non-blocking producer side.
type Queue struct {
	mu       sync.Mutex
	items    []*types.Clip
	capacity int
	policy   Policy
	closed   bool

	// ready carries at most one wake-up token for blocked consumers.
	ready chan struct{}
	done  chan struct{}

	submitted uint64
	dequeued  uint64
	dropped   uint64
}

// New creates a queue holding at most capacity clips.
func New(capacity int, policy Policy) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be >= 1, got %d", capacity)
	}
	return &Queue{
		items:    make([]*types.Clip, 0, capacity),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Enqueue never blocks. When the queue is full the clip chosen by the policy is
// returned as dropped (the incoming clip for DropNewest, the head for DropOldest).
func (q *Queue) Enqueue(clip *types.Clip) (dropped *types.Clip, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	q.submitted++

	if len(q.items) >= q.capacity {
		q.dropped++
		if q.policy == DropNewest {
			return clip, nil
		}
		dropped = q.items[0]
		q.items[0] = nil
		q.items = append(q.items[1:], clip)
	} else {
		q.items = append(q.items, clip)
	}
	q.signal()
	return dropped, nil
}

// Dequeue blocks until a clip is available, the queue is closed and empty, or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*types.Clip, error) {
	return q.DequeueUnless(ctx, nil)
}

// DequeueUnless is Dequeue that gives up with ErrHeld once hold is closed.
// hold is checked under the queue lock, so no clip is taken after it closes.
// A nil hold never fires.
func (q *Queue) DequeueUnless(ctx context.Context, hold <-chan struct{}) (*types.Clip, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			if isClosed(hold) {
				q.mu.Unlock()
				return nil, ErrHeld
			}
			clip := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.dequeued++
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return clip, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-hold:
			return nil, ErrHeld
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Close stops further enqueues. Queued clips stay available to Dequeue and Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed is closed once Close has been called.
func (q *Queue) Closed() <-chan struct{} { return q.done }

// Drain removes every queued clip and counts them as dropped.
func (q *Queue) Drain() []*types.Clip {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Clip, len(q.items))
	copy(out, q.items)
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.dropped += uint64(len(out))
	return out
}

// Len returns the number of queued clips.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the fixed queue bound.
func (q *Queue) Capacity() int { return q.capacity }

// Stats returns a consistent snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Submitted: q.submitted,
		Dequeued:  q.dequeued,
		Dropped:   q.dropped,
		Len:       len(q.items),
		Capacity:  q.capacity,
	}
}
