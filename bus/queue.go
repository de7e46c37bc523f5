package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/m-lab/go/logx"
	"github.com/mdavidsaver/dbucket/metrics"
)

// QueueState travels with every delivery.
type QueueState int

const (
	// Normal is ordinary delivery.
	Normal QueueState = iota
	// Overflow marks the first successful delivery after at least one
	// signal was dropped on the full queue.
	Overflow
	// Done is the close sentinel pushed by Close (or connection
	// shutdown).
	Done
	// Closed is reported once the Done sentinel has been taken.
	Closed
)

func (s QueueState) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Overflow:
		return "OFLOW"
	case Done:
		return "DONE"
	case Closed:
		return "CLOSED"
	}
	return "?"
}

// delivery pairs an event with the queue state at enqueue time.
type delivery struct {
	ev    *Event
	state QueueState
}

// DefaultQueueDepth bounds a subscriber queue unless overridden.
const DefaultQueueDepth = 4

// Queue receives the bus events matching its conditions.  Capacity is
// bounded; when the consumer falls behind, signals are dropped rather
// than stalling the connection's receive loop, and the next delivered
// event carries the Overflow state exactly once.
type Queue struct {
	conn *Conn
	ch   chan delivery

	mu        sync.Mutex
	conds     []*Condition
	oflow     bool
	done      bool // Close began; no further emits
	delivered bool // Done sentinel taken by the receiver
}

// newQueue is shared by Conn.NewQueue and the internal daemon queue.
func newQueue(c *Conn, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{conn: c, ch: make(chan delivery, depth)}
}

// Add registers a matching condition, first with the daemon and then
// locally.  On daemon failure nothing is retained.
func (q *Queue) Add(ctx context.Context, cond *Condition) error {
	if err := cond.normalize(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return ErrConnectionClosed
	}
	q.mu.Unlock()
	if !cond.local {
		if err := q.conn.matches.add(ctx, cond, cond.Expr()); err != nil {
			return err
		}
	}
	q.mu.Lock()
	q.conds = append(q.conds, cond)
	q.mu.Unlock()
	return nil
}

// Remove drops a condition previously returned by Add, releasing the
// daemon-side registration when this was its last user.
func (q *Queue) Remove(ctx context.Context, cond *Condition) error {
	q.mu.Lock()
	found := -1
	for i, c := range q.conds {
		if c == cond {
			found = i
			break
		}
	}
	if found >= 0 {
		q.conds = append(q.conds[:found], q.conds[found+1:]...)
	}
	q.mu.Unlock()
	if found < 0 {
		return fmt.Errorf("condition %s is not registered on this queue", cond)
	}
	if cond.local {
		return nil
	}
	return q.conn.matches.remove(ctx, cond, cond.Expr())
}

// Recv returns the next matched event and its state.  After Close it
// reports ErrConnectionClosed.
func (q *Queue) Recv(ctx context.Context) (*Event, QueueState, error) {
	q.mu.Lock()
	if q.delivered {
		q.mu.Unlock()
		return nil, Closed, ErrConnectionClosed
	}
	q.mu.Unlock()
	select {
	case d := <-q.ch:
		if d.state == Done {
			q.mu.Lock()
			q.delivered = true
			q.mu.Unlock()
			return nil, Done, ErrConnectionClosed
		}
		return d.ev, d.state, nil
	case <-ctx.Done():
		return nil, Normal, ctx.Err()
	}
}

// Poll is the non-blocking Recv; ErrQueueEmpty when nothing is ready.
func (q *Queue) Poll() (*Event, QueueState, error) {
	q.mu.Lock()
	if q.delivered {
		q.mu.Unlock()
		return nil, Closed, ErrConnectionClosed
	}
	q.mu.Unlock()
	select {
	case d := <-q.ch:
		if d.state == Done {
			q.mu.Lock()
			q.delivered = true
			q.mu.Unlock()
			return nil, Done, ErrConnectionClosed
		}
		return d.ev, d.state, nil
	default:
		return nil, Normal, ErrQueueEmpty
	}
}

// Close removes this queue's daemon registrations and pushes the Done
// sentinel, waiting for room if the queue is full.  It completes only
// once the sentinel is enqueued.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return nil
	}
	q.done = true
	conds := q.conds
	q.conds = nil
	q.mu.Unlock()

	q.conn.dropQueue(q)
	for _, c := range conds {
		if c.local {
			continue
		}
		if err := q.conn.matches.remove(ctx, c, c.Expr()); err != nil {
			logx.Debug.Printf("RemoveMatch %s: %v", c.Expr(), err)
		}
	}
	select {
	case q.ch <- delivery{nil, Done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown is the connection-teardown variant of Close: the daemon is
// gone, so only the sentinel is delivered.  Blocks while the queue is
// full, like Close.
func (q *Queue) shutdown() {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.done = true
	q.conds = nil
	q.mu.Unlock()
	q.ch <- delivery{nil, Done}
}

// emit offers ev to the queue from the receive loop.  Reports whether
// the event matched (even if it was then dropped on overflow).
func (q *Queue) emit(ev *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return false
	}
	matched := false
	for _, c := range q.conds {
		if c.Test(ev) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	state := Normal
	if q.oflow {
		state = Overflow
	}
	select {
	case q.ch <- delivery{ev, state}:
		if q.oflow {
			logx.Debug.Printf("queue %p leaves overflow state", q)
		}
		q.oflow = false
	default:
		if !q.oflow {
			logx.Debug.Printf("queue %p enters overflow state", q)
		}
		q.oflow = true
		metrics.DroppedSignalTotal.Inc()
	}
	return true
}
