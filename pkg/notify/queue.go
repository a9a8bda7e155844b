package notify

import "sync"

// Queue delivers events to a sink asynchronously, preserving publish order.
// Publishers never block on the sink; the sink runs on a dedicated delivery
// goroutine so it may take its time (or call non-controller APIs) without
// stalling the control plane.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sink    Sink
	pending []Event
	closed  bool
	done    chan struct{}
}

// NewQueue starts a delivery queue for the given sink.
func NewQueue(sink Sink) *Queue {
	q := &Queue{
		sink: sink,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.deliver()
	return q
}

// Publish enqueues an event. After Close it is a no-op.
func (q *Queue) Publish(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, ev)
	q.cond.Signal()
}

// Close discards undelivered events and waits for any in-flight sink call
// to return. After Close, no sink callback will run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.pending = nil
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) deliver() {
	defer close(q.done)
	q.mu.Lock()
	for {
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.sink.OnEvent(ev)

		q.mu.Lock()
	}
}
