package notify

import (
	"strings"
	"sync"
)

// Ring is a thread-safe circular buffer of recent events. It implements
// Sink, so it can be chained behind the registered listener to give the
// admin API an event history and a live stream.
type Ring struct {
	mu    sync.RWMutex
	buf   []Event
	size  int
	head  int // next write position
	count int // number of events stored

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from a Ring.
type Subscription struct {
	C chan Event
	r *Ring
}

// Close unsubscribes and stops delivery to C.
func (s *Subscription) Close() {
	s.r.unsubscribe(s)
}

// NewRing creates an event ring with the given capacity.
func NewRing(size int) *Ring {
	return &Ring{
		buf:  make([]Event, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// OnEvent appends an event, overwriting the oldest if full. Subscribers
// are notified non-blocking.
func (r *Ring) OnEvent(ev Event) {
	r.mu.Lock()
	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	r.mu.Unlock()

	r.subMu.RLock()
	for sub := range r.subs {
		select {
		case sub.C <- ev:
		default: // drop if subscriber is slow
		}
	}
	r.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (r *Ring) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C: make(chan Event, bufSize),
		r: r,
	}
	r.subMu.Lock()
	r.subs[sub] = struct{}{}
	r.subMu.Unlock()
	return sub
}

func (r *Ring) unsubscribe(sub *Subscription) {
	r.subMu.Lock()
	delete(r.subs, sub)
	r.subMu.Unlock()
}

// Filter specifies criteria for selecting events.
type Filter struct {
	Type     string // case-insensitive substring match on Type
	Upstream string // exact match on Upstream; "" = no filter
}

// IsEmpty returns true if no filter criteria are set.
func (f Filter) IsEmpty() bool {
	return f.Type == "" && f.Upstream == ""
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev Event) bool {
	if f.Type != "" && !strings.Contains(strings.ToLower(string(ev.Type)), strings.ToLower(f.Type)) {
		return false
	}
	if f.Upstream != "" && ev.Upstream != f.Upstream {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter,
// newest first.
func (r *Ring) LatestFiltered(n int, f Filter) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []Event
	for i := 0; i < r.count && len(result) < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if f.Matches(r.buf[idx]) {
			result = append(result, r.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (r *Ring) Latest(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry
		idx := (r.head - 1 - i + r.size) % r.size
		result[i] = r.buf[idx]
	}
	return result
}
