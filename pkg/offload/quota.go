package offload

import "time"

// QuotaLimit is one per-upstream data limit. CountedBytes accumulates
// only traffic forwarded after the limit was set.
type QuotaLimit struct {
	LimitBytes   uint64    `json:"limit_bytes"`
	CountedBytes uint64    `json:"counted_bytes"`
	SetAt        time.Time `json:"set_at"`
}

// quotaLedger holds at most one active limit per upstream name. Not
// self-locking; the controller's mutex guards it. A limit survives
// upstream rebinds and is destroyed only by breach, teardown, or a
// hardware-initiated stop of its upstream.
type quotaLedger struct {
	limits map[string]*QuotaLimit
}

func newQuotaLedger() *quotaLedger {
	return &quotaLedger{limits: make(map[string]*QuotaLimit)}
}

// Set installs a limit for the upstream, replacing any prior one and
// restarting the count from zero.
func (l *quotaLedger) Set(upstream string, limitBytes uint64, now time.Time) {
	l.limits[upstream] = &QuotaLimit{LimitBytes: limitBytes, SetAt: now}
}

// Add credits forwarded bytes against the upstream's limit, if one is set,
// and reports whether the limit is now reached.
func (l *quotaLedger) Add(upstream string, bytes uint64) bool {
	q, ok := l.limits[upstream]
	if !ok {
		return false
	}
	q.CountedBytes += bytes
	return q.CountedBytes >= q.LimitBytes
}

// Breached reports whether the upstream's limit is already reached. A
// zero-byte limit is breached immediately.
func (l *quotaLedger) Breached(upstream string) bool {
	q, ok := l.limits[upstream]
	return ok && q.CountedBytes >= q.LimitBytes
}

// Remove destroys the upstream's limit, if any.
func (l *quotaLedger) Remove(upstream string) {
	delete(l.limits, upstream)
}

// Get returns a copy of the upstream's limit.
func (l *quotaLedger) Get(upstream string) (QuotaLimit, bool) {
	q, ok := l.limits[upstream]
	if !ok {
		return QuotaLimit{}, false
	}
	return *q, true
}

// Len returns the number of active limits.
func (l *quotaLedger) Len() int {
	return len(l.limits)
}

// Snapshot returns a copy of all active limits.
func (l *quotaLedger) Snapshot() map[string]QuotaLimit {
	out := make(map[string]QuotaLimit, len(l.limits))
	for name, q := range l.limits {
		out[name] = *q
	}
	return out
}

// Clear destroys every limit.
func (l *quotaLedger) Clear() {
	l.limits = make(map[string]*QuotaLimit)
}
