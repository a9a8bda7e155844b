package offload

// statsCell is one (rx, tx) byte pair.
type statsCell struct {
	rx uint64
	tx uint64
}

// statsAggregator tracks hardware-forwarded bytes per upstream. The
// pending side backs the destructive stats read; the totals side
// accumulates for the life of the session and feeds metrics. Not
// self-locking; the controller's mutex guards it.
type statsAggregator struct {
	pending map[string]statsCell
	totals  map[string]statsCell
}

func newStatsAggregator() *statsAggregator {
	return &statsAggregator{
		pending: make(map[string]statsCell),
		totals:  make(map[string]statsCell),
	}
}

// Record credits forwarded bytes to the upstream.
func (s *statsAggregator) Record(upstream string, rx, tx uint64) {
	if rx == 0 && tx == 0 {
		return
	}
	p := s.pending[upstream]
	p.rx += rx
	p.tx += tx
	s.pending[upstream] = p

	t := s.totals[upstream]
	t.rx += rx
	t.tx += tx
	s.totals[upstream] = t
}

// Take returns the bytes accumulated since the previous Take for this
// upstream and resets that count to zero in the same step. An upstream
// never recorded reads as (0, 0).
func (s *statsAggregator) Take(upstream string) (rx, tx uint64) {
	p := s.pending[upstream]
	delete(s.pending, upstream)
	return p.rx, p.tx
}

// Totals returns the per-upstream lifetime byte counts.
func (s *statsAggregator) Totals() map[string][2]uint64 {
	out := make(map[string][2]uint64, len(s.totals))
	for name, t := range s.totals {
		out[name] = [2]uint64{t.rx, t.tx}
	}
	return out
}

// Reset zeroes both the pending and lifetime counts.
func (s *statsAggregator) Reset() {
	s.pending = make(map[string]statsCell)
	s.totals = make(map[string]statsCell)
}
