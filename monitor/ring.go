package monitor

import "time"

// ring is a fixed-capacity buffer of round-trip durations, insertion
// ordered. On overflow the oldest sample is evicted. Not goroutine-safe;
// the owning monitor locks around it.
type ring struct {
	samples []time.Duration
	next    int
	count   int
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]time.Duration, capacity)}
}

func (r *ring) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// mean is the arithmetic mean of the samples currently buffered, zero when
// empty.
func (r *ring) mean() time.Duration {
	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(r.count)
}
