package perf

import "time"

// timeRing is a fixed-size circular buffer of execution timestamps. When full
// the oldest entry is overwritten. Callers synchronize access.
type timeRing struct {
	buf   []time.Time
	size  int
	head  int // index of the next write
	count int
}

func newTimeRing(size int) *timeRing {
	if size <= 0 {
		size = 1000
	}
	return &timeRing{buf: make([]time.Time, size), size: size}
}

func (r *timeRing) push(t time.Time) {
	r.buf[r.head] = t
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// at returns the i-th oldest stored timestamp.
func (r *timeRing) at(i int) time.Time {
	start := (r.head - r.count + r.size) % r.size
	return r.buf[(start+i)%r.size]
}

// countSince returns how many timestamps are strictly after cutoff.
func (r *timeRing) countSince(cutoff time.Time) int {
	n := 0
	for i := r.count - 1; i >= 0; i-- {
		if !r.at(i).After(cutoff) {
			break
		}
		n++
	}
	return n
}

// dropBefore discards timestamps at or before cutoff and returns how many were dropped.
// Timestamps are pushed in non-decreasing order so the oldest are dropped first.
func (r *timeRing) dropBefore(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 && !r.at(0).After(cutoff) {
		r.count--
		dropped++
	}
	return dropped
}

func (r *timeRing) len() int {
	return r.count
}
