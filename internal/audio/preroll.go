package audio

import (
	"time"
)

type preRollEntry struct {
	frame []float32
	ts    time.Time
}

// PreRollRing retains a rolling window of recent audio frames so that the
// onset of an utterance can be spliced in once the speech gate fires.
// Entries older than the configured duration are evicted strictly in
// arrival order, so the oldest entry is never older than maxAge.
//
// The ring is owned by a single goroutine (the VAD frame loop) and is not
// safe for concurrent use.
type PreRollRing struct {
	maxAge  time.Duration
	entries []preRollEntry
	samples int
}

// NewPreRollRing creates a ring that retains frames for at most maxAge
func NewPreRollRing(maxAge time.Duration) *PreRollRing {
	return &PreRollRing{maxAge: maxAge}
}

// Push copies frame into the ring stamped with now, then evicts entries
// older than the retention window
func (r *PreRollRing) Push(frame []float32, now time.Time) {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	r.entries = append(r.entries, preRollEntry{frame: cp, ts: now})
	r.samples += len(cp)

	cutoff := now.Add(-r.maxAge)
	for len(r.entries) > 0 && r.entries[0].ts.Before(cutoff) {
		r.samples -= len(r.entries[0].frame)
		r.entries[0].frame = nil
		r.entries = r.entries[1:]
	}
}

// Drain returns all buffered frames in arrival order along with their total
// sample count, and clears the ring. The returned frames are the ring's own
// copies; the caller takes ownership.
func (r *PreRollRing) Drain() ([][]float32, int) {
	if len(r.entries) == 0 {
		return nil, 0
	}

	frames := make([][]float32, len(r.entries))
	for i, e := range r.entries {
		frames[i] = e.frame
	}
	total := r.samples

	r.entries = nil
	r.samples = 0
	return frames, total
}

// Clear discards all buffered frames
func (r *PreRollRing) Clear() {
	r.entries = nil
	r.samples = 0
}

// Len returns the number of buffered frames
func (r *PreRollRing) Len() int {
	return len(r.entries)
}

// Samples returns the total number of buffered samples
func (r *PreRollRing) Samples() int {
	return r.samples
}
