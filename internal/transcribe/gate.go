package transcribe

// Gate is a single-slot admission gate with a drop-newest policy: while a
// transcription is in flight, newly finalized utterances are rejected rather
// than queued. This replaces implicit busy-flag checks with an explicit
// acquire/release pair.
type Gate struct {
	slot chan struct{}
}

// NewGate creates a gate with one free slot
func NewGate() *Gate {
	g := &Gate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// TryAcquire takes the slot if it is free. Returns false while busy; the
// caller drops the utterance in that case.
func (g *Gate) TryAcquire() bool {
	select {
	case <-g.slot:
		return true
	default:
		return false
	}
}

// Release frees the slot. Releasing an already-free gate is a no-op.
func (g *Gate) Release() {
	select {
	case g.slot <- struct{}{}:
	default:
	}
}

// Busy reports whether a transcription is in flight
func (g *Gate) Busy() bool {
	return len(g.slot) == 0
}
