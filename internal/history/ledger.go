// Package history keeps the ordered, append-only record of transcribed
// utterances and their final dispositions.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a message's disposition. A message is created pending and
// transitions exactly once to one of the terminal statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed" // trigger matched, dispatch succeeded
	StatusError     Status = "error"     // dispatch failed or no resolvable action
	StatusIgnored   Status = "ignored"   // trigger did not match
)

// Terminal reports whether s is a terminal status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusIgnored
}

// Message is one transcribed utterance in the ledger
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	TPS       float64   `json:"tps,omitempty"` // transcription tokens per second, when reported
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Ledger is an append-only ordered sequence of messages with a monotonic
// cursor marking how far the trigger matcher has evaluated. Appends and
// status updates are serialized; readers receive snapshots and tolerate
// concurrent appends.
type Ledger struct {
	mu       sync.Mutex
	messages []Message
	cursor   int // index of the next message to evaluate
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records a new pending message and returns its index
func (l *Ledger) Append(text string, tps float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, Message{
		ID:        uuid.New().String(),
		Text:      text,
		TPS:       tps,
		Timestamp: time.Now(),
		Status:    StatusPending,
	})
	return len(l.messages) - 1
}

// NextUnevaluated returns the first message the matcher has not seen yet.
// ok is false when the cursor has caught up with the ledger.
func (l *Ledger) NextUnevaluated() (index int, msg Message, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cursor >= len(l.messages) {
		return 0, Message{}, false
	}
	return l.cursor, l.messages[l.cursor], true
}

// MarkEvaluated advances the cursor past index. The cursor only moves
// forward, so a message is never re-evaluated.
func (l *Ledger) MarkEvaluated(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index+1 > l.cursor {
		l.cursor = index + 1
	}
}

// SetStatus transitions the message at index from pending to a terminal
// status. Terminal messages are immutable; a second transition is an error.
func (l *Ledger) SetStatus(index int, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.messages) {
		return fmt.Errorf("message index %d out of range", index)
	}
	if l.messages[index].Status != StatusPending {
		return fmt.Errorf("message %d already %s", index, l.messages[index].Status)
	}

	l.messages[index].Status = status
	return nil
}

// Snapshot returns a copy of the ledger contents in append order
func (l *Ledger) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages in the ledger
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Reset clears the ledger and cursor for a fresh listening session
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.cursor = 0
}
