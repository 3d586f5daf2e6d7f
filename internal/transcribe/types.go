// Package transcribe submits finalized utterances to a speech-to-text
// backend: either the out-of-process whisper worker (WebSocket) or the
// Deepgram prerecorded API.
package transcribe

import (
	"context"
)

// Result is the outcome of transcribing one utterance
type Result struct {
	// Text is the recognized text, whitespace-trimmed. May be empty when
	// the utterance contained no recognizable speech.
	Text string

	// TPS is the backend's tokens-per-second performance metric, when
	// reported (worker backend only).
	TPS float64
}

// Progress reports model-loading progress for one named resource, 0-100.
// This is a side channel independent of the utterance contract.
type Progress struct {
	File     string
	Name     string
	Progress float64
}

// Transcriber turns an utterance's samples into text.
// Implementations handle at most one utterance at a time; concurrency
// gating is the caller's responsibility (see Gate).
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (Result, error)
}
