// Package vad implements the frame-by-frame voice activity segmentation
// engine: an RMS threshold detector with a minimum-speech gate on onset, a
// trailing-silence gate on offset and a pre-roll splice so the emitted
// utterance keeps the audio from just before the detector became confident.
package vad

import (
	"sync"
	"time"

	"github.com/rapidvoice/voicetrigger/internal/audio"
)

// Phase is the engine's segmentation state
type Phase string

const (
	PhaseIdle       Phase = "idle"       // no audio session
	PhaseListening  Phase = "listening"  // analyzing frames, no utterance open
	PhaseRecording  Phase = "recording"  // utterance open, frames accumulating
	PhaseProcessing Phase = "processing" // utterance finalized, awaiting handoff
)

// Config holds the segmentation parameters
type Config struct {
	// Threshold is the linear 0-1 amplitude above which a frame counts as
	// speech, compared against the gained RMS.
	Threshold float64

	// DetectionGain is applied to the raw frame RMS before the threshold
	// comparison. Only the decision path is gained; stored samples and the
	// volume meter see the raw signal.
	DetectionGain float64

	MinSpeechDuration time.Duration // continuous loudness required to open an utterance
	SilenceDuration   time.Duration // continuous silence that finalizes an utterance
	PreRollDuration   time.Duration // onset context retained before the gate fires
}

// DefaultConfig returns the segmentation defaults
func DefaultConfig() Config {
	return Config{
		Threshold:         0.02,
		DetectionGain:     5.0,
		MinSpeechDuration: 100 * time.Millisecond,
		SilenceDuration:   1500 * time.Millisecond,
		PreRollDuration:   500 * time.Millisecond,
	}
}

// Engine is the segmentation state machine. Step is deterministic in
// (current state, frame, now), so the engine is unit-testable without audio
// hardware. Step must be called from a single goroutine in frame arrival
// order; Phase may be read concurrently.
type Engine struct {
	cfg Config

	// mu guards the fields readable alongside Step: phase and samples.
	mu      sync.RWMutex
	phase   Phase
	samples int

	preRoll *audio.PreRollRing

	// Open utterance accumulation, touched only by the Step goroutine.
	chunks [][]float32

	// speechStart marks when the signal most recently crossed above
	// threshold continuously; silenceStart marks when, while recording, it
	// most recently dropped below. Zero means "not currently true".
	speechStart  time.Time
	silenceStart time.Time
}

// NewEngine creates an engine in the listening phase
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		phase:   PhaseListening,
		preRoll: audio.NewPreRollRing(cfg.PreRollDuration),
	}
}

// Phase returns the current segmentation phase
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Step processes one frame. It returns a finalized utterance (the ordered
// concatenation of pre-roll and recorded frames) when trailing silence has
// exceeded the configured duration, and nil otherwise.
//
// After a non-nil return the engine is in PhaseProcessing with all buffers
// cleared; the caller hands the utterance off and calls Resume.
func (e *Engine) Step(frame []float32, now time.Time) []float32 {
	detection := audio.RMS(frame) * e.cfg.DetectionGain

	// The pre-roll ring tracks every frame, in and out of an utterance, so
	// onset context is always available at the moment the gate fires.
	e.preRoll.Push(frame, now)

	// Track how long the signal has been continuously above threshold.
	if detection > e.cfg.Threshold {
		if e.speechStart.IsZero() {
			e.speechStart = now
		}
	} else {
		e.speechStart = time.Time{}
	}

	if e.Phase() != PhaseRecording {
		// Not recording yet; open an utterance once loudness has been
		// sustained past the minimum speech gate.
		if !e.speechStart.IsZero() && now.Sub(e.speechStart) >= e.cfg.MinSpeechDuration {
			e.setPhase(PhaseRecording)
			chunks, n := e.preRoll.Drain()
			e.chunks = chunks
			e.setSamples(n)
		}
		return nil
	}

	// Recording: every frame is captured regardless of loudness.
	cp := make([]float32, len(frame))
	copy(cp, frame)
	e.chunks = append(e.chunks, cp)
	e.addSamples(len(cp))

	if detection > e.cfg.Threshold {
		e.silenceStart = time.Time{}
		return nil
	}

	if e.silenceStart.IsZero() {
		e.silenceStart = now
		return nil
	}
	if now.Sub(e.silenceStart) > e.cfg.SilenceDuration {
		return e.finalize()
	}
	return nil
}

// finalize concatenates the buffered frames into one contiguous sample
// sequence and resets all segmentation state
func (e *Engine) finalize() []float32 {
	e.setPhase(PhaseProcessing)

	var utterance []float32
	if n := e.BufferedSamples(); n > 0 {
		utterance = make([]float32, 0, n)
		for _, chunk := range e.chunks {
			utterance = append(utterance, chunk...)
		}
	}

	e.chunks = nil
	e.setSamples(0)
	e.preRoll.Clear()
	e.speechStart = time.Time{}
	e.silenceStart = time.Time{}

	return utterance
}

// Resume returns the engine to listening after an utterance handoff
func (e *Engine) Resume() {
	if e.Phase() == PhaseProcessing {
		e.setPhase(PhaseListening)
	}
}

// Stop discards any in-progress utterance and pre-roll contents and returns
// the engine to idle. Partial utterances are never emitted.
func (e *Engine) Stop() {
	e.setPhase(PhaseIdle)
	e.chunks = nil
	e.setSamples(0)
	e.preRoll.Clear()
	e.speechStart = time.Time{}
	e.silenceStart = time.Time{}
}

func (e *Engine) setSamples(n int) {
	e.mu.Lock()
	e.samples = n
	e.mu.Unlock()
}

func (e *Engine) addSamples(n int) {
	e.mu.Lock()
	e.samples += n
	e.mu.Unlock()
}

// BufferedSamples reports the size of the open utterance. Like Phase, it may
// be read concurrently with Step.
func (e *Engine) BufferedSamples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples
}
