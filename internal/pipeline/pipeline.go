// Package pipeline wires microphone capture, VAD segmentation,
// transcription, trigger matching and automation dispatch into one owned
// listening session.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/audio"
	"github.com/rapidvoice/voicetrigger/internal/config"
	"github.com/rapidvoice/voicetrigger/internal/dispatch"
	"github.com/rapidvoice/voicetrigger/internal/history"
	"github.com/rapidvoice/voicetrigger/internal/observability"
	"github.com/rapidvoice/voicetrigger/internal/transcribe"
	"github.com/rapidvoice/voicetrigger/internal/trigger"
	"github.com/rapidvoice/voicetrigger/internal/vad"
)

// Status is a read-only snapshot of the pipeline for the UI surface
type Status struct {
	State       vad.Phase `json:"state"`
	Volume      float64   `json:"volume"`
	VolumeDB    float64   `json:"volumeDb"`
	ThresholdDB float64   `json:"thresholdDb"`
	Busy        bool      `json:"transcribing"`
	Messages    int       `json:"messages"`
}

// session holds everything owned by one listening session. It is
// constructed on start, exclusively owned until stop, and never reused.
type session struct {
	id      string
	gen     uint64
	capture audio.Session
	engine  *vad.Engine
	done    chan struct{}
	logger  zerolog.Logger
}

// Pipeline owns the capture loop and the downstream utterance path.
// Start/Stop are safe for concurrent use; at most one session is active.
type Pipeline struct {
	cfg         *config.Config
	capture     audio.Capture
	transcriber transcribe.Transcriber
	gate        *transcribe.Gate
	matcher     *trigger.Matcher
	dispatcher  *dispatch.Client
	characters  []dispatch.Character
	ledger      *history.Ledger
	meter       *audio.Meter
	logger      zerolog.Logger

	// startMu serializes session transitions so two concurrent Starts cannot
	// both acquire a microphone and orphan one of the sessions.
	startMu sync.Mutex

	mu      sync.Mutex
	current *session

	// generation stamps async completions so callbacks from a torn-down
	// session cannot mutate shared state. Bumped and checked under mu.
	generation atomic.Uint64
}

// New assembles a pipeline from its collaborators
func New(
	cfg *config.Config,
	capture audio.Capture,
	transcriber transcribe.Transcriber,
	matcher *trigger.Matcher,
	dispatcher *dispatch.Client,
	ledger *history.Ledger,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		capture:     capture,
		transcriber: transcriber,
		gate:        transcribe.NewGate(),
		matcher:     matcher,
		dispatcher:  dispatcher,
		characters:  dispatch.DefaultCharacters(),
		ledger:      ledger,
		meter:       audio.NewMeter(audio.DefaultMeterSmoothing),
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// vadConfig derives the segmentation parameters from configuration
func (p *Pipeline) vadConfig() vad.Config {
	return vad.Config{
		Threshold:         p.cfg.AmplitudeThreshold,
		DetectionGain:     p.cfg.DetectionGain,
		MinSpeechDuration: time.Duration(p.cfg.MinSpeechDurationMs) * time.Millisecond,
		SilenceDuration:   time.Duration(p.cfg.SilenceDurationMs) * time.Millisecond,
		PreRollDuration:   time.Duration(p.cfg.PreRollDurationMs) * time.Millisecond,
	}
}

// Start begins a fresh listening session. Any previous session is fully
// torn down first; the history ledger starts empty.
func (p *Pipeline) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.teardown()

	capSession, err := p.capture.Start(audio.CaptureConfig{
		SampleRate: p.cfg.SampleRate,
		FrameSize:  p.cfg.FrameSize,
		DeviceID:   p.cfg.InputDevice,
	})
	if err != nil {
		return fmt.Errorf("microphone unavailable: %w", err)
	}

	gen := p.generation.Add(1)
	sessionID := observability.NewSessionID()

	s := &session{
		id:      sessionID,
		gen:     gen,
		capture: capSession,
		engine:  vad.NewEngine(p.vadConfig()),
		done:    make(chan struct{}),
		logger:  observability.WithSessionID(sessionID),
	}

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	p.ledger.Reset()
	p.meter.Reset()
	observability.RecordSessionStart()
	s.logger.Info().
		Float64("threshold", p.cfg.AmplitudeThreshold).
		Int("silence_ms", p.cfg.SilenceDurationMs).
		Int("min_speech_ms", p.cfg.MinSpeechDurationMs).
		Msg("Listening session started")

	go p.run(s)
	return nil
}

// run is the frame loop. It exits when the capture session closes.
func (p *Pipeline) run(s *session) {
	defer close(s.done)

	for frame := range s.capture.Frames() {
		observability.RecordFrame()
		p.meter.Update(frame)

		utterance := s.engine.Step(frame, time.Now())
		if utterance == nil {
			continue
		}

		// Handoff is synchronous and non-blocking; the engine goes straight
		// back to listening regardless of transcription outcome.
		p.handleUtterance(s, utterance)
		s.engine.Resume()
	}

	s.engine.Stop()
	p.meter.Reset()
	s.logger.Info().Msg("Frame loop ended")
}

// handleUtterance submits a finalized utterance for transcription. While a
// transcription is in flight, new utterances are dropped.
func (p *Pipeline) handleUtterance(s *session, samples []float32) {
	seconds := float64(len(samples)) / float64(p.cfg.SampleRate)
	observability.RecordUtterance(seconds)

	if !p.gate.TryAcquire() {
		observability.RecordUtteranceDropped()
		s.logger.Warn().Float64("seconds", seconds).Msg("Transcription busy, dropping utterance")
		return
	}

	s.logger.Debug().Float64("seconds", seconds).Msg("Utterance finalized")

	// The transcription outlives a stop; its late completion is discarded
	// by the generation check rather than cancelled.
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(p.cfg.TranscribeTimeoutSec)*time.Second)

	go func() {
		defer cancel()
		defer p.gate.Release()

		result, err := p.transcriber.Transcribe(ctx, samples)
		if err != nil {
			s.logger.Error().Err(err).Msg("Transcription failed, utterance abandoned")
			return
		}
		if result.Text == "" {
			return
		}

		if !p.ifCurrent(s, func() {
			p.ledger.Append(result.Text, result.TPS)
		}) {
			s.logger.Debug().Msg("Discarding transcription from ended session")
			return
		}
		p.evaluate(s)
	}()
}

// evaluate walks the ledger's unevaluated messages strictly in append order,
// matching each against the trigger phrase exactly once
func (p *Pipeline) evaluate(s *session) {
	for {
		index, msg, ok := p.ledger.NextUnevaluated()
		if !ok {
			return
		}

		// The cursor advance and status writes go through ifCurrent so an
		// interleaved restart cannot leak this walk into a fresh ledger.
		live := p.ifCurrent(s, func() {
			p.ledger.MarkEvaluated(index)

			if msg.Status != history.StatusPending {
				return
			}

			if !p.matcher.Matches(msg.Text) {
				_ = p.ledger.SetStatus(index, history.StatusIgnored)
				return
			}

			character, ok := dispatch.Resolve(p.characters, p.cfg.SelectedCharacterID)
			if !ok {
				s.logger.Error().Str("character_id", p.cfg.SelectedCharacterID).
					Msg("Trigger matched but no resolvable action")
				_ = p.ledger.SetStatus(index, history.StatusError)
				return
			}

			p.dispatchMatch(s, index, character, msg.Text)
		})
		if !live {
			return
		}
	}
}

// dispatchMatch fires the automation POST without blocking the evaluation
// walk; the message's status is settled by the eventual outcome
func (p *Pipeline) dispatchMatch(s *session, index int, character dispatch.Character, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)

	go func() {
		defer cancel()

		err := p.dispatcher.DoAction(ctx, character, text)
		outcome := history.StatusCompleted
		if err != nil {
			s.logger.Error().Err(err).Str("action", character.Name).Msg("Dispatch failed")
			outcome = history.StatusError
		}
		if !p.ifCurrent(s, func() {
			_ = p.ledger.SetStatus(index, outcome)
		}) {
			s.logger.Debug().Msg("Discarding dispatch outcome from ended session")
		}
	}()
}

// Stop tears down the active session, if any. In-progress utterance buffers
// are discarded; in-flight transcription and dispatch outcomes are ignored
// via the generation check.
func (p *Pipeline) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	p.teardown()
}

// teardown ends the current session. Callers hold startMu.
func (p *Pipeline) teardown() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	if s != nil {
		// Bump the generation under mu so a late callback cannot pass its
		// generation check while the session is being torn down.
		p.generation.Add(1)
	}
	p.mu.Unlock()

	if s == nil {
		return
	}

	_ = s.capture.Close()
	<-s.done

	observability.RecordSessionEnd()
	s.logger.Info().Msg("Listening session stopped")
}

// ifCurrent runs fn only while s is still the live session. The generation
// check and fn execute under mu, so a concurrent Stop cannot slip between
// the check and the ledger mutation.
func (p *Pipeline) ifCurrent(s *session, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation.Load() != s.gen {
		return false
	}
	fn()
	return true
}

// Active reports whether a listening session is running
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// State returns the externally visible engine phase
func (p *Pipeline) State() vad.Phase {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	if s == nil {
		return vad.PhaseIdle
	}
	return s.engine.Phase()
}

// Status returns a snapshot for the status surface
func (p *Pipeline) Status() Status {
	return Status{
		State:       p.State(),
		Volume:      p.meter.Volume(),
		VolumeDB:    p.meter.VolumeDB(),
		ThresholdDB: audio.DBFromLinear(p.cfg.AmplitudeThreshold),
		Busy:        p.gate.Busy(),
		Messages:    p.ledger.Len(),
	}
}
