package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/audio"
	"github.com/rapidvoice/voicetrigger/internal/config"
	"github.com/rapidvoice/voicetrigger/internal/dispatch"
	"github.com/rapidvoice/voicetrigger/internal/history"
	"github.com/rapidvoice/voicetrigger/internal/transcribe"
	"github.com/rapidvoice/voicetrigger/internal/trigger"
	"github.com/rapidvoice/voicetrigger/internal/vad"
)

// fakeSession delivers frames pushed by the test and closes the channel on
// Close, ending the pipeline's frame loop like a real capture teardown.
type fakeSession struct {
	frames chan []float32
	closed atomic.Bool
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{frames: make(chan []float32, 64)}
}

func (s *fakeSession) Frames() <-chan []float32 { return s.frames }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.frames) })
	return nil
}

// fakeCapture records every session it hands out so tests can verify that
// no acquired microphone is left open.
type fakeCapture struct {
	mu       sync.Mutex
	sessions []*fakeSession
	startErr error
}

func (c *fakeCapture) Devices() ([]audio.Device, error) {
	return []audio.Device{{ID: "fake", Name: "Fake Microphone", IsDefault: true}}, nil
}

func (c *fakeCapture) Start(cfg audio.CaptureConfig) (audio.Session, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	s := newFakeSession()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeCapture) current() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

func (c *fakeCapture) openSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := 0
	for _, s := range c.sessions {
		if !s.closed.Load() {
			open++
		}
	}
	return open
}

// fakeTranscriber returns a scripted result, optionally blocking until
// released to simulate a slow model.
type fakeTranscriber struct {
	text  string
	tps   float64
	err   error
	block chan struct{} // nil means return immediately
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32) (transcribe.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transcribe.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return transcribe.Result{}, f.err
	}
	return transcribe.Result{Text: f.text, TPS: f.tps}, nil
}

func testConfig(dispatchURL string) *config.Config {
	return &config.Config{
		SampleRate:           16000,
		FrameSize:            160,
		AmplitudeThreshold:   0.02,
		DetectionGain:        1.0,
		SilenceDurationMs:    30,
		MinSpeechDurationMs:  1,
		PreRollDurationMs:    100,
		TranscriptionBackend: config.BackendWorker,
		WorkerURL:            "ws://unused",
		TriggerPhrase:        "hey rapid",
		DispatchBaseURL:      dispatchURL,
		ProbeIntervalSec:     10,
		TranscribeTimeoutSec: 5,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, capture *fakeCapture, transcriber transcribe.Transcriber) (*Pipeline, *history.Ledger) {
	t.Helper()
	ledger := history.NewLedger()
	matcher := trigger.NewMatcher(cfg.TriggerPhrase, zerolog.Nop())
	client := dispatch.NewClient(cfg.DispatchBaseURL, dispatch.Metadata{UserName: "tester"}, zerolog.Nop())
	return New(cfg, capture, transcriber, matcher, client, ledger, zerolog.Nop()), ledger
}

func frame(amplitude float32, size int) []float32 {
	f := make([]float32, size)
	for i := range f {
		f[i] = amplitude
	}
	return f
}

// speakUtterance pushes loud frames followed by enough silence for the
// engine to finalize. Real wall-clock pacing drives the VAD timers.
func speakUtterance(s *fakeSession, size int) {
	for i := 0; i < 3; i++ {
		s.frames <- frame(0.5, size)
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		s.frames <- frame(0.001, size)
		time.Sleep(10 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipeline_MatchedUtteranceDispatchesAndCompletes(t *testing.T) {
	var dispatched atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "hey rapid how are you", tps: 20}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	speakUtterance(capture.current(), 160)

	waitFor(t, "message to complete", func() bool {
		msgs := ledger.Snapshot()
		return len(msgs) == 1 && msgs[0].Status == history.StatusCompleted
	})

	msgs := ledger.Snapshot()
	if msgs[0].Text != "hey rapid how are you" {
		t.Errorf("Ledger text = %q", msgs[0].Text)
	}
	if msgs[0].TPS != 20 {
		t.Errorf("Ledger TPS = %v, want 20", msgs[0].TPS)
	}
	if dispatched.Load() != 1 {
		t.Errorf("Endpoint hit %d times, want 1", dispatched.Load())
	}
}

func TestPipeline_UnmatchedUtteranceIsIgnored(t *testing.T) {
	var dispatched atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched.Add(1)
	}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "just talking to chat"}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	speakUtterance(capture.current(), 160)

	waitFor(t, "message to be ignored", func() bool {
		msgs := ledger.Snapshot()
		return len(msgs) == 1 && msgs[0].Status == history.StatusIgnored
	})

	if dispatched.Load() != 0 {
		t.Errorf("Endpoint hit %d times for an unmatched utterance", dispatched.Load())
	}
}

func TestPipeline_DispatchFailureMarksError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "hey rapid hello"}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	speakUtterance(capture.current(), 160)

	waitFor(t, "message to error", func() bool {
		msgs := ledger.Snapshot()
		return len(msgs) == 1 && msgs[0].Status == history.StatusError
	})
}

func TestPipeline_DropsUtteranceWhileTranscribing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "just talking", block: make(chan struct{})}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	// First utterance occupies the transcriber.
	speakUtterance(capture.current(), 160)
	waitFor(t, "first transcription to start", func() bool { return transcriber.calls.Load() == 1 })

	// Second utterance arrives while busy and is dropped, not queued.
	speakUtterance(capture.current(), 160)

	close(transcriber.block)
	waitFor(t, "first message to settle", func() bool {
		msgs := ledger.Snapshot()
		return len(msgs) == 1 && msgs[0].Status.Terminal()
	})

	if calls := transcriber.calls.Load(); calls != 1 {
		t.Errorf("Transcriber called %d times, want 1", calls)
	}
	if n := ledger.Len(); n != 1 {
		t.Errorf("Ledger has %d messages, want 1", n)
	}
}

func TestPipeline_StopDiscardsInFlightTranscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "hey rapid too late", block: make(chan struct{})}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	speakUtterance(capture.current(), 160)
	waitFor(t, "transcription to start", func() bool { return transcriber.calls.Load() == 1 })

	pipe.Stop()
	close(transcriber.block)

	// The late completion must not reach the ledger.
	time.Sleep(100 * time.Millisecond)
	if n := ledger.Len(); n != 0 {
		t.Errorf("Ledger has %d messages from a stopped session, want 0", n)
	}
}

func TestPipeline_TranscriptionFailureAbandonsUtterance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{err: errors.New("worker stream ended")}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	speakUtterance(capture.current(), 160)
	waitFor(t, "transcription attempt", func() bool { return transcriber.calls.Load() == 1 })

	// Failed transcriptions leave no trace in history and free the gate.
	waitFor(t, "gate to free", func() bool { return !pipe.Status().Busy })
	if n := ledger.Len(); n != 0 {
		t.Errorf("Ledger has %d messages after a failed transcription, want 0", n)
	}
}

func TestPipeline_StartFailureStaysIdle(t *testing.T) {
	capture := &fakeCapture{startErr: errors.New("device in use")}
	pipe, _ := newTestPipeline(t, testConfig("http://127.0.0.1:0"), capture, &fakeTranscriber{})

	if err := pipe.Start(); err == nil {
		t.Fatal("Start succeeded despite capture failure")
	}
	if pipe.Active() {
		t.Error("Pipeline active after failed start")
	}
	if got := pipe.State(); got != vad.PhaseIdle {
		t.Errorf("State = %s, want idle", got)
	}
}

func TestPipeline_RestartResetsHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "just talking"}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	speakUtterance(capture.current(), 160)
	waitFor(t, "first session message", func() bool { return ledger.Len() == 1 })
	pipe.Stop()

	if err := pipe.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer pipe.Stop()

	if n := ledger.Len(); n != 0 {
		t.Errorf("Ledger carried %d messages across sessions, want 0", n)
	}
}

func TestPipeline_StatusSnapshot(t *testing.T) {
	capture := &fakeCapture{}
	pipe, _ := newTestPipeline(t, testConfig("http://127.0.0.1:0"), capture, &fakeTranscriber{})

	status := pipe.Status()
	if status.State != vad.PhaseIdle {
		t.Errorf("Idle status state = %s, want idle", status.State)
	}
	if status.Busy {
		t.Error("Idle status reports transcribing")
	}
	if status.ThresholdDB >= 0 || status.ThresholdDB < audio.MinDB {
		t.Errorf("ThresholdDB = %g, want within [%g, 0)", status.ThresholdDB, audio.MinDB)
	}

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipe.Stop()

	if got := pipe.State(); got != vad.PhaseListening {
		t.Errorf("State after start = %s, want listening", got)
	}
	if !pipe.Active() {
		t.Error("Pipeline not active after start")
	}
}

func TestPipeline_ConcurrentStartsLeakNoSession(t *testing.T) {
	capture := &fakeCapture{}
	pipe, _ := newTestPipeline(t, testConfig("http://127.0.0.1:0"), capture, &fakeTranscriber{})

	// Hammer Start from several goroutines; every microphone session but the
	// surviving one must be torn down, and Stop must close the survivor.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pipe.Start(); err != nil {
				t.Errorf("Start failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if open := capture.openSessions(); open != 1 {
		t.Fatalf("%d microphone sessions open after concurrent starts, want 1", open)
	}

	pipe.Stop()
	if open := capture.openSessions(); open != 0 {
		t.Errorf("%d microphone sessions still open after Stop (leaked)", open)
	}
}

func TestPipeline_StaleTranscriptionCannotTouchRestartedLedger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	capture := &fakeCapture{}
	transcriber := &fakeTranscriber{text: "hey rapid too late", block: make(chan struct{})}
	pipe, ledger := newTestPipeline(t, testConfig(server.URL), capture, transcriber)

	if err := pipe.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	speakUtterance(capture.current(), 160)
	waitFor(t, "transcription to start", func() bool { return transcriber.calls.Load() == 1 })

	// Restart while the first session's transcription is still in flight,
	// then let it complete against the fresh ledger.
	if err := pipe.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer pipe.Stop()
	close(transcriber.block)

	time.Sleep(100 * time.Millisecond)
	if n := ledger.Len(); n != 0 {
		t.Errorf("Stale transcription wrote %d messages into the new session's ledger", n)
	}
}
