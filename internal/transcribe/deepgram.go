package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	listenv1rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/audio"
	"github.com/rapidvoice/voicetrigger/internal/observability"
)

// DeepgramConfig describes the Deepgram prerecorded backend
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
}

// DeepgramClient transcribes finalized utterances through the Deepgram
// prerecorded REST API. The utterance is rendered as a 16-bit WAV and
// submitted as a single file request.
type DeepgramClient struct {
	cfg    DeepgramConfig
	api    *listenv1rest.Client
	logger zerolog.Logger
}

// NewDeepgramClient creates a Deepgram-backed transcriber
func NewDeepgramClient(cfg DeepgramConfig, logger zerolog.Logger) *DeepgramClient {
	rest := listenClient.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	return &DeepgramClient{
		cfg:    cfg,
		api:    listenv1rest.New(rest),
		logger: logger.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe submits the utterance and returns the top transcript.
// Deepgram does not report a tokens-per-second metric; TPS is zero.
func (c *DeepgramClient) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	start := time.Now()

	wav := audio.EncodeWAV(samples, c.cfg.SampleRate)

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       c.cfg.Model,
		Language:    c.cfg.Language,
		Punctuate:   true,
		SmartFormat: true,
	}

	resp, err := c.api.FromStream(ctx, bytes.NewReader(wav), options)
	if err != nil {
		observability.RecordTranscription(false, time.Since(start).Seconds())
		observability.RecordError("api", "transcribe")
		return Result{}, fmt.Errorf("deepgram transcription failed: %w", err)
	}

	text := ""
	if len(resp.Results.Channels) > 0 && len(resp.Results.Channels[0].Alternatives) > 0 {
		text = resp.Results.Channels[0].Alternatives[0].Transcript
	}

	observability.RecordTranscription(true, time.Since(start).Seconds())
	c.logger.Debug().
		Int("samples", len(samples)).
		Dur("latency", time.Since(start)).
		Msg("utterance transcribed")

	return Result{Text: strings.TrimSpace(text)}, nil
}
