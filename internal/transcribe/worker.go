package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/observability"
	"github.com/rapidvoice/voicetrigger/internal/resilience"
)

// WorkerConfig describes the out-of-process whisper worker
type WorkerConfig struct {
	URL          string // ws:// endpoint
	Model        string
	Multilingual bool
	Subtask      string // only sent when multilingual
	Language     string // only sent when multilingual and not "auto"
}

// workerRequest is the utterance submission message
type workerRequest struct {
	Audio        []float32 `json:"audio"`
	Model        string    `json:"model"`
	Multilingual bool      `json:"multilingual"`
	Subtask      *string   `json:"subtask"`
	Language     *string   `json:"language"`
}

// workerMessage is one asynchronous status message from the worker
type workerMessage struct {
	Status   string  `json:"status"` // initiate|progress|ready|done|complete|error
	File     string  `json:"file,omitempty"`
	Name     string  `json:"name,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Data     struct {
		Text    string  `json:"text"`
		TPS     float64 `json:"tps"`
		Message string  `json:"message"`
	} `json:"data"`
}

// WorkerClient submits utterances to the transcription worker over a
// WebSocket, one request per connection. Model-loading progress arrives as a
// message stream before the final result and is forwarded to the progress
// callback.
type WorkerClient struct {
	cfg        WorkerConfig
	dialer     *websocket.Dialer
	onProgress func(Progress)
	logger     zerolog.Logger
}

// NewWorkerClient creates a worker client. onProgress may be nil.
func NewWorkerClient(cfg WorkerConfig, onProgress func(Progress), logger zerolog.Logger) *WorkerClient {
	return &WorkerClient{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onProgress: onProgress,
		logger:     logger.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe sends the utterance and waits for the worker's terminal
// message. The context bounds the whole exchange, including model loading.
func (c *WorkerClient) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	start := time.Now()

	conn, err := c.dial(ctx)
	if err != nil {
		observability.RecordTranscription(false, time.Since(start).Seconds())
		observability.RecordError("dial", "transcribe")
		return Result{}, fmt.Errorf("failed to reach transcription worker: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the context ends; the stray read error that follows
	// is mapped back to ctx.Err below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	req := workerRequest{
		Audio:        samples,
		Model:        c.cfg.Model,
		Multilingual: c.cfg.Multilingual,
	}
	if c.cfg.Multilingual {
		req.Subtask = &c.cfg.Subtask
		if c.cfg.Language != "" && c.cfg.Language != "auto" {
			req.Language = &c.cfg.Language
		}
	}

	if err := conn.WriteJSON(req); err != nil {
		observability.RecordTranscription(false, time.Since(start).Seconds())
		return Result{}, fmt.Errorf("failed to submit utterance: %w", err)
	}

	for {
		var msg workerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			observability.RecordTranscription(false, time.Since(start).Seconds())
			return Result{}, fmt.Errorf("worker stream ended: %w", err)
		}

		switch msg.Status {
		case "initiate":
			c.logger.Debug().Str("file", msg.File).Msg("worker loading resource")
			if c.onProgress != nil {
				c.onProgress(Progress{File: msg.File, Name: msg.Name, Progress: 0})
			}
		case "progress":
			if c.onProgress != nil {
				c.onProgress(Progress{File: msg.File, Name: msg.Name, Progress: msg.Progress})
			}
		case "done":
			if c.onProgress != nil {
				c.onProgress(Progress{File: msg.File, Name: msg.Name, Progress: 100})
			}
		case "ready", "update":
			// Model ready / interim updates are not part of the utterance
			// contract; the final result arrives with "complete".
		case "complete":
			observability.RecordTranscription(true, time.Since(start).Seconds())
			return Result{
				Text: strings.TrimSpace(msg.Data.Text),
				TPS:  msg.Data.TPS,
			}, nil
		case "error":
			observability.RecordTranscription(false, time.Since(start).Seconds())
			observability.RecordError("worker", "transcribe")
			return Result{}, fmt.Errorf("worker reported error: %s", msg.Data.Message)
		default:
			c.logger.Debug().Str("status", msg.Status).Msg("ignoring unknown worker message")
		}
	}
}

// dial connects to the worker, retrying transient network failures.
// Retry applies to connection setup only, never to a submitted utterance.
func (c *WorkerClient) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := resilience.Retry(ctx, func() error {
		var err error
		conn, _, err = c.dialer.DialContext(ctx, c.cfg.URL, nil)
		return err
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	return conn, err
}
