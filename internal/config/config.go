package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Transcription backend selectors.
const (
	BackendWorker   = "worker"
	BackendDeepgram = "deepgram"
)

// Config holds all configuration for the voice trigger daemon
type Config struct {
	// HTTP surface (status, history, health, metrics)
	Port string `envconfig:"PORT" default:"8090"`

	// Audio capture configuration
	SampleRate  int    `envconfig:"SAMPLE_RATE" default:"16000"` // Hz
	FrameSize   int    `envconfig:"FRAME_SIZE" default:"4096"`   // samples per frame (~256ms at 16kHz)
	InputDevice string `envconfig:"INPUT_DEVICE" default:""`     // capture device identifier; empty selects the default device

	// VAD segmentation configuration.
	// The amplitude threshold is stored linear (0-1); the settings surface
	// edits it in decibels via DBFromLinear/LinearFromDB in internal/audio.
	AmplitudeThreshold  float64 `envconfig:"AMPLITUDE_THRESHOLD" default:"0.02"` // linear 0-1
	DetectionGain       float64 `envconfig:"DETECTION_GAIN" default:"5.0"`       // gain applied to frame RMS on the decision path
	SilenceDurationMs   int     `envconfig:"SILENCE_DURATION_MS" default:"1500"` // trailing silence that finalizes an utterance
	MinSpeechDurationMs int     `envconfig:"MIN_SPEECH_DURATION_MS" default:"100"`
	PreRollDurationMs   int     `envconfig:"PRE_ROLL_DURATION_MS" default:"500"`

	// Transcription backend: "worker" (out-of-process whisper worker over
	// WebSocket) or "deepgram" (prerecorded REST API)
	TranscriptionBackend string `envconfig:"TRANSCRIPTION_BACKEND" default:"worker"`

	// Whisper worker configuration
	WorkerURL          string `envconfig:"WORKER_URL" default:"ws://127.0.0.1:9090/transcribe"`
	WorkerModel        string `envconfig:"WORKER_MODEL" default:"onnx-community/whisper-small.en"`
	WorkerMultilingual bool   `envconfig:"WORKER_MULTILINGUAL" default:"false"`
	WorkerSubtask      string `envconfig:"WORKER_SUBTASK" default:"transcribe"`
	WorkerLanguage     string `envconfig:"WORKER_LANGUAGE" default:"auto"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Trigger matching
	TriggerPhrase string `envconfig:"TRIGGER_PHRASE" default:""`

	// Automation dispatch (Streamer.bot-compatible HTTP endpoint)
	DispatchBaseURL     string `envconfig:"DISPATCH_BASE_URL" default:"http://127.0.0.1:7474"`
	SelectedCharacterID string `envconfig:"SELECTED_CHARACTER_ID" default:""` // empty selects the first configured character
	UserName            string `envconfig:"USER_NAME" default:""`
	BroadcastUserID     string `envconfig:"BROADCAST_USER_ID" default:""`
	CurrentGame         string `envconfig:"CURRENT_GAME" default:"Just Chatting"`
	CurrentTitle        string `envconfig:"CURRENT_TITLE" default:"Streamer.Bot Interaction"`
	ProbeIntervalSec    int    `envconfig:"PROBE_INTERVAL_SEC" default:"10"` // connectivity probe cadence

	// Pipeline behavior
	AutoStart            bool `envconfig:"AUTO_START" default:"true"`            // begin listening on launch
	TranscribeTimeoutSec int  `envconfig:"TRANSCRIBE_TIMEOUT_SEC" default:"120"` // covers model load + inference

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants that envconfig tags cannot express
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("FRAME_SIZE must be positive, got %d", c.FrameSize)
	}
	if c.AmplitudeThreshold <= 0 || c.AmplitudeThreshold > 1 {
		return fmt.Errorf("AMPLITUDE_THRESHOLD must be in (0, 1], got %g", c.AmplitudeThreshold)
	}
	if c.DetectionGain <= 0 {
		return fmt.Errorf("DETECTION_GAIN must be positive, got %g", c.DetectionGain)
	}
	if c.SilenceDurationMs <= 0 {
		return fmt.Errorf("SILENCE_DURATION_MS must be positive, got %d", c.SilenceDurationMs)
	}
	if c.MinSpeechDurationMs <= 0 {
		return fmt.Errorf("MIN_SPEECH_DURATION_MS must be positive, got %d", c.MinSpeechDurationMs)
	}
	if c.PreRollDurationMs < 0 {
		return fmt.Errorf("PRE_ROLL_DURATION_MS must not be negative, got %d", c.PreRollDurationMs)
	}

	switch c.TranscriptionBackend {
	case BackendWorker:
		if c.WorkerURL == "" {
			return fmt.Errorf("WORKER_URL is required for the worker backend")
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("TRANSCRIPTION_BACKEND must be %q or %q, got %q",
			BackendWorker, BackendDeepgram, c.TranscriptionBackend)
	}

	if c.DispatchBaseURL == "" {
		return fmt.Errorf("DISPATCH_BASE_URL is required")
	}
	if c.ProbeIntervalSec <= 0 {
		return fmt.Errorf("PROBE_INTERVAL_SEC must be positive, got %d", c.ProbeIntervalSec)
	}

	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
