package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// Device identifies a capture device as surfaced to the settings UI
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// CaptureConfig describes how the microphone should be captured
type CaptureConfig struct {
	SampleRate int
	FrameSize  int    // samples per emitted frame
	DeviceID   string // hex device identifier or device name; empty selects the default device
}

// Session is a live microphone capture session. Frames are equal-size
// float32 PCM chunks at the configured sample rate, delivered in capture
// order. The channel is closed when the session ends.
type Session interface {
	Frames() <-chan []float32
	Close() error
}

// Capture creates microphone capture sessions
type Capture interface {
	Devices() ([]Device, error)
	Start(cfg CaptureConfig) (Session, error)
}

// MalgoCapture implements Capture on top of the miniaudio bindings
type MalgoCapture struct {
	logger zerolog.Logger
}

// NewMalgoCapture creates a capture backed by the platform audio API
func NewMalgoCapture(logger zerolog.Logger) *MalgoCapture {
	return &MalgoCapture{logger: logger.With().Str("component", "capture").Logger()}
}

// Devices enumerates available capture devices
func (c *MalgoCapture) Devices() ([]Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:        hex.EncodeToString(info.ID[:]),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Start acquires the microphone and begins delivering frames.
// A failure here is fatal to the session attempt; the caller stays idle and
// must re-invoke Start.
func (c *MalgoCapture) Start(cfg CaptureConfig) (Session, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("invalid capture config: sample rate %d, frame size %d", cfg.SampleRate, cfg.FrameSize)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug().Str("miniaudio", message).Msg("audio backend message")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if cfg.DeviceID != "" {
		id, err := c.resolveDevice(mctx, cfg.DeviceID)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	sess := &malgoSession{
		mctx:      mctx,
		frameSize: cfg.FrameSize,
		frames:    make(chan []float32, 16),
		logger:    c.logger,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: sess.onData,
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	sess.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	c.logger.Info().
		Int("sample_rate", cfg.SampleRate).
		Int("frame_size", cfg.FrameSize).
		Str("device", cfg.DeviceID).
		Msg("Microphone capture started")

	return sess, nil
}

// resolveDevice matches a configured identifier against the enumerated
// capture devices, by hex ID first and then by name
func (c *MalgoCapture) resolveDevice(mctx *malgo.AllocatedContext, deviceID string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	for _, info := range infos {
		if hex.EncodeToString(info.ID[:]) == deviceID || info.Name() == deviceID {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("capture device %q not found", deviceID)
}

type malgoSession struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	frameSize int
	pending   []float32
	frames    chan []float32

	closeOnce sync.Once
	logger    zerolog.Logger
}

// onData runs on the audio backend's capture thread. It must never block:
// completed frames are handed off through a buffered channel and dropped
// (with a log) if the consumer falls behind.
func (s *malgoSession) onData(_, input []byte, frameCount uint32) {
	n := int(frameCount)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(input[i*4 : i*4+4])
		s.pending = append(s.pending, math.Float32frombits(bits))
	}

	for len(s.pending) >= s.frameSize {
		frame := make([]float32, s.frameSize)
		copy(frame, s.pending[:s.frameSize])
		s.pending = s.pending[s.frameSize:]

		select {
		case s.frames <- frame:
		default:
			s.logger.Warn().Msg("frame consumer behind, dropping capture frame")
		}
	}
}

func (s *malgoSession) Frames() <-chan []float32 {
	return s.frames
}

// Close stops the device, releases the audio context and closes the frame
// channel. Safe to call more than once.
func (s *malgoSession) Close() error {
	s.closeOnce.Do(func() {
		// Uninit stops the device and waits for the data callback to drain,
		// so closing the channel afterwards is safe.
		s.device.Uninit()
		_ = s.mctx.Uninit()
		s.mctx.Free()
		close(s.frames)
		s.logger.Info().Msg("Microphone capture stopped")
	})
	return nil
}
