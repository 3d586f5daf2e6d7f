package audio

import (
	"sync"
)

// Meter derives a smoothed loudness estimate from the input stream for UI
// feedback. It runs on the same frame cadence as the detector but applies
// its own exponential smoothing, so the displayed level and the VAD decision
// path stay independent.
type Meter struct {
	mu        sync.RWMutex
	smoothing float64 // weight given to the previous value, 0-1
	volume    float64
}

// DefaultMeterSmoothing matches the analyser smoothing constant the display
// path has always used.
const DefaultMeterSmoothing = 0.4

// NewMeter creates a meter with the given smoothing constant.
// Values outside [0, 1) fall back to DefaultMeterSmoothing.
func NewMeter(smoothing float64) *Meter {
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultMeterSmoothing
	}
	return &Meter{smoothing: smoothing}
}

// Update folds a frame into the smoothed level estimate
func (m *Meter) Update(frame []float32) {
	rms := RMS(frame)
	if rms > 1 {
		rms = 1
	}

	m.mu.Lock()
	m.volume = m.smoothing*m.volume + (1-m.smoothing)*rms
	m.mu.Unlock()
}

// Volume returns the current smoothed level on a linear 0-1 scale
func (m *Meter) Volume() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volume
}

// VolumeDB returns the current smoothed level in dBFS, clamped to [-60, 0]
func (m *Meter) VolumeDB() float64 {
	return DBFromLinear(m.Volume())
}

// Reset clears the level estimate, e.g. when listening stops
func (m *Meter) Reset() {
	m.mu.Lock()
	m.volume = 0
	m.mu.Unlock()
}
