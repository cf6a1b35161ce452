package audio

import (
	"log/slog"
	"sync"
)

// DefaultSmoothing weights the previous level against the newest window
const DefaultSmoothing = 0.6

// Meter turns a stream of mono PCM into a smoothed level in [0, 1], reported
// once per window.
type Meter struct {
	chunks    *ChunkBuffer
	smoothing float32
	onLevel   func(float32)
	logger    *slog.Logger

	mu    sync.Mutex
	level float32
}

// NewMeter creates a level meter over windowMs windows at sampleRate.
// onLevel may be nil; Level can be polled instead.
func NewMeter(sampleRate, windowMs int, onLevel func(float32), logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		chunks:    NewChunkBuffer(sampleRate, windowMs, logger),
		smoothing: DefaultSmoothing,
		onLevel:   onLevel,
		logger:    logger,
	}
}

// Push feeds samples into the meter
func (m *Meter) Push(samples []float32) {
	for _, chunk := range m.chunks.Add(samples) {
		rms := RMS(chunk)

		m.mu.Lock()
		m.level = m.smoothing*m.level + (1-m.smoothing)*rms
		if m.level > 1 {
			m.level = 1
		}
		level := m.level
		m.mu.Unlock()

		if m.onLevel != nil {
			m.onLevel(level)
		}
	}
}

// Level returns the current smoothed level
func (m *Meter) Level() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset zeroes the level and drops partial windows
func (m *Meter) Reset() {
	m.chunks.Reset()
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}
