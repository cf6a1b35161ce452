package audio

import (
	"log/slog"
	"sync"
)

// ChunkBuffer accumulates PCM samples and hands them out in fixed-size windows
type ChunkBuffer struct {
	chunkSize int
	buffer    []float32
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a chunk buffer holding chunkDurationMs of audio per chunk
func NewChunkBuffer(sampleRate, chunkDurationMs int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}

	// 48000 Hz * 50 ms → 2400 samples
	chunkSize := (sampleRate * chunkDurationMs) / 1000
	if chunkSize < 1 {
		chunkSize = 1
	}

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize),
		logger:    logger,
	}
}

// ChunkSize returns the number of samples per chunk
func (cb *ChunkBuffer) ChunkSize() int { return cb.chunkSize }

// Add appends samples and returns every complete chunk
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Reset drops buffered samples
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}
