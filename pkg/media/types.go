package media

import (
	"context"
	"errors"
)

// Kind is the media kind of a local track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which kinds of local media to capture
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local capture streams (camera/microphone or synthetic)
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

var (
	// ErrDeviceUnavailable is returned when capture is denied or no device exists
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrNoConstraints is returned when neither audio nor video was requested
	ErrNoConstraints = errors.New("no media kind requested")
)
