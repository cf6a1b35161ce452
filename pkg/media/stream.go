package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Track is one local capture track. It starts enabled and is stopped exactly once.
type Track struct {
	id       string
	kind     Kind
	local    webrtc.TrackLocal
	enabled  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	onStop   func()
}

// NewTrack wraps a pion local track. onStop, if non-nil, runs once when the
// track is stopped and should release the underlying device.
func NewTrack(kind Kind, local webrtc.TrackLocal, onStop func()) *Track {
	t := &Track{
		id:      uuid.NewString(),
		kind:    kind,
		local:   local,
		stopped: make(chan struct{}),
		onStop:  onStop,
	}
	if local != nil {
		t.id = local.ID()
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string    { return t.id }
func (t *Track) Kind() Kind    { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() }

// Local returns the pion track to attach to a peer connection
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetEnabled sets the enabled flag. A disabled track keeps its sender but
// emits no media.
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Toggle flips the enabled flag and returns the new value
func (t *Track) Toggle() bool {
	for {
		old := t.enabled.Load()
		if t.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Stop releases the track. Safe to call multiple times.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stopped reports whether Stop has been called
func (t *Track) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// Done is closed when the track is stopped
func (t *Track) Done() <-chan struct{} {
	return t.stopped
}

// Stream groups the tracks of one capture request
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream creates a stream owning the given tracks
func NewStream(id string, tracks ...*Track) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns all tracks of the stream
func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks
func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }

// VideoTracks returns the video tracks
func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track of the stream
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
