// Package overlay holds the observable state of the call overlay: whether it
// is visible, its status line, the bound local and remote tracks, mute flags
// and the remote audio level. Renderers subscribe to snapshots.
package overlay

import (
	"log/slog"
	"sync"
)

// Status lines shown by the overlay
const (
	StatusWaiting   = "Waiting for answer…"
	StatusIncoming  = "Incoming call…"
	StatusConnected = "Connected"
	StatusFailed    = "Call failed to start"
)

// CallInfo identifies the call shown in the overlay
type CallInfo struct {
	CallID       string `json:"callId"`
	ChatID       string `json:"chatId"`
	RemoteUserID string `json:"remoteUserId"`
	CallType     string `json:"callType"`
}

// TrackInfo describes a media track bound to the overlay
type TrackInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// Snapshot is a point-in-time copy of the overlay
type Snapshot struct {
	Visible bool   `json:"visible"`
	Status  string `json:"status"`
	CallInfo
	MicMuted     bool        `json:"micMuted"`
	CamMuted     bool        `json:"camMuted"`
	LocalTracks  []TrackInfo `json:"localTracks"`
	RemoteTracks []TrackInfo `json:"remoteTracks"`
	RemoteLevel  float32     `json:"remoteLevel"`
}

func (s Snapshot) clone() Snapshot {
	s.LocalTracks = append([]TrackInfo(nil), s.LocalTracks...)
	s.RemoteTracks = append([]TrackInfo(nil), s.RemoteTracks...)
	return s
}

const subscriberBuffer = 16

// State is the overlay model. It is safe for concurrent use.
type State struct {
	logger *slog.Logger

	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// New creates a hidden overlay
func New(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		logger: logger,
		subs:   make(map[int]chan Snapshot),
	}
}

// Show makes the overlay visible for a new call, clearing state of any
// previous one
func (s *State) Show(info CallInfo, status string) {
	s.update(func(snap *Snapshot) {
		*snap = Snapshot{Visible: true, Status: status, CallInfo: info}
	})
}

// SetStatus replaces the status line
func (s *State) SetStatus(status string) {
	s.update(func(snap *Snapshot) { snap.Status = status })
}

// Fail unbinds every track and shows status. The overlay stays visible until
// Hide or the next Show.
func (s *State) Fail(status string) {
	s.update(func(snap *Snapshot) {
		*snap = Snapshot{Visible: true, Status: status, CallInfo: snap.CallInfo}
	})
}

// Hide hides the overlay and clears every binding
func (s *State) Hide() {
	s.update(func(snap *Snapshot) { *snap = Snapshot{} })
}

// BindLocal shows the local preview tracks
func (s *State) BindLocal(tracks []TrackInfo) {
	s.update(func(snap *Snapshot) {
		snap.LocalTracks = append([]TrackInfo(nil), tracks...)
	})
}

// BindRemote adds a remote track; a track with a known id is replaced
func (s *State) BindRemote(track TrackInfo) {
	s.update(func(snap *Snapshot) {
		for i, t := range snap.RemoteTracks {
			if t.ID == track.ID {
				snap.RemoteTracks[i] = track
				return
			}
		}
		snap.RemoteTracks = append(snap.RemoteTracks, track)
	})
}

// SetMuted mirrors the mute state of a local media kind
func (s *State) SetMuted(kind string, muted bool) {
	s.update(func(snap *Snapshot) {
		switch kind {
		case "audio":
			snap.MicMuted = muted
		case "video":
			snap.CamMuted = muted
		}
		for i := range snap.LocalTracks {
			if snap.LocalTracks[i].Kind == kind {
				snap.LocalTracks[i].Enabled = !muted
			}
		}
	})
}

// SetRemoteLevel sets the remote audio level indicator
func (s *State) SetRemoteLevel(level float32) {
	s.update(func(snap *Snapshot) { snap.RemoteLevel = level })
}

// Snapshot returns a copy of the current state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Subscribe returns a channel of snapshots, starting with the current one,
// and a function that cancels the subscription. Slow subscribers miss
// intermediate snapshots rather than block updates.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, subscriberBuffer)
	ch <- s.snap.clone()
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.snap)
	for id, ch := range s.subs {
		select {
		case ch <- s.snap.clone():
		default:
			s.logger.Debug("overlay subscriber lagging, dropping snapshot", "subscriber", id)
		}
	}
}
