package call

import (
	"sync"
	"time"

	"github.com/silviot/webchat_calls_go/pkg/audio"
	"github.com/silviot/webchat_calls_go/pkg/media"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

// session is the single call slot's occupant. The peer and the local stream
// are owned by it and released together, once.
type session struct {
	id       string
	chatID   string
	callType CallType
	outgoing bool

	mu        sync.Mutex
	remote    string
	peer      Peer
	stream    *media.Stream
	meter     *audio.Meter
	ringTimer *time.Timer
	released  bool

	// local candidates wait here until our offer or answer has been sent
	described bool
	pending   []webrtc.ICECandidateInit

	releaseOnce sync.Once
}

func (s *session) remoteUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *session) setRemote(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = userID
}

func (s *session) getPeer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *session) getStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// attachPeer hands p to the session. If the session was already released p
// is closed and false is returned.
func (s *session) attachPeer(p Peer) bool {
	s.mu.Lock()
	if !s.released {
		s.peer = p
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	p.Close()
	return false
}

// attachStream is attachPeer for the local stream
func (s *session) attachStream(st *media.Stream) bool {
	s.mu.Lock()
	if !s.released {
		s.stream = st
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	st.Stop()
	return false
}

// queueCandidate holds c back if no local description has been sent yet. It
// reports whether c was queued.
func (s *session) queueCandidate(c webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.described {
		return false
	}
	s.pending = append(s.pending, c)
	return true
}

// markDescribed records that the local description went out and returns the
// candidates queued before it, oldest first
func (s *session) markDescribed() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.described = true
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *session) setMeter(meter *audio.Meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meter = meter
}

func (s *session) setRingTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		t.Stop()
		return
	}
	s.ringTimer = t
}

func (s *session) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// release closes the peer and stops every local track. Safe to call from any
// goroutine, any number of times.
func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		peer, stream, timer, meter := s.peer, s.stream, s.ringTimer, s.meter
		s.peer, s.stream, s.ringTimer = nil, nil, nil
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if peer != nil {
			peer.Close()
		}
		if stream != nil {
			stream.Stop()
		}
		if meter != nil {
			meter.Reset()
		}
	})
}

func (s *session) info(state State) Info {
	return Info{
		CallID:       s.id,
		ChatID:       s.chatID,
		RemoteUserID: s.remoteUserID(),
		CallType:     s.callType,
		Outgoing:     s.outgoing,
		State:        state,
	}
}

func (s *session) overlayInfo() overlay.CallInfo {
	return overlay.CallInfo{
		CallID:       s.id,
		ChatID:       s.chatID,
		RemoteUserID: s.remoteUserID(),
		CallType:     string(s.callType),
	}
}

func trackInfos(st *media.Stream) []overlay.TrackInfo {
	tracks := st.Tracks()
	out := make([]overlay.TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, overlay.TrackInfo{ID: t.ID(), Kind: string(t.Kind()), Enabled: t.Enabled()})
	}
	return out
}
