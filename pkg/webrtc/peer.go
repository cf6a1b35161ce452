package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/webchat_calls_go/pkg/media"
)

// ErrPeerClosed is returned by operations on a closed peer connection
var ErrPeerClosed = errors.New("peer connection closed")

// PeerConnection wraps a pion RTCPeerConnection for a single call
type PeerConnection struct {
	id       string
	peerConn *webrtc.PeerConnection
	logger   *slog.Logger

	mu            sync.Mutex
	onState       func(PeerConnectionState)
	onRemoteTrack func(RemoteTrackInfo)
	onAudio       func([]float32) // decoded remote audio, mono

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
	wg        sync.WaitGroup
	onClosed  func()
}

func newPeerConnection(id string, pc *webrtc.PeerConnection, logger *slog.Logger) *PeerConnection {
	p := &PeerConnection{
		id:       id,
		peerConn: pc,
		logger:   logger,
		closeCh:  make(chan struct{}),
	}

	pc.OnTrack(p.onTrack)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE connection state changed", "peerID", id, "state", state.String())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state changed", "peerID", id, "state", state.String())
		p.mu.Lock()
		cb := p.onState
		p.mu.Unlock()
		if cb != nil {
			cb(state)
		}
	})

	return p
}

// ID returns the id the peer was created with
func (p *PeerConnection) ID() string { return p.id }

// OnICECandidate registers the handler for local ICE candidates. The
// end-of-candidates nil is not forwarded.
func (p *PeerConnection) OnICECandidate(cb func(ICECandidateInit)) {
	p.peerConn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.logger.Debug("ICE candidate discovered", "peerID", p.id)
		cb(c.ToJSON())
	})
}

// OnConnectionStateChange registers the handler for connection state changes
func (p *PeerConnection) OnConnectionStateChange(cb func(PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = cb
}

// OnRemoteTrack registers the handler for tracks added by the remote side
func (p *PeerConnection) OnRemoteTrack(cb func(RemoteTrackInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = cb
}

// SetOnAudio sets the callback for decoded remote audio
func (p *PeerConnection) SetOnAudio(cb func([]float32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAudio = cb
}

// AddTrack attaches a local track and drains its RTCP so interceptors keep running
func (p *PeerConnection) AddTrack(track *media.Track) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	sender, err := p.peerConn.AddTrack(track.Local())
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	if !p.addReader() {
		return ErrPeerClosed
	}
	go func() {
		defer p.wg.Done()
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range pkts {
				if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
					p.logger.Debug("remote requested keyframe", "peerID", p.id, "kind", track.Kind())
				}
			}
		}
	}()

	return nil
}

// CreateOffer creates an offer and sets it as the local description
func (p *PeerConnection) CreateOffer() (SessionDescription, error) {
	if p.isClosed() {
		return SessionDescription{}, ErrPeerClosed
	}

	offer, err := p.peerConn.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := p.peerConn.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return offer, nil
}

// CreateAnswer creates an answer to the current remote offer and sets it as the
// local description
func (p *PeerConnection) CreateAnswer() (SessionDescription, error) {
	if p.isClosed() {
		return SessionDescription{}, ErrPeerClosed
	}

	answer, err := p.peerConn.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.peerConn.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return answer, nil
}

// SetRemoteDescription applies an offer or answer from the remote side
func (p *PeerConnection) SetRemoteDescription(desc SessionDescription) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	if err := p.peerConn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate ICECandidateInit) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	if err := p.peerConn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// LocalDescription returns the current local description, or nil
func (p *PeerConnection) LocalDescription() *SessionDescription {
	return p.peerConn.LocalDescription()
}

// ConnectionState returns the current peer connection state
func (p *PeerConnection) ConnectionState() PeerConnectionState {
	return p.peerConn.ConnectionState()
}

// Close closes the peer connection and waits for its readers. Safe to call
// multiple times; later calls return the first result.
func (p *PeerConnection) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closeCh)
		p.mu.Unlock()
		// closing the pc unblocks the RTP/RTCP readers before we wait on them
		p.closeErr = p.peerConn.Close()
		p.wg.Wait()
		if p.onClosed != nil {
			p.onClosed()
		}
		p.logger.Debug("peer connection closed", "peerID", p.id)
	})
	return p.closeErr
}

// addReader registers a reader goroutine unless the peer is already closing
func (p *PeerConnection) addReader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *PeerConnection) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}
