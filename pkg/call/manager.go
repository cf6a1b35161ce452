// Package call implements the call session manager: one peer-to-peer
// audio/video call at a time, negotiated through the signaling relay, with
// local media released on every way out of a call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/webchat_calls_go/pkg/audio"
	"github.com/silviot/webchat_calls_go/pkg/media"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
	"github.com/silviot/webchat_calls_go/pkg/relay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

// Manager owns the single call slot
type Manager struct {
	signaler  Signaler
	directory Directory
	identity  Identity
	peers     PeerFactory
	source    media.Source
	overlay   Overlay
	logger    *slog.Logger
	opts      Options

	mu      sync.Mutex // guards current, state, closed and overlay writes
	current *session
	state   State
	closed  bool
}

// Config holds the manager's collaborators
type Config struct {
	Signaler  Signaler
	Directory Directory
	Identity  Identity
	Peers     PeerFactory
	Media     media.Source
	Overlay   Overlay
	Logger    *slog.Logger
	Options   Options
}

// NewManager creates a call manager. Every collaborator except Logger is required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.Signaler == nil:
		return nil, errors.New("call manager: signaler is required")
	case cfg.Directory == nil:
		return nil, errors.New("call manager: directory is required")
	case cfg.Identity == nil:
		return nil, errors.New("call manager: identity is required")
	case cfg.Peers == nil:
		return nil, errors.New("call manager: peer factory is required")
	case cfg.Media == nil:
		return nil, errors.New("call manager: media source is required")
	case cfg.Overlay == nil:
		return nil, errors.New("call manager: overlay is required")
	}
	if cfg.Options.SignalTimeout <= 0 {
		cfg.Options.SignalTimeout = defaultSignalTimeout
	}
	if cfg.Options.LevelWindow <= 0 {
		cfg.Options.LevelWindow = defaultLevelWindow
	}

	return &Manager{
		signaler:  cfg.Signaler,
		directory: cfg.Directory,
		identity:  cfg.Identity,
		peers:     cfg.Peers,
		source:    cfg.Media,
		overlay:   cfg.Overlay,
		logger:    cfg.Logger,
		opts:      cfg.Options,
	}, nil
}

// InitiateCall rings the other member of chatID. The slot is claimed before
// anything blocks, so a concurrent call attempt fails with ErrCallInProgress.
func (m *Manager) InitiateCall(ctx context.Context, chatID string, callType CallType) (Info, error) {
	self := m.identity.UserID()
	if chatID == "" || self == "" {
		return Info{}, ErrNotReady
	}
	if callType == "" {
		callType = CallAudio
	}
	if _, err := ParseCallType(string(callType)); err != nil {
		return Info{}, err
	}

	s, err := m.claim(chatID, "", callType, "", true)
	if err != nil {
		return Info{}, err
	}
	logger := m.logger.With("callID", s.id, "chatID", chatID)
	logger.Info("initiating call", "callType", callType)

	remote, err := m.directory.OtherParticipant(ctx, chatID, self)
	if err != nil {
		m.teardown(s, true)
		return Info{}, fmt.Errorf("failed to resolve callee: %w", err)
	}
	s.setRemote(remote)
	logger = logger.With("remoteUserID", remote)

	if err := m.setup(ctx, s, overlay.StatusWaiting); err != nil {
		return Info{}, err
	}

	invite := relay.CallInvite{ToUserID: remote, ChatID: chatID, CallType: string(callType), CallID: s.id}
	if err := m.signaler.SendInvite(ctx, invite); err != nil {
		logger.Error("failed to send call invite", "error", err)
		m.teardown(s, true)
		return Info{}, fmt.Errorf("failed to send call invite: %w", err)
	}

	m.startRingTimer(s)
	return m.infoOf(s), nil
}

// OnIncomingCall accepts an invitation: it prepares the call and, as the
// answering side, sends the offer.
func (m *Manager) OnIncomingCall(ctx context.Context, in relay.IncomingCall) error {
	if in.FromUserID == "" || in.ChatID == "" {
		return fmt.Errorf("%w: incoming call without caller or chat", ErrInvalidEvent)
	}
	callType, err := ParseCallType(in.CallType)
	if err != nil {
		return err
	}

	s, err := m.claim(in.ChatID, in.FromUserID, callType, in.CallID, false)
	if err != nil {
		if errors.Is(err, ErrCallInProgress) {
			m.rejectBusy(ctx, in.FromUserID)
		}
		return err
	}
	logger := m.logger.With("callID", s.id, "chatID", s.chatID, "remoteUserID", in.FromUserID)
	logger.Info("incoming call", "callType", callType)

	if err := m.setup(ctx, s, overlay.StatusIncoming); err != nil {
		return err
	}

	peer := s.getPeer()
	if peer == nil {
		return ErrSessionEnded
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		logger.Error("failed to create offer", "error", err)
		m.teardown(s, true)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := m.signaler.SendSignal(ctx, in.FromUserID, relay.Signal{Description: &offer}); err != nil {
		logger.Error("failed to send offer", "error", err)
		m.teardown(s, true)
		return fmt.Errorf("failed to send offer: %w", err)
	}
	logger.Debug("offer sent")
	m.flushCandidates(s)

	m.startRingTimer(s)
	return nil
}

// rejectBusy tells a second caller we are already in a call with someone else
func (m *Manager) rejectBusy(ctx context.Context, from string) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil || cur.remoteUserID() == from {
		return
	}
	m.logger.Info("rejecting incoming call while busy", "remoteUserID", from)
	if err := m.signaler.SendEndCall(ctx, from); err != nil {
		m.logger.Warn("failed to reject busy call", "remoteUserID", from, "error", err)
	}
}

// OnSignal applies a description or candidate from the remote party. An offer
// is answered exactly once. Candidate failures are dropped.
func (m *Manager) OnSignal(ctx context.Context, msg relay.SignalMessage) error {
	if msg.Signal.Empty() {
		return ErrEmptySignal
	}

	if msg.FromUserID == "" {
		return fmt.Errorf("%w: signal without sender", ErrInvalidEvent)
	}
	s, err := m.sessionFor(msg.FromUserID)
	if err != nil {
		return err
	}
	peer := s.getPeer()
	if peer == nil {
		return ErrNoActiveCall
	}
	logger := m.logger.With("callID", s.id, "remoteUserID", msg.FromUserID)

	if c := msg.Signal.Candidate; c != nil {
		if err := peer.AddICECandidate(*c); err != nil {
			logger.Debug("ignoring ICE candidate", "error", err)
		}
		return nil
	}

	desc := *msg.Signal.Description
	if err := peer.SetRemoteDescription(desc); err != nil {
		logger.Error("failed to apply remote description", "type", desc.Type.String(), "error", err)
		return err
	}
	logger.Debug("remote description applied", "type", desc.Type.String())

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		logger.Error("failed to create answer", "error", err)
		return err
	}
	if err := m.signaler.SendSignal(ctx, msg.FromUserID, relay.Signal{Description: &answer}); err != nil {
		logger.Error("failed to send answer", "error", err)
		return fmt.Errorf("failed to send answer: %w", err)
	}
	logger.Debug("answer sent")
	m.flushCandidates(s)
	return nil
}

// ToggleMic flips every local audio track and reports whether audio is now muted
func (m *Manager) ToggleMic() bool { return m.toggle(media.KindAudio) }

// ToggleCam flips every local video track and reports whether video is now muted
func (m *Manager) ToggleCam() bool { return m.toggle(media.KindVideo) }

func (m *Manager) toggle(kind media.Kind) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	stream := s.getStream()
	if stream == nil {
		return false
	}

	var tracks []*media.Track
	if kind == media.KindAudio {
		tracks = stream.AudioTracks()
	} else {
		tracks = stream.VideoTracks()
	}
	if len(tracks) == 0 {
		return false
	}

	muted := false
	for i, t := range tracks {
		enabled := t.Toggle()
		if i == 0 {
			muted = !enabled
		}
	}

	m.publish(s, func() { m.overlay.SetMuted(string(kind), muted) })
	m.logger.Debug("local media toggled", "callID", s.id, "kind", kind, "muted", muted)
	return muted
}

// EndCall hangs up. The remote party is told only by the call that actually
// tears the session down, so repeated calls are silent no-ops. With no call
// it still dismisses a leftover failure overlay.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		if m.overlay.Snapshot().Visible {
			m.overlay.Hide()
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.hangup(ctx, s, "local hangup")
	return nil
}

// OnRemoteEndCall tears down after the remote party hung up, without
// signaling back. An empty fromUserID ends whatever call is active.
func (m *Manager) OnRemoteEndCall(fromUserID string) error {
	var (
		s   *session
		err error
	)
	if fromUserID == "" {
		m.mu.Lock()
		s = m.current
		m.mu.Unlock()
		if s == nil {
			err = ErrNoActiveCall
		}
	} else {
		s, err = m.sessionFor(fromUserID)
	}
	if err != nil {
		return err
	}
	if m.teardown(s, false) {
		m.logger.Info("call ended by remote", "callID", s.id, "remoteUserID", fromUserID)
	}
	return nil
}

// hangup tears s down and, if this call did it, sends end_call
func (m *Manager) hangup(ctx context.Context, s *session, reason string) {
	if !m.teardown(s, false) {
		return
	}
	m.logger.Info("call ended", "callID", s.id, "reason", reason)

	remote := s.remoteUserID()
	if remote == "" {
		return
	}
	if err := m.signaler.SendEndCall(ctx, remote); err != nil {
		m.logger.Warn("failed to send end_call", "callID", s.id, "remoteUserID", remote, "error", err)
	}
}

// State returns the negotiation state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active call, if any
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	s, state := m.current, m.state
	m.mu.Unlock()
	if s == nil {
		return Info{State: StateIdle}, false
	}
	return s.info(state), true
}

// Snapshot returns the overlay state
func (m *Manager) Snapshot() overlay.Snapshot {
	return m.overlay.Snapshot()
}

// Run dispatches relay events until ctx is done or events is closed
func (m *Manager) Run(ctx context.Context, events <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, ev any) {
	var err error
	switch e := ev.(type) {
	case *relay.IncomingCall:
		err = m.OnIncomingCall(ctx, *e)
	case *relay.SignalMessage:
		err = m.OnSignal(ctx, *e)
	case *relay.EndCall:
		err = m.OnRemoteEndCall(e.FromUserID)
	default:
		m.logger.Debug("ignoring relay event", "type", fmt.Sprintf("%T", ev))
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrNoActiveCall), errors.Is(err, ErrUnexpectedPeer), errors.Is(err, ErrCallInProgress):
		m.logger.Debug("dropped relay event", "type", fmt.Sprintf("%T", ev), "reason", err)
	default:
		m.logger.Warn("failed to handle relay event", "type", fmt.Sprintf("%T", ev), "error", err)
	}
}

// Close ends any active call and rejects new ones
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.EndCall(ctx)
}

// claim takes the call slot synchronously
func (m *Manager) claim(chatID, remote string, callType CallType, callID string, outgoing bool) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.current != nil {
		return nil, ErrCallInProgress
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	s := &session{
		id:       callID,
		chatID:   chatID,
		callType: callType,
		outgoing: outgoing,
		remote:   remote,
	}
	m.current = s
	m.state = StateConnecting
	return s, nil
}

// setup creates the peer, acquires local media, attaches the tracks and shows
// the overlay. Any failure tears the session down.
func (m *Manager) setup(ctx context.Context, s *session, status string) error {
	logger := m.logger.With("callID", s.id)

	peer, err := m.peers.NewPeer(ctx, s.id)
	if err != nil {
		logger.Error("failed to create peer connection", "error", err)
		m.teardown(s, true)
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	m.wirePeer(s, peer)
	if !s.attachPeer(peer) {
		return ErrSessionEnded
	}

	stream, err := m.source.Acquire(ctx, s.callType.Constraints())
	if err != nil {
		logger.Error("failed to acquire local media", "error", err)
		m.teardown(s, true)
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if !s.attachStream(stream) {
		return ErrSessionEnded
	}

	for _, t := range stream.Tracks() {
		if err := peer.AddTrack(t); err != nil {
			logger.Error("failed to attach local track", "kind", t.Kind(), "error", err)
			m.teardown(s, true)
			return fmt.Errorf("failed to attach local %s track: %w", t.Kind(), err)
		}
	}

	shown := m.publish(s, func() {
		m.overlay.Show(s.overlayInfo(), status)
		m.overlay.BindLocal(trackInfos(stream))
	})
	if !shown {
		s.release()
		return ErrSessionEnded
	}
	return nil
}

// wirePeer registers the peer callbacks for s. Every callback checks that s
// still owns the slot before touching shared state.
func (m *Manager) wirePeer(s *session, peer Peer) {
	logger := m.logger.With("callID", s.id)

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if s.queueCandidate(c) {
			return
		}
		m.sendCandidate(s, c)
	})

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.stopRingTimer()
			m.markConnected(s)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if m.teardown(s, false) {
				logger.Info("call ended by connection state", "state", state.String())
			}
		}
	})

	peer.OnRemoteTrack(func(info webrtc.RemoteTrackInfo) {
		m.publish(s, func() {
			m.overlay.BindRemote(overlay.TrackInfo{ID: info.ID, Kind: info.Kind, Enabled: true})
		})
	})

	meter := audio.NewMeter(48000, int(m.opts.LevelWindow/time.Millisecond), func(level float32) {
		m.publish(s, func() { m.overlay.SetRemoteLevel(level) })
	}, m.logger)
	s.setMeter(meter)
	peer.SetOnAudio(meter.Push)
}

// flushCandidates releases the candidates gathered before the local
// description was sent, in gathering order
func (m *Manager) flushCandidates(s *session) {
	for _, c := range s.markDescribed() {
		m.sendCandidate(s, c)
	}
}

func (m *Manager) sendCandidate(s *session, c webrtc.ICECandidateInit) {
	remote := s.remoteUserID()
	if remote == "" || !m.owns(s) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SignalTimeout)
	defer cancel()
	if err := m.signaler.SendSignal(ctx, remote, relay.Signal{Candidate: &c}); err != nil {
		m.logger.Debug("failed to send ICE candidate", "callID", s.id, "error", err)
	}
}

func (m *Manager) markConnected(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s || m.state == StateConnected {
		return
	}
	m.state = StateConnected
	m.overlay.SetStatus(overlay.StatusConnected)
	m.logger.Info("call connected", "callID", s.id, "remoteUserID", s.remoteUserID())
}

func (m *Manager) startRingTimer(s *session) {
	if m.opts.RingTimeout <= 0 {
		return
	}
	timeout := m.opts.RingTimeout
	s.setRingTimer(time.AfterFunc(timeout, func() {
		m.mu.Lock()
		ringing := m.current == s && m.state == StateConnecting
		m.mu.Unlock()
		if !ringing {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SignalTimeout)
		defer cancel()
		m.hangup(ctx, s, fmt.Sprintf("unanswered after %s", timeout))
	}))
}

// sessionFor returns the active session if its remote party is from
func (m *Manager) sessionFor(from string) (*session, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNoActiveCall
	}
	if from != s.remoteUserID() {
		return nil, ErrUnexpectedPeer
	}
	return s, nil
}

func (m *Manager) owns(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s
}

// publish runs fn under the slot lock if s is still the current session
func (m *Manager) publish(s *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s {
		return false
	}
	fn()
	return true
}

// teardown frees the slot if s holds it, updates the overlay and releases s.
// It reports whether this call freed the slot. A session that lost the slot
// was already released by whoever took it.
func (m *Manager) teardown(s *session, failed bool) bool {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	m.state = StateIdle
	if failed {
		m.overlay.Fail(overlay.StatusFailed)
	} else {
		m.overlay.Hide()
	}
	m.mu.Unlock()

	s.release()
	return true
}

func (m *Manager) infoOf(s *session) Info {
	m.mu.Lock()
	state := m.state
	if m.current != s {
		state = StateIdle
	}
	m.mu.Unlock()
	return s.info(state)
}
