package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/silviot/webchat_calls_go/pkg/media"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
	"github.com/silviot/webchat_calls_go/pkg/relay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

var (
	// ErrNotReady is returned when no chat is selected or nobody is logged in
	ErrNotReady = errors.New("no chat selected or not logged in")
	// ErrCallInProgress is returned when the single call slot is taken
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoActiveCall is returned for signals that arrive with no call
	ErrNoActiveCall = errors.New("no active call")
	// ErrUnexpectedPeer is returned for signals from someone other than the remote party
	ErrUnexpectedPeer = errors.New("signal from unexpected peer")
	// ErrMediaUnavailable wraps local media acquisition failures
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrSessionEnded is returned when a call was torn down while it was being set up
	ErrSessionEnded = errors.New("call ended during setup")
	// ErrEmptySignal is returned for a signal with neither description nor candidate
	ErrEmptySignal = errors.New("signal has no payload")
	// ErrInvalidCallType is returned for call types other than audio and video
	ErrInvalidCallType = errors.New("invalid call type")
	// ErrInvalidEvent is returned for relay events missing required fields
	ErrInvalidEvent = errors.New("invalid relay event")
	// ErrClosed is returned after the manager has been closed
	ErrClosed = errors.New("call manager closed")
)

// CallType selects audio-only or audio+video calls
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType parses a wire call type; empty means audio
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case "", CallAudio:
		return CallAudio, nil
	case CallVideo:
		return CallVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCallType, s)
	}
}

// Constraints returns the local media to capture for the call type
func (t CallType) Constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: t == CallVideo}
}

// State is the call manager's negotiation state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Signaler sends call events through the relay
type Signaler interface {
	SendInvite(ctx context.Context, invite relay.CallInvite) error
	SendSignal(ctx context.Context, toUserID string, sig relay.Signal) error
	SendEndCall(ctx context.Context, toUserID string) error
}

// Directory resolves the user to ring for a chat
type Directory interface {
	OtherParticipant(ctx context.Context, chatID, selfID string) (string, error)
}

// Identity reports the logged-in user; "" means nobody is logged in
type Identity interface {
	UserID() string
}

// Peer is the part of a peer connection the manager drives
type Peer interface {
	AddTrack(track *media.Track) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	OnICECandidate(cb func(webrtc.ICECandidateInit))
	OnConnectionStateChange(cb func(webrtc.PeerConnectionState))
	OnRemoteTrack(cb func(webrtc.RemoteTrackInfo))
	SetOnAudio(cb func([]float32))
	Close() error
}

// PeerFactory creates one peer connection per call
type PeerFactory interface {
	NewPeer(ctx context.Context, id string) (Peer, error)
}

// Overlay is the UI sink the manager reflects call state into
type Overlay interface {
	Show(info overlay.CallInfo, status string)
	SetStatus(status string)
	Fail(status string)
	Hide()
	BindLocal(tracks []overlay.TrackInfo)
	BindRemote(track overlay.TrackInfo)
	SetMuted(kind string, muted bool)
	SetRemoteLevel(level float32)
	Snapshot() overlay.Snapshot
}

// Options tunes the manager
type Options struct {
	// RingTimeout ends a call still connecting after this long. Zero rings
	// until someone hangs up.
	RingTimeout time.Duration
	// SignalTimeout bounds sends made from peer callbacks (ICE candidates,
	// ring timeout hang-ups)
	SignalTimeout time.Duration
	// LevelWindow is the remote audio level metering window
	LevelWindow time.Duration
}

const (
	defaultSignalTimeout = 10 * time.Second
	defaultLevelWindow   = 50 * time.Millisecond
)

// Info describes the current call
type Info struct {
	CallID       string   `json:"callId"`
	ChatID       string   `json:"chatId"`
	RemoteUserID string   `json:"remoteUserId"`
	CallType     CallType `json:"callType"`
	Outgoing     bool     `json:"outgoing"`
	State        State    `json:"state"`
}

// webrtcFactory adapts a webrtc.Manager to PeerFactory
type webrtcFactory struct {
	m *webrtc.Manager
}

// PeersFrom returns a PeerFactory creating pion peer connections through m
func PeersFrom(m *webrtc.Manager) PeerFactory {
	return webrtcFactory{m: m}
}

func (f webrtcFactory) NewPeer(ctx context.Context, id string) (Peer, error) {
	pc, err := f.m.CreatePeer(ctx, id)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
