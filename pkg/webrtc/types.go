package webrtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is used when no ICE servers are configured
const DefaultSTUN = "stun:stun.l.google.com:19302"

// ConnectionConfig holds ICE server and timeout configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// ICE timeouts; zero values fall back to the defaults below
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

const (
	defaultDisconnectedTimeout = 10 * time.Second
	defaultFailedTimeout       = 30 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

// RemoteTrackInfo describes a track received from the remote peer
type RemoteTrackInfo struct {
	ID       string
	StreamID string
	Kind     string // "audio" or "video"
	Codec    string
}

// Re-exported pion types so callers only import this package.
type (
	SessionDescription  = webrtc.SessionDescription
	SDPType             = webrtc.SDPType
	ICECandidateInit    = webrtc.ICECandidateInit
	PeerConnectionState = webrtc.PeerConnectionState
)

const (
	SDPTypeOffer  = webrtc.SDPTypeOffer
	SDPTypeAnswer = webrtc.SDPTypeAnswer

	PeerConnectionStateNew          = webrtc.PeerConnectionStateNew
	PeerConnectionStateConnecting   = webrtc.PeerConnectionStateConnecting
	PeerConnectionStateConnected    = webrtc.PeerConnectionStateConnected
	PeerConnectionStateDisconnected = webrtc.PeerConnectionStateDisconnected
	PeerConnectionStateFailed       = webrtc.PeerConnectionStateFailed
	PeerConnectionStateClosed       = webrtc.PeerConnectionStateClosed
)
