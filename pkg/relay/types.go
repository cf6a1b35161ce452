package relay

import (
	"encoding/json"

	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

// Event names carried in the envelope
const (
	EventIncomingCall = "incoming_call" // relay → client
	EventSignal       = "signal"        // both directions
	EventEndCall      = "end_call"      // both directions
	EventCallInvite   = "call_invite"   // client → relay
	EventPong         = "pong"
	EventError        = "error"
)

// Envelope is the frame exchanged with the relay
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IncomingCall notifies the callee that someone wants to call them
type IncomingCall struct {
	FromUserID string `json:"fromUserId"`
	ChatID     string `json:"chatId"`
	CallType   string `json:"callType,omitempty"` // "audio" or "video"
	CallID     string `json:"callId,omitempty"`
}

// CallInvite asks the relay to deliver an incoming_call to ToUserID
type CallInvite struct {
	ToUserID string `json:"toUserId"`
	ChatID   string `json:"chatId"`
	CallType string `json:"callType"`
	CallID   string `json:"callId,omitempty"`
}

// Signal carries exactly one of a session description or an ICE candidate
type Signal struct {
	Description *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Empty reports whether the signal carries nothing
func (s Signal) Empty() bool {
	return s.Description == nil && s.Candidate == nil
}

// SignalMessage is a signal addressed to (outbound) or from (inbound) a user
type SignalMessage struct {
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	Signal     Signal `json:"signal"`
}

// EndCall tells the other party the call is over
type EndCall struct {
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
}

// ErrorMessage is sent by the relay when it rejects a frame
type ErrorMessage struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope for event
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}
