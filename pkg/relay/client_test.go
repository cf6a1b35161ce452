package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// relayServer accepts websocket connections and hands each one to the test
type relayServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	cookies chan string
	dials   atomic.Int32
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{
		conns:   make(chan *websocket.Conn, 4),
		cookies: make(chan string, 4),
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.dials.Add(1)
		if c, err := r.Cookie("session"); err == nil {
			rs.cookies <- c.Value
		} else {
			rs.cookies <- ""
		}
		rs.conns <- ws
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.URL, "http")
}

func (rs *relayServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-rs.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no relay connection")
		return nil
	}
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func nextEvent(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestClientConnectFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(Config{URL: "ws://127.0.0.1:1", Logger: slog.Default()})
	defer client.Close()

	if err := client.Connect(ctx); err == nil {
		t.Error("expected connection to fail")
	}
	if client.IsConnected() {
		t.Error("expected disconnected state")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1"})
	defer client.Close()

	if err := client.SendEndCall(context.Background(), "2"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientSendsSessionCookie(t *testing.T) {
	rs := newRelayServer(t)

	jar, _ := cookiejar.New(nil)
	u, _ := url.Parse(rs.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc123"}})

	client := NewClient(Config{URL: rs.wsURL(), Jar: jar})
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	rs.accept(t)

	if got := <-rs.cookies; got != "abc123" {
		t.Errorf("session cookie = %q, want abc123", got)
	}
}

func TestInboundEvents(t *testing.T) {
	rs := newRelayServer(t)
	client := NewClient(Config{URL: rs.wsURL()})
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ws := rs.accept(t)

	writeEnvelope(t, ws, EventIncomingCall, IncomingCall{FromUserID: "1", ChatID: "7", CallType: "video"})
	writeEnvelope(t, ws, "typing", map[string]string{"chatId": "7"})
	writeEnvelope(t, ws, EventPong, nil)
	writeEnvelope(t, ws, EventSignal, SignalMessage{
		FromUserID: "1",
		Signal:     Signal{Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
	})
	writeEnvelope(t, ws, EventEndCall, EndCall{FromUserID: "1"})

	call, ok := nextEvent(t, client).(*IncomingCall)
	if !ok || call.FromUserID != "1" || call.ChatID != "7" || call.CallType != "video" {
		t.Fatalf("unexpected incoming call: %#v", call)
	}

	sig, ok := nextEvent(t, client).(*SignalMessage)
	if !ok || sig.Signal.Candidate == nil || sig.Signal.Description != nil {
		t.Fatalf("unexpected signal: %#v", sig)
	}

	end, ok := nextEvent(t, client).(*EndCall)
	if !ok || end.FromUserID != "1" {
		t.Fatalf("unexpected end call: %#v", end)
	}
}

func TestOutboundFrames(t *testing.T) {
	rs := newRelayServer(t)
	client := NewClient(Config{URL: rs.wsURL()})
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ws := rs.accept(t)
	ctx := context.Background()

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := client.SendSignal(ctx, "2", Signal{Description: offer}); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	if err := client.SendInvite(ctx, CallInvite{ToUserID: "2", ChatID: "7", CallType: "audio", CallID: "c1"}); err != nil {
		t.Fatalf("SendInvite failed: %v", err)
	}
	if err := client.SendEndCall(ctx, "2"); err != nil {
		t.Fatalf("SendEndCall failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if env.Event != EventSignal {
		t.Fatalf("event = %q, want %q", env.Event, EventSignal)
	}
	var raw map[string]any
	json.Unmarshal(env.Data, &raw)
	if raw["toUserId"] != "2" {
		t.Errorf("toUserId = %v", raw["toUserId"])
	}
	sdp := raw["signal"].(map[string]any)["sdp"].(map[string]any)
	if sdp["type"] != "offer" || sdp["sdp"] != "v=0" {
		t.Errorf("unexpected sdp payload: %v", sdp)
	}

	if err := ws.ReadJSON(&env); err != nil || env.Event != EventCallInvite {
		t.Fatalf("expected call_invite, got %q (%v)", env.Event, err)
	}
	var invite CallInvite
	json.Unmarshal(env.Data, &invite)
	if invite.ToUserID != "2" || invite.ChatID != "7" || invite.CallID != "c1" {
		t.Errorf("unexpected invite: %+v", invite)
	}

	if err := ws.ReadJSON(&env); err != nil || env.Event != EventEndCall {
		t.Fatalf("expected end_call, got %q (%v)", env.Event, err)
	}
}

func TestRunReconnects(t *testing.T) {
	rs := newRelayServer(t)
	var hooks atomic.Int32
	client := NewClient(Config{
		URL:        rs.wsURL(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		BeforeReconnect: func(context.Context) error {
			// the first renewal fails, the reconnect loop must retry
			if hooks.Add(1) == 1 {
				return errors.New("session renewal failed")
			}
			return nil
		},
	})
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := rs.accept(t)
	if hooks.Load() != 0 {
		t.Errorf("hook ran on the initial connect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	first.Close()

	second := rs.accept(t)
	if rs.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", rs.dials.Load())
	}
	if hooks.Load() != 2 {
		t.Errorf("BeforeReconnect calls = %d, want 2", hooks.Load())
	}

	writeEnvelope(t, second, EventEndCall, EndCall{FromUserID: "9"})
	if end, ok := nextEvent(t, client).(*EndCall); !ok || end.FromUserID != "9" {
		t.Errorf("unexpected event after reconnect: %#v", end)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCloseClosesEvents(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1"})
	client.Close()
	client.Close()

	if _, ok := <-client.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := client.Send(context.Background(), EventEndCall, EndCall{ToUserID: "2"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestURLFromBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:5000", "ws://localhost:5000/ws", false},
		{"https://chat.example.com/", "wss://chat.example.com/ws", false},
		{"https://chat.example.com/app?x=1", "wss://chat.example.com/app/ws", false},
		{"ftp://x", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := URLFromBackend(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
