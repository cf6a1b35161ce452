package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/silviot/webchat_calls_go/pkg/media"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
	"github.com/silviot/webchat_calls_go/pkg/relay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

type sentSignal struct {
	to  string
	sig relay.Signal
}

type fakeSignaler struct {
	mu      sync.Mutex
	invites []relay.CallInvite
	signals []sentSignal
	ends    []string
	err     error
}

func (f *fakeSignaler) SendInvite(_ context.Context, invite relay.CallInvite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.invites = append(f.invites, invite)
	return nil
}

func (f *fakeSignaler) SendSignal(_ context.Context, to string, sig relay.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, sentSignal{to: to, sig: sig})
	return nil
}

func (f *fakeSignaler) SendEndCall(_ context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, to)
	return f.err
}

func (f *fakeSignaler) descriptions(sdpType webrtc.SDPType) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.signals {
		if s.sig.Description != nil && s.sig.Description.Type == sdpType {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSignaler) sent() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSignal(nil), f.signals...)
}

func (f *fakeSignaler) endCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ends...)
}

func (f *fakeSignaler) inviteList() []relay.CallInvite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.CallInvite(nil), f.invites...)
}

// fakeDirectory resolves every chat to remote. If gate is set, lookups block
// until it is closed.
type fakeDirectory struct {
	remote string
	err    error
	gate   chan struct{}
}

func (f *fakeDirectory) OtherParticipant(ctx context.Context, _, _ string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.remote, f.err
}

type fakeIdentity string

func (f fakeIdentity) UserID() string { return string(f) }

type fakePeer struct {
	id string

	mu            sync.Mutex
	tracks        []*media.Track
	remote        *webrtc.SessionDescription
	local         *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	candidateErr  error
	closeCount    int
	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onRemoteTrack func(webrtc.RemoteTrackInfo)
	onAudio       func([]float32)

	// gathered, if set, is emitted from inside CreateOffer and CreateAnswer
	// the way pion starts gathering in SetLocalDescription
	gathered *webrtc.ICECandidateInit
}

func (p *fakePeer) AddTrack(t *media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.id}
	p.local = &offer
	p.mu.Unlock()

	p.gather()
	return offer, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.id}
	p.local = &answer
	p.mu.Unlock()

	p.gather()
	return answer, nil
}

func (p *fakePeer) gather() {
	p.mu.Lock()
	c, cb := p.gathered, p.onCandidate
	p.mu.Unlock()
	if c != nil && cb != nil {
		cb(*c)
	}
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidateErr != nil {
		return p.candidateErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) OnICECandidate(cb func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = cb
}

func (p *fakePeer) OnConnectionStateChange(cb func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = cb
}

func (p *fakePeer) OnRemoteTrack(cb func(webrtc.RemoteTrackInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = cb
}

func (p *fakePeer) SetOnAudio(cb func([]float32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAudio = cb
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closeCount++
	cb := p.onState
	p.mu.Unlock()
	// pion reports closed after Close
	if cb != nil {
		cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	cb(state)
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	cb(c)
}

func (p *fakePeer) closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

type fakeFactory struct {
	mu       sync.Mutex
	peers    []*fakePeer
	err      error
	gathered *webrtc.ICECandidateInit
}

func (f *fakeFactory) NewPeer(_ context.Context, id string) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{id: id, gathered: f.gathered}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type harness struct {
	m        *Manager
	signaler *fakeSignaler
	dir      *fakeDirectory
	peers    *fakeFactory
	source   *media.SyntheticSource
	overlay  *overlay.State
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		signaler: &fakeSignaler{},
		dir:      &fakeDirectory{remote: "2"},
		peers:    &fakeFactory{},
		source:   media.NewSyntheticSource(nil),
		overlay:  overlay.New(nil),
	}
	m, err := NewManager(Config{
		Signaler:  h.signaler,
		Directory: h.dir,
		Identity:  fakeIdentity("1"),
		Peers:     h.peers,
		Media:     h.source,
		Overlay:   h.overlay,
		Options:   opts,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.m = m
	t.Cleanup(func() { m.Close(context.Background()) })
	return h
}

// localTracks returns the tracks attached to the most recent peer
func (h *harness) localTracks() []*media.Track {
	p := h.peers.last()
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Track(nil), p.tracks...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
