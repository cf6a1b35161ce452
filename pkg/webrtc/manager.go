package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Manager creates and tracks peer connections. All peers share one pion API
// (media engine, interceptors, setting engine).
type Manager struct {
	config *webrtc.Configuration
	api    *webrtc.API
	logger *slog.Logger
	peers  map[string]*PeerConnection
	mu     sync.RWMutex
}

// NewManager creates a new WebRTC manager
func NewManager(cfg ConnectionConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{}

	stun := cfg.STUN
	if len(stun) == 0 && len(cfg.TURN) == 0 {
		stun = []string{DefaultSTUN}
	}
	for _, stunURL := range stun {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}

	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config: &rtcConfig,
		api:    api,
		logger: logger,
		peers:  make(map[string]*PeerConnection),
	}, nil
}

func newAPI(cfg ConnectionConfig) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	disconnected := cfg.DisconnectedTimeout
	if disconnected <= 0 {
		disconnected = defaultDisconnectedTimeout
	}
	failed := cfg.FailedTimeout
	if failed <= 0 {
		failed = defaultFailedTimeout
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}

	se := webrtc.SettingEngine{}
	// avoid "mux: failed to read from packetio.Buffer short buffer"
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	se.SetICETimeouts(disconnected, failed, keepAlive)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// CreatePeer creates a new peer connection registered under id
func (m *Manager) CreatePeer(ctx context.Context, id string) (*PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[id]; exists {
		return nil, fmt.Errorf("peer already exists: %s", id)
	}

	peerConn, err := m.api.NewPeerConnection(*m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "peerID", id, "error", err)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := newPeerConnection(id, peerConn, m.logger)
	peer.onClosed = func() { m.forget(id, peer) }

	m.peers[id] = peer
	m.logger.Info("peer connection created", "peerID", id)

	return peer, nil
}

// forget drops a closed peer from the registry if it is still the one registered
func (m *Manager) forget(id string, peer *PeerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[id] == peer {
		delete(m.peers, id)
	}
}

// Close closes all peer connections
func (m *Manager) Close() error {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*PeerConnection)
	m.mu.Unlock()

	for id, peer := range peers {
		if err := peer.Close(); err != nil {
			m.logger.Error("failed to close peer during shutdown", "peerID", id, "error", err)
		}
	}

	return nil
}

// PeerCount returns the number of open peer connections
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
