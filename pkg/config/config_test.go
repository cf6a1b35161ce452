package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

var configKeys = []string{
	"LISTEN_ADDR", "BACKEND_URL", "RELAY_URL", "CHAT_USERNAME", "CHAT_PASSWORD",
	"STUN_URLS", "TURN_URL", "TURN_USERNAME", "TURN_CREDENTIAL", "RING_TIMEOUT", "LOG_LEVEL",
	"CORS_ORIGINS",
}

// clearEnv blanks every variable Load reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_URL", "https://chat.example.com/")
	t.Setenv("CHAT_USERNAME", "alice")
	t.Setenv("CHAT_PASSWORD", "secret")
	t.Setenv("RING_TIMEOUT", "45s")

	cfg, err := Load(noEnvFile(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BackendURL != "https://chat.example.com" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.RelayURL != "wss://chat.example.com/ws" {
		t.Errorf("RelayURL = %q, want derived wss URL", cfg.RelayURL)
	}
	if cfg.RingTimeout != 45*time.Second {
		t.Errorf("RingTimeout = %s", cfg.RingTimeout)
	}
	if len(cfg.STUN) != 1 || cfg.STUN[0] != webrtc.DefaultSTUN {
		t.Errorf("STUN = %v, want default", cfg.STUN)
	}
	if cfg.ListenAddr != "127.0.0.1:8090" || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_URL", "http://env.example.com")
	t.Setenv("CHAT_USERNAME", "alice")
	t.Setenv("CHAT_PASSWORD", "secret")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(noEnvFile(t), []string{
		"-backend-url", "http://localhost:5000",
		"-relay-url", "ws://relay.local/socket",
		"-log-level", "debug",
		"-stun", "stun:a.example:3478, stun:b.example:3478",
		"-ring-timeout", "20s",
		"-cors-origins", "http://ui.local",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BackendURL != "http://localhost:5000" || cfg.RelayURL != "ws://relay.local/socket" {
		t.Errorf("urls = %q %q", cfg.BackendURL, cfg.RelayURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.STUN) != 2 || cfg.STUN[1] != "stun:b.example:3478" {
		t.Errorf("STUN = %v", cfg.STUN)
	}
	if cfg.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout = %s", cfg.RingTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://ui.local" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	clearEnv(t)
	for _, k := range configKeys {
		os.Unsetenv(k)
	}

	path := filepath.Join(t.TempDir(), ".env")
	content := "BACKEND_URL=http://dotenv.local:5000\nCHAT_USERNAME=bob\nCHAT_PASSWORD=hunter2\nTURN_URL=turn:turn.local:3478\nTURN_USERNAME=u\nTURN_CREDENTIAL=c\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Username != "bob" || cfg.RelayURL != "ws://dotenv.local:5000/ws" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	ice := cfg.ICE()
	if len(ice.TURN) != 1 || ice.TURN[0].URLs[0] != "turn:turn.local:3478" || ice.TURN[0].Credential != "c" {
		t.Errorf("TURN = %+v", ice.TURN)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{
			name:    "missing everything",
			wantErr: "BACKEND_URL, CHAT_USERNAME, CHAT_PASSWORD",
		},
		{
			name:    "missing password",
			env:     map[string]string{"BACKEND_URL": "http://x", "CHAT_USERNAME": "a"},
			wantErr: "CHAT_PASSWORD",
		},
		{
			name:    "bad scheme",
			env:     map[string]string{"BACKEND_URL": "ftp://x", "CHAT_USERNAME": "a", "CHAT_PASSWORD": "b"},
			wantErr: "scheme",
		},
		{
			name:    "bad ring timeout",
			env:     map[string]string{"RING_TIMEOUT": "soon"},
			wantErr: "RING_TIMEOUT",
		},
		{
			name:    "negative ring timeout",
			env:     map[string]string{"BACKEND_URL": "http://x", "CHAT_USERNAME": "a", "CHAT_PASSWORD": "b"},
			args:    []string{"-ring-timeout", "-1s"},
			wantErr: "negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(noEnvFile(t), tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
