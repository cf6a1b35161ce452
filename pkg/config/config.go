// Package config loads the call client configuration from a .env file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/silviot/webchat_calls_go/pkg/relay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

// Config is the call client configuration
type Config struct {
	ListenAddr string
	BackendURL string
	RelayURL   string
	Username   string
	Password   string

	STUN           []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string

	RingTimeout time.Duration
	LogLevel    string

	// CORSOrigins are the browser origins allowed to use the control API
	CORSOrigins []string
}

// Load reads envFile (missing files are ignored), then the environment, then
// args. An empty envFile means ".env".
func Load(envFile string, args []string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	ringTimeout, err := time.ParseDuration(getEnv("RING_TIMEOUT", "0s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RING_TIMEOUT: %w", err)
	}

	cfg := &Config{}
	var stun, origins string

	fs := flag.NewFlagSet("callclient", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", getEnv("LISTEN_ADDR", "127.0.0.1:8090"), "control API listen address")
	fs.StringVar(&cfg.BackendURL, "backend-url", getEnv("BACKEND_URL", ""), "chat backend URL")
	fs.StringVar(&cfg.RelayURL, "relay-url", getEnv("RELAY_URL", ""), "signaling relay websocket URL (derived from backend URL if empty)")
	fs.StringVar(&cfg.Username, "username", getEnv("CHAT_USERNAME", ""), "chat username")
	fs.StringVar(&cfg.Password, "password", getEnv("CHAT_PASSWORD", ""), "chat password")
	fs.StringVar(&stun, "stun", getEnv("STUN_URLS", webrtc.DefaultSTUN), "comma-separated STUN server URLs")
	fs.StringVar(&cfg.TURNURL, "turn-url", getEnv("TURN_URL", ""), "TURN server URL")
	fs.StringVar(&cfg.TURNUsername, "turn-username", getEnv("TURN_USERNAME", ""), "TURN username")
	fs.StringVar(&cfg.TURNCredential, "turn-credential", getEnv("TURN_CREDENTIAL", ""), "TURN credential")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", ringTimeout, "end unanswered calls after this long (0 rings forever)")
	fs.StringVar(&origins, "cors-origins", getEnv("CORS_ORIGINS", ""), "comma-separated browser origins allowed to use the control API")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.STUN = splitList(stun)
	cfg.CORSOrigins = splitList(origins)
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}
	if c.Username == "" {
		missing = append(missing, "CHAT_USERNAME")
	}
	if c.Password == "" {
		missing = append(missing, "CHAT_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.RelayURL == "" {
		u, err := relay.URLFromBackend(c.BackendURL)
		if err != nil {
			return err
		}
		c.RelayURL = u
	}
	if c.RingTimeout < 0 {
		return fmt.Errorf("ring timeout must not be negative: %s", c.RingTimeout)
	}
	return nil
}

// ICE returns the peer connection configuration
func (c *Config) ICE() webrtc.ConnectionConfig {
	ice := webrtc.ConnectionConfig{STUN: c.STUN}
	if c.TURNURL != "" {
		ice.TURN = []webrtc.TURNServer{{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		}}
	}
	return ice
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
