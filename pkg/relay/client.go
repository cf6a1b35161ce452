// Package relay is the websocket client for the chat backend's signaling
// relay. It carries call invitations, SDP/ICE signals and hang-ups between
// users and reconnects on its own when Run is active.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by sends while no connection is open
	ErrNotConnected = errors.New("relay not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("relay client closed")
)

const (
	defaultPingInterval = 25 * time.Second
	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Config holds relay client configuration
type Config struct {
	URL          string         // relay websocket URL
	Jar          http.CookieJar // session cookies sent on the handshake
	Header       http.Header    // extra handshake headers
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	// BeforeReconnect runs before each reconnect dial, e.g. to renew the
	// session cookie. An error counts as a failed attempt.
	BeforeReconnect func(ctx context.Context) error
	Logger          *slog.Logger
}

// Client manages the relay websocket with keep-alive and reconnection
type Client struct {
	url          string
	header       http.Header
	dialer       websocket.Dialer
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	before       func(ctx context.Context) error
	logger       *slog.Logger

	mu     sync.Mutex // guards conn and closed
	conn   *conn
	closed bool

	writeMu sync.Mutex // serialises writes on the websocket

	events chan any
	errCh  chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// conn is one websocket connection and the signal that stops its loops
type conn struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewClient creates a relay client; call Connect to open the connection
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:    cfg.URL,
		header: cfg.Header,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              cfg.Jar,
			Proxy:            http.ProxyFromEnvironment,
		},
		pingInterval: cfg.PingInterval,
		minBackoff:   cfg.MinBackoff,
		maxBackoff:   cfg.MaxBackoff,
		before:       cfg.BeforeReconnect,
		logger:       cfg.Logger,
		events:       make(chan any, 100),
		errCh:        make(chan error, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// URLFromBackend derives the relay URL from the chat backend base URL
// (http://host → ws://host/ws)
func URLFromBackend(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse backend URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Connect opens the websocket and starts the read and keep-alive loops
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.logger.Error("failed to connect to relay", "url", c.url, "error", err)
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		ws.Close()
		return ErrClosed
	}
	if c.conn != nil {
		c.conn.close()
	}

	cn := &conn{ws: ws, done: make(chan struct{})}
	c.conn = cn
	c.logger.Info("connected to relay", "url", c.url)

	c.wg.Add(2)
	go c.readLoop(cn)
	go c.writeLoop(cn)

	return nil
}

// Run keeps the connection alive, reconnecting with exponential backoff after
// a read failure, until ctx is done or the client is closed
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case err := <-c.errCh:
			c.logger.Warn("relay connection lost, reconnecting", "error", err)
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.ctx.Done():
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		var err error
		if c.before != nil {
			err = c.before(ctx)
		}
		if err == nil {
			err = c.Connect(ctx)
		}
		if err == nil {
			c.logger.Info("relay reconnected", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		c.logger.Warn("relay reconnect failed", "attempt", attempt, "nextIn", backoff, "error", err)
	}
}

// readLoop handles incoming frames until the connection fails
func (c *Client) readLoop(cn *conn) {
	defer c.wg.Done()

	readTimeout := 2 * c.pingInterval
	cn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !c.drop(cn) || c.ctx.Err() != nil {
				return
			}
			c.logger.Error("relay read error", "error", err)
			select {
			case c.errCh <- err:
			default:
			}
			return
		}

		cn.ws.SetReadDeadline(time.Now().Add(readTimeout))
		if err := c.handleMessage(data); err != nil {
			c.logger.Error("failed to handle relay message", "error", err)
		}
	}
}

// writeLoop sends websocket pings until the connection is dropped
func (c *Client) writeLoop(cn *conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("failed to send ping", "error", err)
			}
		}
	}
}

// drop closes cn and reports whether it was the current connection
func (c *Client) drop(cn *conn) bool {
	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	cn.close()
	return current
}

// handleMessage decodes an envelope and publishes its payload on Events
func (c *Client) handleMessage(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	c.logger.Debug("received relay message", "event", env.Event)

	var msg any
	switch env.Event {
	case EventIncomingCall:
		var m IncomingCall
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		msg = &m

	case EventSignal:
		var m SignalMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		msg = &m

	case EventEndCall:
		var m EndCall
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return fmt.Errorf("failed to decode %s: %w", env.Event, err)
			}
		}
		msg = &m

	case EventError:
		var m ErrorMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		c.logger.Error("relay error", "code", m.Code, "message", m.Message)
		return nil

	case EventPong:
		return nil

	default:
		c.logger.Debug("unknown relay event", "event", env.Event, "data", string(env.Data))
		return nil
	}

	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
	return nil
}

// Send writes one event to the relay
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	c.mu.Lock()
	cn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if cn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cn.ws.SetWriteDeadline(deadline)
	if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// SendInvite asks the relay to ring the callee
func (c *Client) SendInvite(ctx context.Context, invite CallInvite) error {
	return c.Send(ctx, EventCallInvite, invite)
}

// SendSignal sends an SDP description or ICE candidate to a user
func (c *Client) SendSignal(ctx context.Context, toUserID string, sig Signal) error {
	return c.Send(ctx, EventSignal, SignalMessage{ToUserID: toUserID, Signal: sig})
}

// SendEndCall tells a user the call is over
func (c *Client) SendEndCall(ctx context.Context, toUserID string) error {
	return c.Send(ctx, EventEndCall, EndCall{ToUserID: toUserID})
}

// Events returns the channel of inbound messages: *IncomingCall,
// *SignalMessage or *EndCall. It is closed by Close.
func (c *Client) Events() <-chan any {
	return c.events
}

// Close closes the connection and stops all loops
func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		cn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if cn != nil {
			c.writeMu.Lock()
			cn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			cn.close()
		}

		c.wg.Wait()
		close(c.events)
	})
	return nil
}

// IsConnected returns whether a relay connection is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
