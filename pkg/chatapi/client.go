// Package chatapi is a minimal REST client for the chat backend: it logs in,
// keeps the session cookie, and resolves chat members for calls.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnauthorized is returned for rejected credentials or an expired session
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoCallee is returned when a chat has no member besides the caller
	ErrNoCallee = errors.New("chat has no other participant")
	// ErrGroupChat is returned when a chat has more than one other member
	ErrGroupChat = errors.New("calls are only supported in one-to-one chats")
)

// Client talks to the chat backend REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	jar        http.CookieJar
	logger     *slog.Logger

	mu   sync.RWMutex
	self *User
}

// Config holds REST client configuration
type Config struct {
	BaseURL string // backend origin, e.g. http://localhost:5000
	Logger  *slog.Logger
}

// NewClient creates a backend client with its own cookie jar
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL: missing scheme or host")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.Scheme+"://"+u.Host+u.Path, "/"),
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		jar:    jar,
		logger: cfg.Logger,
	}, nil
}

// Login authenticates and stores the session cookie
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	var resp userResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, fmt.Errorf("failed to log in: response has no user")
	}

	c.setSelf(resp.User)
	c.logger.Info("logged in", "userID", resp.User.ID, "username", resp.User.Username)
	return resp.User, nil
}

// CurrentUser fetches the logged-in user. The backend answers either with a
// bare user object or with {status, user}.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/user", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch current user: %w", err)
	}

	var wrapped userResponse
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse current user: %w", err)
	}
	user := wrapped.User
	if user == nil {
		var bare User
		if err := json.Unmarshal(raw, &bare); err != nil {
			return nil, fmt.Errorf("failed to parse current user: %w", err)
		}
		user = &bare
	}
	if user.ID == "" {
		return nil, fmt.Errorf("failed to fetch current user: %w", ErrUnauthorized)
	}

	c.setSelf(user)
	return user, nil
}

// EnsureSession checks the stored session cookie and logs in again when the
// backend no longer accepts it.
func (c *Client) EnsureSession(ctx context.Context, username, password string) error {
	user, err := c.CurrentUser(ctx)
	if err == nil {
		c.logger.Debug("session still valid", "userID", user.ID)
		return nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.logger.Info("session expired, logging in again")
	if _, err := c.Login(ctx, username, password); err != nil {
		return err
	}
	return nil
}

// ChatMembers lists the members of a chat, including the current user
func (c *Client) ChatMembers(ctx context.Context, chatID string) ([]User, error) {
	var resp membersResponse
	path := "/api/chats/" + url.PathEscape(chatID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list members of chat %s: %w", chatID, err)
	}
	return resp.Members, nil
}

// OtherParticipant returns the id of the single member of chatID that is not
// selfID
func (c *Client) OtherParticipant(ctx context.Context, chatID, selfID string) (string, error) {
	members, err := c.ChatMembers(ctx, chatID)
	if err != nil {
		return "", err
	}

	var others []ID
	for _, m := range members {
		if string(m.ID) != selfID {
			others = append(others, m.ID)
		}
	}

	switch len(others) {
	case 0:
		return "", ErrNoCallee
	case 1:
		return string(others[0]), nil
	default:
		return "", ErrGroupChat
	}
}

// UserID returns the logged-in user's id, or "" before login
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.self == nil {
		return ""
	}
	return string(c.self.ID)
}

// Jar returns the session cookie jar, shared with the relay handshake
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

// BaseURL returns the backend origin
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) setSelf(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = u
}

// do performs a JSON request and decodes the response into out. Envelopes
// with status "error" are turned into errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (HTTP %d)", ErrUnauthorized, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
	}
	if resp.StatusCode >= 300 || env.Status == "error" || env.Error != "" {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if path == "/api/login" && env.Status == "error" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		}
		return fmt.Errorf("backend error: %s (HTTP %d)", msg, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
