// Package poller drives the website side of the Telegram login from Go: it
// opens a session, waits for the bot to authorize it and fetches the user.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bishkek-meetup/internal/logger"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

var (
	ErrTimeout      = errors.New("login timed out")
	ErrExpired      = errors.New("login session expired")
	ErrNotFound     = errors.New("login session not found")
	ErrUnauthorized = errors.New("bearer token rejected")
)

// Session is a freshly created login session.
type Session struct {
	SessionID string    `json:"sessionId"`
	BotLink   string    `json:"botLink"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// User is the profile returned by the site.
type User struct {
	ID           uint   `json:"id"`
	TelegramID   int64  `json:"telegramId"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Username     string `json:"username"`
	AvatarFileID string `json:"avatarFileId"`
	Reputation   int    `json:"reputation"`
	Role         string `json:"role"`
}

// Login is the result of a completed login.
type Login struct {
	Token string
	User  User
}

// Tick reports polling progress for a countdown.
type Tick struct {
	Status    string
	Remaining time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Interval   time.Duration
	Timeout    time.Duration
	Now        func() time.Time
}

// Client talks to the /auth endpoints.
type Client struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func New(opts Options) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		now:      opts.Now,
		logger:   logger.Component("poller"),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type statusResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	User   *User  `json:"user"`
}

// Login creates a session, hands its deep link to onLink and waits for the
// bot to authorize it.
func (c *Client) Login(ctx context.Context, onLink func(Session), onTick func(Tick)) (*Login, error) {
	session, err := c.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	if onLink != nil {
		onLink(*session)
	}
	return c.Wait(ctx, session.SessionID, onTick)
}

func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/generate-session", nil, "", &session); err != nil {
		return nil, fmt.Errorf("generate session: %w", err)
	}
	return &session, nil
}

// Wait polls check-session until a terminal status or until the login window
// closes. Transport failures are logged and retried on the next tick.
func (c *Client) Wait(ctx context.Context, sessionID string, onTick func(Tick)) (*Login, error) {
	deadline := c.now().Add(c.timeout)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		var res statusResponse
		err := c.do(ctx, http.MethodPost, "/auth/check-session", map[string]string{"sessionId": sessionID}, "", &res)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("check session")
		case res.Status == "authorized" && res.Token != "" && res.User != nil:
			return &Login{Token: res.Token, User: *res.User}, nil
		case res.Status == "expired":
			return nil, ErrExpired
		case res.Status == "not_found":
			return nil, ErrNotFound
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if onTick != nil {
			onTick(Tick{Status: res.Status, Remaining: remaining})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Exchange trades the bot's return-link token for an application token.
func (c *Client) Exchange(ctx context.Context, sessionID, token string) (*Login, error) {
	var res statusResponse
	body := map[string]string{"sessionId": sessionID, "token": token}
	if err := c.do(ctx, http.MethodPost, "/auth/auth-telegram", body, "", &res); err != nil {
		return nil, fmt.Errorf("exchange token: %w", err)
	}
	switch res.Status {
	case "authorized":
		if res.User == nil {
			return nil, errors.New("exchange token: response without user")
		}
		return &Login{Token: res.Token, User: *res.User}, nil
	case "expired":
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("exchange token: status %s", res.Status)
	}
}

// Me fetches the current user with an application token.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, token, &user); err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, bearer string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
