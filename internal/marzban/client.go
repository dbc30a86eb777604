package marzban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "marzbot/pkg/logx"
)

// ErrUnauthorized is returned when the panel rejects the admin credentials.
var ErrUnauthorized = errors.New("marzban: unauthorized")

// ErrNotFound is returned for unknown users.
var ErrNotFound = errors.New("marzban: not found")

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the Marzban admin API. It caches the bearer token and
// re-authenticates once when the panel answers 401.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	mu    sync.Mutex
	token string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("marzban url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("marzban url: %w", err)
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

// ListUsers returns every user known to the panel.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out usersResponse
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out.Users, nil
}

func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(username), nil, &u); err != nil {
		return User{}, fmt.Errorf("get user %s: %w", username, err)
	}
	return u, nil
}

// ResetTraffic zeroes the user's used traffic and returns the updated user.
func (c *Client) ResetTraffic(ctx context.Context, username string) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodPost, "/api/user/"+url.PathEscape(username)+"/reset", nil, &u); err != nil {
		return User{}, fmt.Errorf("reset traffic %s: %w", username, err)
	}
	return u, nil
}

func (c *Client) SystemStats(ctx context.Context) (SystemStats, error) {
	var st SystemStats
	if err := c.do(ctx, http.MethodGet, "/api/system", nil, &st); err != nil {
		return SystemStats{}, fmt.Errorf("system stats: %w", err)
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	token, err := c.bearer(ctx, false)
	if err != nil {
		return err
	}
	status, err := c.send(ctx, method, path, body, token, out)
	if status == http.StatusUnauthorized {
		c.log.Debug("marzban token rejected; re-authenticating", logx.String("path", path))
		if token, err = c.bearer(ctx, true); err != nil {
			return err
		}
		_, err = c.send(ctx, method, path, body, token, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, token string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrNotFound
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("marzban: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("marzban: decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// bearer returns the cached token, logging in when there is none or refresh is set.
func (c *Client) bearer(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !refresh {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("marzban login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("marzban login: status %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("marzban login: decode: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("marzban login: empty access token")
	}
	c.token = tok.AccessToken
	c.log.Debug("marzban token acquired")
	return c.token, nil
}
