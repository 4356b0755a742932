// Package backend talks to the remote lobby service. Every call is
// best-effort: failures are returned to the caller and never touch local
// state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/lobby"
)

// ErrDisabled is returned when no base URL is configured.
var ErrDisabled = errors.New("backend not configured")

type Option func(*Client)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRetries caps mirror retries after the first attempt.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = uint64(n)
		}
	}
}

// WithBackOff replaces the exponential policy used between mirror retries.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		if fn != nil {
			c.newBackOff = fn
		}
	}
}

type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	log        *logrus.Entry
}

func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: timeout},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

// lobbyTelemetry is the mirror request body.
type lobbyTelemetry struct {
	LobbyID        string      `json:"lobbyId"`
	SessionID      string      `json:"sessionId,omitempty"`
	Title          string      `json:"title"`
	Map            string      `json:"map"`
	Mode           string      `json:"mode"`
	Playlist       string      `json:"playlist,omitempty"`
	HostName       string      `json:"hostName,omitempty"`
	CurrentPlayers int         `json:"currentPlayers"`
	MaxPlayers     int         `json:"maxPlayers"`
	IsModded       bool        `json:"isModded"`
	RequiredMods   []lobby.Mod `json:"requiredMods"`
	Status         string      `json:"status"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func toTelemetry(r *lobby.Record) lobbyTelemetry {
	mods := r.RequiredMods
	if mods == nil {
		mods = []lobby.Mod{}
	}
	return lobbyTelemetry{
		LobbyID:        r.ID,
		SessionID:      r.SessionID,
		Title:          r.Title,
		Map:            r.Map,
		Mode:           r.Mode,
		Playlist:       r.Playlist,
		HostName:       r.HostName,
		CurrentPlayers: r.CurrentPlayers,
		MaxPlayers:     r.MaxPlayers,
		IsModded:       r.IsModded,
		RequiredMods:   mods,
		Status:         r.Status.String(),
		UpdatedAt:      r.UpdatedAt,
	}
}

// MirrorLobby posts the record, retrying transient failures with
// exponential backoff. 4xx responses are not retried.
func (c *Client) MirrorLobby(ctx context.Context, r *lobby.Record) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	body, err := json.Marshal(toTelemetry(r))
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.post(ctx, "/lobbies/telemetry", body)
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Debug("Lobby mirror attempt failed")
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("mirroring lobby %s: %w", r.ID, err)
	}
	return nil
}

// LeaveLobby tells the backend this client left the lobby. Single attempt.
func (c *Client) LeaveLobby(ctx context.Context, lobbyID string) error {
	if !c.Enabled() {
		return nil
	}
	if lobbyID == "" {
		return errors.New("empty lobby id")
	}
	if err := c.post(ctx, "/lobbies/"+url.PathEscape(lobbyID)+"/leave", nil); err != nil {
		return fmt.Errorf("leaving lobby %s: %w", lobbyID, err)
	}
	return nil
}

// PresenceShutdown marks this client offline. Single attempt.
func (c *Client) PresenceShutdown(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.post(ctx, "/presence/shutdown", nil); err != nil {
		return fmt.Errorf("presence shutdown: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
}
