// Package api is a client for the board application's recording-session API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boardcast/recorder/internal/httputil"
)

var ErrNotConfigured = errors.New("api: base URL is not configured")

type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// RecordingRequest registers a finished recording with a board.
type RecordingRequest struct {
	BoardID     string  `json:"boardId,omitempty"`
	WorkspaceID string  `json:"workspaceId,omitempty"`
	Title       string  `json:"title"`
	DurationSec int     `json:"durationSec"`
	VideoURL    *string `json:"videoUrl"`
	SizeBytes   int64   `json:"sizeBytes,omitempty"`
	MIMEType    string  `json:"mimeType,omitempty"`
}

type WorkspaceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type BoardRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// RecordingSession is a recording as stored by the board application.
type RecordingSession struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	CreatedAt   time.Time     `json:"createdAt"`
	DurationSec *int          `json:"durationSec"`
	VideoURL    *string       `json:"videoUrl,omitempty"`
	Workspace   *WorkspaceRef `json:"workspace"`
	Board       *BoardRef     `json:"board"`
}

type listResponse struct {
	Sessions []RecordingSession `json:"sessions"`
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetry(cfg httputil.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: httputil.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a base URL was given.
func (c *Client) Configured() bool { return c.baseURL != "" }

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
	return h
}

// CreateRecording registers a recording and returns the stored session.
func (c *Client) CreateRecording(ctx context.Context, req *RecordingRequest) (*RecordingSession, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recording request: %w", err)
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/recording-sessions", body, c.headers(), c.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("create recording failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var session RecordingSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		if errors.Is(err, io.EOF) {
			// Some deployments answer 201 with no body.
			return &RecordingSession{Title: req.Title}, nil
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &session, nil
}

// ListRecordings returns the caller's recording sessions.
func (c *Client) ListRecordings(ctx context.Context) ([]RecordingSession, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/recording-sessions", nil, c.headers(), c.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list recordings failed with status %d", resp.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Sessions == nil {
		out.Sessions = []RecordingSession{}
	}
	return out.Sessions, nil
}
