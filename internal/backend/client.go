// Package backend is the HTTP adapter for the onboarding service: question
// generation, preference extraction and final persistence all live on the
// server side; this client only moves JSON.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"attune/internal/onboarding"
)

const defaultTimeout = 30 * time.Second

// stepRequest is the wire shape for POST /onboarding/step. The full
// conversation is replayed on every call; the backend is stateless between
// turns.
type stepRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	History   []onboarding.Turn `json:"history"`
	Answer    string            `json:"answer"`
}

type stepResponse struct {
	NextPrompt  string         `json:"next_prompt"`
	Preferences map[string]any `json:"preferences"`
	Complete    bool           `json:"complete"`
}

// saveRequest is the wire shape for POST /onboarding/complete.
type saveRequest struct {
	SessionID   string            `json:"session_id"`
	Preferences map[string]any    `json:"preferences"`
	Transcript  []onboarding.Turn `json:"transcript"`
}

type saveResponse struct {
	Accepted bool `json:"accepted"`
}

type statusResponse struct {
	Completed bool `json:"completed"`
}

// Client talks to the onboarding backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSocksProxy routes all requests through a SOCKS5 proxy.
func WithSocksProxy(addr string) Option {
	return func(c *Client) {
		dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			return
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					return dialer.Dial(network, address)
				},
			},
			Timeout: defaultTimeout,
		}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Step sends the conversation history plus the latest answer and returns the
// backend's next move. A sentinel "onboarding complete" prompt is normalized
// into Complete=true with an empty NextPrompt, so callers only branch on the
// boolean.
func (c *Client) Step(ctx context.Context, sessionID string, history []onboarding.Turn, answer string) (onboarding.StepResult, error) {
	var resp stepResponse
	err := c.post(ctx, "/onboarding/step", stepRequest{SessionID: sessionID, History: history, Answer: answer}, &resp)
	if err != nil {
		return onboarding.StepResult{}, err
	}

	res := onboarding.StepResult{
		NextPrompt:  resp.NextPrompt,
		Preferences: resp.Preferences,
		Complete:    resp.Complete,
	}
	if onboarding.IsCompletionSentinel(res.NextPrompt) {
		res.Complete = true
		res.NextPrompt = ""
	}
	return res, nil
}

// Save persists the finished session.
func (c *Client) Save(ctx context.Context, result onboarding.Result) error {
	var resp saveResponse
	err := c.post(ctx, "/onboarding/complete", saveRequest{
		SessionID:   result.SessionID,
		Preferences: result.Preferences,
		Transcript:  result.Transcript,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return &onboarding.Error{
			Code:  onboarding.ErrorBackend,
			Phase: onboarding.PhaseFinishing,
			Err:   errors.New("backend rejected the onboarding result"),
		}
	}
	return nil
}

// Status reports whether this user has already completed onboarding. Queried
// once at application start to decide whether to run the engine at all.
func (c *Client) Status(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/onboarding/status", nil)
	if err != nil {
		return false, unavailable(err)
	}
	var resp statusResponse
	if err := c.do(req, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return unavailable(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unavailable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return unavailable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := onboarding.ErrorBackend
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = onboarding.ErrorBackendUnavailable
		}
		return &onboarding.Error{
			Code: code,
			Err:  fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, trim(raw)),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &onboarding.Error{
			Code: onboarding.ErrorBackend,
			Err:  fmt.Errorf("decode response from %s: %w", req.URL.Path, err),
		}
	}
	return nil
}

func unavailable(err error) error {
	return &onboarding.Error{Code: onboarding.ErrorBackendUnavailable, Err: err}
}

func trim(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
