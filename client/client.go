package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	monument "github.com/monument-sim/monument"
)

// Default client configuration values
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxElapsed = 15 * time.Second
	DefaultPoll       = 500 * time.Millisecond
)

// Client is the agent-side HTTP client for one actor in one namespace.
type Client struct {
	baseURL    string
	namespace  string
	actorID    string
	secret     string
	httpClient *http.Client
	maxElapsed time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithRetryBudget bounds how long transient failures are retried.
func WithRetryBudget(d time.Duration) Option {
	return func(c *Client) {
		c.maxElapsed = d
	}
}

// New creates a client bound to one actor. baseURL is the server root,
// e.g. "http://localhost:8080".
func New(baseURL, namespace, actorID, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		namespace:  namespace,
		actorID:    actorID,
		secret:     secret,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxElapsed: DefaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Detail)
}

// AlreadySubmitted reports whether this tick's action was accepted by an
// earlier call. Treat as success.
func (e *APIError) AlreadySubmitted() bool {
	return strings.Contains(e.Detail, "already submitted")
}

// Stale reports whether the submission was built from an outdated
// context. Refetch and decide again.
func (e *APIError) Stale() bool {
	return strings.Contains(e.Detail, "Context hash mismatch") ||
		strings.Contains(e.Detail, "Supertick mismatch")
}

// Trace carries the optional LLM passthrough fields stored alongside the
// journal row. The server treats them as opaque.
type Trace struct {
	LLMInput  string
	LLMOutput string
}

// actionRequest mirrors the server's action submission body.
type actionRequest struct {
	Namespace   string `json:"namespace"`
	Supertick   int64  `json:"supertick_id"`
	ContextHash string `json:"context_hash"`
	Action      string `json:"action"`
	LLMInput    string `json:"llm_input,omitempty"`
	LLMOutput   string `json:"llm_output,omitempty"`
}

// FetchContext retrieves the actor's rendered HUD for the current tick.
// Zero lengths take the server defaults.
func (c *Client) FetchContext(ctx context.Context, historyLen, chatLen int) (*monument.ContextResult, error) {
	query := url.Values{}
	if historyLen > 0 {
		query.Set("history_length", strconv.Itoa(historyLen))
	}
	if chatLen > 0 {
		query.Set("chat_length", strconv.Itoa(chatLen))
	}

	var out monument.ContextResult
	path := fmt.Sprintf("/sim/%s/agent/%s/context", c.namespace, c.actorID)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAction stages one action against the tick the context was
// fetched for. The returned error, if an *APIError, classifies via
// AlreadySubmitted and Stale.
func (c *Client) SubmitAction(ctx context.Context, cx *monument.ContextResult, action string, trace *Trace) error {
	body := actionRequest{
		Namespace:   c.namespace,
		Supertick:   cx.Supertick,
		ContextHash: cx.ContextHash,
		Action:      action,
	}
	if trace != nil {
		body.LLMInput = trace.LLMInput
		body.LLMOutput = trace.LLMOutput
	}
	path := fmt.Sprintf("/sim/%s/agent/%s/action", c.namespace, c.actorID)
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

// Status fetches the namespace's public state.
func (c *Client) Status(ctx context.Context) (*monument.Status, error) {
	var out monument.Status
	if err := c.do(ctx, http.MethodGet, "/sim/"+c.namespace+"/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActionFunc chooses an action string from a rendered context. The trace
// may be nil.
type ActionFunc func(cx *monument.ContextResult) (action string, trace *Trace, err error)

// Step runs one tick cycle: fetch context, decide, submit. A stale
// rejection refetches and decides once more; AlreadySubmitted counts as
// success, since the journal row exists either way.
func (c *Client) Step(ctx context.Context, decide ActionFunc) error {
	for attempt := 0; attempt < 2; attempt++ {
		cx, err := c.FetchContext(ctx, 0, 0)
		if err != nil {
			return err
		}
		action, trace, err := decide(cx)
		if err != nil {
			return err
		}
		err = c.SubmitAction(ctx, cx, action, trace)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.AlreadySubmitted() {
				return nil
			}
			if apiErr.Stale() && attempt == 0 {
				continue
			}
		}
		return err
	}
	return nil
}

// WaitForTick polls until a tick later than after is collecting, the
// namespace pauses, or ctx expires.
func (c *Client) WaitForTick(ctx context.Context, after int64, poll time.Duration) (*monument.Status, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx)
		if err != nil {
			return nil, err
		}
		if st.Supertick > after && st.Phase == monument.PhaseCollect {
			return st, nil
		}
		if st.Phase == monument.PhasePaused || st.Faulted {
			return st, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// do sends one request, retrying transport failures and 5xx responses
// with exponential backoff. 4xx responses are returned immediately as
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	op := func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agent-Secret", c.secret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
			}
			return nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "internal"}
		var envelope struct {
			Error struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Detail = envelope.Error.Detail
		} else {
			apiErr.Detail = string(raw)
		}

		// 5xx may be transient (store busy, mid-restart); retry those.
		if resp.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
