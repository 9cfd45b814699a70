// Package client is a typed HTTP client for the claim API.
package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claimkv/internal/registry"
)

// APIError surfaces non-2xx responses from the server. Known statuses match
// the registry sentinels through errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

//nolint:errorlint
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == registry.ErrNotFound
	case http.StatusForbidden:
		return target == registry.ErrNotOwner
	case http.StatusConflict:
		return target == registry.ErrAlreadyExists
	case http.StatusUnauthorized:
		return target == ErrUnauthenticated
	}
	return false
}

var ErrUnauthenticated = errors.New("client: caller not authenticated")

// Entry is a claim as returned by the server.
type Entry struct {
	Key      []byte
	Owner    string
	Sequence uint64
}

type Event struct {
	ID     string
	At     time.Time
	Kind   string
	Caller string
	Key    []byte
}

type Health struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
	Claims   int    `json:"claims"`
}

type Client struct {
	baseURL      string
	httpClient   *http.Client
	caller       string
	callerHeader string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithCallerHeader(h string) Option { return func(c *Client) { c.callerHeader = h } }

// New returns a client acting as caller.
func New(baseURL, caller string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   http.DefaultClient,
		caller:       caller,
		callerHeader: "X-Caller-ID",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// As returns a copy of c acting as another caller.
func (c *Client) As(caller string) *Client {
	cp := *c
	cp.caller = caller
	return &cp
}

// Create claims key; returns registry.ErrAlreadyExists on 409.
func (c *Client) Create(ctx context.Context, key []byte) (Entry, error) {
	return c.entryCall(ctx, http.MethodPost, key, http.StatusCreated)
}

// Read returns the claim if the caller owns it.
func (c *Client) Read(ctx context.Context, key []byte) (Entry, error) {
	return c.entryCall(ctx, http.MethodGet, key, http.StatusOK)
}

// Update refreshes the claim's sequence.
func (c *Client) Update(ctx context.Context, key []byte) (Entry, error) {
	return c.entryCall(ctx, http.MethodPut, key, http.StatusOK)
}

// Remove deletes the claim.
func (c *Client) Remove(ctx context.Context, key []byte) error {
	resp, err := c.do(ctx, http.MethodDelete, claimPath(key), true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return newAPIError(resp)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", false)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{}, newAPIError(resp)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Stream is a live subscription to the server's event stream.
type Stream struct {
	events chan Event
	err    error
}

// Events returns the delivered events. The channel is closed when the stream
// ends; Err then reports why.
func (s *Stream) Events() <-chan Event { return s.events }

// Err is nil while the stream runs and after a clean end (the server closed
// the stream or the context was cancelled).
func (s *Stream) Err() error { return s.err }

// Events follows the server-sent event stream until ctx is done or the
// server closes it.
func (c *Client) Events(ctx context.Context) (*Stream, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/events", false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	s := &Stream{events: make(chan Event)}
	go func() {
		defer close(s.events)
		defer resp.Body.Close()
		s.err = s.follow(ctx, bufio.NewReader(resp.Body))
	}()
	return s, nil
}

// follow reads whole lines, so events carrying large keys are not cut off.
func (s *Stream) follow(ctx context.Context, r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if !ok {
			continue
		}
		ev, err := decodeEvent([]byte(data))
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

type wireEntry struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Sequence uint64 `json:"sequence"`
}

type wireEvent struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Caller string    `json:"caller"`
	Key    *string   `json:"key"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) entryCall(ctx context.Context, method string, key []byte, want int) (Entry, error) {
	resp, err := c.do(ctx, method, claimPath(key), true)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return Entry{}, newAPIError(resp)
	}

	var w wireEntry
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	raw, err := decodeKey(w.Key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: raw, Owner: w.Owner, Sequence: w.Sequence}, nil
}

func (c *Client) do(ctx context.Context, method, path string, withCaller bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if withCaller && c.caller != "" {
		req.Header.Set(c.callerHeader, c.caller)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func claimPath(key []byte) string {
	return "/v1/claims/" + base64.RawURLEncoding.EncodeToString(key)
}

func decodeKey(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key %q: %w", s, err)
	}
	return raw, nil
}

func decodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, err
	}
	ev := Event{ID: w.ID, At: w.At, Kind: w.Kind, Caller: w.Caller}
	if w.Key != nil {
		raw, err := decodeKey(*w.Key)
		if err != nil {
			return Event{}, err
		}
		ev.Key = raw
	}
	return ev, nil
}

func newAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var w wireError
	if json.Unmarshal(body, &w) == nil && w.Code != "" {
		apiErr.Code = w.Code
		apiErr.Message = w.Message
	}
	return apiErr
}
