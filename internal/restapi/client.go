// Package restapi is the REST fallback used for history and for task state
// while the realtime connection is down.
package restapi

import (
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

	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/pkg/api"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

const maxErrorBody = 4096

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// classify maps a status code to the error taxonomy. The server's own message
// is kept for domain errors.
func (e *APIError) classify(op string) *apperr.Error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		msg := e.Message
		if msg == "" {
			msg = http.StatusText(e.StatusCode)
		}
		return &apperr.Error{Kind: apperr.KindAuth, Op: op, Message: msg, Err: e}
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: e.Message, Err: e}
	case e.StatusCode >= 500:
		return apperr.Transport(op, e)
	default:
		if e.Message == "" {
			return &apperr.Error{Kind: apperr.KindDomain, Op: op, Err: e}
		}
		return &apperr.Error{Kind: apperr.KindDomain, Op: op, Message: e.Message, Err: e}
	}
}

type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "restapi").Logger() }
}

// New builds a client for baseURL, e.g. "http://localhost:8080". token is
// called per request.
func New(baseURL string, token func() string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Validation(op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Timeout(op, err)
		}
		return apperr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return apiErr.classify(op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage extracts the message of an api.ErrorResponse body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var resp api.ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return strings.TrimSpace(string(body))
}

// ListMessages returns the task's messages with ids greater than after.
func (c *Client) ListMessages(ctx context.Context, taskID, after int64) ([]realtime.Message, error) {
	var out api.MessageListResponse
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if err := c.getJSON(ctx, "list messages", fmt.Sprintf("/api/tasks/%d/messages", taskID), q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// FetchHistory makes the client usable as a history source.
func (c *Client) FetchHistory(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error) {
	return c.ListMessages(ctx, taskID, afterMessageID)
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (api.TaskResponse, error) {
	var out api.TaskResponse
	err := c.getJSON(ctx, "get task", fmt.Sprintf("/api/tasks/%d", taskID), nil, &out)
	return out, err
}

func (c *Client) CurrentUser(ctx context.Context) (api.UserResponse, error) {
	var out api.UserResponse
	err := c.getJSON(ctx, "current user", "/api/me", nil, &out)
	return out, err
}
