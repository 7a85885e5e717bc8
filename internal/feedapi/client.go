// Package feedapi is the REST transport for the story backend.
package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"story-playback/internal/stories"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response error.
var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError describes a non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %v %d", e.Op, ErrUnexpectedStatus, e.Code)
	}
	return fmt.Sprintf("%s: %v %d: %s", e.Op, ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// StatusCode returns the HTTP status of err, or 0 if err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// RetryConfig controls exponential backoff of idempotent calls.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the retry policy used when none is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      1.5,
	}
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token.
	Token   string
	Timeout time.Duration
	Retry   RetryConfig
	// ViewReceiptsPerSecond throttles view receipts. Zero disables throttling.
	ViewReceiptsPerSecond float64
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the story REST API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	retry RetryConfig
	views *rate.Limiter
	log   *slog.Logger
}

// New returns a Client for cfg.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	retry := cfg.Retry
	if retry.InitialInterval <= 0 {
		retry = DefaultRetryConfig()
	}
	views := rate.NewLimiter(rate.Inf, 1)
	if cfg.ViewReceiptsPerSecond > 0 {
		views = rate.NewLimiter(rate.Limit(cfg.ViewReceiptsPerSecond), 1)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{base: base, token: cfg.Token, http: hc, retry: retry, views: views, log: log}, nil
}

type feedResponse struct {
	Groups []stories.Group `json:"groups"`
}

// FetchFeed returns the story groups visible to the viewer, in feed order.
func (c *Client) FetchFeed(ctx context.Context) ([]stories.Group, error) {
	var out feedResponse
	err := c.withRetry(ctx, "fetch feed", func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/stories/feed", nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, "fetch feed", &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// ToggleLike flips the viewer's like and returns the authoritative likes.
// It is not retried: a duplicate toggle would undo the first.
func (c *Client) ToggleLike(ctx context.Context, id stories.StoryID) (stories.LikeResult, error) {
	var out stories.LikeResult
	req, err := c.newRequest(ctx, http.MethodPost, "/stories/"+url.PathEscape(string(id))+"/like", nil)
	if err != nil {
		return out, err
	}
	if err := c.doJSON(req, "toggle like", &out); err != nil {
		return out, err
	}
	return out, nil
}

// SendViewReceipt records that the viewer saw id. Receipts are throttled.
func (c *Client) SendViewReceipt(ctx context.Context, id stories.StoryID) error {
	if err := c.views.Wait(ctx); err != nil {
		return fmt.Errorf("view receipt: %w", err)
	}
	return c.withRetry(ctx, "view receipt", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/stories/"+url.PathEscape(string(id))+"/view", nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, "view receipt", nil)
	})
}

// Delete removes one of the viewer's stories. A story that is already gone
// counts as deleted.
func (c *Client) Delete(ctx context.Context, id stories.StoryID) error {
	err := c.withRetry(ctx, "delete", func() error {
		req, err := c.newRequest(ctx, http.MethodDelete, "/stories/"+url.PathEscape(string(id)), nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, "delete", nil)
	})
	if StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// Upload posts draft as a new story. tempID is echoed back by the server on
// the story_created push so the optimistic item can be matched.
func (c *Client) Upload(ctx context.Context, tempID string, draft stories.Draft) (stories.Item, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := draft.Filename
	if filename == "" {
		filename = "story"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return stories.Item{}, err
	}
	if _, err := fw.Write(draft.Data); err != nil {
		return stories.Item{}, err
	}
	fields := map[string]string{
		"kind":    string(draft.Kind),
		"privacy": string(draft.Privacy),
		"is_hdr":  strconv.FormatBool(draft.IsHDR),
		"temp_id": tempID,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return stories.Item{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return stories.Item{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/stories", &buf)
	if err != nil {
		return stories.Item{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out stories.Item
	if err := c.doJSON(req, "upload", &out); err != nil {
		return stories.Item{}, err
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// doJSON sends req and decodes a 2xx body into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// withRetry retries operation on network errors and 5xx. Client errors are
// permanent.
func (c *Client) withRetry(ctx context.Context, op string, operation func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval
	bo.Multiplier = c.retry.Multiplier
	bo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.retry.MaxRetries), ctx)

	notify := func(err error, next time.Duration) {
		c.log.Warn("request failed, retrying",
			slog.String("operation", op),
			slog.String("error", err.Error()),
			slog.String("next_attempt_in", next.Round(time.Millisecond).String()),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if code := StatusCode(err); code >= 400 && code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
}
