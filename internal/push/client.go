// Package push receives live story events over a WebSocket.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"story-playback/internal/platform/metrics"
	"story-playback/internal/stories"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultInitialRetry = 500 * time.Millisecond
	defaultMaxRetry     = 30 * time.Second
	writeWait           = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	// ReadTimeout closes a connection that stays silent, pings included.
	ReadTimeout time.Duration
	// InitialRetry and MaxRetry bound the reconnect backoff.
	InitialRetry time.Duration
	MaxRetry     time.Duration
}

// Client keeps a push connection open and hands decoded events to a callback.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Client. m may be nil.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.InitialRetry <= 0 {
		cfg.InitialRetry = defaultInitialRetry
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log:     log,
		metrics: m,
	}
}

// Decode parses and validates one event frame.
func Decode(data []byte) (stories.Event, error) {
	var ev stories.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return stories.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return stories.Event{}, err
	}
	return ev, nil
}

// Run delivers events to handle until ctx is done, reconnecting with
// exponential backoff. handle runs on the reader goroutine. Run returns nil
// once ctx is cancelled.
func (c *Client) Run(ctx context.Context, handle func(stories.Event)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialRetry
	bo.MaxInterval = c.cfg.MaxRetry
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		connected, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		c.metrics.IncTransportFailures("push")
		c.log.Warn("push channel disconnected",
			slog.String("error", err.Error()),
			slog.String("retry_in", wait.Round(time.Millisecond).String()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context, handle func(stories.Event)) (connected bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblocks ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.log.Info("push channel connected", slog.String("url", c.cfg.URL))

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		extend()

		ev, err := Decode(data)
		if err != nil {
			c.log.Warn("dropping push event", slog.String("error", err.Error()))
			continue
		}
		handle(ev)
	}
}
