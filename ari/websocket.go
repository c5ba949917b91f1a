package ari

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/metrics"
	"github.com/migadu/vmail/pkg/retry"
)

// eventsURL is the websocket endpoint subscribed to the configured applications.
func (c *Client) eventsURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/events"
	u.RawPath = ""
	q := url.Values{}
	q.Set("app", strings.Join(c.apps, ","))
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	origin := *c.baseURL
	origin.Path = "/"
	origin.RawPath = ""
	cfg, err := websocket.NewConfig(c.eventsURL(), origin.String())
	if err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	cfg.Header.Set("Authorization", "Basic "+auth)
	return cfg.DialContext(ctx)
}

// Events connects to the event websocket and calls handle for every event
// until ctx is done, reconnecting with backoff after failures. handle runs on
// the reading goroutine.
func (c *Client) Events(ctx context.Context, backoff retry.BackoffConfig, handle func(*Event)) error {
	b := retry.NewBackoff(backoff)
	for {
		err := c.readEvents(ctx, func(ev *Event) {
			b.Reset()
			handle(ev)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Next()
		metrics.ARIReconnects.Inc()
		logger.Warn("ARI event stream disconnected", "error", err, "retry_in", delay, "attempt", b.Attempts())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) readEvents(ctx context.Context, handle func(*Event)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial ARI events: %w", err)
	}
	defer conn.Close()
	logger.Info("ARI event stream connected", "applications", c.apps)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("ARI closed the event stream")
			}
			return err
		}
		ev, err := ParseEvent(data)
		if err != nil {
			logger.Warn("Failed to decode ARI event", "error", err)
			continue
		}
		metrics.ARIEventsTotal.WithLabelValues(ev.Type).Inc()
		handle(ev)
	}
}
