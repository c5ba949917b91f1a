// Package ari is a minimal Asterisk REST Interface client: the REST commands
// the voicemail applications issue, the event websocket, and a router that
// hands each call only the events of its own channel.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/metrics"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL            string // base URL, e.g. http://localhost:8088/ari
	Username       string
	Password       string
	Applications   []string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client issues ARI REST commands.
type Client struct {
	baseURL  *url.URL
	username string
	password string
	apps     []string
	http     *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ARI url %q: %w", opts.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid ARI url %q: scheme must be http or https", opts.URL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:  base,
		username: opts.Username,
		password: opts.Password,
		apps:     opts.Applications,
		http:     httpClient,
	}, nil
}

// RecordOptions are the parameters of a channel recording.
type RecordOptions struct {
	Name        string
	Format      string
	MaxSilence  time.Duration
	MaxDuration time.Duration
	Beep        bool
	IfExists    string // fail, overwrite, append
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, "answer", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup hangs up a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, "hangup", http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// Record starts recording a channel.
func (c *Client) Record(ctx context.Context, channelID string, opts RecordOptions) (*LiveRecording, error) {
	q := url.Values{}
	q.Set("name", opts.Name)
	q.Set("format", opts.Format)
	q.Set("maxSilenceSeconds", strconv.Itoa(int(opts.MaxSilence/time.Second)))
	q.Set("maxDurationSeconds", strconv.Itoa(int(opts.MaxDuration/time.Second)))
	q.Set("beep", strconv.FormatBool(opts.Beep))
	ifExists := opts.IfExists
	if ifExists == "" {
		ifExists = "fail"
	}
	q.Set("ifExists", ifExists)
	q.Set("terminateOn", "none")

	var rec LiveRecording
	err := c.do(ctx, "record", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", q, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// StopRecording stops a live recording and stores it.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.do(ctx, "stop_recording", http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil)
}

// CancelRecording stops a live recording and discards it.
func (c *Client) CancelRecording(ctx context.Context, name string) error {
	return c.do(ctx, "cancel_recording", http.MethodDelete, "/recordings/live/"+url.PathEscape(name), nil, nil)
}

// Play starts media on a channel under a caller chosen playback id.
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", media)
	var pb Playback
	path := "/channels/" + url.PathEscape(channelID) + "/play/" + url.PathEscape(playbackID)
	if err := c.do(ctx, "play", http.MethodPost, path, q, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// StopPlayback stops a playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, "stop_playback", http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil)
}

// GetMailbox reads a mailbox waiting indicator.
func (c *Client) GetMailbox(ctx context.Context, name string) (*MailboxState, error) {
	var mb MailboxState
	if err := c.do(ctx, "get_mailbox", http.MethodGet, "/mailboxes/"+url.PathEscape(name), nil, &mb); err != nil {
		return nil, err
	}
	return &mb, nil
}

// UpdateMailbox sets the message counts of a mailbox waiting indicator.
func (c *Client) UpdateMailbox(ctx context.Context, name string, oldMessages, newMessages int) error {
	q := url.Values{}
	q.Set("oldMessages", strconv.Itoa(oldMessages))
	q.Set("newMessages", strconv.Itoa(newMessages))
	return c.do(ctx, "update_mailbox", http.MethodPut, "/mailboxes/"+url.PathEscape(name), q, nil)
}

// GetStoredRecordingFile downloads a stored recording.
func (c *Client) GetStoredRecordingFile(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.send(ctx, "get_recording_file", http.MethodGet, "/recordings/stored/"+url.PathEscape(name)+"/file", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// DeleteStoredRecording removes a stored recording from Asterisk.
func (c *Client) DeleteStoredRecording(ctx context.Context, name string) error {
	return c.do(ctx, "delete_recording", http.MethodDelete, "/recordings/stored/"+url.PathEscape(name), nil, nil)
}

// Ping checks that ARI is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/asterisk/ping", nil, nil)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	// Keep escaped slashes in resource names such as voicemail%2F12%2F<uuid>.
	u.RawPath = c.baseURL.EscapedPath() + path
	u.Path = c.baseURL.Path + mustUnescape(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func mustUnescape(p string) string {
	s, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return s
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, out any) error {
	resp, err := c.send(ctx, op, method, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ari %s: failed to decode response: %w", op, err)
	}
	return nil
}

// send performs a request and converts non-2xx statuses into *Error.
func (c *Client) send(ctx context.Context, op, method, path string, q url.Values) (*http.Response, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), nil)
	if err != nil {
		return nil, fmt.Errorf("ari %s: failed to create request: %w", op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	metrics.ARICommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ARICommandsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("ari %s: request failed: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ARICommandsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		apiErr := &Error{Operation: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
		logger.Debug("ARI command failed", "operation", op, "status", resp.StatusCode, "message", apiErr.Message)
		return nil, apiErr
	}

	metrics.ARICommandsTotal.WithLabelValues(op, "ok").Inc()
	return resp, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return string(bytes.TrimSpace(body))
}
