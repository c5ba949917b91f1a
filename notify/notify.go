// Package notify emails mailbox owners when a caller leaves a voicemail.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/k3a/html2text"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/circuitbreaker"
	"github.com/migadu/vmail/pkg/metrics"
)

// RecordingFetcher downloads a stored recording by name.
type RecordingFetcher interface {
	GetStoredRecordingFile(ctx context.Context, name string) ([]byte, error)
}

// SendError wraps an SMTP failure with whether a retry could succeed.
type SendError struct {
	Err       error
	Permanent bool
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx SMTP reply.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Notifier relays new voicemail emails through an SMTP server.
type Notifier struct {
	host        string
	useStartTLS bool
	tlsVerify   bool
	username    string
	password    string
	from        string
	timeout     time.Duration
	attachAudio bool
	recordings  RecordingFetcher
	breaker     *circuitbreaker.CircuitBreaker
}

// New builds a Notifier from cfg. recordings may be nil when audio is not
// attached.
func New(cfg config.NotifyConfig, recordings RecordingFetcher) (*Notifier, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("notify.smtp_host is not set")
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid notify.timeout: %w", err)
	}
	breakerTimeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid notify.circuit_breaker_timeout: %w", err)
	}

	settings := circuitbreaker.DefaultSettings("smtp", cfg.GetCircuitBreakerThreshold(), breakerTimeout)
	// A rejected recipient says nothing about the relay's health.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsPermanentError(err)
	}

	return &Notifier{
		host:        cfg.SMTPHost,
		useStartTLS: cfg.SMTPUseStartTLS,
		tlsVerify:   cfg.SMTPTLSVerify,
		username:    cfg.SMTPUsername,
		password:    cfg.SMTPPassword,
		from:        cfg.From,
		timeout:     timeout,
		attachAudio: cfg.AttachAudio && recordings != nil,
		recordings:  recordings,
		breaker:     circuitbreaker.NewCircuitBreaker(settings),
	}, nil
}

// NotifyNewMessage emails mb's owner about msg.
// Breaker guards the SMTP relay.
func (n *Notifier) Breaker() *circuitbreaker.CircuitBreaker {
	return n.breaker
}

func (n *Notifier) NotifyNewMessage(ctx context.Context, mb *mailbox.Mailbox, msg *mailbox.Message) error {
	if mb.Email == "" {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	var audio []byte
	if n.attachAudio {
		data, err := n.recordings.GetStoredRecordingFile(ctx, msg.Recording)
		if err != nil {
			logger.WarnContext(ctx, "Notify: sending without audio", "recording", msg.Recording, "error", err)
		} else {
			audio = data
		}
	}

	body, err := Compose(n.from, mb, msg, audio)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to compose notification: %w", err)
	}

	err = n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.send(ctx, mb.Email, body)
	})
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues("success").Inc()
		logger.InfoContext(ctx, "Notify: new voicemail email sent", "mailbox", mb.Number, "message_id", msg.ID)
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		logger.WarnContext(ctx, "Notify: circuit breaker is OPEN, skipping email", "host", n.host)
		metrics.NotificationsTotal.WithLabelValues("circuit_breaker_open").Inc()
		return fmt.Errorf("smtp circuit breaker is open: %w", err)
	default:
		metrics.NotificationsTotal.WithLabelValues("failure").Inc()
		return err
	}
}

func (n *Notifier) dial() (*smtp.Client, error) {
	if !n.useStartTLS {
		return smtp.Dial(n.host)
	}
	return smtp.DialStartTLS(n.host, &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !n.tlsVerify,
	})
}

func (n *Notifier) send(ctx context.Context, to string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := n.dial()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to connect to %s: %w", n.host, err)}
	}
	defer c.Close()
	c.CommandTimeout = n.timeout
	c.SubmissionTimeout = n.timeout

	if n.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", n.username, n.password)); err != nil {
			return &SendError{Err: fmt.Errorf("failed to authenticate: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	if err := c.Mail(n.from, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}
	wc, err := c.Data()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &SendError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Quit(); err != nil {
		logger.Warn("Notify: failed to send QUIT", "error", err)
	}
	return nil
}

var bodyTemplate = template.Must(template.New("body").Parse(`<html><body>
<p>You have a new voicemail in mailbox {{.Number}}.</p>
<p>From: {{.Caller}}<br>
Date: {{.Date}}<br>
Length: {{.Length}}</p>
</body></html>`))

// Compose renders the notification email for msg as HTML with a plain text
// alternative. audio, when not empty, is attached.
func Compose(from string, mb *mailbox.Mailbox, msg *mailbox.Message, audio []byte) ([]byte, error) {
	caller := msg.CallerID
	if caller == "" {
		caller = "an unknown caller"
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "Voicemail", Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: mb.DisplayName, Address: mb.Email}})
	h.SetSubject(fmt.Sprintf("New voicemail from %s in mailbox %s", caller, mb.Number))
	h.Set("Auto-Submitted", "auto-generated")
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var html bytes.Buffer
	err := bodyTemplate.Execute(&html, map[string]string{
		"Number": mb.Number,
		"Caller": caller,
		"Date":   msg.Date.Format(time.RFC1123Z),
		"Length": msg.Duration.Round(time.Second).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	text := html2text.HTML2Text(html.String())

	var buf bytes.Buffer
	if len(audio) == 0 {
		iw, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if err := writeAlternatives(iw, text, html.Bytes()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeAlternatives(iw, text, html.Bytes()); err != nil {
		return nil, err
	}

	contentType := http.DetectContentType(audio)
	var ah mail.AttachmentHeader
	ah.Set("Content-Type", contentType)
	ah.SetFilename(fmt.Sprintf("voicemail-%d%s", msg.ID, audioExtension(contentType)))
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(audio); err != nil {
		return nil, err
	}
	aw.Close()

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAlternatives writes the text and HTML parts and closes iw.
func writeAlternatives(iw *mail.InlineWriter, text string, html []byte) error {
	for _, part := range []struct {
		contentType string
		body        []byte
	}{
		{"text/plain", []byte(text)},
		{"text/html", html},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return err
		}
		if _, err := w.Write(part.body); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return iw.Close()
}

func audioExtension(contentType string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "application/ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}
