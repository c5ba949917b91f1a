package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/circuitbreaker"
)

var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00")

type testSMTPMessage struct {
	From string
	To   []string
	Data []byte
}

type testSMTPBackend struct {
	mu       sync.Mutex
	messages []testSMTPMessage
	username string
	password string
}

func (b *testSMTPBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &testSMTPSession{backend: b}, nil
}

func (b *testSMTPBackend) received() []testSMTPMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]testSMTPMessage(nil), b.messages...)
}

type testSMTPSession struct {
	backend *testSMTPBackend
	from    string
	to      []string
}

func (s *testSMTPSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSMTPSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *testSMTPSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSMTPSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *testSMTPSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, testSMTPMessage{From: s.from, To: s.to, Data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSMTPSession) Reset() {}

func (s *testSMTPSession) Logout() error { return nil }

func startSMTPServer(t *testing.T, backend *testSMTPBackend) string {
	t.Helper()
	server := smtp.NewServer(backend)
	server.Domain = "relay.test"
	server.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.Serve(listener); err != nil && !strings.Contains(err.Error(), "closed") {
			t.Logf("SMTP server error: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })
	return listener.Addr().String()
}

type fakeRecordings struct {
	data  []byte
	err   error
	names []string
}

func (f *fakeRecordings) GetStoredRecordingFile(_ context.Context, name string) ([]byte, error) {
	f.names = append(f.names, name)
	return f.data, f.err
}

func testMailbox() *mailbox.Mailbox {
	return &mailbox.Mailbox{ID: 3, Number: "1000", DisplayName: "Alice", Email: "alice@example.com"}
}

func testMessage() *mailbox.Message {
	return &mailbox.Message{
		ID:        7,
		MailboxID: 3,
		Date:      time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		CallerID:  "Bob <2000>",
		Duration:  42 * time.Second,
		Recording: "voicemail/3/abc",
	}
}

func TestComposeWithoutAudio(t *testing.T) {
	data, err := Compose("voicemail@example.com", testMailbox(), testMessage(), nil)
	require.NoError(t, err)

	mr, err := mail.CreateReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "New voicemail from Bob <2000> in mailbox 1000", subject)

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "alice@example.com", to[0].Address)

	msgID, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	mediaType, _, err := mr.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	bodies := make(map[string]string)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, err := p.Header.(*mail.InlineHeader).ContentType()
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		bodies[ct] = string(body)
	}
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies["text/plain"], "Length: 42s")
	assert.NotContains(t, bodies["text/plain"], "<p>")
	assert.Contains(t, bodies["text/html"], "<p>You have a new voicemail in mailbox 1000.</p>")
}

func TestComposeUnknownCaller(t *testing.T) {
	msg := testMessage()
	msg.CallerID = ""
	data, err := Compose("voicemail@example.com", testMailbox(), msg, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "an unknown caller")
}

func TestComposeWithAudio(t *testing.T) {
	data, err := Compose("voicemail@example.com", testMailbox(), testMessage(), wavHeader)
	require.NoError(t, err)

	mr, err := mail.CreateReader(strings.NewReader(string(data)))
	require.NoError(t, err)

	var sawText, sawAudio bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			body, err := io.ReadAll(p.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), "mailbox 1000")
			sawText = true
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			require.NoError(t, err)
			assert.Equal(t, "voicemail-7.wav", filename)
			body, err := io.ReadAll(p.Body)
			require.NoError(t, err)
			assert.Equal(t, wavHeader, body)
			sawAudio = true
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawAudio)
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(config.NotifyConfig{}, nil)
	assert.Error(t, err)
}

func TestNotifyNewMessageDelivers(t *testing.T) {
	backend := &testSMTPBackend{username: "relay", password: "secret"}
	addr := startSMTPServer(t, backend)
	recordings := &fakeRecordings{data: wavHeader}

	n, err := New(config.NotifyConfig{
		SMTPHost:     addr,
		SMTPUsername: "relay",
		SMTPPassword: "secret",
		From:         "voicemail@example.com",
		AttachAudio:  true,
		Timeout:      "5s",
	}, recordings)
	require.NoError(t, err)

	require.NoError(t, n.NotifyNewMessage(context.Background(), testMailbox(), testMessage()))

	got := backend.received()
	require.Len(t, got, 1)
	assert.Equal(t, "voicemail@example.com", got[0].From)
	assert.Equal(t, []string{"alice@example.com"}, got[0].To)
	assert.Contains(t, string(got[0].Data), "voicemail-7.wav")
	assert.Equal(t, []string{"voicemail/3/abc"}, recordings.names)
}

func TestNotifyNewMessageSendsWithoutAudioOnFetchError(t *testing.T) {
	backend := &testSMTPBackend{}
	addr := startSMTPServer(t, backend)

	n, err := New(config.NotifyConfig{SMTPHost: addr, From: "voicemail@example.com", AttachAudio: true},
		&fakeRecordings{err: errors.New("404")})
	require.NoError(t, err)

	require.NoError(t, n.NotifyNewMessage(context.Background(), testMailbox(), testMessage()))
	got := backend.received()
	require.Len(t, got, 1)
	assert.NotContains(t, string(got[0].Data), "attachment")
}

func TestNotifyNewMessageRejectsBadCredentials(t *testing.T) {
	backend := &testSMTPBackend{username: "relay", password: "secret"}
	addr := startSMTPServer(t, backend)

	n, err := New(config.NotifyConfig{SMTPHost: addr, SMTPUsername: "relay", SMTPPassword: "wrong", From: "voicemail@example.com"}, nil)
	require.NoError(t, err)

	err = n.NotifyNewMessage(context.Background(), testMailbox(), testMessage())
	require.Error(t, err)
	assert.Empty(t, backend.received())
}

func TestNotifySkipsMailboxWithoutEmail(t *testing.T) {
	n, err := New(config.NotifyConfig{SMTPHost: "127.0.0.1:1"}, nil)
	require.NoError(t, err)

	mb := testMailbox()
	mb.Email = ""
	assert.NoError(t, n.NotifyNewMessage(context.Background(), mb, testMessage()))
}

func TestCircuitBreakerOpensOnUnreachableRelay(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	n, err := New(config.NotifyConfig{
		SMTPHost:                addr,
		From:                    "voicemail@example.com",
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeout:   "1m",
	}, nil)
	require.NoError(t, err)

	err = n.NotifyNewMessage(context.Background(), testMailbox(), testMessage())
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))

	err = n.NotifyNewMessage(context.Background(), testMailbox(), testMessage())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset"), false},
		{&smtp.SMTPError{Code: 550, Message: "no such user"}, true},
		{&smtp.SMTPError{Code: 451, Message: "try later"}, false},
		{fmt.Errorf("rcpt: %w", &smtp.SMTPError{Code: 554}), true},
		{&SendError{Err: errors.New("x"), Permanent: true}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPermanentError(tt.err), "%v", tt.err)
	}
}
