package voicemail

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/mailbox"
)

type fakeNotifier struct {
	sent []*mailbox.Message
	err  error
}

func (n *fakeNotifier) NotifyNewMessage(_ context.Context, _ *mailbox.Mailbox, msg *mailbox.Message) error {
	n.sent = append(n.sent, msg)
	return n.err
}

func newTestHandler(t *testing.T, h *flowHarness, mb *mailbox.Mailbox, notifier Notifier, settings map[string]string) *MessageHandler {
	t.Helper()
	messages, err := NewMessageHandler(MessageHandlerOptions{
		Store:    h.store,
		ARI:      h.ari,
		Notifier: notifier,
		Mailbox:  mb,
		Channel:  ari.Channel{ID: "chan-1", Caller: ari.CallerID{Number: "555"}},
		Folders:  mailbox.NewFolders(h.store.folders),
		Config:   mailbox.ResolveConfig(settings),
		NewID:    func() string { return "fixed" },
	})
	require.NoError(t, err)
	return messages
}

func TestHelperLoadWithUnknownMailbox(t *testing.T) {
	h := newHarness()
	helper := h.loadHelper(t, "4242")

	assert.Nil(t, helper.Mailbox)
	assert.Nil(t, helper.Messages)
	assert.Equal(t, 5, helper.Folders.Len())
	assert.Equal(t, "4242", helper.Number)
}

func TestHelperConfigLayers(t *testing.T) {
	h := newHarness()
	helper := h.loadHelper(t, "1000")

	require.NotNil(t, helper.Messages)
	assert.Equal(t, map[string]string{
		mailbox.ConfigFormat:      "wav",
		mailbox.ConfigMaxDuration: "60",
		mailbox.ConfigMaxSilence:  "5",
	}, helper.Config.Values())
}

func TestHelperLoadUnknownDomain(t *testing.T) {
	h := newHarness()
	helper := NewHelper(h.services(), "nowhere.example", "1000", ari.Channel{ID: "chan-1"}, nil)

	err := helper.Load(context.Background())
	assert.ErrorIs(t, err, consts.ErrContextNotFound)
}

func TestAccountHandlerAuthorize(t *testing.T) {
	h := newHarness()
	accounts := NewAccountHandler(h.store, nil)
	mb := h.store.mailboxes["1000"]
	ctx := context.Background()

	ok, err := accounts.Authorize(ctx, mb, "1234")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = accounts.Authorize(ctx, mb, "4321")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = accounts.Authorize(ctx, mb, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = accounts.Authorize(ctx, nil, "1234")
	assert.ErrorIs(t, err, consts.ErrMailboxUnresolved)
}

type fakeLimiter struct {
	blocked map[string]bool
	records []string
}

func (f *fakeLimiter) CanAttempt(key string) error {
	if f.blocked[key] {
		return errors.New("blocked")
	}
	return nil
}

func (f *fakeLimiter) Record(key string, success bool) {
	f.records = append(f.records, fmt.Sprintf("%s=%t", key, success))
}

func TestAccountHandlerAuthorizeWithLimiter(t *testing.T) {
	h := newHarness()
	limiter := &fakeLimiter{blocked: map[string]bool{}}
	accounts := NewAccountHandler(h.store, limiter)
	mb := h.store.mailboxes["1000"]
	key := fmt.Sprintf("mailbox:%d", mb.ID)
	ctx := context.Background()

	ok, err := accounts.Authorize(ctx, mb, "4321")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = accounts.Authorize(ctx, mb, "1234")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{key + "=false", key + "=true"}, limiter.records)

	limiter.blocked[key] = true
	ok, err = accounts.Authorize(ctx, mb, "1234")
	require.NoError(t, err)
	assert.False(t, ok, "blocked mailbox refuses the right password")
	assert.Len(t, limiter.records, 2, "refused attempts are not recorded")
}

func TestNewMessageHandlerRequiresMailbox(t *testing.T) {
	_, err := NewMessageHandler(MessageHandlerOptions{Folders: mailbox.NewFolders(nil)})
	assert.ErrorIs(t, err, consts.ErrMailboxUnresolved)
}

func TestMessageHandlerNewMessage(t *testing.T) {
	h := newHarness()
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)

	msg := messages.NewMessage()

	assert.Equal(t, "voicemail/7/fixed", msg.Recording)
	assert.Equal(t, "555", msg.CallerID, "number when the caller has no name")
	assert.Equal(t, int64(1), msg.FolderID)
	assert.False(t, msg.Persisted())

	opts := messages.RecordOptions(msg.Recording)
	assert.Equal(t, defaultMaxSilence, opts.MaxSilence)
	assert.Equal(t, defaultMaxDuration, opts.MaxDuration)
	assert.Equal(t, defaultFormat, opts.Format)
}

func TestMessageHandlerMoveToFolder(t *testing.T) {
	h := newHarness()
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)
	msg := h.store.addMessage(1, 1, true, base)
	ctx := context.Background()

	moved, err := messages.MoveToFolder(ctx, msg, consts.InboxDTMF)
	require.NoError(t, err)
	assert.False(t, moved, "same folder")

	moved, err = messages.MoveToFolder(ctx, msg, "8")
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = messages.MoveToFolder(ctx, nil, "1")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, h.ari.mwi)

	moved, err = messages.MoveToFolder(ctx, msg, "2")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, int64(3), msg.FolderID)
	assert.Equal(t, [][2]int{{0, 0}}, h.ari.mwi)
}

func TestMessageHandlerMoveFailureLeavesMessage(t *testing.T) {
	h := newHarness()
	h.store.SaveMessageFunc = func(context.Context, *mailbox.Message) error { return errors.New("db down") }
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)
	msg := h.store.addMessage(1, 1, false, base)

	moved, err := messages.MoveToFolder(context.Background(), msg, "1")
	assert.Error(t, err)
	assert.False(t, moved)
	assert.Equal(t, int64(1), msg.FolderID)
}

func TestMessageHandlerLoadFolder(t *testing.T) {
	h := newHarness()
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)
	h.store.addMessage(1, 4, false, base)

	_, _, err := messages.LoadFolder(context.Background(), "9")
	assert.ErrorIs(t, err, consts.ErrFolderNotFound)

	folder, list, err := messages.LoadFolder(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "Family", folder.Name)
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, "INBOX", messages.CurrentFolder().Name, "loading does not switch")

	messages.UseFolder(folder)
	assert.Equal(t, "Family", messages.CurrentFolder().Name)
}

func TestMessageHandlerDeleteOutsideInboxSkipsMWI(t *testing.T) {
	h := newHarness()
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)
	msg := h.store.addMessage(1, 2, true, base)

	require.NoError(t, messages.Delete(context.Background(), msg))

	assert.Equal(t, []int64{1}, h.store.deleted)
	assert.Contains(t, h.ari.Calls(), "delete_recording voicemail/7/msg-1")
	assert.Empty(t, h.ari.mwi)
}

func TestMessageHandlerStopPlaybackIgnoresGone(t *testing.T) {
	h := newHarness()
	h.ari.StopPlaybackFunc = func(context.Context, string) error {
		return &ari.Error{Operation: "stop_playback", StatusCode: 404}
	}
	messages := newTestHandler(t, h, h.store.mailboxes["1000"], nil, nil)
	assert.NoError(t, messages.StopPlayback(context.Background(), "pb-1"))

	h.ari.StopPlaybackFunc = func(context.Context, string) error {
		return &ari.Error{Operation: "stop_playback", StatusCode: 500}
	}
	assert.Error(t, messages.StopPlayback(context.Background(), "pb-1"))
}

func TestMessageHandlerNotify(t *testing.T) {
	h := newHarness()
	withEmail := &mailbox.Mailbox{ID: 7, ContextID: 1, Number: "1000", Name: "1000@default", Email: "owner@example.com"}
	msg := &mailbox.Message{ID: 1}

	t.Run("enabled", func(t *testing.T) {
		n := &fakeNotifier{}
		newTestHandler(t, h, withEmail, n, map[string]string{mailbox.ConfigEmailNotify: "1"}).Notify(context.Background(), msg)
		assert.Len(t, n.sent, 1)
	})
	t.Run("disabled", func(t *testing.T) {
		n := &fakeNotifier{}
		newTestHandler(t, h, withEmail, n, nil).Notify(context.Background(), msg)
		assert.Empty(t, n.sent)
	})
	t.Run("no address", func(t *testing.T) {
		n := &fakeNotifier{}
		newTestHandler(t, h, h.store.mailboxes["1000"], n, map[string]string{mailbox.ConfigEmailNotify: "true"}).Notify(context.Background(), msg)
		assert.Empty(t, n.sent)
	})
	t.Run("failure is not fatal", func(t *testing.T) {
		n := &fakeNotifier{err: errors.New("smtp down")}
		newTestHandler(t, h, withEmail, n, map[string]string{mailbox.ConfigEmailNotify: "true"}).Notify(context.Background(), msg)
		assert.Len(t, n.sent, 1)
	})
}
