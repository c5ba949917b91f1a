package voicemail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/fsm"
)

func newTestApp(h *flowHarness) *App {
	return NewApp(AppOptions{MaxAuthAttempts: 3, Runner: fsm.InlineRunner}, h.services())
}

func stasisStart(app, channelID string, args ...string) *ari.Event {
	return &ari.Event{
		Type:        ari.EventStasisStart,
		Application: app,
		Args:        args,
		Channel:     &ari.Channel{ID: channelID, Caller: ari.CallerID{Name: "Alice", Number: "555"}},
	}
}

func dtmfEvent(channelID, digit string) *ari.Event {
	return &ari.Event{Type: ari.EventChannelDtmfReceived, Digit: digit, Channel: &ari.Channel{ID: channelID}}
}

func TestParseCallArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want CallArgs
	}{
		{"none", nil, CallArgs{Domain: "default"}},
		{"domain only", []string{"Example.COM"}, CallArgs{Domain: "example.com"}},
		{"blank domain", []string{" ", "1000"}, CallArgs{Domain: "default", Number: "1000"}},
		{"authorized", []string{"example.com", "1000", "Authorized"}, CallArgs{Domain: "example.com", Number: "1000", Authorized: true}},
		{"other marker", []string{"example.com", "1000", "yes"}, CallArgs{Domain: "example.com", Number: "1000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCallArgs(tt.args, consts.DefaultDomain))
		})
	}
}

func TestAppStartsMailboxSession(t *testing.T) {
	h := newHarness()
	h.store.addMessage(1, 1, false, base)
	a := newTestApp(h)
	defer a.Close(context.Background())

	a.Dispatch(stasisStart(consts.AppVoicemailMain, "chan-1", "default", "1000", "authorized"))

	s, ok := a.Session("chan-1")
	require.True(t, ok)
	assert.Equal(t, StateMenu, s.Flow().State())
	assert.Contains(t, h.ari.Calls(), "answer chan-1")

	sessions := a.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "1000", sessions[0].Mailbox)
	assert.Equal(t, "Alice <555>", sessions[0].Caller)
	assert.Equal(t, StateMenu, sessions[0].State)
	assert.Equal(t, 1, a.router.Active())
}

func TestAppRoutesChannelEvents(t *testing.T) {
	h := newHarness()
	h.store.addMessage(1, 1, false, base)
	a := newTestApp(h)
	defer a.Close(context.Background())
	a.Dispatch(stasisStart(consts.AppVoicemailMain, "chan-1", "default", "1000", "authorized"))
	s, _ := a.Session("chan-1")

	a.Dispatch(dtmfEvent("chan-1", "6"))
	require.Equal(t, StatePlayingMessage, s.Flow().State())

	media := "recording:voicemail/7/msg-1"
	id := h.ari.playbackOf(media)
	require.NotEmpty(t, id)

	// Prompt playbacks never reach the flow.
	a.Dispatch(&ari.Event{Type: ari.EventPlaybackFinished, Playback: &ari.Playback{ID: "prompt-x", MediaURI: "sound:vm-next", TargetURI: "channel:chan-1"}})
	assert.Equal(t, StatePlayingMessage, s.Flow().State())

	// Events of other channels are not delivered.
	a.Dispatch(&ari.Event{Type: ari.EventPlaybackFinished, Playback: &ari.Playback{ID: id, MediaURI: media, TargetURI: "channel:chan-2"}})
	assert.Equal(t, StatePlayingMessage, s.Flow().State())

	a.Dispatch(&ari.Event{Type: ari.EventPlaybackFinished, Playback: &ari.Playback{ID: id, MediaURI: media, TargetURI: "channel:chan-1"}})
	assert.Equal(t, StateMenu, s.Flow().State())
	assert.True(t, h.store.message(1).Read)
}

func TestAppRecordingSession(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)
	defer a.Close(context.Background())

	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))
	s, ok := a.Session("chan-1")
	require.True(t, ok)
	require.Equal(t, StateMenu, s.Flow().State())

	a.Dispatch(dtmfEvent("chan-1", "1"))
	require.Equal(t, StateRecordingMessage, s.Flow().State())
	name := s.Flow().(*RecordingFlow).Message().Recording

	rec := &ari.LiveRecording{Name: name, TargetURI: "channel:chan-1", Duration: 7}
	a.Dispatch(&ari.Event{Type: ari.EventRecordingStarted, Recording: rec})
	a.Dispatch(&ari.Event{Type: ari.EventRecordingFinished, Recording: rec})
	assert.Equal(t, StateWaitingForConfirmation, s.Flow().State())

	a.Dispatch(dtmfEvent("chan-1", "2"))
	assert.Equal(t, StateMenu, s.Flow().State())
	assert.Len(t, h.store.messages, 1)
}

func TestAppStasisEndClosesSession(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)
	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))
	s, _ := a.Session("chan-1")

	a.Dispatch(&ari.Event{Type: ari.EventStasisEnd, Channel: &ari.Channel{ID: "chan-1"}})

	_, ok := a.Session("chan-1")
	assert.False(t, ok)
	assert.Empty(t, a.Sessions())
	assert.Equal(t, 0, a.router.Active())

	// Late events for the channel are dropped.
	a.Dispatch(dtmfEvent("chan-1", "1"))
	assert.Equal(t, StateMenu, s.Flow().State())
}

func TestAppIgnoresOtherApplications(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)

	a.Dispatch(stasisStart("conference", "chan-1"))
	a.Dispatch(&ari.Event{Type: ari.EventStasisStart, Application: consts.AppVoicemail})

	assert.Empty(t, a.Sessions())
	assert.Empty(t, h.ari.Calls())
}

func TestAppIgnoresDuplicateStart(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)
	defer a.Close(context.Background())

	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))
	first, _ := a.Session("chan-1")
	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))

	s, _ := a.Session("chan-1")
	assert.Same(t, first, s)
	assert.Len(t, a.Sessions(), 1)
}

func TestAppSetupFailureHangsUp(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)

	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "unknown.example"))

	assert.Contains(t, h.ari.Calls(), "hangup chan-1")
	assert.Empty(t, a.Sessions())
	assert.Equal(t, 0, a.router.Active())
}

func TestAppHangup(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)
	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))

	err := a.Hangup(context.Background(), "chan-9")
	assert.ErrorIs(t, err, consts.ErrSessionNotFound)

	h.ari.HangupFunc = func(context.Context, string) error {
		return &ari.Error{Operation: "hangup", StatusCode: 404}
	}
	require.NoError(t, a.Hangup(context.Background(), "chan-1"))
	assert.Contains(t, h.ari.Calls(), "hangup chan-1")
	assert.Empty(t, a.Sessions())
}

func TestAppCloseHangsUpEverything(t *testing.T) {
	h := newHarness()
	a := newTestApp(h)
	a.Dispatch(stasisStart(consts.AppVoicemail, "chan-1", "default", "1000"))
	time.Sleep(time.Millisecond)
	a.Dispatch(stasisStart(consts.AppVoicemailMain, "chan-2", "default", "1000"))

	sessions := a.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "chan-1", sessions[0].ChannelID, "oldest first")

	a.Close(context.Background())

	assert.Empty(t, a.Sessions())
	calls := h.ari.Calls()
	assert.Contains(t, calls, "hangup chan-1")
	assert.Contains(t, calls, "hangup chan-2")
}
