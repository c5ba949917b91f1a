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
	"github.com/migadu/vmail/mailbox"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func startMailboxFlow(t *testing.T, h *flowHarness, args CallArgs, runner fsm.Runner) *MailboxFlow {
	t.Helper()
	f := NewMailboxFlow(h.options(consts.AppVoicemailMain, runner))
	f.Start(args)
	helper := h.loadHelper(t, args.Number)
	f.Handle(EventLoadMailboxHelper, helper)

	list := mailbox.NewMessageList()
	if helper.Messages != nil {
		var err error
		list, err = helper.Messages.GetMessages(context.Background())
		require.NoError(t, err)
	}
	f.Handle(EventLoadMessages, list)
	return f
}

// withTwoMessages stores two unread INBOX messages; 2 is the newer.
func withTwoMessages(h *flowHarness) {
	h.store.addMessage(1, 1, false, base)
	h.store.addMessage(2, 1, false, base.Add(time.Hour))
}

func finishPlayback(f *MailboxFlow, h *flowHarness, i int) {
	f.Handle(EventPlaybackFinished, &ari.Playback{ID: h.ari.playIDs[i], MediaURI: h.ari.plays[i]})
}

func TestMailboxFlowWaitsForHelperAndMessages(t *testing.T) {
	h := newHarness()
	f := NewMailboxFlow(h.options(consts.AppVoicemailMain, fsm.InlineRunner))
	f.Start(CallArgs{Number: "1000"})

	f.Handle(EventLoadMailboxHelper, h.loadHelper(t, "1000"))
	assert.Equal(t, StateInit, f.State())

	f.Handle(EventLoadMessages, mailbox.NewMessageList())
	assert.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptPassword}, h.call.last())
}

func TestMailboxFlowPasswordLogin(t *testing.T) {
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{Number: "1000"}, fsm.InlineRunner)

	dial(f, "99#")
	assert.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptInvalidPassword, PromptPassword}, h.call.last())
	assert.Empty(t, f.Digits())

	dial(f, "1234#")
	assert.Equal(t, StateMenu, f.State())
	assert.Equal(t, []Prompt{PromptChangeFolder}, h.call.last())
}

func TestMailboxFlowMailboxThenPassword(t *testing.T) {
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{}, fsm.InlineRunner)
	require.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptMailbox}, h.call.last())

	dial(f, "2000#")
	assert.Equal(t, []Prompt{PromptInvalidMailbox, PromptMailbox}, h.call.last())

	dial(f, "1000#")
	assert.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptPassword}, h.call.last())

	dial(f, "1234#")
	assert.Equal(t, StateMenu, f.State())
	require.NotNil(t, f.Messages())
	assert.Zero(t, f.Messages().Len())
}

func TestMailboxFlowHangsUpAfterTooManyPasswords(t *testing.T) {
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{Number: "1000"}, fsm.InlineRunner)

	dial(f, "1#2#3#")
	assert.Equal(t, 1, h.call.goodbyes)

	dial(f, "1234#")
	assert.Equal(t, StateAuth, f.State())
}

func TestMailboxFlowAuthorizedCallSkipsLogin(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	assert.Equal(t, StateMenu, f.State())
	assert.False(t, h.entered(StateAuth))
	assert.Equal(t, []Prompt{PromptNext, PromptChangeFolder}, h.call.last())
}

func TestMailboxFlowNextOnEmptyListStaysInMenu(t *testing.T) {
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "6")

	assert.Equal(t, StateMenu, f.State())
	assert.False(t, h.entered(StatePlayingMessage))
	assert.Empty(t, h.ari.Plays())
	assert.Contains(t, h.call.all(), PromptNoMore)
}

func TestMailboxFlowDigitsHeldDuringFetch(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)

	dial(f, "66")
	assert.Equal(t, StateMenu, f.State())
	runner.Flush()

	var noMore int
	for _, p := range h.call.all() {
		if p == PromptNoMore {
			noMore++
		}
	}
	assert.Equal(t, 2, noMore, "held digit replayed after the first fetch")
	assert.False(t, h.entered(StatePlayingMessage))
}

func TestMailboxFlowNextMergesNewMessages(t *testing.T) {
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	// Arrived after the list was loaded.
	h.store.addMessage(5, 1, false, base)
	dial(f, "6")

	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, []string{"recording:voicemail/7/msg-5"}, h.ari.Plays())
	assert.Equal(t, 1, f.Messages().Len())
}

func TestMailboxFlowPlaybackMarksRead(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "6")
	require.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, []string{"recording:voicemail/7/msg-2"}, h.ari.Plays(), "newest unread first")

	// Finished events of other playbacks are ignored.
	f.Handle(EventPlaybackFinished, &ari.Playback{ID: "other", MediaURI: "recording:voicemail/7/msg-2"})
	assert.Equal(t, StatePlayingMessage, f.State())

	finishPlayback(f, h, 0)

	assert.Equal(t, StateMenu, f.State())
	assert.True(t, h.entered(StateMarkingAsRead))
	assert.True(t, h.store.message(2).Read)
	assert.False(t, h.store.message(1).Read)
	assert.Equal(t, [][2]int{{1, 1}}, h.ari.mwi)
	assert.Equal(t, []Prompt{PromptDelete, PromptMoveToFolder, PromptReplay, PromptNext, PromptChangeFolder}, h.call.last())

	// Replaying a read message does not save it again.
	dial(f, "5")
	finishPlayback(f, h, 1)
	assert.Equal(t, StateMenu, f.State())
	assert.Len(t, h.ari.mwi, 1)
}

func TestMailboxFlowDigitStopsPlayback(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "6")
	id := h.ari.playIDs[0]
	f.Handle(EventPlaybackStarted, &ari.Playback{ID: id})

	dial(f, "6")

	assert.Contains(t, h.ari.Calls(), "stop_playback "+id)
	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, []string{"recording:voicemail/7/msg-2", "recording:voicemail/7/msg-1"}, h.ari.Plays())
	assert.False(t, h.store.message(2).Read, "interrupted message stays unread")
}

func TestMailboxFlowPreviousAndFirst(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "6")
	finishPlayback(f, h, 0)
	dial(f, "6")
	finishPlayback(f, h, 1)
	require.Equal(t, StateMenu, f.State())

	dial(f, "4")
	assert.Equal(t, "recording:voicemail/7/msg-2", h.ari.Plays()[2])
	finishPlayback(f, h, 2)

	dial(f, "1")
	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Len(t, h.ari.Plays(), 4)
}

func TestMailboxFlowDelete(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)

	dial(f, "6")
	runner.Flush()
	require.Equal(t, StatePlayingMessage, f.State())

	dial(f, "7")
	runner.Step() // stop_playback
	require.Equal(t, StateDeletingMessage, f.State())

	// Pressed while the delete is pending; handled back in the menu.
	dial(f, "6")
	assert.Equal(t, StateDeletingMessage, f.State())
	runner.Flush()

	assert.Equal(t, []int64{2}, h.store.deleted)
	assert.Contains(t, h.ari.Calls(), "delete_recording voicemail/7/msg-2")
	assert.Contains(t, h.call.all(), PromptDeleted)
	assert.Equal(t, [][2]int{{0, 1}}, h.ari.mwi)
	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, "recording:voicemail/7/msg-1", h.ari.Plays()[1])
	assert.Equal(t, 1, f.Messages().Len())
}

func TestMailboxFlowDeleteWithoutCurrentIsIgnored(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "7")

	assert.Equal(t, StateMenu, f.State())
	assert.Empty(t, h.store.deleted)
}

func TestMailboxFlowMoveToFolder(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)
	dial(f, "6")
	finishPlayback(f, h, 0)

	dial(f, "9")
	require.Equal(t, StateMovingToFolder, f.State())
	assert.Equal(t, []Prompt{PromptSelectFolder}, h.call.last())

	dial(f, "8#")
	assert.Equal(t, StateMovingToFolder, f.State())
	assert.Equal(t, []Prompt{PromptInvalidFolder, PromptSelectFolder}, h.call.last())
	assert.Empty(t, f.Digits())

	dial(f, consts.InboxDTMF+"#")
	assert.Equal(t, StateMovingToFolder, f.State(), "already in that folder")

	dial(f, "1#")
	assert.Equal(t, StateMenu, f.State())
	assert.Equal(t, int64(2), h.store.message(2).FolderID)
	assert.Equal(t, 1, f.Messages().Len())
	assert.Nil(t, f.Messages().Current())
	assert.Contains(t, h.call.all(), PromptSaved)
	// After mark read, then after the move out of INBOX.
	assert.Equal(t, [][2]int{{1, 1}, {0, 1}}, h.ari.mwi)
}

func TestMailboxFlowMoveWithoutCurrentReturnsToMenu(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "91#")

	assert.Equal(t, StateMenu, f.State())
	assert.Equal(t, int64(1), h.store.message(2).FolderID)
}

func TestMailboxFlowChangeFolder(t *testing.T) {
	h := newHarness()
	withTwoMessages(h)
	h.store.addMessage(3, 2, true, base)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, fsm.InlineRunner)

	dial(f, "2")
	require.Equal(t, StateChangingFolder, f.State())
	assert.Equal(t, []Prompt{PromptChangeFolder}, h.call.last())

	dial(f, "9#")
	assert.Equal(t, StateChangingFolder, f.State())
	assert.Equal(t, []Prompt{PromptInvalidFolder, PromptChangeFolder}, h.call.last())

	dial(f, "1#")
	assert.Equal(t, StateMenu, f.State())
	assert.Equal(t, 1, f.Messages().Len())
	old := h.store.folders[1]
	assert.Contains(t, h.call.all(), Prompt(old.Recording))

	dial(f, "6")
	assert.Equal(t, []string{"recording:voicemail/7/msg-3"}, h.ari.Plays())
}

func TestMailboxFlowStopIgnoresLateCompletions(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)

	dial(f, "6")
	f.Stop()
	runner.Flush()

	assert.Equal(t, StateMenu, f.State())
	assert.Empty(t, h.ari.Plays())
	assert.Equal(t, 1, h.stops)
}

func TestMailboxFlowDigitsDuringLoginFollowToMenu(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000"}, runner.Run)
	require.Equal(t, StateAuth, f.State())

	dial(f, "1234#")
	dial(f, "6")
	assert.Equal(t, StateAuth, f.State())
	assert.Empty(t, f.Digits())
	runner.Flush()

	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, []string{"recording:voicemail/7/msg-2"}, h.ari.Plays())
	assert.Empty(t, h.errs)
}

func TestMailboxFlowDigitsDuringMailboxLookupGoToPassword(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	f := startMailboxFlow(t, h, CallArgs{}, runner.Run)
	require.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptMailbox}, h.call.last())

	dial(f, "1000#")
	dial(f, "12")
	runner.Flush()

	require.Equal(t, StateAuth, f.State())
	assert.Equal(t, []Prompt{PromptPassword}, h.call.last())
	assert.Equal(t, "12", f.Digits())

	dial(f, "34#")
	runner.Flush()
	assert.Equal(t, StateMenu, f.State())
	assert.Empty(t, h.errs)
}

func TestMailboxFlowEarlyDigitsForUnknownNumberGoToAuth(t *testing.T) {
	h := newHarness()
	f := NewMailboxFlow(h.options(consts.AppVoicemailMain, fsm.InlineRunner))
	f.Start(CallArgs{Number: "4242", Authorized: true})

	dial(f, "1000")
	f.Handle(EventLoadMailboxHelper, h.loadHelper(t, "4242"))
	f.Handle(EventLoadMessages, mailbox.NewMessageList())

	require.Equal(t, StateAuth, f.State())
	assert.Equal(t, "1000", f.Digits())

	dial(f, "#")
	assert.Equal(t, StateMenu, f.State(), "authorized call skips the password")
	assert.Empty(t, h.ari.Plays())
}

func TestMailboxFlowDigitsDuringFolderChangeFollowToMenu(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)

	dial(f, "2")
	require.Equal(t, StateChangingFolder, f.State())
	dial(f, consts.InboxDTMF+"#")
	dial(f, "6")
	assert.Equal(t, StateChangingFolder, f.State())
	assert.Empty(t, f.Digits())
	runner.Flush()

	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Empty(t, f.Digits())
	assert.Equal(t, []string{"recording:voicemail/7/msg-2"}, h.ari.Plays())
}

func TestMailboxFlowDigitsDuringRejectedFolderChange(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	h.store.addMessage(3, 2, true, base)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)

	dial(f, "2")
	dial(f, "9#")
	dial(f, "1#")
	assert.Equal(t, 1, runner.Len(), "second '#' waits for the first request")
	runner.Flush()

	assert.Equal(t, StateMenu, f.State())
	assert.Contains(t, h.call.all(), PromptInvalidFolder)
	assert.Equal(t, 1, f.Messages().Len())
	assert.Equal(t, int64(3), f.Messages().Messages()[0].ID)
}

func TestMailboxFlowDigitsDuringMoveFollowToMenu(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	withTwoMessages(h)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)
	dial(f, "6")
	runner.Flush()
	finishPlayback(f, h, 0)
	runner.Flush()
	require.Equal(t, StateMenu, f.State())

	dial(f, "9")
	require.Equal(t, StateMovingToFolder, f.State())
	dial(f, "1#")
	dial(f, "6")
	assert.Equal(t, StateMovingToFolder, f.State())
	runner.Flush()

	assert.Equal(t, int64(2), h.store.message(2).FolderID)
	assert.Equal(t, StatePlayingMessage, f.State())
	assert.Equal(t, []string{"recording:voicemail/7/msg-2", "recording:voicemail/7/msg-1"}, h.ari.Plays())
}

func TestMailboxFlowFolderSwitchIgnoredAfterStop(t *testing.T) {
	runner := &manualRunner{}
	h := newHarness()
	h.store.addMessage(3, 2, true, base)
	f := startMailboxFlow(t, h, CallArgs{Number: "1000", Authorized: true}, runner.Run)
	messages := f.helper.Messages

	dial(f, "21#")
	f.Stop()
	runner.Flush()

	assert.Equal(t, "INBOX", messages.CurrentFolder().Name)
	assert.Equal(t, 0, f.Messages().Len())
}
