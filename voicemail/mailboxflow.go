package voicemail

import (
	"errors"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/helpers"
	"github.com/migadu/vmail/mailbox"
)

// Menu keys of the mailbox owner.
const (
	keyFirst        = "1"
	keyChangeFolder = "2"
	keyPrevious     = "4"
	keyReplay       = "5"
	keyNext         = "6"
	keyDelete       = "7"
	keyMoveToFolder = "9"
)

// MailboxFlow lets a mailbox owner review messages.
//
//	init waits for the helper and the message list -> auth | menu
//	auth: mailbox number (unless given) then password -> menu
//	menu: 6 next, 4 previous, 5 replay, 1 first, 7 delete,
//	    2 changingFolder, 9 movingToFolder
//	playingMessage: playback end marks the message read; any digit stops it
//	markingAsRead, deletingMessage: wait for the store, digits go to menu
//	changingFolder, movingToFolder: selector terminated by '#'
//
// Digits pressed while a lookup, login, fetch or folder request is in
// flight are held and replayed in the state the request leads to.
type MailboxFlow struct {
	flow

	messages *mailbox.MessageList
	playback *activePlayback
	fetchSeq int
}

type activePlayback struct {
	id      string
	media   string
	started bool
}

type fetchResult struct {
	seq   int
	list  *mailbox.MessageList
	batch []*mailbox.Message
	first bool
}

type folderChange struct {
	folder *mailbox.Folder
	list   *mailbox.MessageList
}

type messageMove struct {
	msg   *mailbox.Message
	moved bool
}

func NewMailboxFlow(opts FlowOptions) *MailboxFlow {
	f := &MailboxFlow{}
	f.setup(opts, f.handle, f.enter)
	return f
}

// Messages is the list being browsed.
func (f *MailboxFlow) Messages() *mailbox.MessageList {
	return f.messages
}

func (f *MailboxFlow) enter(state State, arg any) {
	incorrect, _ := arg.(bool)
	switch state {
	case StateInit:
		if args, ok := arg.(CallArgs); ok {
			f.args = args
		}
	case StateAuth:
		f.digits = nil
		switch {
		case f.helper.Mailbox != nil && incorrect:
			f.prompt(PromptInvalidPassword, PromptPassword)
		case f.helper.Mailbox != nil:
			f.prompt(PromptPassword)
		case incorrect:
			f.prompt(PromptInvalidMailbox, PromptMailbox)
		default:
			f.prompt(PromptMailbox)
		}
	case StateMenu:
		f.instructions()
	case StateChangingFolder:
		f.digits = nil
		if incorrect {
			f.prompt(PromptInvalidFolder, PromptChangeFolder)
		} else {
			f.prompt(PromptChangeFolder)
		}
	case StateMovingToFolder:
		f.digits = nil
		if incorrect {
			f.prompt(PromptInvalidFolder, PromptSelectFolder)
		} else {
			f.prompt(PromptSelectFolder)
		}
	}
}

// instructions announces the menu options that currently apply.
func (f *MailboxFlow) instructions() {
	var prompts []Prompt
	if f.messages.PreviousExists() {
		prompts = append(prompts, PromptPrevious, PromptFirst)
	}
	if f.messages.CurrentExists() {
		prompts = append(prompts, PromptDelete, PromptMoveToFolder, PromptReplay)
	}
	if f.messages.IsNotEmpty() {
		prompts = append(prompts, PromptNext)
	}
	prompts = append(prompts, PromptChangeFolder)
	f.prompt(prompts...)
}

func (f *MailboxFlow) handle(state State, ev fsm.Event) error {
	switch state {
	case StateInit:
		return f.handleInit(ev)
	case StateAuth:
		return f.handleAuth(ev)
	case StateMenu:
		return f.handleMenu(ev)
	case StatePlayingMessage:
		return f.handlePlaying(ev)
	case StateMarkingAsRead:
		return f.waitFor(ev, evMarkedRead)
	case StateDeletingMessage:
		return f.waitFor(ev, evMessageDeleted)
	case StateChangingFolder:
		return f.handleChangingFolder(ev)
	case StateMovingToFolder:
		return f.handleMovingToFolder(ev)
	}
	return nil
}

func (f *MailboxFlow) handleInit(ev fsm.Event) error {
	switch ev.Name {
	case EventLoadMailboxHelper:
		h, err := payloadAs[*Helper](ev)
		if err != nil {
			return err
		}
		f.helper = h
	case EventLoadMessages:
		list, err := payloadAs[*mailbox.MessageList](ev)
		if err != nil {
			return err
		}
		f.messages = list
	case EventDTMF:
		f.held = append(f.held, ev)
		return nil
	default:
		return nil
	}

	if f.helper == nil || f.messages == nil {
		return nil
	}
	if f.args.Authorized && f.helper.Mailbox != nil {
		f.settle(StateMenu)
		f.m.Transition(StateMenu, nil)
	} else {
		f.settle(StateAuth)
		f.m.Transition(StateAuth, false)
	}
	return nil
}

func (f *MailboxFlow) handleAuth(ev fsm.Event) error {
	switch ev.Name {
	case EventDTMF:
		if f.hold(ev) {
			return nil
		}
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		if digit != keyAccept {
			f.collect(digit)
			return nil
		}
		attempt := f.takeDigits()
		h := f.helper
		f.log.Debug("Login attempt", "digits", helpers.MaskDigits(attempt, h.Mailbox != nil))
		if h.Mailbox == nil {
			f.await("lookup_mailbox", func() (any, error) {
				return h.Lookup(f.ctx, attempt)
			}, evMailboxResolved)
			return nil
		}
		mb := h.Mailbox
		f.await("authorize", func() (any, error) {
			return h.Accounts.Authorize(f.ctx, mb, attempt)
		}, evAuthorized)

	case evMailboxResolved:
		res, _ := ev.Payload.(*Resolution)
		if res == nil {
			if !f.authFailed("mailbox") {
				f.settle(StateAuth)
				f.m.Transition(StateAuth, true)
			}
			return nil
		}
		if err := f.helper.Install(res); err != nil {
			return err
		}
		f.authSucceeded("mailbox")
		f.messages = mailbox.NewMessageList()
		if f.args.Authorized {
			f.settle(StateMenu)
			f.m.Transition(StateMenu, nil)
		} else {
			f.settle(StateAuth)
			f.m.Transition(StateAuth, false)
		}

	case evAuthorized:
		ok, _ := ev.Payload.(bool)
		if !ok {
			if !f.authFailed("password") {
				f.settle(StateAuth)
				f.m.Transition(StateAuth, true)
			}
			return nil
		}
		f.authSucceeded("password")
		f.log.Info("Mailbox login", "mailbox", f.helper.Mailbox.Number)
		f.settle(StateMenu)
		f.m.Transition(StateMenu, nil)
	}
	return nil
}

func (f *MailboxFlow) handleMenu(ev fsm.Event) error {
	switch ev.Name {
	case EventPlaybackStarted:
		f.m.DeferUntil(ev, StatePlayingMessage)
	case evLatestFetched:
		res, err := payloadAs[*fetchResult](ev)
		if err != nil {
			return err
		}
		return f.fetched(res)
	case EventDTMF:
		if f.hold(ev) {
			return nil
		}
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		return f.menuChoice(digit)
	}
	return nil
}

func (f *MailboxFlow) menuChoice(digit string) error {
	messages := f.helper.Messages
	switch digit {
	case keyNext:
		f.fetch(false)
	case keyFirst:
		f.fetch(true)
	case keyPrevious:
		if msg := f.messages.Previous(); msg != nil {
			f.play(msg)
			f.m.Transition(StatePlayingMessage, nil)
		}
	case keyReplay:
		if msg := f.messages.Current(); msg != nil {
			f.play(msg)
			f.m.Transition(StatePlayingMessage, nil)
		}
	case keyDelete:
		msg := f.messages.Current()
		if msg == nil {
			return nil
		}
		f.messages.Remove(msg)
		f.m.Async("delete_message", func() (any, error) {
			return msg, messages.Delete(f.storeCtx(), msg)
		}, evMessageDeleted)
		f.m.Transition(StateDeletingMessage, nil)
	case keyChangeFolder:
		f.m.Transition(StateChangingFolder, false)
	case keyMoveToFolder:
		f.m.Transition(StateMovingToFolder, false)
	}
	return nil
}

// fetch merges messages newer than the list cursor before navigating.
func (f *MailboxFlow) fetch(first bool) {
	f.fetchSeq++
	seq, list := f.fetchSeq, f.messages
	since := list.Latest()
	messages := f.helper.Messages
	f.await("get_latest_messages", func() (any, error) {
		batch, err := messages.GetLatestMessages(f.ctx, since)
		if err != nil {
			return nil, err
		}
		return &fetchResult{seq: seq, list: list, batch: batch, first: first}, nil
	}, evLatestFetched)
}

func (f *MailboxFlow) fetched(res *fetchResult) error {
	if !f.pending || res.seq != f.fetchSeq {
		return nil
	}

	if res.list == f.messages {
		f.messages.Add(res.batch...)
	}
	var msg *mailbox.Message
	if res.first {
		msg = f.messages.First()
	} else {
		msg = f.messages.Next()
	}

	target := StateMenu
	if msg != nil {
		f.play(msg)
		target = StatePlayingMessage
	} else {
		f.prompt(PromptNoMore)
	}
	f.settle(target)
	f.m.Transition(target, nil)
	return nil
}

func (f *MailboxFlow) play(msg *mailbox.Message) {
	messages := f.helper.Messages
	id := messages.NewPlaybackID()
	f.playback = &activePlayback{id: id, media: msg.MediaURI()}
	f.m.Async("play_message", func() (any, error) {
		return nil, messages.Play(f.ctx, id, msg)
	}, "")
}

func (f *MailboxFlow) handlePlaying(ev fsm.Event) error {
	switch ev.Name {
	case EventPlaybackStarted:
		pb, err := payloadAs[*ari.Playback](ev)
		if err != nil {
			return err
		}
		if f.playback != nil && pb.ID == f.playback.id {
			f.playback.started = true
		}

	case EventPlaybackFinished:
		pb, err := payloadAs[*ari.Playback](ev)
		if err != nil {
			return err
		}
		if f.playback == nil || pb.ID != f.playback.id {
			return nil
		}
		media := pb.MediaURI
		if media == "" {
			media = f.playback.media
		}
		f.playback = nil

		msg := f.messages.GetMessage(media)
		if !f.messages.MarkAsRead(msg) {
			f.m.Transition(StateMenu, nil)
			return nil
		}
		messages := f.helper.Messages
		f.m.Async("mark_read", func() (any, error) {
			return msg, messages.Save(f.storeCtx(), msg, true)
		}, evMarkedRead)
		f.m.Transition(StateMarkingAsRead, nil)

	case EventDTMF:
		f.m.DeferUntil(ev, StateMenu)
		if f.playback == nil {
			f.m.Transition(StateMenu, nil)
			return nil
		}
		id := f.playback.id
		f.playback = nil
		messages := f.helper.Messages
		f.m.Async("stop_playback", func() (any, error) {
			return nil, messages.StopPlayback(f.ctx, id)
		}, evPlaybackStopped)

	case evPlaybackStopped:
		f.m.Transition(StateMenu, nil)
	}
	return nil
}

// waitFor returns to the menu once done arrives; digits wait for the menu.
func (f *MailboxFlow) waitFor(ev fsm.Event, done string) error {
	switch ev.Name {
	case EventDTMF:
		f.m.DeferUntil(ev, StateMenu)
	case done:
		if done == evMessageDeleted {
			f.prompt(PromptDeleted)
		}
		f.m.Transition(StateMenu, nil)
	}
	return nil
}

func (f *MailboxFlow) handleChangingFolder(ev fsm.Event) error {
	switch ev.Name {
	case EventDTMF:
		if f.hold(ev) {
			return nil
		}
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		if digit != keyAccept {
			f.collect(digit)
			return nil
		}
		selector := f.takeDigits()
		messages := f.helper.Messages
		f.await("change_folder", func() (any, error) {
			folder, list, err := messages.LoadFolder(f.ctx, selector)
			if errors.Is(err, consts.ErrFolderNotFound) {
				return &folderChange{}, nil
			}
			if err != nil {
				return nil, err
			}
			return &folderChange{folder: folder, list: list}, nil
		}, evFolderChanged)

	case evFolderChanged:
		res, err := payloadAs[*folderChange](ev)
		if err != nil {
			return err
		}
		if res.folder == nil {
			f.settle(StateChangingFolder)
			f.m.Transition(StateChangingFolder, true)
			return nil
		}
		folder := res.folder
		f.helper.Messages.UseFolder(folder)
		f.messages = res.list
		f.log.Info("Changed folder", "folder", folder.Name, "messages", res.list.Len())
		if folder.Recording != "" {
			f.prompt(Prompt(folder.Recording))
		}
		f.settle(StateMenu)
		f.m.Transition(StateMenu, nil)
	}
	return nil
}

func (f *MailboxFlow) handleMovingToFolder(ev fsm.Event) error {
	switch ev.Name {
	case EventDTMF:
		if f.hold(ev) {
			return nil
		}
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		if digit != keyAccept {
			f.collect(digit)
			return nil
		}
		selector := f.takeDigits()
		msg := f.messages.Current()
		if msg == nil {
			f.m.Transition(StateMenu, nil)
			return nil
		}
		messages := f.helper.Messages
		f.await("move_message", func() (any, error) {
			moved, err := messages.MoveToFolder(f.storeCtx(), msg, selector)
			if err != nil {
				return nil, err
			}
			return &messageMove{msg: msg, moved: moved}, nil
		}, evMessageMoved)

	case evMessageMoved:
		res, err := payloadAs[*messageMove](ev)
		if err != nil {
			return err
		}
		if !res.moved {
			f.settle(StateMovingToFolder)
			f.m.Transition(StateMovingToFolder, true)
			return nil
		}
		f.messages.Remove(res.msg)
		f.prompt(PromptSaved)
		f.settle(StateMenu)
		f.m.Transition(StateMenu, nil)
	}
	return nil
}
