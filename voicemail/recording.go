package voicemail

import (
	"time"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/metrics"
)

// RecordingFlow lets a caller leave a message in a mailbox.
//
//	init -> auth | menu
//	auth: digits, '#' looks the mailbox up -> menu, or auth again;
//	    digits pressed during the lookup follow to the next state
//	menu: '1' starts recording -> recordingMessage
//	recordingMessage: '#' stops, '7' cancels -> menu,
//	    recording finished -> waitingForConfirmation
//	waitingForConfirmation: '2' saves -> menu, '7' discards -> menu
type RecordingFlow struct {
	flow

	message   *mailbox.Message
	recording string
	saving    bool
}

func NewRecordingFlow(opts FlowOptions) *RecordingFlow {
	f := &RecordingFlow{}
	f.setup(opts, f.handle, f.enter)
	return f
}

// Message is the message being recorded or reviewed, if any.
func (f *RecordingFlow) Message() *mailbox.Message {
	return f.message
}

func (f *RecordingFlow) enter(state State, arg any) {
	switch state {
	case StateInit:
		if args, ok := arg.(CallArgs); ok {
			f.args = args
		}
	case StateAuth:
		f.digits = nil
		if incorrect, _ := arg.(bool); incorrect {
			f.prompt(PromptInvalidMailbox, PromptMailbox)
		} else {
			f.prompt(PromptMailbox)
		}
	case StateMenu:
		f.prompt(PromptRecordInstructions)
	case StateWaitingForConfirmation:
		f.prompt(PromptReview)
	}
}

func (f *RecordingFlow) handle(state State, ev fsm.Event) error {
	switch state {
	case StateInit:
		return f.handleInit(ev)
	case StateAuth:
		return f.handleAuth(ev)
	case StateMenu:
		return f.handleMenu(ev)
	case StateRecordingMessage:
		return f.handleRecording(ev)
	case StateWaitingForConfirmation:
		return f.handleConfirmation(ev)
	}
	return nil
}

func (f *RecordingFlow) handleInit(ev fsm.Event) error {
	switch ev.Name {
	case EventLoadMailboxHelper:
		h, err := payloadAs[*Helper](ev)
		if err != nil {
			return err
		}
		f.helper = h
		if h.Mailbox != nil {
			f.settle(StateMenu)
			f.m.Transition(StateMenu, nil)
		} else {
			f.settle(StateAuth)
			f.m.Transition(StateAuth, false)
		}
	case EventDTMF:
		f.held = append(f.held, ev)
	}
	return nil
}

func (f *RecordingFlow) handleAuth(ev fsm.Event) error {
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
		number := f.takeDigits()
		h := f.helper
		f.await("lookup_mailbox", func() (any, error) {
			return h.Lookup(f.ctx, number)
		}, evMailboxResolved)

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
		f.settle(StateMenu)
		f.m.Transition(StateMenu, nil)
	}
	return nil
}

func (f *RecordingFlow) handleMenu(ev fsm.Event) error {
	switch ev.Name {
	case EventRecordingStarted:
		f.m.DeferUntil(ev, StateRecordingMessage)
	case EventDTMF:
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		if digit != "1" {
			return nil
		}
		messages := f.helper.Messages
		msg := messages.NewMessage()
		f.message = msg
		f.recording = ""
		f.m.Async("record", func() (any, error) {
			return messages.Record(f.ctx, msg)
		}, "")
		f.m.Transition(StateRecordingMessage, nil)
	}
	return nil
}

func (f *RecordingFlow) handleRecording(ev fsm.Event) error {
	switch ev.Name {
	case EventRecordingStarted:
		rec, err := payloadAs[*ari.LiveRecording](ev)
		if err != nil {
			return err
		}
		if f.message != nil && rec.Name == f.message.Recording {
			f.recording = rec.Name
		}

	case EventRecordingFinished:
		rec, err := payloadAs[*ari.LiveRecording](ev)
		if err != nil {
			return err
		}
		if f.recording == "" || rec.Name != f.recording {
			return nil
		}
		f.message.Duration = time.Duration(rec.Duration) * time.Second
		f.recording = ""
		f.m.Transition(StateWaitingForConfirmation, nil)

	case EventRecordingFailed:
		rec, err := payloadAs[*ari.LiveRecording](ev)
		if err != nil {
			return err
		}
		if f.message == nil || rec.Name != f.message.Recording {
			return nil
		}
		f.log.Warn("Recording failed", "recording", rec.Name, "cause", rec.Cause)
		f.message = nil
		f.recording = ""
		f.prompt(PromptRecordingFailed)
		f.m.Transition(StateMenu, nil)

	case EventDTMF:
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		messages := f.helper.Messages
		switch digit {
		case keyAccept:
			name := f.message.Recording
			f.m.Async("stop_recording", func() (any, error) {
				return nil, messages.StopRecording(f.ctx, name)
			}, "")
		case keyCancel:
			name := f.message.Recording
			f.message = nil
			f.recording = ""
			metrics.MessagesDiscarded.Inc()
			f.m.Async("cancel_recording", func() (any, error) {
				return nil, messages.CancelRecording(f.ctx, name)
			}, "")
			f.m.Transition(StateMenu, nil)
		default:
			f.m.DeferUntil(ev, StateWaitingForConfirmation)
		}
	}
	return nil
}

func (f *RecordingFlow) handleConfirmation(ev fsm.Event) error {
	switch ev.Name {
	case EventDTMF:
		digit, err := payloadAs[string](ev)
		if err != nil {
			return err
		}
		if f.saving {
			f.m.DeferUntil(ev, StateMenu)
			return nil
		}
		messages := f.helper.Messages
		msg := f.message
		switch digit {
		case "2":
			f.saving = true
			f.m.Async("save_message", func() (any, error) {
				return msg, messages.Save(f.storeCtx(), msg, true)
			}, evMessageSaved)
		case keyCancel:
			f.message = nil
			metrics.MessagesDiscarded.Inc()
			f.m.Async("discard_message", func() (any, error) {
				return nil, messages.Discard(f.ctx, msg)
			}, "")
			f.prompt(PromptDeleted)
			f.m.Transition(StateMenu, nil)
		default:
			f.m.DeferUntil(ev, StateMenu)
		}

	case evMessageSaved:
		msg, err := payloadAs[*mailbox.Message](ev)
		if err != nil {
			return err
		}
		f.saving = false
		f.message = nil
		metrics.MessagesRecorded.Inc()
		metrics.RecordingDuration.Observe(msg.Duration.Seconds())
		f.log.Info("Saved voicemail", "mailbox", f.helper.Mailbox.Number, "message_id", msg.ID, "duration", msg.Duration)

		messages := f.helper.Messages
		ctx := f.storeCtx()
		f.m.Async("notify", func() (any, error) {
			messages.Notify(ctx, msg)
			return nil, nil
		}, "")
		f.prompt(PromptSaved)
		f.m.Transition(StateMenu, nil)
	}
	return nil
}
