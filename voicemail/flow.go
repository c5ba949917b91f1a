package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/pkg/metrics"
)

// State is a call flow state.
type State string

const (
	StateInit                   State = "init"
	StateAuth                   State = "auth"
	StateMenu                   State = "menu"
	StateRecordingMessage       State = "recordingMessage"
	StateWaitingForConfirmation State = "waitingForConfirmation"
	StatePlayingMessage         State = "playingMessage"
	StateMarkingAsRead          State = "markingAsRead"
	StateDeletingMessage        State = "deletingMessage"
	StateMovingToFolder         State = "movingToFolder"
	StateChangingFolder         State = "changingFolder"
)

// Events posted to flows from outside.
const (
	EventLoadMailboxHelper = "loadMailboxHelper" // *Helper
	EventLoadMessages      = "loadMessages"      // *mailbox.MessageList
	EventDTMF              = "dtmf"              // string digit
	EventRecordingStarted  = "recordingStarted"  // *ari.LiveRecording
	EventRecordingFinished = "recordingFinished" // *ari.LiveRecording
	EventRecordingFailed   = "recordingFailed"   // *ari.LiveRecording
	EventPlaybackStarted   = "playbackStarted"   // *ari.Playback
	EventPlaybackFinished  = "playbackFinished"  // *ari.Playback
)

// Completions of collaborator calls.
const (
	evMailboxResolved = "mailboxResolved"
	evAuthorized      = "authorized"
	evMessageSaved    = "messageSaved"
	evMessageDeleted  = "messageDeleted"
	evMarkedRead      = "markedRead"
	evPlaybackStopped = "playbackStopped"
	evLatestFetched   = "latestFetched"
	evFolderChanged   = "folderChanged"
	evMessageMoved    = "messageMoved"
)

// DTMF keys.
const (
	keyAccept = "#"
	keyCancel = "7"
)

// CallArgs are the arguments a channel entered the application with.
type CallArgs struct {
	Domain     string
	Number     string
	Authorized bool
}

// ParseCallArgs reads domain, mailbox number and the "authorized" marker.
func ParseCallArgs(args []string, defaultDomain string) CallArgs {
	out := CallArgs{Domain: defaultDomain}
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		out.Domain = strings.ToLower(strings.TrimSpace(args[0]))
	}
	if len(args) > 1 {
		out.Number = strings.TrimSpace(args[1])
	}
	if len(args) > 2 {
		out.Authorized = strings.EqualFold(strings.TrimSpace(args[2]), "authorized")
	}
	return out
}

// Flow is a per-call state machine.
type Flow interface {
	Start(args CallArgs)
	Handle(name string, payload any)
	Stop()
	State() State
}

// FlowOptions configures a flow.
type FlowOptions struct {
	App       string
	ChannelID string
	Call      Call
	// MaxAuthAttempts is how many failed mailbox or password entries are
	// allowed before hanging up. Zero means unlimited.
	MaxAuthAttempts int
	Runner          fsm.Runner
	Logger          *slog.Logger
	// OnError receives failed collaborator calls and handler errors.
	OnError func(error)
	// OnStop runs once when the flow stops.
	OnStop       func()
	OnTransition func(from, to State)
}

// flow is the part shared by both call flows: the machine, the digit
// buffer, held digits and the authentication attempt counter.
type flow struct {
	app         string
	call        Call
	log         *slog.Logger
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	m      *fsm.Machine[State]

	args     CallArgs
	helper   *Helper
	digits   []string
	failures int
	closing  bool

	// A request that decides the next state is in flight. Digits pressed
	// meanwhile are held and replayed in whichever state it leads to.
	pending bool
	held    []fsm.Event
}

func (f *flow) setup(opts FlowOptions, handle fsm.Handler[State], enter fsm.EnterFunc[State]) {
	f.app = opts.App
	f.call = opts.Call
	f.log = opts.Logger
	if f.log == nil {
		f.log = slog.Default()
	}
	f.maxAttempts = opts.MaxAuthAttempts
	f.ctx, f.cancel = context.WithCancel(context.WithValue(context.Background(), consts.ChannelIDContextKey, opts.ChannelID))

	f.m = fsm.New(fsm.Options[State]{
		Initial: StateInit,
		Handle: func(state State, ev fsm.Event) error {
			if f.closing {
				return nil
			}
			return handle(state, ev)
		},
		Enter: enter,
		OnTransition: func(from, to State) {
			metrics.FSMTransitionsTotal.WithLabelValues(f.app, string(to)).Inc()
			if opts.OnTransition != nil {
				opts.OnTransition(from, to)
			}
		},
		OnError: opts.OnError,
		OnStop: func() {
			f.cancel()
			if opts.OnStop != nil {
				opts.OnStop()
			}
		},
		Runner: opts.Runner,
		Logger: f.log,
	})
}

func (f *flow) Start(args CallArgs) {
	f.m.Start(args)
}

func (f *flow) Handle(name string, payload any) {
	f.m.Handle(name, payload)
}

// Stop ends the flow. Later events and pending completions are ignored.
func (f *flow) Stop() {
	f.m.Stop()
}

func (f *flow) State() State {
	return f.m.State()
}

// storeCtx is used for writes the caller has confirmed; they complete even
// if the call ends meanwhile.
func (f *flow) storeCtx() context.Context {
	return context.WithoutCancel(f.ctx)
}

func (f *flow) prompt(prompts ...Prompt) {
	if f.call != nil {
		f.call.Prompt(prompts...)
	}
}

func (f *flow) collect(digit string) {
	f.digits = append(f.digits, digit)
}

// await starts a request whose completion picks the next state.
func (f *flow) await(op string, fn func() (any, error), done string) {
	f.pending = true
	f.m.Async(op, fn, done)
}

// hold keeps ev back while a request is pending and reports whether it did.
func (f *flow) hold(ev fsm.Event) bool {
	if !f.pending {
		return false
	}
	f.held = append(f.held, ev)
	return true
}

// settle ends the pending request. Held digits are replayed, in order, once
// target is entered; the caller transitions to target next.
func (f *flow) settle(target State) {
	f.pending = false
	for _, ev := range f.held {
		f.m.DeferUntil(ev, target)
	}
	f.held = nil
}

// takeDigits returns the collected input and empties the buffer.
func (f *flow) takeDigits() string {
	s := strings.Join(f.digits, "")
	f.digits = nil
	return s
}

// Digits is the input collected so far.
func (f *flow) Digits() string {
	return strings.Join(f.digits, "")
}

// authFailed counts a failed attempt and reports whether the caller has
// used them all, in which case the call is being closed.
func (f *flow) authFailed(phase string) bool {
	metrics.AuthenticationAttempts.WithLabelValues(f.app, phase, "failure").Inc()
	f.failures++
	if f.maxAttempts <= 0 || f.failures < f.maxAttempts {
		return false
	}
	f.log.Info("Too many failed attempts, hanging up", "phase", phase, "attempts", f.failures)
	f.closing = true
	if f.call != nil {
		f.call.Goodbye()
	}
	return true
}

func (f *flow) authSucceeded(phase string) {
	metrics.AuthenticationAttempts.WithLabelValues(f.app, phase, "success").Inc()
	f.failures = 0
}

func payloadAs[T any](ev fsm.Event) (T, error) {
	v, ok := ev.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected payload %T", ev.Name, ev.Payload)
	}
	return v, nil
}
