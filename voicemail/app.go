package voicemail

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/metrics"
)

// AppOptions configures the applications.
type AppOptions struct {
	DefaultDomain   string
	MaxAuthAttempts int
	// SetupTimeout bounds answering a call and loading its mailbox.
	SetupTimeout time.Duration
	// Runner executes collaborator calls; fsm.GoRunner when nil.
	Runner fsm.Runner
}

// App serves both voicemail applications: it starts a Session for every
// channel entering Stasis and routes the channel's events to it.
type App struct {
	opts     AppOptions
	services Services
	router   *ari.Router

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewApp(opts AppOptions, services Services) *App {
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = consts.DefaultDomain
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 30 * time.Second
	}
	if opts.Runner == nil {
		opts.Runner = fsm.GoRunner
	}
	a := &App{
		opts:     opts,
		services: services,
		sessions: make(map[string]*Session),
	}
	a.router = ari.NewRouter(a.handleStart)
	return a
}

// Dispatch feeds one ARI event in.
func (a *App) Dispatch(ev *ari.Event) {
	a.router.Dispatch(ev)
}

func (a *App) handleStart(ev *ari.Event) {
	if ev.Application != consts.AppVoicemail && ev.Application != consts.AppVoicemailMain {
		logger.Debug("Ignoring StasisStart for another application", "application", ev.Application)
		return
	}
	if ev.Channel == nil || ev.Channel.ID == "" {
		logger.Warn("StasisStart without a channel", "application", ev.Application)
		return
	}

	args := ParseCallArgs(ev.Args, a.opts.DefaultDomain)
	s := a.newSession(ev.Application, *ev.Channel, args)

	a.mu.Lock()
	if _, exists := a.sessions[s.ChannelID]; exists {
		a.mu.Unlock()
		s.prompter.Close()
		s.log.Warn("Duplicate StasisStart, ignoring")
		return
	}
	a.sessions[s.ChannelID] = s
	a.mu.Unlock()

	metrics.CallsTotal.WithLabelValues(s.App).Inc()
	metrics.CallsCurrent.WithLabelValues(s.App).Inc()
	s.log.Info("Call started", "domain", args.Domain, "mailbox", args.Number, "authorized", args.Authorized)

	s.flow.Start(args)
	s.subscribe(a.router)
	a.opts.Runner(func() { a.setup(s, *ev.Channel) })
}

func (a *App) newSession(app string, channel ari.Channel, args CallArgs) *Session {
	log := logger.ForCall(channel.ID, app)
	s := &Session{
		ChannelID: channel.ID,
		App:       app,
		Args:      args,
		Caller:    channel.Caller,
		StartedAt: time.Now(),
		control:   a.services.ARI,
		log:       log,
		onClose:   a.remove,
	}
	s.prompter = NewPrompter(a.services.ARI, channel.ID, log)

	opts := FlowOptions{
		App:             app,
		ChannelID:       channel.ID,
		Call:            s.prompter,
		MaxAuthAttempts: a.opts.MaxAuthAttempts,
		Runner:          a.opts.Runner,
		Logger:          log,
		OnError:         s.fail,
		OnStop:          s.close,
	}
	if app == consts.AppVoicemailMain {
		s.flow = NewMailboxFlow(opts)
	} else {
		s.flow = NewRecordingFlow(opts)
	}
	return s
}

// setup answers the channel and resolves the mailbox. The flow is
// already running and defers digits until the loads arrive.
func (a *App) setup(s *Session, channel ari.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.SetupTimeout)
	defer cancel()

	if err := a.services.ARI.Answer(ctx, s.ChannelID); err != nil {
		s.fail(&fsm.OpError{Op: "answer", Err: err})
		return
	}

	h := NewHelper(a.services, s.Args.Domain, s.Args.Number, channel, s.log)
	if err := h.Load(ctx); err != nil {
		s.fail(&fsm.OpError{Op: "load_mailbox", Err: err})
		return
	}
	s.flow.Handle(EventLoadMailboxHelper, h)

	if s.App != consts.AppVoicemailMain {
		return
	}
	list := mailbox.NewMessageList()
	if h.Messages != nil {
		var err error
		list, err = h.Messages.GetMessages(ctx)
		if err != nil {
			s.fail(&fsm.OpError{Op: "load_messages", Err: err})
			return
		}
	}
	s.flow.Handle(EventLoadMessages, list)
}

func (a *App) remove(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.sessions[s.ChannelID]; ok && cur == s {
		delete(a.sessions, s.ChannelID)
	}
}

// Session returns the active session of a channel.
func (a *App) Session(channelID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[channelID]
	return s, ok
}

// Sessions lists active sessions, oldest first.
func (a *App) Sessions() []SessionInfo {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Hangup ends the call on channelID.
func (a *App) Hangup(ctx context.Context, channelID string) error {
	s, ok := a.Session(channelID)
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, consts.ErrSessionNotFound)
	}
	s.flow.Stop()
	if err := a.services.ARI.Hangup(ctx, channelID); err != nil && !ari.IsGone(err) {
		return err
	}
	return nil
}

// Close hangs up every active call.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		if err := a.Hangup(ctx, id); err != nil {
			logger.Warn("Failed to hang up call during shutdown", "channel", id, "error", err)
		}
	}
}
