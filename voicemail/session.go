package voicemail

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/fsm"
	"github.com/migadu/vmail/pkg/metrics"
)

// Session is one call in one of the voicemail applications. It turns the
// channel's ARI events into flow events and owns everything that has to be
// released when the call ends.
type Session struct {
	ChannelID string
	App       string
	Args      CallArgs
	Caller    ari.CallerID
	StartedAt time.Time

	flow     Flow
	prompter *Prompter
	control  ChannelControl
	log      *slog.Logger
	onClose  func(*Session)

	mu     sync.Mutex
	sub    *ari.Subscription
	closed bool
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ChannelID string    `json:"channel_id"`
	App       string    `json:"app"`
	Domain    string    `json:"domain"`
	Mailbox   string    `json:"mailbox,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Session) Info() SessionInfo {
	caller := s.Caller.Number
	if s.Caller.Name != "" {
		caller = s.Caller.Name + " <" + s.Caller.Number + ">"
	}
	return SessionInfo{
		ChannelID: s.ChannelID,
		App:       s.App,
		Domain:    s.Args.Domain,
		Mailbox:   s.Args.Number,
		Caller:    caller,
		State:     s.flow.State(),
		StartedAt: s.StartedAt,
	}
}

// Flow returns the call flow of the session.
func (s *Session) Flow() Flow {
	return s.flow
}

// HandleEvent maps an ARI event of this channel onto the flow.
func (s *Session) HandleEvent(ev *ari.Event) {
	switch ev.Type {
	case ari.EventChannelDtmfReceived:
		s.prompter.Interrupt()
		s.flow.Handle(EventDTMF, ev.Digit)

	case ari.EventRecordingStarted, ari.EventRecordingFinished, ari.EventRecordingFailed:
		if ev.Recording == nil {
			return
		}
		s.flow.Handle(recordingEvents[ev.Type], ev.Recording)

	case ari.EventPlaybackStarted, ari.EventPlaybackFinished:
		pb := ev.Playback
		if pb == nil {
			return
		}
		if IsPromptMedia(pb.MediaURI) {
			if ev.Type == ari.EventPlaybackFinished {
				s.prompter.Finished(pb.ID)
			}
			return
		}
		if ev.Type == ari.EventPlaybackStarted {
			s.flow.Handle(EventPlaybackStarted, pb)
		} else {
			s.flow.Handle(EventPlaybackFinished, pb)
		}

	case ari.EventStasisEnd, ari.EventChannelHangupRequest:
		s.log.Debug("Call ended", "event", ev.Type)
		s.flow.Stop()
	}
}

var recordingEvents = map[string]string{
	ari.EventRecordingStarted:  EventRecordingStarted,
	ari.EventRecordingFinished: EventRecordingFinished,
	ari.EventRecordingFailed:   EventRecordingFailed,
}

// fail ends the call after a collaborator failure.
func (s *Session) fail(err error) {
	op := "handler"
	var opErr *fsm.OpError
	if errors.As(err, &opErr) {
		op = opErr.Op
	}
	metrics.FSMErrorsTotal.WithLabelValues(s.App, op).Inc()
	s.log.Error("Call flow failed, hanging up", "operation", op, "state", s.flow.State(), "error", err)

	s.flow.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.control.Hangup(ctx, s.ChannelID); err != nil && !ari.IsGone(err) {
		s.log.Warn("Failed to hang up", "error", err)
	}
}

func (s *Session) subscribe(router *ari.Router) {
	sub := router.Subscribe(s.ChannelID, s.HandleEvent)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// close releases the session. It runs once, when the flow stops.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.prompter.Close()
	metrics.CallsCurrent.WithLabelValues(s.App).Dec()
	metrics.CallDuration.WithLabelValues(s.App).Observe(time.Since(s.StartedAt).Seconds())
	s.log.Info("Call closed", "duration", time.Since(s.StartedAt).Round(time.Second))
	if s.onClose != nil {
		s.onClose(s)
	}
}
