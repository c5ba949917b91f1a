// Package fsm is the event driver shared by the call flows.
//
// A Machine owns the current state, an inbox of posted events and a queue
// of events deferred until a named state is entered. Events are processed
// one at a time to completion: whichever goroutine posts into an idle
// machine drains the inbox, while posts made during processing are queued
// and picked up by the same loop. Handlers therefore never run concurrently
// and need no locking of their own.
//
// When a state is entered its deferred events are released ahead of the
// inbox, in the order they were deferred. Collaborator calls run through a
// Runner and re-enter the machine as ordinary events, so a pending call never
// interleaves with another handler.
package fsm

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Event is an input to a machine.
type Event struct {
	Name    string
	Payload any
}

func (e Event) String() string {
	return e.Name
}

// Handler reacts to an event in the given state. A returned error is
// reported through the machine's error callback.
type Handler[S comparable] func(state S, ev Event) error

// EnterFunc is the entry action of a state.
type EnterFunc[S comparable] func(state S, arg any)

// Runner executes collaborator calls.
type Runner func(fn func())

// GoRunner runs each call on its own goroutine.
func GoRunner(fn func()) { go fn() }

// InlineRunner runs calls synchronously; completions are still queued.
func InlineRunner(fn func()) { fn() }

// OpError is a failed collaborator call.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

type deferred[S comparable] struct {
	ev     Event
	target S
}

const (
	startEvent = "$start"
	errorEvent = "$error"
)

// Options configures a Machine.
type Options[S comparable] struct {
	Initial      S
	Handle       Handler[S]
	Enter        EnterFunc[S]
	OnTransition func(from, to S)
	// OnError receives handler errors, failed async calls and recovered panics.
	OnError func(err error)
	// OnStop runs once, on the first Stop.
	OnStop func()
	Runner Runner
	Logger *slog.Logger
}

type Machine[S comparable] struct {
	opts Options[S]

	mu       sync.Mutex
	state    S
	inbox    []Event
	ready    []Event
	deferred []deferred[S]
	draining bool
	stopped  bool
	started  bool
}

func New[S comparable](opts Options[S]) *Machine[S] {
	if opts.Runner == nil {
		opts.Runner = GoRunner
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine[S]{opts: opts, state: opts.Initial}
}

// Start enters the initial state with arg.
func (m *Machine[S]) Start(arg any) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.Handle(startEvent, arg)
}

// Handle posts an event. It is a no-op once the machine is stopped.
func (m *Machine[S]) Handle(name string, payload any) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.inbox = append(m.inbox, Event{Name: name, Payload: payload})
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	m.drain()
}

func (m *Machine[S]) drain() {
	for {
		m.mu.Lock()
		if m.stopped {
			m.inbox = nil
			m.draining = false
			m.mu.Unlock()
			return
		}
		var ev Event
		switch {
		case len(m.ready) > 0:
			ev = m.ready[0]
			m.ready = m.ready[1:]
		case len(m.inbox) > 0:
			ev = m.inbox[0]
			m.inbox = m.inbox[1:]
		default:
			m.draining = false
			m.mu.Unlock()
			return
		}
		state := m.state
		m.mu.Unlock()

		m.dispatch(state, ev)
	}
}

func (m *Machine[S]) dispatch(state S, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Call flow handler panicked", "event", ev.Name, "state", state, "panic", r, "stack", string(debug.Stack()))
			m.reportError(fmt.Errorf("panic handling %s in %v: %v", ev.Name, state, r))
		}
	}()

	switch ev.Name {
	case startEvent:
		m.Transition(m.opts.Initial, ev.Payload)
		return
	case errorEvent:
		if err, ok := ev.Payload.(error); ok {
			m.reportError(err)
		}
		return
	}

	if err := m.opts.Handle(state, ev); err != nil {
		m.reportError(err)
	}
}

func (m *Machine[S]) reportError(err error) {
	if m.Stopped() || m.opts.OnError == nil {
		return
	}
	m.opts.OnError(err)
}

// Transition enters state to, running its entry action with arg, and
// releases the events deferred until to. Entering the current state again
// reruns its entry action. Must be called from a handler or entry action.
func (m *Machine[S]) Transition(to S, arg any) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = to
	m.mu.Unlock()

	m.opts.Logger.Debug("Call flow transition", "from", from, "to", to)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
	if m.opts.Enter != nil {
		m.opts.Enter(to, arg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.state != to {
		return
	}
	kept := m.deferred[:0]
	for _, d := range m.deferred {
		if d.target == to {
			m.ready = append(m.ready, d.ev)
		} else {
			kept = append(kept, d)
		}
	}
	m.deferred = kept
}

// DeferUntil holds ev until state is next entered.
func (m *Machine[S]) DeferUntil(ev Event, state S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.deferred = append(m.deferred, deferred[S]{ev: ev, target: state})
}

// Async runs fn on the machine's runner. On success done is posted with
// fn's result; on failure the error reaches OnError as an *OpError. Both
// are dropped if the machine has stopped meanwhile.
func (m *Machine[S]) Async(op string, fn func() (any, error), done string) {
	m.opts.Runner(func() {
		result, err := fn()
		if err != nil {
			m.Handle(errorEvent, &OpError{Op: op, Err: err})
			return
		}
		if done != "" {
			m.Handle(done, result)
		}
	})
}

// Stop discards queued and deferred events and makes every later call a
// no-op.
func (m *Machine[S]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.inbox = nil
	m.ready = nil
	m.deferred = nil
	m.mu.Unlock()

	if m.opts.OnStop != nil {
		m.opts.OnStop()
	}
}

func (m *Machine[S]) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Deferred returns the number of events waiting for a state.
func (m *Machine[S]) Deferred() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}
