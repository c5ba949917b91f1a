package ari

import (
	"runtime/debug"
	"sync"

	"github.com/migadu/vmail/logger"
)

// Handler receives routed events.
type Handler func(*Event)

// Subscription is a per-call registration with a Router. Unsubscribe is
// safe to call more than once.
type Subscription struct {
	router    *Router
	channelID string
	id        uint64
	once      sync.Once
}

func (s *Subscription) ChannelID() string {
	return s.channelID
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.remove(s)
	})
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Router delivers events to the subscription of the channel they belong to.
// StasisStart goes to the start handler; events for unknown channels are
// dropped.
type Router struct {
	mu      sync.RWMutex
	subs    map[string][]subscriber
	nextID  uint64
	onStart Handler
}

func NewRouter(onStart Handler) *Router {
	return &Router{
		subs:    make(map[string][]subscriber),
		onStart: onStart,
	}
}

// Subscribe registers handler for events of channelID.
func (r *Router) Subscribe(channelID string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[channelID] = append(r.subs[channelID], subscriber{id: id, handler: handler})
	return &Subscription{router: r, channelID: channelID, id: id}
}

func (r *Router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[s.channelID]
	for i, sub := range subs {
		if sub.id == s.id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, s.channelID)
	} else {
		r.subs[s.channelID] = subs
	}
}

// Dispatch routes one event.
func (r *Router) Dispatch(ev *Event) {
	if ev.Type == EventStasisStart {
		if r.onStart != nil {
			r.safeCall(r.onStart, ev)
		}
		return
	}

	channelID := ev.ChannelID()
	if channelID == "" {
		return
	}

	r.mu.RLock()
	subs := make([]subscriber, len(r.subs[channelID]))
	copy(subs, r.subs[channelID])
	r.mu.RUnlock()

	for _, sub := range subs {
		r.safeCall(sub.handler, ev)
	}
}

// Active returns the number of channels with a subscription.
func (r *Router) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) safeCall(h Handler, ev *Event) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("ARI event handler panicked", "event", ev.Type, "channel", ev.ChannelID(), "panic", p, "stack", string(debug.Stack()))
		}
	}()
	h(ev)
}
