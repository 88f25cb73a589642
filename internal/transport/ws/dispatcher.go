package ws

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// Handler consumes one normalized event. A returned error is logged and does
// not stop the remaining handlers for the same event.
type Handler func(core.Event) error

type registration struct {
	id uint64
	fn Handler
}

// Dispatcher is a typed publish/subscribe fanout for inbound events.
// Handlers of one kind run in registration order.
type Dispatcher struct {
	log *zerolog.Logger

	mu       sync.RWMutex
	seq      uint64
	handlers map[core.EventKind][]registration
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      logger,
		handlers: make(map[core.EventKind][]registration),
	}
}

// Subscribe registers fn for events of the given kind.
func (d *Dispatcher) Subscribe(kind core.EventKind, fn Handler) *Subscription {
	d.mu.Lock()
	d.seq++
	id := d.seq
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, fn: fn})
	d.mu.Unlock()

	return NewSubscription(func() { d.remove(kind, id) })
}

func (d *Dispatcher) remove(kind core.EventKind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.handlers[kind]
	next := make([]registration, 0, len(current))
	for _, r := range current {
		if r.id != id {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = next
}

// Len returns the number of handlers registered for kind.
func (d *Dispatcher) Len(kind core.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Dispatch delivers ev to every handler of its kind and returns how many ran.
func (d *Dispatcher) Dispatch(ev core.Event) int {
	d.mu.RLock()
	snapshot := d.handlers[ev.Kind]
	d.mu.RUnlock()

	for _, r := range snapshot {
		d.invoke(ev, r.fn)
	}
	return len(snapshot)
}

func (d *Dispatcher) invoke(ev core.Event, fn Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerFailures.WithLabelValues(string(ev.Kind)).Inc()
			d.log.Error().Str("kind", string(ev.Kind)).Str("room_id", ev.Room).
				Err(fmt.Errorf("panic: %v", rec)).Msg("frame handler panicked")
		}
	}()

	if err := fn(ev); err != nil {
		metrics.HandlerFailures.WithLabelValues(string(ev.Kind)).Inc()
		d.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("room_id", ev.Room).Msg("frame handler failed")
	}
}

// Subscription is a disposable handler registration.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release into a disposable handle.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Close removes the registration. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

// Scope collects subscriptions that are released together.
type Scope struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Add tracks sub. Adding to a closed scope releases sub immediately.
func (s *Scope) Add(subs ...*Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		return
	}
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Close releases every tracked subscription, newest first.
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Close()
	}
}

// signal is a list of argument-less listeners.
type signal struct {
	mu        sync.RWMutex
	seq       uint64
	listeners []signalListener
}

type signalListener struct {
	id uint64
	fn func()
}

func (s *signal) add(fn func()) *Subscription {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.listeners = append(s.listeners, signalListener{id: id, fn: fn})
	s.mu.Unlock()

	return NewSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make([]signalListener, 0, len(s.listeners))
		for _, l := range s.listeners {
			if l.id != id {
				next = append(next, l)
			}
		}
		s.listeners = next
	})
}

func (s *signal) emit(log *zerolog.Logger, name string) {
	s.mu.RLock()
	snapshot := s.listeners
	s.mu.RUnlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Str("signal", name).Err(fmt.Errorf("panic: %v", rec)).Msg("signal listener panicked")
				}
			}()
			l.fn()
		}()
	}
}
