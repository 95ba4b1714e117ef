package config

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is published to every subscriber on a config change (spec §4.1).
type Event struct {
	ChangedKeys []string
	Source      string
	UpdateID    string
}

// Handler reacts to a config change. A handler must not call a Store
// setter synchronously from within itself — the source avoids the
// publish/subscribe cycle that would otherwise result (SPEC_FULL.md §9
// "Observer loops").
type Handler func(Event)

// subscription pairs a handler with the token Unsubscribe needs. Duplicate
// Subscribe calls with semantically identical handlers are permitted and
// each gets its own token, so each yields its own delivery — exactly the
// "duplicate subscribe = duplicate delivery" contract in spec §4.1.
type subscription struct {
	id      string
	handler Handler
}

// Bus is the fan-out of config change events to subscribers (C2). The
// mutex is held only while copying the subscriber slice; handlers run
// outside the lock so a handler that re-enters Subscribe/Unsubscribe (or
// blocks) cannot deadlock a concurrent Publish.
type Bus struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs []subscription
}

// NewBus creates an empty observer bus.
func NewBus(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{log: log}
}

// Subscribe registers handler and returns a token usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes one subscription by token. Removing an unknown or
// already-removed token is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every current subscriber, in registration
// order. A handler that panics is isolated: it is logged and the
// remaining handlers still run (spec §4.1's ObserverHandler error kind).
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, event)
	}
}

func (b *Bus) invoke(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"subscriber": s.id,
				"panic":      fmt.Sprint(r),
			}).Error("config observer handler panicked")
		}
	}()
	s.handler(event)
}
