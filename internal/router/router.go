// Package router fans inbound envelopes out to type-keyed subscribers.
// Handlers registered under an envelope's exact type run first in
// subscription order, then wildcard handlers in subscription order.
package router

import (
	"log/slog"
	"sync"

	"boltalka/internal/models"
)

type Handler func(models.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

type Router struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[models.EventType][]subscription
	// Wildcard subscribers are kept apart from the typed registry so
	// they never collide with a real event tag.
	wildcard []subscription
	log      *slog.Logger
}

func New(log *slog.Logger) *Router {
	return &Router{
		subs: make(map[models.EventType][]subscription),
		log:  log,
	}
}

// Subscribe registers handler for eventType and returns its disposer.
// models.EventWildcard subscribes to every envelope regardless of tag.
// The disposer is idempotent and safe to call during dispatch.
func (r *Router) Subscribe(eventType models.EventType, handler Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	sub := subscription{id: id, handler: handler}
	if eventType == models.EventWildcard {
		r.wildcard = append(r.wildcard, sub)
	} else {
		r.subs[eventType] = append(r.subs[eventType], sub)
	}
	r.mu.Unlock()

	return func() {
		r.unsubscribe(eventType, id)
	}
}

func (r *Router) unsubscribe(eventType models.EventType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eventType == models.EventWildcard {
		r.wildcard = remove(r.wildcard, id)
		return
	}

	list := remove(r.subs[eventType], id)
	if len(list) == 0 {
		delete(r.subs, eventType)
		return
	}
	r.subs[eventType] = list
}

func remove(list []subscription, id uint64) []subscription {
	for i, sub := range list {
		if sub.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Dispatch delivers one envelope: exact-type handlers first, wildcard
// handlers second, both in subscription order. A panicking handler is
// logged and skipped without affecting the rest.
func (r *Router) Dispatch(env models.Envelope) {
	r.mu.RLock()
	typed := r.subs[env.Type]
	handlers := make([]subscription, 0, len(typed)+len(r.wildcard))
	handlers = append(handlers, typed...)
	handlers = append(handlers, r.wildcard...)
	r.mu.RUnlock()

	for _, sub := range handlers {
		r.invoke(sub, env)
	}
}

func (r *Router) invoke(sub subscription, env models.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panicked", "type", env.Type, "panic", rec)
		}
	}()
	sub.handler(env)
}

// Clear drops every subscription. Used on session teardown.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[models.EventType][]subscription)
	r.wildcard = nil
}
