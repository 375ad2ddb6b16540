// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Handler produces the response frames of one inbound call. Use
// UnaryHandler or StreamHandler.
type Handler interface {
	serve(ctx context.Context, req *Message, w *callWriter) error
}

// UnaryHandler answers with one message. Returning a nil message completes
// the call without a value.
type UnaryHandler func(ctx context.Context, req *Message) (*Message, error)

func (f UnaryHandler) serve(ctx context.Context, req *Message, w *callWriter) error {
	resp, err := f(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return w.complete()
	}
	return w.data(resp)
}

// StreamHandler answers with a sequence of messages followed by completion.
// The sequence should stop producing once ctx is done.
type StreamHandler func(ctx context.Context, req *Message) iter.Seq2[*Message, error]

func (f StreamHandler) serve(ctx context.Context, req *Message, w *callWriter) error {
	for item, err := range f(ctx, req) {
		if err != nil {
			return err
		}
		if err := w.data(item); err != nil {
			return err
		}
	}
	return w.complete()
}

// Resolver finds the handler for a qualifier ("namespace/method").
type Resolver interface {
	Resolve(qualifier string) (Handler, bool)
}

// Registry is a map-backed Resolver.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for qualifier. Registering the same qualifier twice
// is an error.
func (r *Registry) Handle(qualifier string, h Handler) error {
	qualifier = strings.TrimSpace(qualifier)
	if qualifier == "" {
		return fmt.Errorf("rpcmux: empty qualifier")
	}
	if h == nil {
		return fmt.Errorf("rpcmux: nil handler for %s", qualifier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[qualifier]; ok {
		return fmt.Errorf("rpcmux: handler already registered for %s", qualifier)
	}
	r.handlers[qualifier] = h
	return nil
}

// Remove unregisters qualifier; in-flight calls are unaffected.
func (r *Registry) Remove(qualifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, qualifier)
}

func (r *Registry) Resolve(qualifier string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[qualifier]
	return h, ok
}

// Observer is told when sessions open and close. OnConnect is called once
// per session before any of its frames are read, on a goroutine owned by
// that session: a slow OnConnect delays only its own session, never the
// accept loop. OnDisconnect is called at most once, from the session's read
// loop, and should return promptly.
type Observer interface {
	OnConnect(s *Session)
	OnDisconnect(s *Session)
}

// ObserverFuncs adapts two optional functions to Observer
type ObserverFuncs struct {
	Connect    func(s *Session)
	Disconnect func(s *Session)
}

func (o ObserverFuncs) OnConnect(s *Session) {
	if o.Connect != nil {
		o.Connect(s)
	}
}

func (o ObserverFuncs) OnDisconnect(s *Session) {
	if o.Disconnect != nil {
		o.Disconnect(s)
	}
}
