// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

// Server accepts links on one binding and serves the calls multiplexed on
// each of them.
type Server struct {
	binding  Binding
	listener Listener
	resolver Resolver
	observer Observer
	log      zerolog.Logger

	sessions  sync.Map // session id -> *Session
	sessionID atomic.Uint64
	closed    atomic.Bool
}

func newServer(b Binding, listener Listener, o *serverOptions) *Server {
	return &Server{
		binding:  b,
		listener: listener,
		resolver: o.resolver,
		observer: o.observer,
		log:      o.log().With().Str("binding", b.Name).Str("addr", listener.Addr()).Logger(),
	}
}

// Handle registers a handler on the server's Registry. It fails when the
// server was built with a custom Resolver.
func (s *Server) Handle(qualifier string, h Handler) error {
	r, ok := s.resolver.(*Registry)
	if !ok {
		return fmt.Errorf("rpcmux: server resolver %T does not accept registrations", s.resolver)
	}
	return r.Handle(qualifier, h)
}

// Serve accepts links until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info().Msg("serving")
	for {
		link, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		go s.serveLink(ctx, link)
	}
}

// serveLink runs on its own goroutine so a slow observer never holds up
// the accept loop.
func (s *Server) serveLink(ctx context.Context, link Link) {
	id := s.sessionID.Add(1)
	log := s.log.With().Uint64("session", id).Str("remote", link.RemoteAddr()).Logger()
	sctx, cancel := context.WithCancel(ctx)

	sess := &Session{
		id:     id,
		conn:   newConn(link, s.binding.Codec, s.binding.Name, log),
		ctx:    sctx,
		cancel: cancel,
		opened: time.Now(),
	}
	sess.conn.unmatched = func(m *Message) { s.demux(sess, m) }
	sess.conn.onClose = func(_ *Conn, cause error) {
		cancel()
		s.sessions.Delete(id)
		sessionsGauge.Dec()
		log.Info().AnErr("cause", cause).Msg("session closed")
		s.observer.OnDisconnect(sess)
	}

	// OnConnect runs before the session is visible to Close, so a disconnect
	// can never be reported first
	s.observer.OnConnect(sess)
	s.sessions.Store(id, sess)
	sessionsGauge.Inc()
	log.Info().Msg("session opened")
	sess.conn.start()

	if s.closed.Load() {
		sess.Close()
	}
}

// demux handles frames that match no registration on the session: a data
// frame opens a call, everything else is stray.
func (s *Server) demux(sess *Session, m *Message) {
	if m.Signal != SignalNone {
		sess.conn.dropFrame(m, "unknown-stream")
		return
	}

	ctx, cancel := context.WithCancel(sess.ctx)
	reg := newSink(m.StreamID, shapeControl)
	reg.onCancel = cancel
	if err := sess.conn.register(reg); err != nil {
		cancel()
		sess.conn.dropFrame(m, "duplicate")
		return
	}
	go s.runCall(ctx, cancel, sess, reg, m)
}

func (s *Server) runCall(ctx context.Context, cancel context.CancelFunc, sess *Session, reg *sink, req *Message) {
	defer func() {
		cancel()
		reg.finish(nil)
		sess.conn.release(reg)
	}()

	w := &callWriter{ctx: ctx, conn: sess.conn, id: req.StreamID}
	q := req.Qualifier()
	h, ok := s.resolver.Resolve(q)
	if !ok {
		w.fail(&json2.Error{Code: json2.E_NO_METHOD, Message: "no handler for " + q})
		return
	}

	err := s.invoke(ctx, h, req, w)
	if err != nil && ctx.Err() == nil {
		w.fail(err)
	}
}

func (s *Server) invoke(ctx context.Context, h Handler, req *Message, w *callWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Uint64("sid", req.StreamID).Str("q", req.Qualifier()).Msg("handler panicked")
			err = &json2.Error{Code: json2.E_INTERNAL, Message: fmt.Sprint("handler panic: ", r)}
		}
	}()
	return h.serve(ctx, req, w)
}

// Close stops accepting and closes every live session
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.sessions.Range(func(_, v any) bool {
		v.(*Session).Close()
		return true
	})
	s.log.Info().Msg("server closed")
	return err
}

// Addr returns the listener address
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// Sessions returns the number of live sessions
func (s *Server) Sessions() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// callWriter emits the frames of one inbound call. Once the call's ctx is
// done (CANCEL received or session closed) nothing more is written.
type callWriter struct {
	ctx  context.Context
	conn *Conn
	id   uint64
}

func (w *callWriter) data(m *Message) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	return w.conn.send(w.ctx, m.outbound(w.id, SignalNone))
}

func (w *callWriter) complete() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	return w.conn.send(w.ctx, &Message{StreamID: w.id, Signal: SignalComplete})
}

func (w *callWriter) fail(err error) {
	if w.ctx.Err() != nil {
		return
	}
	if sendErr := w.conn.send(w.ctx, errorFrame(w.id, err)); sendErr != nil {
		w.conn.log.Debug().Err(sendErr).Uint64("sid", w.id).Msg("error frame not delivered")
	}
}
