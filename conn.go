// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type callShape uint8

const (
	shapeSingle callShape = iota
	shapeStream
	// shapeControl registrations only react to CANCEL; servers use them to
	// track in-flight handlers.
	shapeControl
)

func (s callShape) String() string {
	switch s {
	case shapeSingle:
		return "single"
	case shapeStream:
		return "stream"
	default:
		return "control"
	}
}

// sink is the pending registration for one stream id. Frames are queued
// without bound so the read loop never waits on a slow caller.
type sink struct {
	id       uint64
	shape    callShape
	sentAt   string
	onCancel func()

	mu       sync.Mutex
	queue    []*Message
	terminal bool
	err      error
	notify   chan struct{}
}

func newSink(id uint64, shape callShape) *sink {
	return &sink{id: id, shape: shape, notify: make(chan struct{}, 1)}
}

func (s *sink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// push queues m. It reports false once the sink is terminal.
func (s *sink) push(m *Message) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.signal()
	return true
}

// finish moves the sink to terminal. A nil err means normal completion.
// Only the first call wins.
func (s *sink) finish(err error) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.terminal = true
	s.err = err
	s.mu.Unlock()
	s.signal()
	return true
}

// abandon is finish for a caller that lost interest: queued frames are
// discarded as well.
func (s *sink) abandon() bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.terminal = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
	return true
}

// next returns the next queued frame, io.EOF after normal completion, or
// the terminal error.
func (s *sink) next(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		if s.terminal {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Conn is a connection handle: one link plus the registrations of every
// call in flight on it. Registrations live in a sync.Map so unrelated calls
// never contend on a shared lock.
type Conn struct {
	link    Link
	codec   FrameCodec
	binding string
	log     zerolog.Logger

	pending sync.Map // stream id -> *sink

	closed    atomic.Bool
	closeErr  error
	closeOnce sync.Once
	done      chan struct{}

	// set before start
	onClose   func(c *Conn, cause error)
	unmatched func(m *Message)
}

func newConn(link Link, codec FrameCodec, binding string, log zerolog.Logger) *Conn {
	c := &Conn{
		link:    link,
		codec:   codec,
		binding: binding,
		log:     log,
		done:    make(chan struct{}),
	}
	c.unmatched = c.dropUnmatched
	return c
}

func (c *Conn) start() {
	go c.readLoop()
}

// RemoteAddr returns the peer address of the underlying link
func (c *Conn) RemoteAddr() string {
	return c.link.RemoteAddr()
}

// Done is closed once the connection has terminated
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection terminated, or nil while it is open
func (c *Conn) Err() error {
	if !c.closed.Load() {
		return nil
	}
	return connectionClosed(c.closeErr)
}

// Close terminates the connection and fails every pending call
func (c *Conn) Close() error {
	c.terminate(ErrConnectionClosed)
	return nil
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}

// RequestResponse sends req and waits for exactly one response. A peer
// that completes without a value yields a nil message and nil error.
func (c *Conn) RequestResponse(ctx context.Context, req *Message) (*Message, error) {
	s, err := c.open(ctx, req, shapeSingle)
	if err != nil {
		return nil, err
	}
	m, err := s.next(ctx)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, io.EOF):
		return nil, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		c.cancel(s)
		return nil, err
	default:
		return nil, err
	}
}

// RequestStream sends req and returns the lazy sequence of its responses.
// Cancelling ctx cancels the call.
func (c *Conn) RequestStream(ctx context.Context, req *Message) (*Stream, error) {
	s, err := c.open(ctx, req, shapeStream)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, c, s), nil
}

// open registers a sink for a fresh stream id and then sends the request,
// so a fast response can never beat its registration.
func (c *Conn) open(ctx context.Context, req *Message, shape callShape) (*sink, error) {
	// a caller that already gave up never touches the shared link
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, c.Err()
	}
	id := nextStreamID()
	out := req.outbound(id, SignalNone)
	stampMillis(out, HeaderClientSendTime, time.Now())

	s := newSink(id, shape)
	s.sentAt = out.Headers[HeaderClientSendTime]
	if err := c.register(s); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		c.release(s)
		return nil, c.Err()
	}

	if err := c.send(ctx, out); err != nil {
		s.finish(err)
		c.release(s)
		return nil, err
	}
	callsTotal.WithLabelValues(shape.String()).Inc()
	return s, nil
}

func (c *Conn) register(s *sink) error {
	if _, loaded := c.pending.LoadOrStore(s.id, s); loaded {
		return fmt.Errorf("%w: %d", ErrDuplicateStream, s.id)
	}
	pendingCalls.Inc()
	return nil
}

// release removes s if it is still the registration for its id.
func (c *Conn) release(s *sink) {
	if c.pending.CompareAndDelete(s.id, s) {
		pendingCalls.Dec()
	}
}

// receive registers a stream-shaped sink for an id chosen by the peer.
func (c *Conn) receive(ctx context.Context, id uint64) (*Stream, error) {
	if c.closed.Load() {
		return nil, c.Err()
	}
	s := newSink(id, shapeStream)
	if err := c.register(s); err != nil {
		return nil, err
	}
	return newStream(ctx, c, s), nil
}

// cancel abandons s, then tells the peer to stop producing for its id.
// Runs at most once per registration; send failures are only logged.
func (c *Conn) cancel(s *sink) {
	if !s.abandon() {
		return
	}
	c.release(s)
	if c.closed.Load() {
		return
	}
	cancelsTotal.Inc()
	if err := c.send(context.Background(), cancelFrame(s.id)); err != nil {
		c.log.Debug().Err(err).Uint64("sid", s.id).Msg("cancel not delivered")
	}
}

func (c *Conn) send(ctx context.Context, m *Message) error {
	frame, err := c.codec.EncodeFrame(m)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.link.Send(ctx, frame); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		// a failed write may leave a partial frame on the wire
		c.terminate(err)
		return connectionClosed(err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var cause error
	for {
		frame, err := c.link.Recv()
		if err != nil {
			cause = err
			break
		}
		m, err := c.codec.DecodeFrame(frame)
		if err != nil {
			recordDrop("malformed")
			c.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(m)
	}
	c.terminate(cause)
}

func (c *Conn) dispatch(m *Message) {
	v, ok := c.pending.Load(m.StreamID)
	if !ok {
		c.unmatched(m)
		return
	}
	s := v.(*sink)

	if s.shape == shapeControl {
		if m.Signal == SignalCancel && s.finish(ErrCancelled) {
			c.release(s)
			if s.onCancel != nil {
				s.onCancel()
			}
			return
		}
		c.dropFrame(m, "duplicate")
		return
	}

	switch m.Signal {
	case SignalNone:
		m = m.clone()
		if s.sentAt != "" && m.Header(HeaderClientSendTime) == "" {
			m.setHeader(HeaderClientSendTime, s.sentAt)
		}
		stampMillis(m, HeaderClientRecvTime, time.Now())
		if !s.push(m) {
			c.dropFrame(m, "terminal")
			return
		}
		if s.shape == shapeSingle {
			s.finish(nil)
			c.release(s)
		}
	case SignalComplete:
		if s.finish(nil) {
			c.release(s)
		}
	case SignalError:
		if s.finish(remoteError(m)) {
			c.release(s)
		}
	case SignalCancel:
		if s.finish(ErrCancelled) {
			c.release(s)
		}
	default:
		c.dropFrame(m, "signal")
	}
}

func (c *Conn) dropUnmatched(m *Message) {
	c.dropFrame(m, "unknown-stream")
}

func (c *Conn) dropFrame(m *Message, reason string) {
	recordDrop(reason)
	c.log.Debug().
		Err(ErrProtocolViolation).
		Uint64("sid", m.StreamID).
		Stringer("sig", m.Signal).
		Str("reason", reason).
		Msg("dropping frame")
}

// terminate closes the link once and fails every registration with
// ErrConnectionClosed.
func (c *Conn) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.closed.Store(true)
		c.link.Close()

		failure := connectionClosed(cause)
		c.pending.Range(func(_, v any) bool {
			s := v.(*sink)
			s.finish(failure)
			c.release(s)
			return true
		})
		close(c.done)
		if c.onClose != nil {
			c.onClose(c, cause)
		}
	})
}
