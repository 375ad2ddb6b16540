// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"
	"time"
)

// Session is the server side of one accepted link. It shares the
// multiplexing core with client handles: Receive registers a stream id and
// Send writes a frame, exactly as a client call does.
type Session struct {
	id     uint64
	conn   *Conn
	ctx    context.Context
	cancel context.CancelFunc
	opened time.Time
}

// ID is unique per server
func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *Session) OpenedAt() time.Time {
	return s.opened
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context {
	return s.ctx
}

// Send writes m to the peer as is; the caller sets StreamID and Signal.
// A ctx that is already done fails only this send.
func (s *Session) Send(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.send(ctx, m)
}

// Receive registers id and returns the frames the peer sends for it.
// Closing the stream sends CANCEL for id.
func (s *Session) Receive(id uint64) (*Stream, error) {
	return s.conn.receive(s.ctx, id)
}

// Done is closed when the underlying link has terminated
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) String() string {
	return fmt.Sprintf("Session[id=%d remote=%s]", s.id, s.conn.RemoteAddr())
}
