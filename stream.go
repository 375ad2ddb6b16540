// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"io"
	"iter"
)

// Stream is the ordered, finite sequence of frames for one call. It is
// consumed once; observing the call again needs a new request.
type Stream struct {
	ctx  context.Context
	conn *Conn
	sink *sink
	stop func() bool
}

func newStream(ctx context.Context, c *Conn, s *sink) *Stream {
	st := &Stream{ctx: ctx, conn: c, sink: s}
	st.stop = context.AfterFunc(ctx, st.cancel)
	return st
}

// StreamID returns the correlation id of the call
func (st *Stream) StreamID() uint64 {
	return st.sink.id
}

// Recv returns the next data frame. It returns io.EOF once the peer
// completes or the stream is closed locally, a *RemoteError when the peer
// fails the call, and an ErrConnectionClosed error when the link drops.
func (st *Stream) Recv() (*Message, error) {
	m, err := st.sink.next(st.ctx)
	if err != nil {
		st.stop()
		return nil, err
	}
	return m, nil
}

// Close stops the stream. If the call is still open a CANCEL frame is sent.
func (st *Stream) Close() error {
	st.stop()
	st.cancel()
	return nil
}

func (st *Stream) cancel() {
	st.conn.cancel(st.sink)
}

// All ranges over the remaining frames. Breaking out of the loop closes the
// stream. Normal completion ends the loop without an error.
func (st *Stream) All() iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(m, err) {
				st.Close()
				return
			}
			if err != nil {
				return
			}
		}
	}
}
