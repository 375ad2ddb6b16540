// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// connSlot is the single source of truth for one destination. It is cached
// before the dial starts; ready is closed once conn or err is set.
type connSlot struct {
	ready chan struct{}
	conn  *Conn
	err   error
}

// ConnCache maps destinations to shared connection handles. Slots are only
// ever inserted with LoadOrStore and removed with CompareAndDelete, so a
// stale slot can never evict its replacement.
type ConnCache struct {
	binding        string
	dialer         LinkDialer
	codec          FrameCodec
	connectTimeout time.Duration
	log            zerolog.Logger

	slots  sync.Map // destination -> *connSlot
	closed atomic.Bool
}

// NewConnCache creates an empty cache dialing through dialer.
func NewConnCache(binding string, dialer LinkDialer, codec FrameCodec, connectTimeout time.Duration, log zerolog.Logger) *ConnCache {
	return &ConnCache{
		binding:        binding,
		dialer:         dialer,
		codec:          codec,
		connectTimeout: connectTimeout,
		log:            log,
	}
}

// Acquire returns the shared handle for dest, dialing if none is cached.
// Concurrent callers for the same destination share one dial. ctx only
// bounds how long this caller waits; the dial itself is bounded by the
// connect timeout.
func (cc *ConnCache) Acquire(ctx context.Context, dest string) (*Conn, error) {
	for {
		if cc.closed.Load() {
			return nil, ErrTransportClosed
		}

		slot := &connSlot{ready: make(chan struct{})}
		if v, loaded := cc.slots.LoadOrStore(dest, slot); loaded {
			slot = v.(*connSlot)
		} else {
			go cc.connect(dest, slot)
		}

		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			return nil, slot.err
		}
		if slot.conn.isClosed() {
			cc.evict(dest, slot, "closed")
			continue
		}
		return slot.conn, nil
	}
}

func (cc *ConnCache) connect(dest string, slot *connSlot) {
	ctx := context.Background()
	if cc.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.connectTimeout)
		defer cancel()
	}

	log := cc.log.With().Str("binding", cc.binding).Str("dest", dest).Logger()
	link, err := cc.dialer.DialLink(ctx, dest)
	recordConnect(cc.binding, err)
	if err != nil {
		// evict before publishing so the next caller dials fresh
		cc.evict(dest, slot, "connect-failed")
		slot.err = fmt.Errorf("%w: %s: %w", ErrConnectionFailure, dest, err)
		log.Warn().Err(err).Msg("connect failed")
		close(slot.ready)
		return
	}

	conn := newConn(link, cc.codec, cc.binding, log)
	conn.onClose = func(_ *Conn, cause error) {
		cc.evict(dest, slot, "closed")
		log.Info().AnErr("cause", cause).Msg("connection closed")
	}
	slot.conn = conn
	conn.start()
	log.Info().Msg("connected")

	if cc.closed.Load() {
		conn.Close()
	}
	close(slot.ready)
}

func (cc *ConnCache) evict(dest string, slot *connSlot, reason string) {
	if cc.slots.CompareAndDelete(dest, slot) {
		evictionsTotal.WithLabelValues(cc.binding, reason).Inc()
	}
}

// Len returns the number of cached destinations, including dials in progress
func (cc *ConnCache) Len() int {
	n := 0
	cc.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown closes every cached connection, failing their pending calls
// with ErrConnectionClosed. Later Acquire calls return ErrTransportClosed.
func (cc *ConnCache) Shutdown() {
	if cc.closed.Swap(true) {
		return
	}
	cc.slots.Range(func(k, v any) bool {
		slot := v.(*connSlot)
		cc.evict(k.(string), slot, "shutdown")
		select {
		case <-slot.ready:
			if slot.conn != nil {
				slot.conn.Close()
			}
		default:
			// still dialing; connect closes it after seeing closed
			go func() {
				<-slot.ready
				if slot.conn != nil {
					slot.conn.Close()
				}
			}()
		}
		return true
	})
}
