// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pipeDialer hands out net.Pipe links whose far ends discard everything.
// Dials wait on gate when it is set; the first failFirst dials fail.
type pipeDialer struct {
	gate      chan struct{}
	failFirst int32

	dials atomic.Int32
	mu    sync.Mutex
	peers []net.Conn
}

func (d *pipeDialer) DialLink(ctx context.Context, addr string) (Link, error) {
	n := d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	d.mu.Lock()
	d.peers = append(d.peers, b)
	d.mu.Unlock()
	return newFramedLink(a, DefaultConfig()), nil
}

func (d *pipeDialer) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
	d.peers = nil
}

func newTestCache(t *testing.T, d LinkDialer, connectTimeout time.Duration) *ConnCache {
	t.Helper()
	cc := NewConnCache(BindingFramed, d, ProtoFrameCodec{}, connectTimeout, zerolog.Nop())
	t.Cleanup(cc.Shutdown)
	return cc
}

func TestConnCacheSharesOneDial(t *testing.T) {
	d := &pipeDialer{gate: make(chan struct{})}
	cc := newTestCache(t, d, time.Second)
	const callers = 16

	conns := make(chan *Conn, callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			c, err := cc.Acquire(context.Background(), "node-a:7070")
			if err != nil {
				errs <- err
				return
			}
			conns <- c
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(d.gate)

	var first *Conn
	for range callers {
		select {
		case err := <-errs:
			t.Fatalf("Acquire: %v", err)
		case c := <-conns:
			if first == nil {
				first = c
			} else if c != first {
				t.Fatalf("callers got different handles for one destination")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for Acquire")
		}
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if n := cc.Len(); n != 1 {
		t.Errorf("cached = %d, want 1", n)
	}
}

func TestConnCacheKeysByDestination(t *testing.T) {
	d := &pipeDialer{}
	cc := newTestCache(t, d, time.Second)

	a, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := cc.Acquire(context.Background(), "node-b:7070")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if a == b {
		t.Fatalf("two destinations share a handle")
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestConnCacheFailedDialEvicts(t *testing.T) {
	d := &pipeDialer{failFirst: 1}
	cc := newTestCache(t, d, time.Second)

	if _, err := cc.Acquire(context.Background(), "node-a:7070"); !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("first Acquire err = %v, want ErrConnectionFailure", err)
	}
	if n := cc.Len(); n != 0 {
		t.Fatalf("failed dial left %d cached entries", n)
	}
	if _, err := cc.Acquire(context.Background(), "node-a:7070"); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestConnCacheConnectTimeout(t *testing.T) {
	d := &pipeDialer{gate: make(chan struct{})}
	cc := newTestCache(t, d, 30*time.Millisecond)

	_, err := cc.Acquire(context.Background(), "node-a:7070")
	if !errors.Is(err, ErrConnectionFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want connection failure from the connect timeout", err)
	}
	if n := cc.Len(); n != 0 {
		t.Errorf("cached = %d after timeout, want 0", n)
	}
}

func TestConnCacheWaiterDoesNotAbortDial(t *testing.T) {
	d := &pipeDialer{gate: make(chan struct{})}
	cc := newTestCache(t, d, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cc.Acquire(ctx, "node-a:7070"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	close(d.gate)
	if _, err := cc.Acquire(context.Background(), "node-a:7070"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnCacheEvictsClosedConn(t *testing.T) {
	d := &pipeDialer{}
	cc := newTestCache(t, d, time.Second)

	first, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	res := requestAsync(context.Background(), first, NewRequest("slow/op", nil))
	waitFor(t, "call registration", func() bool { return pendingCount(first) == 1 })

	d.dropAll()

	if r := awaitResult(t, res); !errors.Is(r.err, ErrConnectionClosed) {
		t.Fatalf("pending call err = %v, want ErrConnectionClosed", r.err)
	}
	waitFor(t, "eviction", func() bool { return cc.Len() == 0 })

	second, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire after close: %v", err)
	}
	if second == first {
		t.Fatalf("closed handle returned again")
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestConnCacheStaleEvictionKeepsReplacement(t *testing.T) {
	d := &pipeDialer{}
	cc := newTestCache(t, d, time.Second)

	first, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	v, _ := cc.slots.Load("node-a:7070")
	stale := v.(*connSlot)
	first.Close()
	waitFor(t, "eviction", func() bool { return cc.Len() == 0 })

	second, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cc.evict("node-a:7070", stale, "closed")

	again, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again != second {
		t.Fatalf("stale eviction removed the live handle")
	}
}

func TestConnCacheShutdown(t *testing.T) {
	d := &pipeDialer{}
	cc := newTestCache(t, d, time.Second)

	conn, err := cc.Acquire(context.Background(), "node-a:7070")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	res := requestAsync(context.Background(), conn, NewRequest("slow/op", nil))
	waitFor(t, "call registration", func() bool { return pendingCount(conn) == 1 })

	cc.Shutdown()

	if r := awaitResult(t, res); !errors.Is(r.err, ErrConnectionClosed) {
		t.Fatalf("pending call err = %v, want ErrConnectionClosed", r.err)
	}
	if _, err := cc.Acquire(context.Background(), "node-a:7070"); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Acquire after shutdown err = %v, want ErrTransportClosed", err)
	}
}
