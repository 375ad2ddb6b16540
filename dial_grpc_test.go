//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestGRPCBindingRegistered(t *testing.T) {
	if !HasBinding(BindingGRPC) {
		t.Fatalf("grpc binding missing; have %v", AvailableBindings())
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, BindingGRPC)
	client := dialServer(t, ctx, server)

	resp, err := client.CallRaw(ctx, "echo/one", []byte("over grpc"))
	if err != nil {
		t.Fatalf("CallRaw: %v", err)
	}
	if string(resp) != "over grpc" {
		t.Errorf("got %q", resp)
	}

	st, err := client.Stream(ctx, "echo/many", []byte("1000"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := st.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	st.Close()
	if _, err := st.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after close = %v, want io.EOF", err)
	}
}

func TestFrameCodecCopies(t *testing.T) {
	buf := []byte("frame")
	var f rawFrame
	if err := (frameCodec{}).Unmarshal(buf, &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	buf[0] = 'X'
	if string(f.b) != "frame" {
		t.Errorf("frame aliases the transport buffer: %q", f.b)
	}
	if _, err := (frameCodec{}).Marshal("not a frame"); err == nil {
		t.Errorf("Marshal accepted %T", "")
	}
}

// blockingStream parks SendMsg until release is closed
type blockingStream struct {
	entered chan struct{}
	release chan struct{}
	sent    atomic.Int32
}

func (s *blockingStream) SendMsg(any) error {
	close(s.entered)
	<-s.release
	s.sent.Add(1)
	return nil
}

func (s *blockingStream) RecvMsg(any) error {
	<-s.release
	return io.EOF
}

func TestServerGRPCLinkCloseWaitsForSend(t *testing.T) {
	stream := &blockingStream{entered: make(chan struct{}), release: make(chan struct{})}
	finished := make(chan struct{})
	link := &grpcLink{
		stream:  stream,
		onClose: func() { close(finished) },
		drain:   true,
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- link.Send(context.Background(), []byte("frame")) }()
	<-stream.entered

	closed := make(chan struct{})
	go func() {
		link.Close()
		close(closed)
	}()

	select {
	case <-finished:
		t.Fatalf("stream released while SendMsg was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(stream.release)
	<-closed
	select {
	case <-finished:
	default:
		t.Fatalf("Close returned without releasing the stream")
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := stream.sent.Load(); n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
	if err := link.Send(context.Background(), []byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after Close = %v, want ErrConnectionClosed", err)
	}
}
