// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, BindingWebSocket)
	client := dialServer(t, ctx, server)

	resp, err := client.CallRaw(ctx, "echo/one", []byte("over websocket"))
	if err != nil {
		t.Fatalf("CallRaw: %v", err)
	}
	if string(resp) != "over websocket" {
		t.Errorf("got %q", resp)
	}

	st, err := client.Stream(ctx, "echo/many", []byte("2"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var items []string
	for m, err := range st.All() {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		items = append(items, string(m.Payload))
	}
	if fmt.Sprint(items) != "[item-0 item-1]" {
		t.Errorf("items = %v", items)
	}
}

func TestWebSocketCustomPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Binding = BindingWebSocket
	cfg.WSPath = "/mux"
	server := startServer(t, BindingWebSocket, WithServerConfig(cfg))

	if _, err := Dial(ctx, server.Addr(), WithBinding(BindingWebSocket)); !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("dial on the wrong path err = %v, want ErrConnectionFailure", err)
	}

	client := dialServer(t, ctx, server, WithConfig(cfg))
	if _, err := client.CallRaw(ctx, "echo/one", nil); err != nil {
		t.Fatalf("CallRaw: %v", err)
	}
}

func TestWebSocketCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, BindingWebSocket)
	client := dialServer(t, ctx, server)

	st, err := client.Stream(ctx, "echo/many", []byte("100000"))
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
	if _, err := client.CallRaw(ctx, "echo/one", []byte("after")); err != nil {
		t.Fatalf("CallRaw after cancel: %v", err)
	}
}

func TestWebSocketCallsFailIndependently(t *testing.T) {
	assertCallsFailIndependently(t, BindingWebSocket)
}

func TestJSONFrameCodec(t *testing.T) {
	codec := JSONFrameCodec{}
	in := &Message{
		StreamID: 12,
		Headers:  map[string]string{HeaderQualifier: "echo/one"},
		Payload:  []byte{0xde, 0xad},
	}
	b, err := codec.EncodeFrame(in)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	out, err := codec.DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if out.StreamID != 12 || out.Qualifier() != "echo/one" || string(out.Payload) != string(in.Payload) {
		t.Errorf("got %+v", out)
	}

	b, _ = codec.EncodeFrame(&Message{StreamID: 12, Signal: SignalCancel, Payload: []byte("x")})
	out, err = codec.DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if out.Signal != SignalCancel || len(out.Payload) != 0 {
		t.Errorf("cancel frame = %+v", out)
	}

	if _, err := codec.DecodeFrame([]byte("{not json")); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("err = %v, want ErrProtocolViolation", err)
	}
}
