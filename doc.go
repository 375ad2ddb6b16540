// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcmux multiplexes request/response and request/stream calls over
// one long-lived connection per destination.
//
// # Bindings
//
// The multiplexer is independent of the link underneath it. Bindings are
// selected by name:
//
//	framed   length-prefixed protobuf-wire frames over TCP (default)
//	ws       one JSON frame per websocket message
//	grpc     frames over a gRPC bidi stream (go build -tags grpc)
//
// # Usage
//
// Client usage:
//
//	client, err := rpcmux.Dial(ctx, "localhost:7070")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var out EchoReply
//	err = client.Call(ctx, "echo/one", &EchoRequest{...}, &out)
//
//	stream, err := client.Stream(ctx, "echo/many", payload)
//	for msg, err := range stream.All() {
//	    ...
//	}
//
// Server usage:
//
//	server, err := rpcmux.Listen(":7070")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Handle("echo/one", rpcmux.UnaryHandler(echo))
//	server.Serve(ctx)
//
// # Frames
//
// Every frame carries a stream id shared by all frames of one call, a
// signal (none, complete, error, cancel), string headers and an opaque
// payload. Stream ids come from a process-wide counter. The transport
// stamps client-send-time on requests and client-recv-time on delivered
// responses, both in milliseconds since the epoch.
//
// # Connections
//
// ClientTransport keeps one Conn per destination in a ConnCache. The first
// call for a destination dials; concurrent calls wait on the same dial.
// When the link drops every pending call fails with ErrConnectionClosed
// and the next call dials again. Requests are never resent.
//
// # Cancellation
//
// Cancelling the context of a call, or closing its Stream, removes the
// local registration and sends a CANCEL frame for the stream id. The
// server cancels the handler's context and writes nothing more for it.
package rpcmux
