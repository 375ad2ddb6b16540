//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
)

func init() {
	// Register gRPC binding when build tag is enabled
	registerBinding(Binding{
		Name:  BindingGRPC,
		Codec: ProtoFrameCodec{},
		Dialer: func(cfg Config) LinkDialer {
			return &grpcDialer{cfg: cfg}
		},
		Listen: listenGRPC,
	})
}

const grpcAttachMethod = "/rpcmux.Link/Attach"

// rawFrame is one frame body carried as a gRPC message
type rawFrame struct {
	b []byte
}

// frameCodec moves frame bodies through gRPC without re-encoding them
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("rpcmux grpc codec: unexpected %T", v)
	}
	return f.b, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("rpcmux grpc codec: unexpected %T", v)
	}
	f.b = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string { return "rpcmux-frame" }

// linkService is the handler type of the Attach service
type linkService interface {
	attach(stream grpc.ServerStream) error
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: "rpcmux.Link",
	HandlerType: (*linkService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Attach",
		Handler:       attachHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "rpcmux/link",
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkService).attach(stream)
}

// grpcStream is the part of client and server streams the link uses
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcLink carries frames over one bidi stream
type grpcLink struct {
	stream  grpcStream
	remote  string
	sendMu  sync.Mutex
	closed  atomic.Bool
	onClose func()

	// server side: the stream is dead once onClose lets the handler return,
	// so Close waits out any SendMsg in progress
	drain bool
}

func (l *grpcLink) Send(_ context.Context, frame []byte) error {
	if l.closed.Load() {
		return ErrConnectionClosed
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed.Load() {
		return ErrConnectionClosed
	}
	if err := l.stream.SendMsg(&rawFrame{b: frame}); err != nil {
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

func (l *grpcLink) Recv() ([]byte, error) {
	var f rawFrame
	if err := l.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.b, nil
}

func (l *grpcLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.drain {
		l.sendMu.Lock()
		defer l.sendMu.Unlock()
	}
	l.onClose()
	return nil
}

func (l *grpcLink) RemoteAddr() string {
	return l.remote
}

type grpcDialer struct {
	cfg Config
}

func (d *grpcDialer) DialLink(ctx context.Context, addr string) (Link, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// the stream outlives ctx, which only bounds the dial
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &linkServiceDesc.Streams[0], grpcAttachMethod)
	stop()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc attach: %w", err)
	}
	return &grpcLink{
		stream: stream,
		remote: addr,
		onClose: func() {
			cancel()
			conn.Close()
		},
	}, nil
}

// grpcListener hands each attached stream to Accept. The handler goroutine
// stays parked until the link is closed, which ends the stream.
type grpcListener struct {
	listener net.Listener
	server   *grpc.Server
	links    chan Link
	done     chan struct{}
	once     sync.Once
}

func listenGRPC(addr string, cfg Config) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		listener: listener,
		server: grpc.NewServer(
			grpc.ForceServerCodec(frameCodec{}),
			grpc.MaxRecvMsgSize(int(cfg.MaxFrameBytes)),
		),
		links: make(chan Link),
		done:  make(chan struct{}),
	}
	l.server.RegisterService(&linkServiceDesc, l)
	go l.server.Serve(listener)
	return l, nil
}

func (l *grpcListener) attach(stream grpc.ServerStream) error {
	remote := ""
	if p, ok := peer.FromContext(stream.Context()); ok {
		remote = p.Addr.String()
	}
	finished := make(chan struct{})
	link := &grpcLink{
		stream:  stream,
		remote:  remote,
		onClose: func() { close(finished) },
		drain:   true,
	}
	select {
	case l.links <- link:
	case <-l.done:
		return nil
	}
	select {
	case <-finished:
	case <-stream.Context().Done():
	}
	return nil
}

func (l *grpcListener) Accept() (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *grpcListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) Addr() string {
	return l.listener.Addr().String()
}
