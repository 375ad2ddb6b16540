// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Binding names
const (
	BindingFramed    = "framed" // length-prefixed frames over TCP, default
	BindingWebSocket = "ws"     // one frame per websocket message
	BindingGRPC      = "grpc"   // gRPC bidi stream, requires build tag
)

// DefaultBinding is used when no binding is configured
const DefaultBinding = BindingFramed

// Link is one established byte-frame connection. Send may be called
// concurrently; Recv is only called by the owning read loop. Recv returning
// an error means the link is finished.
//
// The ctx passed to Send belongs to one call while the link is shared, so
// it must not bound the write. Writes are limited by the configured write
// timeout, and a failed Send is taken as the end of the link.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// LinkDialer opens links to a destination.
type LinkDialer interface {
	DialLink(ctx context.Context, addr string) (Link, error)
}

// DialFunc adapts a function to LinkDialer
type DialFunc func(ctx context.Context, addr string) (Link, error)

func (f DialFunc) DialLink(ctx context.Context, addr string) (Link, error) {
	return f(ctx, addr)
}

// Listener accepts inbound links.
type Listener interface {
	Accept() (Link, error)
	Close() error
	Addr() string
}

// Binding ties a link protocol to its frame codec.
type Binding struct {
	Name   string
	Codec  FrameCodec
	Dialer func(cfg Config) LinkDialer
	Listen func(addr string, cfg Config) (Listener, error)
}

var (
	bindingsMu sync.RWMutex
	bindings   = map[string]Binding{
		BindingFramed:    framedBinding(),
		BindingWebSocket: wsBinding(),
	}
)

// registerBinding registers a new binding (used by build tags)
func registerBinding(b Binding) {
	bindingsMu.Lock()
	defer bindingsMu.Unlock()
	bindings[b.Name] = b
}

func lookupBinding(name string) (Binding, error) {
	if name == "" {
		name = DefaultBinding
	}
	bindingsMu.RLock()
	defer bindingsMu.RUnlock()
	b, ok := bindings[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}
	return b, nil
}

// AvailableBindings returns the registered binding names in sorted order
func AvailableBindings() []string {
	bindingsMu.RLock()
	defer bindingsMu.RUnlock()
	result := make([]string, 0, len(bindings))
	for name := range bindings {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasBinding checks if a binding is available
func HasBinding(name string) bool {
	bindingsMu.RLock()
	defer bindingsMu.RUnlock()
	_, ok := bindings[name]
	return ok
}
