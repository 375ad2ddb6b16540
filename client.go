// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is bound to a single upstream address. All calls share one
// multiplexed connection which is re-dialed after it drops.
type Client interface {
	// Call encodes args with the client codec, waits for one response and
	// decodes it into reply
	Call(ctx context.Context, qualifier string, args, reply any) error

	// CallRaw makes a single-response call with a pre-encoded payload
	CallRaw(ctx context.Context, qualifier string, payload []byte) ([]byte, error)

	// Stream makes a multi-response call
	Stream(ctx context.Context, qualifier string, payload []byte) (*Stream, error)

	// Close fails outstanding calls and releases the connection
	Close() error
}

// DialOption configures clients
type DialOption func(*dialOptions)

type dialOptions struct {
	codec    Codec
	cfg      Config
	binding  string
	logger   *zerolog.Logger
	dialer   LinkDialer
	registry prometheus.Registerer
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{codec: defaultCodec, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.binding == "" {
		o.binding = o.cfg.Binding
	}
	return o
}

func (o *dialOptions) log() zerolog.Logger {
	if o.logger != nil {
		return *o.logger
	}
	return log.Logger
}

// WithCodec sets the application codec used by Call
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithBinding explicitly sets the binding
func WithBinding(name string) DialOption {
	return func(o *dialOptions) { o.binding = name }
}

// WithConfig replaces the default transport settings
func WithConfig(cfg Config) DialOption {
	return func(o *dialOptions) { o.cfg = cfg }
}

// WithLogger sets the client logger
func WithLogger(l zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = &l }
}

// WithLinkDialer replaces the binding's dialer, keeping its frame codec
func WithLinkDialer(d LinkDialer) DialOption {
	return func(o *dialOptions) { o.dialer = d }
}

// WithMetricsRegisterer sets where transport metrics are registered
func WithMetricsRegisterer(r prometheus.Registerer) DialOption {
	return func(o *dialOptions) { o.registry = r }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	cfg      Config
	binding  string
	resolver Resolver
	observer Observer
	logger   *zerolog.Logger
	registry prometheus.Registerer
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.binding == "" {
		o.binding = o.cfg.Binding
	}
	if o.resolver == nil {
		o.resolver = NewRegistry()
	}
	if o.observer == nil {
		o.observer = ObserverFuncs{}
	}
	return o
}

func (o *serverOptions) log() zerolog.Logger {
	if o.logger != nil {
		return *o.logger
	}
	return log.Logger
}

// WithServerBinding explicitly sets the binding for the server
func WithServerBinding(name string) ServerOption {
	return func(o *serverOptions) { o.binding = name }
}

// WithServerConfig replaces the default transport settings for the server
func WithServerConfig(cfg Config) ServerOption {
	return func(o *serverOptions) { o.cfg = cfg }
}

// WithResolver sets the handler lookup used for inbound calls
func WithResolver(r Resolver) ServerOption {
	return func(o *serverOptions) { o.resolver = r }
}

// WithObserver sets the session connect/disconnect observer
func WithObserver(obs Observer) ServerOption {
	return func(o *serverOptions) { o.observer = obs }
}

// WithServerLogger sets the server logger
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = &l }
}

// WithServerMetricsRegisterer sets where transport metrics are registered
func WithServerMetricsRegisterer(r prometheus.Registerer) ServerOption {
	return func(o *serverOptions) { o.registry = r }
}
