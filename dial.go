// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ClientTransport issues calls to any number of destinations over one
// binding, keeping one shared connection per destination.
type ClientTransport struct {
	binding Binding
	cache   *ConnCache
	log     zerolog.Logger
}

// NewClientTransport creates a client transport. No connection is made
// until the first call.
func NewClientTransport(opts ...DialOption) (*ClientTransport, error) {
	return newClientTransport(newDialOptions(opts))
}

func newClientTransport(o *dialOptions) (*ClientTransport, error) {
	b, err := lookupBinding(o.binding)
	if err != nil {
		return nil, err
	}
	if err := RegisterMetrics(o.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = b.Dialer(o.cfg)
	}
	logger := o.log()
	return &ClientTransport{
		binding: b,
		cache:   NewConnCache(b.Name, dialer, b.Codec, o.cfg.ConnectTimeout, logger),
		log:     logger,
	}, nil
}

// Conn returns the shared handle for addr, connecting if needed.
func (t *ClientTransport) Conn(ctx context.Context, addr string) (*Conn, error) {
	return t.cache.Acquire(ctx, addr)
}

// RequestResponse sends req to addr and waits for one response.
func (t *ClientTransport) RequestResponse(ctx context.Context, addr string, req *Message) (*Message, error) {
	conn, err := t.cache.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn.RequestResponse(ctx, req)
}

// RequestStream sends req to addr and returns its response stream.
func (t *ClientTransport) RequestStream(ctx context.Context, addr string, req *Message) (*Stream, error) {
	conn, err := t.cache.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn.RequestStream(ctx, req)
}

// Close shuts the connection cache down.
func (t *ClientTransport) Close() error {
	t.cache.Shutdown()
	t.log.Info().Str("binding", t.binding.Name).Msg("client transport closed")
	return nil
}

// Dial connects to an rpcmux server using the configured binding (framed
// by default). The returned client re-dials transparently after the
// connection drops.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := newDialOptions(opts)
	t, err := newClientTransport(o)
	if err != nil {
		return nil, err
	}
	if _, err := t.Conn(ctx, addr); err != nil {
		t.Close()
		return nil, err
	}
	return &muxClient{transport: t, addr: addr, codec: o.codec}, nil
}

// muxClient implements Client on top of a ClientTransport
type muxClient struct {
	transport *ClientTransport
	addr      string
	codec     Codec
}

func (c *muxClient) Call(ctx context.Context, qualifier string, args, reply any) error {
	var payload []byte
	if args != nil {
		var err error
		payload, err = c.codec.Encode(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}

	req := NewRequest(qualifier, payload)
	req.setHeader(HeaderContentType, c.codec.ContentType())
	resp, err := c.transport.RequestResponse(ctx, c.addr, req)
	if err != nil {
		return err
	}

	if reply != nil && resp != nil && len(resp.Payload) > 0 {
		if err := c.codec.Decode(resp.Payload, reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
	}
	return nil
}

func (c *muxClient) CallRaw(ctx context.Context, qualifier string, payload []byte) ([]byte, error) {
	resp, err := c.transport.RequestResponse(ctx, c.addr, NewRequest(qualifier, payload))
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *muxClient) Stream(ctx context.Context, qualifier string, payload []byte) (*Stream, error) {
	return c.transport.RequestStream(ctx, c.addr, NewRequest(qualifier, payload))
}

func (c *muxClient) Close() error {
	return c.transport.Close()
}

// Listen creates a server listening on addr with the configured binding.
// Call Serve to start accepting.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	o := newServerOptions(opts)
	b, err := lookupBinding(o.binding)
	if err != nil {
		return nil, err
	}
	if err := RegisterMetrics(o.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	listener, err := b.Listen(addr, o.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s listen: %w", b.Name, err)
	}
	return newServer(b, listener, o), nil
}
