// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func wsBinding() Binding {
	return Binding{
		Name:  BindingWebSocket,
		Codec: JSONFrameCodec{},
		Dialer: func(cfg Config) LinkDialer {
			return &wsDialer{cfg: cfg}
		},
		Listen: listenWS,
	}
}

// wsLink sends one frame per binary websocket message
type wsLink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func newWSLink(conn *websocket.Conn, cfg Config) *wsLink {
	conn.SetReadLimit(int64(cfg.MaxFrameBytes))
	return &wsLink{conn: conn, writeTimeout: cfg.WriteTimeout}
}

func (l *wsLink) Send(_ context.Context, frame []byte) error {
	if l.closed.Load() {
		return ErrConnectionClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(writeDeadline(l.writeTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (l *wsLink) Recv() ([]byte, error) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (l *wsLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

type wsDialer struct {
	cfg Config
}

func (d *wsDialer) DialLink(ctx context.Context, addr string) (Link, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.ConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	url := "ws://" + addr + d.cfg.WSPath
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	return newWSLink(conn, d.cfg), nil
}

// wsListener serves websocket upgrades and hands each upgraded connection
// to Accept.
type wsListener struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	cfg      Config
	links    chan Link
	done     chan struct{}
	once     sync.Once
}

func listenWS(addr string, cfg Config) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		listener: listener,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		links: make(chan Link),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WSPath, l.upgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: cfg.ConnectTimeout}
	go l.server.Serve(listener)
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	link := newWSLink(conn, l.cfg)
	select {
	case l.links <- link:
	case <-l.done:
		link.Close()
	}
}

func (l *wsListener) Accept() (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.listener.Addr().String()
}

// jsonFrame is the websocket frame body
type jsonFrame struct {
	StreamID uint64            `json:"sid"`
	Signal   Signal            `json:"sig,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Data     []byte            `json:"data,omitempty"`
}

// JSONFrameCodec encodes frames as JSON objects; the payload is base64.
type JSONFrameCodec struct{}

func (JSONFrameCodec) EncodeFrame(m *Message) ([]byte, error) {
	f := jsonFrame{StreamID: m.StreamID, Signal: m.Signal, Headers: m.Headers}
	if m.Signal != SignalCancel {
		f.Data = m.Payload
	}
	return json.Marshal(&f)
}

func (JSONFrameCodec) DecodeFrame(b []byte) (*Message, error) {
	var f jsonFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	m := &Message{StreamID: f.StreamID, Signal: f.Signal, Headers: f.Headers}
	if f.Signal != SignalCancel {
		m.Payload = f.Data
	}
	return m, nil
}
