// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func framedBinding() Binding {
	return Binding{
		Name:  BindingFramed,
		Codec: ProtoFrameCodec{},
		Dialer: func(cfg Config) LinkDialer {
			return &framedDialer{cfg: cfg}
		},
		Listen: listenFramed,
	}
}

// framedLink carries frames as [4 len][body] over a stream connection
type framedLink struct {
	conn         net.Conn
	maxFrame     uint32
	writeTimeout time.Duration
	writeMu      sync.Mutex
	header       [4]byte
	closed       atomic.Bool
}

func newFramedLink(conn net.Conn, cfg Config) *framedLink {
	return &framedLink{
		conn:         conn,
		maxFrame:     cfg.MaxFrameBytes,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Send writes one frame. The write deadline comes from the link's write
// timeout only; a caller's ctx never bounds a write on the shared socket.
func (l *framedLink) Send(_ context.Context, frame []byte) error {
	if uint64(len(frame)) > uint64(l.maxFrame) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if l.closed.Load() {
		return ErrConnectionClosed
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(frame)))
	copy(buf[4:], frame)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(writeDeadline(l.writeTimeout))
	if _, err := l.conn.Write(buf); err != nil {
		return fmt.Errorf("framed write: %w", err)
	}
	return nil
}

func (l *framedLink) Recv() ([]byte, error) {
	if _, err := io.ReadFull(l.conn, l.header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l.header[:])
	if n == 0 || n > l.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(l.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (l *framedLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}

func (l *framedLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// writeDeadline returns now+timeout, or the zero time (no deadline) when
// timeout is not positive.
func writeDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

type framedDialer struct {
	cfg Config
}

func (d *framedDialer) DialLink(ctx context.Context, addr string) (Link, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("framed dial: %w", err)
	}
	return newFramedLink(conn, d.cfg), nil
}

type framedListener struct {
	listener net.Listener
	cfg      Config
}

func listenFramed(addr string, cfg Config) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &framedListener{listener: listener, cfg: cfg}, nil
}

func (l *framedListener) Accept() (Link, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return newFramedLink(conn, l.cfg), nil
}

func (l *framedListener) Close() error {
	return l.listener.Close()
}

func (l *framedListener) Addr() string {
	return l.listener.Addr().String()
}

// Field numbers of the frame body. Header entries are nested messages with
// key = 1 and value = 2.
const (
	fieldStreamID protowire.Number = 1
	fieldSignal   protowire.Number = 2
	fieldHeader   protowire.Number = 3
	fieldPayload  protowire.Number = 4

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// ProtoFrameCodec encodes frames in protobuf wire format.
type ProtoFrameCodec struct{}

func (ProtoFrameCodec) EncodeFrame(m *Message) ([]byte, error) {
	b := make([]byte, 0, 24+len(m.Payload))
	b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.StreamID)
	if m.Signal != SignalNone {
		b = protowire.AppendTag(b, fieldSignal, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Signal))
	}

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var entry []byte
	for _, k := range keys {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, fieldHeaderKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldHeaderValue, protowire.BytesType)
		entry = protowire.AppendString(entry, m.Headers[k])
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if m.Signal != SignalCancel && len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b, nil
}

func (ProtoFrameCodec) DecodeFrame(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, frameParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldStreamID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.StreamID = v
		case num == fieldSignal && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Signal = Signal(v)
		case num == fieldHeader && typ == protowire.BytesType:
			var entry []byte
			entry, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				k, v, err := decodeHeaderEntry(entry)
				if err != nil {
					return nil, err
				}
				m.setHeader(k, v)
			}
		case num == fieldPayload && typ == protowire.BytesType:
			m.Payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, frameParseError(n)
		}
		b = b[n:]
	}
	if m.Signal == SignalCancel {
		m.Payload = nil
	}
	return m, nil
}

func decodeHeaderEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", frameParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldHeaderKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldHeaderValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", frameParseError(n)
		}
		b = b[n:]
	}
	return key, value, nil
}

func frameParseError(n int) error {
	return fmt.Errorf("%w: %v", ErrProtocolViolation, protowire.ParseError(n))
}
