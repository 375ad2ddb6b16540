// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"maps"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Signal marks control frames apart from ordinary data frames
type Signal uint8

const (
	SignalNone     Signal = 0
	SignalComplete Signal = 1
	SignalError    Signal = 2
	SignalCancel   Signal = 3
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalComplete:
		return "complete"
	case SignalError:
		return "error"
	case SignalCancel:
		return "cancel"
	default:
		return "signal(" + strconv.Itoa(int(s)) + ")"
	}
}

// Reserved header keys. The transport stamps these; values supplied by
// callers are discarded on send.
const (
	HeaderClientSendTime = "client-send-time"
	HeaderClientRecvTime = "client-recv-time"
	HeaderStreamID       = "sid"
	HeaderSignal         = "sig"

	// HeaderQualifier routes a request to a handler ("namespace/method")
	HeaderQualifier = "q"
)

func isReservedHeader(k string) bool {
	switch k {
	case HeaderClientSendTime, HeaderClientRecvTime, HeaderStreamID, HeaderSignal:
		return true
	}
	return false
}

// Message is one frame on a multiplexed connection.
type Message struct {
	StreamID uint64
	Signal   Signal
	Headers  map[string]string
	Payload  []byte
}

// NewRequest builds a data message routed to qualifier.
func NewRequest(qualifier string, payload []byte) *Message {
	return &Message{
		Headers: map[string]string{HeaderQualifier: qualifier},
		Payload: payload,
	}
}

// Header returns the header value for key, or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Qualifier returns the routing header.
func (m *Message) Qualifier() string {
	return m.Header(HeaderQualifier)
}

// HeaderTime parses a millisecond-epoch header.
func (m *Message) HeaderTime(key string) (time.Time, bool) {
	v := m.Header(key)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsControl reports whether m carries a non-data signal.
func (m *Message) IsControl() bool {
	return m.Signal != SignalNone
}

func (m *Message) clone() *Message {
	out := &Message{
		StreamID: m.StreamID,
		Signal:   m.Signal,
		Payload:  m.Payload,
	}
	if m.Headers != nil {
		out.Headers = maps.Clone(m.Headers)
	}
	return out
}

func (m *Message) setHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string, 2)
	}
	m.Headers[key] = value
}

// outbound copies a caller-built message, dropping reserved headers and
// binding it to id.
func (m *Message) outbound(id uint64, sig Signal) *Message {
	out := &Message{StreamID: id, Signal: sig}
	if m == nil {
		return out
	}
	out.Payload = m.Payload
	for k, v := range m.Headers {
		if isReservedHeader(k) {
			continue
		}
		out.setHeader(k, v)
	}
	return out
}

func cancelFrame(id uint64) *Message {
	return &Message{StreamID: id, Signal: SignalCancel}
}

func stampMillis(m *Message, key string, now time.Time) {
	m.setHeader(key, strconv.FormatInt(now.UnixMilli(), 10))
}

// streamIDs is shared by every connection in the process so ids never
// collide across handles.
var streamIDs atomic.Uint64

func nextStreamID() uint64 {
	return streamIDs.Add(1)
}

// Qualifier joins a namespace and method into a routing key.
func Qualifier(namespace, method string) string {
	return namespace + "/" + method
}

// SplitQualifier splits a routing key into namespace and method.
func SplitQualifier(q string) (namespace, method string) {
	i := strings.LastIndexByte(q, '/')
	if i < 0 {
		return "", q
	}
	return q[:i], q[i+1:]
}
