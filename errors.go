// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

var (
	ErrConnectionFailure = errors.New("rpcmux: connection failure")
	ErrConnectionClosed  = errors.New("rpcmux: connection closed")
	ErrProtocolViolation = errors.New("rpcmux: protocol violation")
	ErrCancelled         = errors.New("rpcmux: call cancelled")
	ErrTransportClosed   = errors.New("rpcmux: transport closed")
	ErrUnknownBinding    = errors.New("rpcmux: unknown binding")
	ErrFrameTooLarge     = errors.New("rpcmux: frame too large")
	ErrDuplicateStream   = errors.New("rpcmux: duplicate stream id")
)

// RemoteError is an ERROR frame delivered to the waiting caller.
type RemoteError struct {
	StreamID uint64
	Err      *json2.Error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpcmux: remote error on stream %d: code=%d %s", e.StreamID, e.Err.Code, e.Err.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Code returns the JSON-RPC style error code sent by the peer
func (e *RemoteError) Code() json2.ErrorCode {
	return e.Err.Code
}

// errorFrame builds the ERROR frame for err. A *json2.Error is sent as is;
// anything else becomes E_SERVER.
func errorFrame(id uint64, err error) *Message {
	var rpcErr *json2.Error
	if !errors.As(err, &rpcErr) {
		rpcErr = &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	payload, mErr := json.Marshal(rpcErr)
	if mErr != nil {
		payload, _ = json.Marshal(&json2.Error{Code: json2.E_INTERNAL, Message: rpcErr.Message})
	}
	return &Message{StreamID: id, Signal: SignalError, Payload: payload}
}

// remoteError decodes the payload of an ERROR frame.
func remoteError(m *Message) *RemoteError {
	rpcErr := &json2.Error{}
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, rpcErr) != nil {
		rpcErr = &json2.Error{Code: json2.E_INTERNAL, Message: string(m.Payload)}
	}
	return &RemoteError{StreamID: m.StreamID, Err: rpcErr}
}

func connectionClosed(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}
