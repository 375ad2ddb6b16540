// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"encoding/json"
	"fmt"
)

// HeaderContentType names the application codec used for a payload.
const HeaderContentType = "content-type"

// Codec encodes/decodes application payloads. The transport never looks
// inside the bytes it produces.
type Codec interface {
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// FrameCodec converts a Message to and from one link frame
type FrameCodec interface {
	EncodeFrame(m *Message) ([]byte, error)
	DecodeFrame(b []byte) (*Message, error)
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// BinaryCodec only accepts byte slices; it is meant for payloads that are
// already encoded by the application.
type BinaryCodec struct{}

func (BinaryCodec) ContentType() string { return "application/octet-stream" }

func (BinaryCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("binary codec: cannot encode %T", v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	switch b := v.(type) {
	case *[]byte:
		*b = data
	case *string:
		*b = string(data)
	default:
		return fmt.Errorf("binary codec: cannot decode into %T", v)
	}
	return nil
}

var (
	defaultCodec Codec = JSONCodec{}

	// Binary passes bytes through unchanged
	Binary Codec = BinaryCodec{}
)
