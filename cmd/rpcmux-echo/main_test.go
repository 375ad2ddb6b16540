// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"strings"
	"testing"

	"github.com/luxfi/rpcmux"
)

func TestRunRejectsUnknownMode(t *testing.T) {
	err := run([]string{"-mode", "relay"})
	if err == nil || !strings.Contains(err.Error(), "relay") {
		t.Fatalf("err = %v, want unknown mode error", err)
	}
}

func TestEchoMany(t *testing.T) {
	req := rpcmux.NewRequest("echo/many", []byte("x"))
	req.Headers["count"] = "2"

	var seqs []string
	for m, err := range echoMany(context.Background(), req) {
		if err != nil {
			t.Fatalf("echoMany: %v", err)
		}
		if string(m.Payload) != "x" {
			t.Errorf("payload = %q", m.Payload)
		}
		seqs = append(seqs, m.Header("seq"))
	}
	if strings.Join(seqs, ",") != "0,1" {
		t.Errorf("seq = %v, want [0 1]", seqs)
	}

	req.Headers["count"] = "many"
	for _, err := range echoMany(context.Background(), req) {
		if err == nil {
			t.Fatalf("bad count accepted")
		}
	}
}

func TestRoundTrip(t *testing.T) {
	m := &rpcmux.Message{Headers: map[string]string{
		rpcmux.HeaderClientSendTime: "1000",
		rpcmux.HeaderClientRecvTime: "1250",
	}}
	if got := roundTrip(m); got.Milliseconds() != 250 {
		t.Errorf("roundTrip = %v, want 250ms", got)
	}
	if got := roundTrip(&rpcmux.Message{}); got != 0 {
		t.Errorf("roundTrip without headers = %v", got)
	}
}
