// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")

	var buf bytes.Buffer
	log := newLogger(&buf, LogConfig{Level: "warn"})
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, `"component":"rpcmux"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNewLoggerEnvOverride(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")

	var buf bytes.Buffer
	log := newLogger(&buf, LogConfig{Level: "error"})
	log.Debug().Msg("from env")
	if !strings.Contains(buf.String(), "from env") {
		t.Errorf("env level not applied: %q", buf.String())
	}
}
