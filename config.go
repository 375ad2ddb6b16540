// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds transport settings shared by clients and servers.
type Config struct {
	Binding        string
	Addr           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  uint32
	// WSPath is the HTTP path the websocket binding upgrades on
	WSPath string
	Log    LogConfig
}

// DefaultConfig returns the settings used when no file is loaded.
func DefaultConfig() Config {
	return Config{
		Binding:        DefaultBinding,
		Addr:           "127.0.0.1:7070",
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxFrameBytes:  16 * 1024 * 1024,
		WSPath:         "/",
		Log: LogConfig{
			Level: "info",
		},
	}
}

type fileConfig struct {
	Binding        string `toml:"binding"`
	Addr           string `toml:"addr"`
	ConnectTimeout string `toml:"connect_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	MaxFrameBytes  int64  `toml:"max_frame_bytes"`
	WSPath         string `toml:"ws_path"`
	Log            struct {
		Level  string `toml:"level"`
		Pretty bool   `toml:"pretty"`
	} `toml:"log"`
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load rpcmux config: %w", err)
	}

	if meta.IsDefined("binding") {
		cfg.Binding = strings.TrimSpace(raw.Binding)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes <= 0 || raw.MaxFrameBytes > 1<<30 {
			return Config{}, fmt.Errorf("max_frame_bytes out of range: %d", raw.MaxFrameBytes)
		}
		cfg.MaxFrameBytes = uint32(raw.MaxFrameBytes)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "pretty") {
		cfg.Log.Pretty = raw.Log.Pretty
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Binding) == "" {
		return fmt.Errorf("rpcmux config missing binding")
	}
	if !HasBinding(c.Binding) {
		return fmt.Errorf("%w: %s", ErrUnknownBinding, c.Binding)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("rpcmux config missing addr")
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("rpcmux config timeouts must not be negative")
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("rpcmux config max_frame_bytes must be positive")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("rpcmux config ws_path must start with /")
	}
	if _, ok := parseLevel(c.Log.Level); !ok && c.Log.Level != "" {
		return fmt.Errorf("rpcmux config unknown log level %q", c.Log.Level)
	}
	return nil
}
