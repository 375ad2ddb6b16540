// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command rpcmux-echo runs an echo server or a client that exercises it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"iter"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/rpcmux"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rpcmux-echo: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("rpcmux-echo", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	mode := fs.String("mode", "server", "server or client")
	count := fs.Int("count", 3, "items requested from echo/many in client mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := rpcmux.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = rpcmux.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	log := rpcmux.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		return serve(ctx, cfg, log)
	case "client":
		return call(ctx, cfg, log, *count)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func serve(ctx context.Context, cfg rpcmux.Config, log zerolog.Logger) error {
	server, err := rpcmux.Listen(cfg.Addr,
		rpcmux.WithServerConfig(cfg),
		rpcmux.WithServerLogger(log),
		rpcmux.WithObserver(rpcmux.ObserverFuncs{
			Connect: func(s *rpcmux.Session) {
				log.Info().Stringer("session", s).Msg("client connected")
			},
			Disconnect: func(s *rpcmux.Session) {
				log.Info().Stringer("session", s).Dur("lifetime", time.Since(s.OpenedAt())).Msg("client disconnected")
			},
		}),
	)
	if err != nil {
		return err
	}
	if err := server.Handle("echo/one", rpcmux.UnaryHandler(echoOne)); err != nil {
		return err
	}
	if err := server.Handle("echo/many", rpcmux.StreamHandler(echoMany)); err != nil {
		return err
	}
	return server.Serve(ctx)
}

func echoOne(_ context.Context, req *rpcmux.Message) (*rpcmux.Message, error) {
	return &rpcmux.Message{Payload: req.Payload}, nil
}

// echoMany repeats the payload; the count header sets how many times
func echoMany(ctx context.Context, req *rpcmux.Message) iter.Seq2[*rpcmux.Message, error] {
	return func(yield func(*rpcmux.Message, error) bool) {
		n, err := strconv.Atoi(req.Header("count"))
		if err != nil || n < 0 {
			yield(nil, fmt.Errorf("bad count header %q", req.Header("count")))
			return
		}
		for i := range n {
			if ctx.Err() != nil {
				return
			}
			m := &rpcmux.Message{
				Headers: map[string]string{"seq": strconv.Itoa(i)},
				Payload: req.Payload,
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func call(ctx context.Context, cfg rpcmux.Config, log zerolog.Logger, count int) error {
	t, err := rpcmux.NewClientTransport(rpcmux.WithConfig(cfg), rpcmux.WithLogger(log))
	if err != nil {
		return err
	}
	defer t.Close()

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := t.RequestResponse(callCtx, cfg.Addr, rpcmux.NewRequest("echo/one", []byte("ping")))
	if err != nil {
		return fmt.Errorf("echo/one: %w", err)
	}
	if resp == nil {
		return errors.New("echo/one: completed without a value")
	}
	log.Info().
		Str("payload", string(resp.Payload)).
		Dur("rtt", roundTrip(resp)).
		Msg("echo/one")

	req := rpcmux.NewRequest("echo/many", []byte("pong"))
	req.Headers["count"] = strconv.Itoa(count)
	st, err := t.RequestStream(callCtx, cfg.Addr, req)
	if err != nil {
		return fmt.Errorf("echo/many: %w", err)
	}
	for m, err := range st.All() {
		if err != nil {
			return fmt.Errorf("echo/many: %w", err)
		}
		log.Info().
			Str("seq", m.Header("seq")).
			Str("payload", string(m.Payload)).
			Dur("rtt", roundTrip(m)).
			Msg("echo/many")
	}
	return nil
}

func roundTrip(m *rpcmux.Message) time.Duration {
	sent, ok1 := m.HeaderTime(rpcmux.HeaderClientSendTime)
	recv, ok2 := m.HeaderTime(rpcmux.HeaderClientRecvTime)
	if !ok1 || !ok2 {
		return 0
	}
	return recv.Sub(sent)
}
