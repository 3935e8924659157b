// Command ascapdx-call is a headless call agent: it registers one user handle
// with the signaling relay and places or answers calls from a line console.
//
//	ascapdx-call --user alice
//	ascapdx-call --user alice history --filter missed --export .
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ascapdx/callcore/internal/config"
	"github.com/ascapdx/callcore/internal/kvstore"
)

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sub string
	if len(cfg.Args) > 0 {
		sub = cfg.Args[0]
	}
	switch sub {
	case "":
		err = runAgent(ctx, cfg, logger, os.Stdin, os.Stdout)
	case "history":
		err = runHistory(ctx, cfg, logger, cfg.Args[1:], os.Stdin, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected history)\n", sub)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("ascapdx-call failed", "err", err)
		os.Exit(1)
	}
}

// openStore returns the redis store when an address is configured and an
// in-process one otherwise.
func openStore(ctx context.Context, cfg config.Agent, logger *slog.Logger) (kvstore.Store, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Debug("using in-memory key-value store")
		return kvstore.NewMemory(), func() {}, nil
	}
	rdb, err := kvstore.OpenRedis(ctx, kvstore.RedisConfig{Addr: cfg.RedisAddr})
	if err != nil {
		return nil, nil, fmt.Errorf("open redis store: %w", err)
	}
	logger.Info("using redis key-value store", "addr", cfg.RedisAddr)
	return rdb, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("close redis store", "err", err)
		}
	}, nil
}
