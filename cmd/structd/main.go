// cmd/structd is the market-structure daemon. It consumes candles from
// a WebSocket feed or Redis streams, runs the multi-timeframe zone
// engine per symbol, and fans detected zones out to Redis, SQLite and
// alert notifiers.
//
// Usage:
//
//	structd -config configs/structd.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketstructure/config"
	"marketstructure/internal/logger"
	"marketstructure/internal/service"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional, defaults apply)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "structd: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "structd: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init("structd", level)

	svc, err := service.New(cfg, log)
	if err != nil {
		log.Error("init failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}
