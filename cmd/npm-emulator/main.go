// npm-emulator is the standalone process that emulates NPM accelerator
// behavior for clients speaking the npmwire protocol over a unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/frank-ceva/npm-emu/internal/emulator"
	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/version"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

func main() {
	app := &cli.Command{
		Name:    "npm-emulator",
		Usage:   "NPM accelerator emulator daemon",
		Version: version.String(),
		Flags:   emulatorFlags(),
		Action:  runEmulator,
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Text(os.Stderr, level)
	default:
		return logger.Console(os.Stderr, level)
	}
}

func buildConfig(c *cli.Command, log logger.Logger) (emulator.Config, error) {
	cfg := emulator.DefaultConfig()

	if configPath != "" {
		unknown, err := cfg.LoadFile(configPath)
		if err != nil {
			return cfg, err
		}
		for _, key := range unknown {
			log.Warn("unknown config key", "key", key, "file", configPath)
		}
	}

	// Explicit flags override the file.
	if c.IsSet("socket") || cfg.SocketPath == "" {
		cfg.SocketPath = socketPath
	}
	if c.IsSet("sku") {
		cfg.SKU = sku.Parse(skuName)
	}
	if c.IsSet("l2-size") && l2SizeMB > 0 {
		cfg.L2SizeMB = uint64(l2SizeMB)
	}
	if c.IsSet("tiling") {
		cfg.Tiling = tiling
	}
	if c.IsSet("timing") {
		cfg.Timing = timing
	}
	if c.IsSet("verbose") {
		cfg.Verbose = verbose
	}
	if c.IsSet("trace-commands") {
		cfg.TraceCommands = traceCommands
	}
	if c.IsSet("trace-dma") {
		cfg.TraceDMA = traceDMA
	}
	if c.IsSet("trace-ops") {
		cfg.TraceOps = traceOps
	}
	if traceAll {
		cfg.TraceCommands = true
		cfg.TraceDMA = true
		cfg.TraceOps = true
	}
	if c.IsSet("trace-file") {
		cfg.TraceFile = traceFile
	}
	if c.IsSet("stats-addr") {
		cfg.StatsAddr = statsAddr
	}
	return cfg, nil
}

func runEmulator(ctx context.Context, c *cli.Command) error {
	log := newLogger()

	cfg, err := buildConfig(c, log)
	if err != nil {
		return err
	}

	srv, err := emulator.NewServer(cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
		srv.Shutdown()
	}()

	if cfg.StatsAddr != "" {
		srv.StartStats(ctx, cfg.StatsAddr, log)
	}

	return srv.Run()
}
