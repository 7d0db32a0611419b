package main

import "github.com/urfave/cli/v3"

var (
	configPath string
	socketPath string
	skuName    string
	l2SizeMB   int64
	tiling     bool
	timing     bool
	verbose    bool

	traceCommands bool
	traceDMA      bool
	traceOps      bool
	traceAll      bool
	traceFile     string

	statsAddr string
	logLevel  string
	logFormat string
)

func emulatorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to INI-style config file",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "socket",
			Usage:       "unix socket path",
			Value:       "/tmp/npm-emulator.sock",
			Destination: &socketPath,
		},
		&cli.StringFlag{
			Name:        "sku",
			Usage:       "device SKU (NPM4K, NPM8K, NPM16K, NPM32K, NPM64K)",
			Value:       "NPM8K",
			Destination: &skuName,
		},
		&cli.Int64Flag{
			Name:        "l2-size",
			Usage:       "L2 cache size in MB (default: SKU default)",
			Destination: &l2SizeMB,
		},
		&cli.BoolFlag{
			Name:        "tiling",
			Usage:       "enable tiled matmul execution with cache modeling",
			Destination: &tiling,
		},
		&cli.BoolFlag{
			Name:        "timing",
			Usage:       "enable cycle timing simulation",
			Destination: &timing,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "verbose per-request logging",
			Destination: &verbose,
		},
		&cli.BoolFlag{
			Name:        "trace-commands",
			Usage:       "trace IPC command flow",
			Destination: &traceCommands,
		},
		&cli.BoolFlag{
			Name:        "trace-dma",
			Usage:       "trace DMA transfers",
			Destination: &traceDMA,
		},
		&cli.BoolFlag{
			Name:        "trace-ops",
			Usage:       "trace compute operations",
			Destination: &traceOps,
		},
		&cli.BoolFlag{
			Name:        "trace-all",
			Usage:       "enable all trace categories",
			Destination: &traceAll,
		},
		&cli.StringFlag{
			Name:        "trace-file",
			Usage:       "trace output file (default: stdout)",
			Destination: &traceFile,
		},
		&cli.StringFlag{
			Name:        "stats-addr",
			Usage:       "serve debug stats over HTTP at this address (e.g. 127.0.0.1:9720)",
			Destination: &statsAddr,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, text, json)",
			Value:       "console",
			Destination: &logFormat,
		},
	}
}
