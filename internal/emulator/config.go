// Package emulator implements the NPM emulator process: a single-client
// unix-socket server that models the accelerator's memory hierarchy, DMA
// engines, and tile-scheduled matmul execution.
package emulator

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/frank-ceva/npm-emu/internal/trace"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

// Config is the emulator's runtime configuration. Values come from the
// config file (INI-style, # comments) with CLI flags overriding the
// socket path and trace categories.
type Config struct {
	SKU      sku.SKU
	L2SizeMB uint64 // 0 means SKU default

	Tiling  bool
	Timing  bool
	Verbose bool

	SocketPath string

	DMASystemBWGbps float64
	DMAL1BWGbps     float64
	ClockFreqMHz    uint64

	TraceCommands bool
	TraceDMA      bool
	TraceOps      bool
	TraceFile     string

	// StatsAddr enables the debug HTTP endpoint when non-empty.
	StatsAddr string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		SKU:             sku.NPM8K,
		SocketPath:      npmwire.DefaultSocket,
		DMASystemBWGbps: 50.0,
		DMAL1BWGbps:     100.0,
		ClockFreqMHz:    1000,
	}
}

// LoadFile merges recognised keys from an INI-style config file into c.
// Unknown keys are reported as warnings by the caller via the returned
// list, not treated as errors.
func (c *Config) LoadFile(path string) (unknown []string, err error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	sec := f.Section("")
	for _, key := range sec.Keys() {
		switch key.Name() {
		case "sku":
			c.SKU = sku.Parse(key.String())
		case "l2_size_mb":
			c.L2SizeMB = uint64(key.MustInt(int(c.L2SizeMB)))
		case "tiling":
			c.Tiling = key.MustBool(c.Tiling)
		case "timing":
			c.Timing = key.MustBool(c.Timing)
		case "verbose":
			c.Verbose = key.MustBool(c.Verbose)
		case "socket":
			c.SocketPath = key.String()
		case "dma_system_bw_gbps":
			c.DMASystemBWGbps = key.MustFloat64(c.DMASystemBWGbps)
		case "dma_l1_bw_gbps":
			c.DMAL1BWGbps = key.MustFloat64(c.DMAL1BWGbps)
		case "clock_freq_mhz":
			c.ClockFreqMHz = uint64(key.MustInt(int(c.ClockFreqMHz)))
		case "trace_commands":
			c.TraceCommands = key.MustBool(c.TraceCommands)
		case "trace_dma":
			c.TraceDMA = key.MustBool(c.TraceDMA)
		case "trace_ops":
			c.TraceOps = key.MustBool(c.TraceOps)
		case "trace_file":
			c.TraceFile = key.String()
		case "stats_addr":
			c.StatsAddr = key.String()
		default:
			unknown = append(unknown, key.Name())
		}
	}
	return unknown, nil
}

// TraceCategories folds the per-category booleans into a bit set.
func (c *Config) TraceCategories() trace.Category {
	var cat trace.Category
	if c.TraceCommands {
		cat |= trace.Commands
	}
	if c.TraceDMA {
		cat |= trace.DMA
	}
	if c.TraceOps {
		cat |= trace.Ops
	}
	return cat
}

// L2Size resolves the configured L2 size in bytes: the explicit override
// when set, otherwise the SKU default.
func (c *Config) L2Size() (uint64, error) {
	cfg := sku.Lookup(c.SKU)
	if cfg == nil {
		return 0, fmt.Errorf("config: unknown SKU %d", c.SKU)
	}
	if c.L2SizeMB > 0 {
		return c.L2SizeMB * 1024 * 1024, nil
	}
	return cfg.L2Default, nil
}
