package emulator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/frank-ceva/npm-emu/internal/trace"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "npm-emulator.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
# NPM emulator configuration
sku=NPM16K
l2_size_mb=16
tiling=yes
timing=on
verbose=1
socket=/tmp/test-npm.sock

dma_system_bw_gbps=25.5
dma_l1_bw_gbps=80
clock_freq_mhz=800

trace_commands=true
trace_dma=false
trace_ops=true
trace_file=/tmp/npm-trace.json
`)

	cfg := DefaultConfig()
	unknown, err := cfg.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(unknown) != 0 {
		t.Fatalf("unexpected unknown keys %v", unknown)
	}

	if cfg.SKU != sku.NPM16K {
		t.Errorf("sku %s", cfg.SKU)
	}
	if cfg.L2SizeMB != 16 {
		t.Errorf("l2 %d", cfg.L2SizeMB)
	}
	if !cfg.Tiling || !cfg.Timing || !cfg.Verbose {
		t.Error("bool forms yes/on/1 not accepted")
	}
	if cfg.SocketPath != "/tmp/test-npm.sock" {
		t.Errorf("socket %q", cfg.SocketPath)
	}
	if cfg.DMASystemBWGbps != 25.5 || cfg.DMAL1BWGbps != 80 || cfg.ClockFreqMHz != 800 {
		t.Errorf("dma config %+v", cfg)
	}
	if cfg.TraceCategories() != trace.Commands|trace.Ops {
		t.Errorf("categories %b", cfg.TraceCategories())
	}
	if cfg.TraceFile != "/tmp/npm-trace.json" {
		t.Errorf("trace file %q", cfg.TraceFile)
	}
}

func TestLoadFileUnknownKeys(t *testing.T) {
	path := writeConfig(t, "sku=NPM8K\nmystery_knob=3\n")
	cfg := DefaultConfig()
	unknown, err := cfg.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(unknown) != 1 || unknown[0] != "mystery_knob" {
		t.Fatalf("unknown keys %v", unknown)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := cfg.LoadFile(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestL2SizeResolution(t *testing.T) {
	cfg := DefaultConfig()
	size, err := cfg.L2Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 8<<20 {
		t.Fatalf("default L2 %d", size)
	}

	cfg.L2SizeMB = 16
	size, err = cfg.L2Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 16<<20 {
		t.Fatalf("override L2 %d", size)
	}
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SKU != sku.NPM8K {
		t.Errorf("default sku %s", cfg.SKU)
	}
	if cfg.SocketPath != "/tmp/npm-emulator.sock" {
		t.Errorf("default socket %q", cfg.SocketPath)
	}
	if cfg.DMASystemBWGbps != 50 || cfg.DMAL1BWGbps != 100 || cfg.ClockFreqMHz != 1000 {
		t.Errorf("default dma %+v", cfg)
	}
	if cfg.Tiling || cfg.Timing {
		t.Error("tiling/timing must default off")
	}
}
