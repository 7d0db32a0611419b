package emulator

import (
	"math"

	"github.com/frank-ceva/npm-emu/internal/trace"
)

// DMAKind selects which engine and bandwidth a transfer uses.
type DMAKind int

const (
	DMADDRToL2 DMAKind = iota // system DMA
	DMAL2ToDDR                // system DMA
	DMAL2ToL1                 // per-engine L1 DMA
	DMAL1ToL2                 // per-engine L1 DMA
)

func (k DMAKind) String() string {
	switch k {
	case DMADDRToL2:
		return "DDR_TO_L2"
	case DMAL2ToDDR:
		return "L2_TO_DDR"
	case DMAL2ToL1:
		return "L2_TO_L1"
	case DMAL1ToL2:
		return "L1_TO_L2"
	default:
		return "UNKNOWN"
	}
}

func (k DMAKind) system() bool {
	return k == DMADDRToL2 || k == DMAL2ToDDR
}

// DMAConfig holds the bandwidths and clock used to convert bytes to
// cycles.
type DMAConfig struct {
	SystemBWGbps float64 // DDR <-> L2
	L1BWGbps     float64 // L2 <-> L1
	ClockFreqMHz uint64
}

func DefaultDMAConfig() DMAConfig {
	return DMAConfig{SystemBWGbps: 50.0, L1BWGbps: 100.0, ClockFreqMHz: 1000}
}

// DMAModel advances a cycle clock for each transfer and accumulates
// per-channel statistics.
type DMAModel struct {
	cfg DMAConfig
	tr  *trace.Emitter

	currentCycle uint64

	totalBytes          uint64
	totalTransferCycles uint64
	ddrL2Bytes          uint64
	l2L1Bytes           uint64
}

func NewDMAModel(cfg DMAConfig, tr *trace.Emitter) *DMAModel {
	return &DMAModel{cfg: cfg, tr: tr}
}

// cycleCost converts a transfer size to cycles at the kind's bandwidth:
// bytesPerCycle = gbps * 125 / MHz (1e9 bits/s over 8, per 1e6 cycles/s),
// rounded up with a floor of one cycle.
func (d *DMAModel) cycleCost(kind DMAKind, bytes uint64) uint64 {
	bw := d.cfg.L1BWGbps
	if kind.system() {
		bw = d.cfg.SystemBWGbps
	}
	bytesPerCycle := bw * 125.0 / float64(d.cfg.ClockFreqMHz)
	cycles := uint64(math.Ceil(float64(bytes) / bytesPerCycle))
	if cycles == 0 {
		cycles = 1
	}
	return cycles
}

// Transfer models one DMA of the given size, advancing the clock and
// returning the cycles taken. engine is -1 for system DMA.
func (d *DMAModel) Transfer(kind DMAKind, bytes uint64, engine int) uint64 {
	cycles := d.cycleCost(kind, bytes)

	d.currentCycle += cycles
	d.totalBytes += bytes
	d.totalTransferCycles += cycles
	if kind.system() {
		d.ddrL2Bytes += bytes
	} else {
		d.l2L1Bytes += bytes
	}

	d.tr.DMATransfer(kind.String(), bytes, d.currentCycle, engine)
	return cycles
}

// AdvanceCycles adds compute (non-DMA) cycles to the clock.
func (d *DMAModel) AdvanceCycles(n uint64) { d.currentCycle += n }

func (d *DMAModel) CurrentCycle() uint64        { return d.currentCycle }
func (d *DMAModel) TotalBytes() uint64          { return d.totalBytes }
func (d *DMAModel) TotalTransferCycles() uint64 { return d.totalTransferCycles }
func (d *DMAModel) DDRL2Bytes() uint64          { return d.ddrL2Bytes }
func (d *DMAModel) L2L1Bytes() uint64           { return d.l2L1Bytes }

// ResetStats rewinds the clock and all counters.
func (d *DMAModel) ResetStats() {
	d.currentCycle = 0
	d.totalBytes = 0
	d.totalTransferCycles = 0
	d.ddrL2Bytes = 0
	d.l2L1Bytes = 0
}
