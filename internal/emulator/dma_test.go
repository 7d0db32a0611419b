package emulator

import "testing"

func TestDMACycleFormula(t *testing.T) {
	d := NewDMAModel(DefaultDMAConfig(), nil)

	// System DMA: 50 GB/s at 1000 MHz -> 6.25 bytes/cycle.
	if got := d.cycleCost(DMADDRToL2, 6250); got != 1000 {
		t.Fatalf("system cycles %d, want 1000", got)
	}
	// L1 DMA: 100 GB/s at 1000 MHz -> 12.5 bytes/cycle.
	if got := d.cycleCost(DMAL2ToL1, 125); got != 10 {
		t.Fatalf("l1 cycles %d, want 10", got)
	}
	// Ceil behavior.
	if got := d.cycleCost(DMAL2ToL1, 126); got != 11 {
		t.Fatalf("ceil cycles %d, want 11", got)
	}
	// Minimum one cycle for any transfer.
	if got := d.cycleCost(DMADDRToL2, 1); got != 1 {
		t.Fatalf("min cycles %d, want 1", got)
	}
}

func TestDMATransferAccounting(t *testing.T) {
	d := NewDMAModel(DefaultDMAConfig(), nil)

	c1 := d.Transfer(DMADDRToL2, 6250, -1)
	c2 := d.Transfer(DMAL2ToL1, 125, 0)

	if d.CurrentCycle() != c1+c2 {
		t.Fatalf("clock %d, want %d", d.CurrentCycle(), c1+c2)
	}
	if d.TotalBytes() != 6375 {
		t.Fatalf("total bytes %d", d.TotalBytes())
	}
	if d.DDRL2Bytes() != 6250 || d.L2L1Bytes() != 125 {
		t.Fatalf("channel split %d/%d", d.DDRL2Bytes(), d.L2L1Bytes())
	}
	if d.TotalTransferCycles() != c1+c2 {
		t.Fatalf("transfer cycles %d", d.TotalTransferCycles())
	}

	d.AdvanceCycles(100)
	if d.CurrentCycle() != c1+c2+100 {
		t.Fatal("advance did not move the clock")
	}

	d.ResetStats()
	if d.CurrentCycle() != 0 || d.TotalBytes() != 0 || d.TotalTransferCycles() != 0 {
		t.Fatal("reset left residue")
	}
}

func TestDMAKindRouting(t *testing.T) {
	if !DMADDRToL2.system() || !DMAL2ToDDR.system() {
		t.Fatal("DDR channels must use the system DMA")
	}
	if DMAL2ToL1.system() || DMAL1ToL2.system() {
		t.Fatal("L1 channels must use the L1 DMA")
	}
	if DMADDRToL2.String() != "DDR_TO_L2" || DMAL1ToL2.String() != "L1_TO_L2" {
		t.Fatal("unexpected names")
	}
}
