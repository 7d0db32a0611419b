package emulator

import (
	"errors"
	"math"

	"github.com/frank-ceva/npm-emu/internal/trace"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
)

// tileSize derives the square tile side from L1 capacity: three FP32
// T×T tiles (A, B, C) must fit, rounded down to a power of two, minimum
// 32. NPM8K's 1 MiB L1 yields T = 256.
func tileSize(l1Size uint64) int64 {
	elements := l1Size / 4
	t := int64(math.Sqrt(float64(elements / 3)))
	if t < 32 {
		t = 32
	}
	pot := int64(1)
	for pot*2 <= t {
		pot *= 2
	}
	return pot
}

// tileScheduler decomposes one matmul into L1-resident tiles, driving the
// memory hierarchy and DMA models as it goes. All tile work runs on
// engine 0.
type tileScheduler struct {
	mem *Hierarchy
	dma *DMAModel
	tr  *trace.Emitter

	tile         int64
	macsPerCycle int64 // FP32 MACs per cycle
	timing       bool
}

const sysEngine = -1 // engine tag for system DMA trace events

// stageInput walks one input tile through DDR→L2 (on miss) and L2→L1
// (always; K-direction L1 reuse is deliberately not modeled so DMA totals
// stay comparable across runs). A nil stage means the tile cannot fit the
// tier even after eviction.
func (s *tileScheduler) stageInput(handle, tileOff, tileBytes uint64, src []byte) (l2Hit, ok bool) {
	data, l2Hit := s.mem.StageToL2(handle, tileOff, tileBytes, src)
	if data == nil {
		return false, false
	}
	if !l2Hit {
		s.dma.Transfer(DMADDRToL2, tileBytes, sysEngine)
	}
	if data, _ := s.mem.StageToL1(0, handle, tileOff, tileBytes); data == nil {
		return l2Hit, false
	}
	s.dma.Transfer(DMAL2ToL1, tileBytes, 0)
	return l2Hit, true
}

// errTileTooLarge reports a tile that cannot fit a tier even after
// eviction; callers surface it as OUT_OF_MEMORY.
var errTileTooLarge = errors.New("emulator: tile exceeds tier capacity")

// run executes C = A · Bᵀ tile by tile. a, b, c are the DDR-resident
// element views at the request offsets; aRaw and bRaw are the same bytes,
// used as staging sources. It returns the run's cycle count (0 when
// timing is off) and total DMA traffic.
func (s *tileScheduler) run(p *npmwire.MatmulParams, aRaw, bRaw []byte, a, b, c []float32) (cycles, dmaBytes uint64, err error) {
	// DMA stats rewind per operation; the cache hierarchy persists across
	// operations so repeated inputs hit in L2.
	s.dma.ResetStats()

	if s.tr.Enabled(trace.Ops) {
		nm := (p.M + s.tile - 1) / s.tile
		nn := (p.N + s.tile - 1) / s.tile
		nk := (p.K + s.tile - 1) / s.tile
		s.tr.Op("TILING_PLAN", p.M, p.N, p.K, 0, map[string]any{
			"tile_size":     s.tile,
			"num_m_tiles":   nm,
			"num_n_tiles":   nn,
			"num_k_tiles":   nk,
			"total_tiles":   nm * nn,
			"a_total_bytes": p.M * p.K * 4,
			"b_total_bytes": p.N * p.K * 4,
			"c_total_bytes": p.M * p.N * 4,
		})
	}

	for mTile := int64(0); mTile < p.M; mTile += s.tile {
		for nTile := int64(0); nTile < p.N; nTile += s.tile {
			actualM := min(s.tile, p.M-mTile)
			actualN := min(s.tile, p.N-nTile)

			for m := int64(0); m < actualM; m++ {
				for n := int64(0); n < actualN; n++ {
					c[(mTile+m)*p.Ldc+(nTile+n)] = 0
				}
			}

			for kTile := int64(0); kTile < p.K; kTile += s.tile {
				actualK := min(s.tile, p.K-kTile)

				aTileOff := uint64(mTile*p.Lda+kTile) * 4
				aTileBytes := uint64(actualM*actualK) * 4
				bTileOff := uint64(nTile*p.Ldb+kTile) * 4
				bTileBytes := uint64(actualN*actualK) * 4

				aHit, ok := s.stageInput(p.AHandle, aTileOff, aTileBytes, aRaw[aTileOff:])
				if !ok {
					return 0, s.dma.TotalBytes(), errTileTooLarge
				}
				bHit, ok := s.stageInput(p.BHandle, bTileOff, bTileBytes, bRaw[bTileOff:])
				if !ok {
					return 0, s.dma.TotalBytes(), errTileTooLarge
				}

				for m := int64(0); m < actualM; m++ {
					for n := int64(0); n < actualN; n++ {
						var sum float32
						for k := int64(0); k < actualK; k++ {
							sum += a[(mTile+m)*p.Lda+(kTile+k)] * b[(nTile+n)*p.Ldb+(kTile+k)]
						}
						c[(mTile+m)*p.Ldc+(nTile+n)] += sum
					}
				}

				var computeCycles uint64
				if s.timing {
					ops := 2 * actualM * actualN * actualK
					computeCycles = uint64((ops + s.macsPerCycle - 1) / s.macsPerCycle)
					s.dma.AdvanceCycles(computeCycles)
				}

				if s.tr.Enabled(trace.Ops) {
					s.tr.Op("MATMUL_TILE", actualM, actualN, actualK, computeCycles, map[string]any{
						"m_off":        mTile,
						"n_off":        nTile,
						"k_off":        kTile,
						"a_tile_bytes": aTileBytes,
						"b_tile_bytes": bTileBytes,
						"a_l2_hit":     aHit,
						"b_l2_hit":     bHit,
					})
				}
			}

			cTileBytes := uint64(actualM*actualN) * 4
			s.dma.Transfer(DMAL1ToL2, cTileBytes, 0)
			s.dma.Transfer(DMAL2ToDDR, cTileBytes, sysEngine)
		}
	}

	dmaBytes = s.dma.TotalBytes()
	if s.timing {
		cycles = s.dma.CurrentCycle()
	}
	return cycles, dmaBytes, nil
}
