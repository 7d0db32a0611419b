package emulator

import (
	"net"
	"unsafe"

	"github.com/frank-ceva/npm-emu/internal/trace"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
)

func f32view(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

// fp32MACsPerCycle derives the FP32 throughput from the SKU's FP16 rate;
// the MAC array runs FP32 at half the FP16 rate.
func (s *Server) fp32MACsPerCycle() int64 {
	if s.skuCfg.Fp16MACs > 0 {
		return s.skuCfg.Fp16MACs / 2
	}
	return 2000
}

func (s *Server) handleMatmul(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.MatmulParams
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}

	if s.tr.Enabled(trace.Commands) {
		sizeOf := func(h uint64) uint64 {
			if e, ok := s.buffers[h]; ok {
				return e.size
			}
			return 0
		}
		s.tr.Command("MATMUL", hdr.SeqID, trace.StatusReq, map[string]any{
			"M": req.M, "N": req.N, "K": req.K,
			"a_handle": req.AHandle, "b_handle": req.BHandle, "c_handle": req.CHandle,
			"a_size": sizeOf(req.AHandle), "b_size": sizeOf(req.BHandle), "c_size": sizeOf(req.CHandle),
		})
	}
	if s.cfg.Verbose {
		s.log.Info("MATMUL", "M", req.M, "N", req.N, "K", req.K,
			"tiling", s.cfg.Tiling, "timing", s.cfg.Timing)
	}

	var tile int64
	if s.cfg.Tiling {
		tile = tileSize(s.skuCfg.L1Size)
	}
	if s.tr.Enabled(trace.Ops) {
		s.tr.Op("MATMUL_START", req.M, req.N, req.K, 0, map[string]any{
			"tiling":    s.cfg.Tiling,
			"timing":    s.cfg.Timing,
			"tile_size": tile,
			"l1_size":   s.skuCfg.L1Size,
			"l2_size":   s.l2Size,
		})
	}

	rsp := npmwire.MatmulRsp{Status: npmwire.StatusOK}

	switch {
	case req.M <= 0 || req.N <= 0 || req.K <= 0:
		rsp.Status = npmwire.StatusInvalidParams
	default:
		aRaw := s.resolve(req.AHandle, req.AOffset)
		bRaw := s.resolve(req.BHandle, req.BOffset)
		cRaw := s.resolve(req.CHandle, req.COffset)
		if aRaw == nil || bRaw == nil || cRaw == nil {
			rsp.Status = npmwire.StatusInvalidHandle
			break
		}
		a, b, c := f32view(aRaw), f32view(bRaw), f32view(cRaw)

		if s.cfg.Tiling {
			sched := &tileScheduler{
				mem:          s.mem,
				dma:          s.dma,
				tr:           s.tr,
				tile:         tile,
				macsPerCycle: s.fp32MACsPerCycle(),
				timing:       s.cfg.Timing,
			}
			var runErr error
			rsp.Cycles, rsp.DMABytes, runErr = sched.run(&req, aRaw, bRaw, a, b, c)
			if runErr != nil {
				rsp.Status = npmwire.StatusOutOfMemory
				break
			}

			if s.cfg.Verbose {
				ms := s.mem.Stats()
				s.log.Info("MATMUL tiled done",
					"dma_bytes", rsp.DMABytes, "tile", tile,
					"l2_hits", ms.L2Hits, "l2_misses", ms.L2Misses,
					"cycles", rsp.Cycles)
			}
		} else {
			for m := int64(0); m < req.M; m++ {
				for n := int64(0); n < req.N; n++ {
					var sum float32
					for k := int64(0); k < req.K; k++ {
						sum += a[m*req.Lda+k] * b[n*req.Ldb+k]
					}
					c[m*req.Ldc+n] = sum
				}
			}
		}
		s.matmulOps++
	}

	if err := s.reply(conn, hdr, &rsp); err != nil {
		return err
	}

	if s.tr.Enabled(trace.Ops) && rsp.Status == npmwire.StatusOK && s.cfg.Tiling {
		ms := s.mem.Stats()
		s.tr.Op("MATMUL_END", req.M, req.N, req.K, rsp.Cycles, map[string]any{
			"l2_hits":         ms.L2Hits,
			"l2_misses":       ms.L2Misses,
			"total_dma_bytes": rsp.DMABytes,
			"tile_size":       tile,
		})
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("MATMUL", hdr.SeqID, rsp.Status.String(), map[string]any{
			"cycles": rsp.Cycles, "dma_bytes": rsp.DMABytes,
		})
	}
	return nil
}
