package emulator

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/frank-ceva/npm-emu/internal/logger"
)

// Stats is the counter snapshot served by the debug HTTP endpoint.
type Stats struct {
	SKU        string `json:"sku"`
	NumEngines int    `json:"num_engines"`
	L1Size     uint64 `json:"l1_size"`
	L2Size     uint64 `json:"l2_size"`
	Tiling     bool   `json:"tiling"`
	Timing     bool   `json:"timing"`

	Sessions  uint64 `json:"sessions"`
	MatmulOps uint64 `json:"matmul_ops"`
	Buffers   int    `json:"registered_buffers"`

	L1Hits          uint64 `json:"l1_hits"`
	L2Hits          uint64 `json:"l2_hits"`
	L1Misses        uint64 `json:"l1_misses"`
	L2Misses        uint64 `json:"l2_misses"`
	TotalBytesMoved uint64 `json:"total_bytes_moved"`

	DMATotalBytes     uint64 `json:"dma_total_bytes"`
	DMATransferCycles uint64 `json:"dma_transfer_cycles"`
	DMADDRL2Bytes     uint64 `json:"dma_ddr_l2_bytes"`
	DMAL2L1Bytes      uint64 `json:"dma_l2_l1_bytes"`
}

// updateStats publishes a snapshot for the HTTP side. Called from the
// serving goroutine after each request; the HTTP handlers only ever read
// the copy under the mutex.
func (s *Server) updateStats() {
	ms := s.mem.Stats()
	snap := Stats{
		SKU:        s.cfg.SKU.String(),
		NumEngines: s.skuCfg.NumEngines,
		L1Size:     s.skuCfg.L1Size,
		L2Size:     s.l2Size,
		Tiling:     s.cfg.Tiling,
		Timing:     s.cfg.Timing,

		Sessions:  s.sessions,
		MatmulOps: s.matmulOps,
		Buffers:   len(s.buffers),

		L1Hits:          ms.L1Hits,
		L2Hits:          ms.L2Hits,
		L1Misses:        ms.L1Misses,
		L2Misses:        ms.L2Misses,
		TotalBytesMoved: ms.TotalBytesMoved,

		DMATotalBytes:     s.dma.TotalBytes(),
		DMATransferCycles: s.dma.TotalTransferCycles(),
		DMADDRL2Bytes:     s.dma.DDRL2Bytes(),
		DMAL2L1Bytes:      s.dma.L2L1Bytes(),
	}

	s.statsMu.Lock()
	s.statsSnap = snap
	s.statsMu.Unlock()
}

// Snapshot returns the latest published counters.
func (s *Server) Snapshot() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.statsSnap
}

// StatsHandler builds the debug routes; exposed for tests.
func (s *Server) StatsHandler() *echo.Echo {
	e := echo.New()
	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok\n")
	})
	e.GET("/stats", func(c *echo.Context) error {
		body, err := json.Marshal(s.Snapshot())
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "application/json", body)
	})
	return e
}

// StartStats serves the debug endpoint in the background until ctx is
// cancelled. The endpoint is read-only and never touches the serving
// goroutine's state directly.
func (s *Server) StartStats(ctx context.Context, addr string, log logger.Logger) {
	e := s.StatsHandler()
	go func() {
		log.Info("stats endpoint listening", "addr", addr)
		sc := echo.StartConfig{Address: addr}
		if err := sc.Start(ctx, e); err != nil && ctx.Err() == nil {
			log.Warn("stats endpoint stopped", "err", err)
		}
	}()
}
