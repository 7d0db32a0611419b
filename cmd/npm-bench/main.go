// npm-bench exercises an NPM device end to end: it registers input
// matrices, runs a matmul loop, and checks the result against the naive
// CPU reference.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/urfave/cli/v3"

	"github.com/frank-ceva/npm-emu/internal/device"
	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/quant"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
)

var (
	deviceKind string
	socketPath string
	dimM       int64
	dimN       int64
	dimK       int64
	iters      int64
	seed       int64
	noVerify   bool
)

func main() {
	app := &cli.Command{
		Name:  "npm-bench",
		Usage: "benchmark and smoke-test an NPM device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "device",
				Usage:       "device kind (mock, emulator)",
				Value:       device.KindMock,
				Destination: &deviceKind,
			},
			&cli.StringFlag{
				Name:        "socket",
				Usage:       "emulator socket path",
				Destination: &socketPath,
			},
			&cli.Int64Flag{Name: "m", Usage: "rows of A/C", Value: 256, Destination: &dimM},
			&cli.Int64Flag{Name: "n", Usage: "rows of B, cols of C", Value: 256, Destination: &dimN},
			&cli.Int64Flag{Name: "k", Usage: "inner dimension", Value: 256, Destination: &dimK},
			&cli.Int64Flag{Name: "iters", Usage: "matmul iterations", Value: 10, Destination: &iters},
			&cli.Int64Flag{Name: "seed", Usage: "input RNG seed", Value: 1, Destination: &seed},
			&cli.BoolFlag{Name: "no-verify", Usage: "skip reference comparison", Destination: &noVerify},
		},
		Action: runBench,
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func f32bytes(f []float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(f))), len(f)*4)
}

func fillRand(dst []float32, rng *rand.Rand) {
	for i := range dst {
		dst[i] = rng.Float32() - 0.5
	}
}

func reference(c, a, b []float32, m, n, k int64) {
	for i := int64(0); i < m; i++ {
		for j := int64(0); j < n; j++ {
			var sum float32
			for kk := int64(0); kk < k; kk++ {
				sum += a[i*k+kk] * b[j*k+kk]
			}
			c[i*n+j] = sum
		}
	}
}

func runBench(ctx context.Context, c *cli.Command) error {
	log := logger.Console(os.Stderr, logger.ParseLevel("info"))

	dev, err := device.New(deviceKind, log, device.WithSocketPath(socketPath))
	if err != nil {
		return err
	}
	defer dev.Shutdown()

	rng := rand.New(rand.NewSource(seed))
	a := make([]float32, dimM*dimK)
	b := make([]float32, dimN*dimK)
	out := make([]float32, dimM*dimN)
	fillRand(a, rng)
	fillRand(b, rng)

	ha, err := dev.RegisterBuffer(f32bytes(a))
	if err != nil {
		return err
	}
	hb, err := dev.RegisterBuffer(f32bytes(b))
	if err != nil {
		return err
	}
	hc, err := dev.RegisterBuffer(f32bytes(out))
	if err != nil {
		return err
	}

	params := npmwire.MatmulParams{
		AHandle: ha, BHandle: hb, CHandle: hc,
		M: dimM, N: dimN, K: dimK,
		Lda: dimK, Ldb: dimK, Ldc: dimN,
		TypeA: uint32(quant.TypeF32),
		TypeB: uint32(quant.TypeF32),
		TypeC: uint32(quant.TypeF32),
	}

	start := time.Now()
	for i := int64(0); i < iters; i++ {
		if err := dev.Matmul(&params); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	if err := dev.Sync(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	flops := 2 * dimM * dimN * dimK * iters
	log.Info("matmul loop complete",
		"M", dimM, "N", dimN, "K", dimK, "iters", iters,
		"elapsed", elapsed,
		"gflops", fmt.Sprintf("%.2f", float64(flops)/elapsed.Seconds()/1e9))

	if noVerify {
		return nil
	}

	want := make([]float32, dimM*dimN)
	reference(want, a, b, dimM, dimN, dimK)
	var maxDiff float64
	for i := range want {
		if d := math.Abs(float64(out[i] - want[i])); d > maxDiff {
			maxDiff = d
		}
	}
	log.Info("verified against reference", "max_abs_diff", maxDiff)
	if maxDiff > 1e-3 {
		return fmt.Errorf("result diverges from reference: max abs diff %g", maxDiff)
	}
	return nil
}
