package emulator

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/frank-ceva/npm-emu/internal/device"
	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

func randMatSeeded(n int64, seed int64) []float32 {
	return randMat(n, rand.New(rand.NewSource(seed)))
}

func asStatus(err error, target **npmwire.StatusError) bool {
	return errors.As(err, target)
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are length-limited; TMPDIR-based t.TempDir can
	// blow the budget, so stay under /tmp.
	dir, err := os.MkdirTemp("/tmp", "npmtest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "emu.sock")
}

func startServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketPath = testSocketPath(t)
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, logger.Text(io.Discard, logger.ParseLevel("error")))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Run() }()
	t.Cleanup(srv.Close)
	return srv
}

func dialDevice(t *testing.T, srv *Server) device.Device {
	t.Helper()
	dev, err := device.New(device.KindEmulator,
		logger.Text(io.Discard, logger.ParseLevel("error")),
		device.WithSocketPath(srv.Addr()),
		device.WithShmSize(4<<20))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	t.Cleanup(dev.Shutdown)
	return dev
}

func TestHelloHandshake(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, nil)
	dev := dialDevice(t, srv)

	if dev.SKU() != sku.NPM8K {
		t.Errorf("sku %s", dev.SKU())
	}
	if dev.NumEngines() != 1 {
		t.Errorf("engines %d", dev.NumEngines())
	}
	if dev.L1Size() != 1<<20 {
		t.Errorf("l1 %d", dev.L1Size())
	}
	if dev.L2Size() != 8<<20 {
		t.Errorf("l2 %d (configured SKU default)", dev.L2Size())
	}
}

func TestEmulatorMatmulSimple(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, nil)
	dev := dialDevice(t, srv)

	a := []float32{1, 2, 3, 4, 5, 6}                   // 2x3
	b := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1} // 4x3
	c := make([]float32, 8)                            // 2x4

	ha, err := dev.RegisterBuffer(f32b(a))
	if err != nil {
		t.Fatal(err)
	}
	hb, err := dev.RegisterBuffer(f32b(b))
	if err != nil {
		t.Fatal(err)
	}
	hc, err := dev.RegisterBuffer(f32b(c))
	if err != nil {
		t.Fatal(err)
	}
	if ha == 0 || hb == 0 || hc == 0 || ha == hb {
		t.Fatalf("handles %d %d %d", ha, hb, hc)
	}

	p := &npmwire.MatmulParams{
		AHandle: ha, BHandle: hb, CHandle: hc,
		M: 2, N: 4, K: 3, Lda: 3, Ldb: 3, Ldc: 4,
	}
	if err := dev.Matmul(p); err != nil {
		t.Fatal(err)
	}

	want := []float32{1, 2, 3, 6, 4, 5, 6, 15}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("c = %v, want %v", c, want)
		}
	}

	if err := dev.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestEmulatorMatmulTiledMatchesReference(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, func(c *Config) {
		c.Tiling = true
		c.Timing = true
	})
	dev := dialDevice(t, srv)

	const m, n, k = 65, 130, 65
	a := randMatSeeded(m*k, 11)
	b := randMatSeeded(n*k, 12)
	c := make([]float32, m*n)
	want := make([]float32, m*n)
	naiveMatmul(want, a, b, m, n, k)

	ha, _ := dev.RegisterBuffer(f32b(a))
	hb, _ := dev.RegisterBuffer(f32b(b))
	hc, err := dev.RegisterBuffer(f32b(c))
	if err != nil {
		t.Fatal(err)
	}

	p := &npmwire.MatmulParams{
		AHandle: ha, BHandle: hb, CHandle: hc,
		M: m, N: n, K: k, Lda: k, Ldb: k, Ldc: n,
	}
	if err := dev.Matmul(p); err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(c, want); d > 1e-4 {
		t.Fatalf("max abs diff %g", d)
	}
}

func TestEmulatorInvalidHandle(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, nil)
	dev := dialDevice(t, srv)

	p := &npmwire.MatmulParams{
		AHandle: 999, BHandle: 998, CHandle: 997,
		M: 2, N: 2, K: 2, Lda: 2, Ldb: 2, Ldc: 2,
	}
	err := dev.Matmul(p)
	if err == nil {
		t.Fatal("matmul on unknown handles must fail")
	}
	var se *npmwire.StatusError
	if !asStatus(err, &se) || se.Status != npmwire.StatusInvalidHandle {
		t.Fatalf("got %v, want INVALID_HANDLE", err)
	}
}

func TestEmulatorUpdateBuffer(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, nil)
	dev := dialDevice(t, srv)

	buf := make([]byte, 1024)
	h, err := dev.RegisterBuffer(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.UpdateBuffer(h, buf); err != nil {
		t.Fatal(err)
	}
	// Growing past the registered size is rejected.
	if err := dev.UpdateBuffer(h, make([]byte, 2048)); err == nil {
		t.Fatal("grown update must fail")
	}
	dev.UnregisterBuffer(h)
	h2, err := dev.RegisterBuffer(buf)
	if err != nil || h2 == 0 {
		t.Fatalf("re-register: h=%d err=%v", h2, err)
	}
}

func TestEmulatorFences(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets and POSIX shm")
	}
	srv := startServer(t, nil)
	dev := dialDevice(t, srv)

	f1, err := dev.FenceCreate()
	if err != nil {
		t.Fatal(err)
	}
	f2, err := dev.FenceCreate()
	if err != nil {
		t.Fatal(err)
	}
	if f1 == f2 {
		t.Fatal("fence ids must be distinct")
	}
	if err := dev.FenceWait(f1, 1000); err != nil {
		t.Fatalf("fences signal immediately, got %v", err)
	}
	dev.FenceDestroy(f1)
	dev.FenceDestroy(f2)
}

// A corrupt header must close the connection without a reply.
func TestProtocolErrorClosesConnection(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs unix sockets")
	}
	srv := startServer(t, nil)

	conn, err := net.Dial("unix", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	bad := make([]byte, npmwire.HeaderSize)
	copy(bad, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if _, err := conn.Write(bad); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after protocol error, got %v", err)
	}
}

func TestStatsEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = testSocketPath(t)
	srv, err := NewServer(cfg, logger.Text(io.Discard, logger.ParseLevel("error")))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	e := srv.StatsHandler()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats %d", rec.Code)
	}
	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("stats body: %v (%s)", err, rec.Body.String())
	}
	if got.SKU != "NPM8K" || got.NumEngines != 1 || got.L2Size != 8<<20 {
		t.Fatalf("snapshot %+v", got)
	}
}
