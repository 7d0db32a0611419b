package emulator

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/shm"
	"github.com/frank-ceva/npm-emu/internal/trace"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

type bufferEntry struct {
	shmOffset uint64
	size      uint64
	flags     uint32
}

var errSessionEnd = errors.New("session ended")

// Server is the emulator process core: it accepts one client at a time,
// attaches to the client's shared memory, and executes requests serially.
type Server struct {
	cfg    Config
	log    logger.Logger
	tr     *trace.Emitter
	skuCfg *sku.Config
	l2Size uint64

	mem *Hierarchy
	dma *DMAModel

	listener net.Listener
	shutdown atomic.Bool

	// Per-session state, touched only by the serving goroutine.
	shmRegion  *shm.Region
	buffers    map[uint64]bufferEntry
	nextHandle uint64
	nextFence  uint64

	matmulOps uint64
	sessions  uint64

	statsMu   sync.Mutex
	statsSnap Stats
}

// NewServer validates the configuration, builds the memory and DMA
// models, and binds the listen socket. The caller must Close the server.
func NewServer(cfg Config, log logger.Logger) (*Server, error) {
	skuCfg := sku.Lookup(cfg.SKU)
	if skuCfg == nil {
		return nil, fmt.Errorf("emulator: unknown SKU %d", cfg.SKU)
	}
	l2Size, err := cfg.L2Size()
	if err != nil {
		return nil, err
	}

	var tr *trace.Emitter
	if cfg.TraceFile != "" {
		tr, err = trace.NewFile(cfg.TraceFile, cfg.TraceCategories(), true)
		if err != nil {
			log.Warn("trace file unavailable, using stdout", "path", cfg.TraceFile, "err", err)
			tr = trace.New(trace.Config{Categories: cfg.TraceCategories(), FlushImmediate: true})
		}
	} else {
		tr = trace.New(trace.Config{Categories: cfg.TraceCategories(), FlushImmediate: true})
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		tr:         tr,
		skuCfg:     skuCfg,
		l2Size:     l2Size,
		buffers:    make(map[uint64]bufferEntry),
		nextHandle: 1,
		nextFence:  1,
	}
	s.mem = NewHierarchy(skuCfg.NumEngines, skuCfg.L1Size, l2Size)
	s.dma = NewDMAModel(DMAConfig{
		SystemBWGbps: cfg.DMASystemBWGbps,
		L1BWGbps:     cfg.DMAL1BWGbps,
		ClockFreqMHz: cfg.ClockFreqMHz,
	}, tr)

	// A stale socket from a previous run would fail the bind.
	_ = os.Remove(cfg.SocketPath)
	s.listener, err = net.Listen("unix", cfg.SocketPath)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("emulator: listen %s: %w", cfg.SocketPath, err)
	}

	s.updateStats()
	return s, nil
}

// Addr is the bound socket path.
func (s *Server) Addr() string { return s.cfg.SocketPath }

// Run serves clients one at a time until Shutdown. Serial by design: no
// concurrent clients, no locks on the session state.
func (s *Server) Run() error {
	s.log.Info("NPM emulator ready",
		"sku", s.cfg.SKU,
		"engines", s.skuCfg.NumEngines,
		"l1_size", s.skuCfg.L1Size,
		"l2_size", s.l2Size,
		"socket", s.cfg.SocketPath,
		"tiling", s.cfg.Tiling,
		"timing", s.cfg.Timing,
	)

	for !s.shutdown.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		session := uuid.NewString()
		s.sessions++
		s.log.Info("client connected", "session", session)
		s.serve(conn)
		_ = conn.Close()
		s.endSession()
		s.log.Info("client disconnected", "session", session, "matmul_ops", s.matmulOps)
	}
	return nil
}

// Shutdown requests the accept loop to exit; safe to call from a signal
// handler goroutine.
func (s *Server) Shutdown() {
	if s.shutdown.Swap(true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Close releases every server resource.
func (s *Server) Close() {
	s.Shutdown()
	s.endSession()
	_ = s.tr.Close()
}

// endSession drops all client-scoped state.
func (s *Server) endSession() {
	if s.shmRegion != nil {
		_ = s.shmRegion.Destroy()
		s.shmRegion = nil
	}
	clear(s.buffers)
	s.mem.Reset()
	s.updateStats()
}

func (s *Server) serve(conn net.Conn) {
	for !s.shutdown.Load() {
		hdr, err := npmwire.ReadHeader(conn)
		if err != nil {
			return // peer disconnect
		}
		if err := hdr.Validate(); err != nil {
			s.log.Warn("protocol error, closing connection", "err", err)
			return
		}

		err = s.dispatch(conn, hdr)
		s.updateStats()
		if err != nil {
			if !errors.Is(err, errSessionEnd) {
				s.log.Warn("session aborted", "cmd", hdr.Cmd, "err", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, hdr npmwire.Header) error {
	switch hdr.Cmd {
	case npmwire.CmdHello:
		return s.handleHello(conn, hdr)
	case npmwire.CmdGoodbye:
		return s.handleGoodbye(conn, hdr)
	case npmwire.CmdPing:
		return s.handlePing(conn, hdr)
	case npmwire.CmdGetConfig:
		return s.handleGetConfig(conn, hdr)
	case npmwire.CmdRegisterBuffer:
		return s.handleRegisterBuffer(conn, hdr)
	case npmwire.CmdUnregisterBuffer:
		return s.handleUnregisterBuffer(conn, hdr)
	case npmwire.CmdMatmul:
		return s.handleMatmul(conn, hdr)
	case npmwire.CmdSync:
		return s.handleSync(conn, hdr)
	case npmwire.CmdFenceCreate:
		return s.handleFenceCreate(conn, hdr)
	case npmwire.CmdFenceDestroy:
		return s.handleFenceDestroy(conn, hdr)
	case npmwire.CmdFenceWait:
		return s.handleFenceWait(conn, hdr)
	default:
		// Close without reply: an unknown command desynchronises framing.
		return fmt.Errorf("unknown command 0x%02x", uint8(hdr.Cmd))
	}
}

func (s *Server) reply(conn net.Conn, hdr npmwire.Header, payload npmwire.Payload) error {
	return npmwire.WriteMessage(conn, hdr.Cmd, hdr.SeqID, payload)
}

func (s *Server) helloRsp(status npmwire.Status) *npmwire.HelloRsp {
	return &npmwire.HelloRsp{
		Status:       status,
		VersionMajor: npmwire.VersionMajor,
		VersionMinor: npmwire.VersionMinor,
		SKU:          uint32(s.cfg.SKU),
		NumEngines:   uint32(s.skuCfg.NumEngines),
		L1Size:       s.skuCfg.L1Size,
		L2Size:       s.l2Size,
	}
}

func (s *Server) handleHello(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.HelloReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}

	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("HELLO", hdr.SeqID, trace.StatusReq, map[string]any{
			"version":  fmt.Sprintf("%d.%d", req.VersionMajor, req.VersionMinor),
			"shm_name": req.ShmName,
			"shm_size": req.ShmSize,
		})
	}
	if s.cfg.Verbose {
		s.log.Info("HELLO", "client_version", fmt.Sprintf("%d.%d", req.VersionMajor, req.VersionMinor),
			"shm", req.ShmName, "size", req.ShmSize)
	}

	status := npmwire.StatusOK
	region, err := shm.Attach(req.ShmName, req.ShmSize)
	if err != nil {
		s.log.Error("cannot attach client shared memory", "name", req.ShmName, "err", err)
		status = npmwire.StatusGenericError
	} else {
		if s.shmRegion != nil {
			_ = s.shmRegion.Destroy()
		}
		s.shmRegion = region
	}

	rsp := s.helloRsp(status)
	if err := s.reply(conn, hdr, rsp); err != nil {
		return err
	}

	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("HELLO", hdr.SeqID, rsp.Status.String(), map[string]any{
			"sku":     s.cfg.SKU.String(),
			"engines": rsp.NumEngines,
			"l1_size": rsp.L1Size,
			"l2_size": rsp.L2Size,
		})
	}
	return nil
}

func (s *Server) handleGoodbye(conn net.Conn, hdr npmwire.Header) error {
	if err := npmwire.ReadPayload(conn, hdr, nil); err != nil {
		return err
	}
	s.tr.Command("GOODBYE", hdr.SeqID, trace.StatusReq, nil)
	if s.cfg.Verbose {
		s.log.Info("GOODBYE")
	}

	if s.shmRegion != nil {
		_ = s.shmRegion.Destroy()
		s.shmRegion = nil
	}
	clear(s.buffers)

	if err := s.reply(conn, hdr, &npmwire.StatusRsp{Status: npmwire.StatusOK}); err != nil {
		return err
	}
	s.tr.Command("GOODBYE", hdr.SeqID, npmwire.StatusOK.String(), nil)
	return errSessionEnd
}

func (s *Server) handlePing(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.PingReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("PING", hdr.SeqID, trace.StatusReq, map[string]any{
			"echo": fmt.Sprintf("0x%016x", req.Echo), "timestamp": req.ClientTS,
		})
	}

	rsp := npmwire.PingRsp{
		Status:   npmwire.StatusOK,
		ClientTS: req.ClientTS,
		ServerTS: uint64(time.Now().UnixNano()),
		Echo:     req.Echo,
	}
	if err := s.reply(conn, hdr, &rsp); err != nil {
		return err
	}
	s.tr.Command("PING", hdr.SeqID, rsp.Status.String(), nil)
	return nil
}

func (s *Server) handleGetConfig(conn net.Conn, hdr npmwire.Header) error {
	if err := npmwire.ReadPayload(conn, hdr, nil); err != nil {
		return err
	}
	s.tr.Command("GET_CONFIG", hdr.SeqID, trace.StatusReq, nil)
	rsp := s.helloRsp(npmwire.StatusOK)
	if err := s.reply(conn, hdr, rsp); err != nil {
		return err
	}
	s.tr.Command("GET_CONFIG", hdr.SeqID, rsp.Status.String(), nil)
	return nil
}

func (s *Server) handleRegisterBuffer(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.RegisterBufferReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("REGISTER_BUFFER", hdr.SeqID, trace.StatusReq, map[string]any{
			"shm_offset": req.ShmOffset, "size": req.Size, "flags": req.Flags,
		})
	}

	handle := s.nextHandle
	s.nextHandle++
	s.buffers[handle] = bufferEntry{shmOffset: req.ShmOffset, size: req.Size, flags: req.Flags}

	if s.cfg.Verbose {
		s.log.Info("REGISTER_BUFFER", "offset", req.ShmOffset, "size", req.Size, "handle", handle)
	}

	rsp := npmwire.RegisterBufferRsp{Status: npmwire.StatusOK, Handle: handle}
	if err := s.reply(conn, hdr, &rsp); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("REGISTER_BUFFER", hdr.SeqID, rsp.Status.String(), map[string]any{"handle": handle})
	}
	return nil
}

func (s *Server) handleUnregisterBuffer(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.UnregisterBufferReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("UNREGISTER_BUFFER", hdr.SeqID, trace.StatusReq, map[string]any{"handle": req.Handle})
	}

	// Idempotent: unregistering an unknown handle is still OK.
	delete(s.buffers, req.Handle)
	if s.cfg.Verbose {
		s.log.Info("UNREGISTER_BUFFER", "handle", req.Handle)
	}

	if err := s.reply(conn, hdr, &npmwire.StatusRsp{Status: npmwire.StatusOK}); err != nil {
		return err
	}
	s.tr.Command("UNREGISTER_BUFFER", hdr.SeqID, npmwire.StatusOK.String(), nil)
	return nil
}

func (s *Server) handleSync(conn net.Conn, hdr npmwire.Header) error {
	if err := npmwire.ReadPayload(conn, hdr, nil); err != nil {
		return err
	}
	s.tr.Command("SYNC", hdr.SeqID, trace.StatusReq, nil)
	// All work completes synchronously; nothing is pending by construction.
	if err := s.reply(conn, hdr, &npmwire.StatusRsp{Status: npmwire.StatusOK}); err != nil {
		return err
	}
	s.tr.Command("SYNC", hdr.SeqID, npmwire.StatusOK.String(), nil)
	return nil
}

func (s *Server) handleFenceCreate(conn net.Conn, hdr npmwire.Header) error {
	if err := npmwire.ReadPayload(conn, hdr, nil); err != nil {
		return err
	}
	s.tr.Command("FENCE_CREATE", hdr.SeqID, trace.StatusReq, nil)

	rsp := npmwire.FenceCreateRsp{Status: npmwire.StatusOK, FenceID: s.nextFence}
	s.nextFence++
	if err := s.reply(conn, hdr, &rsp); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("FENCE_CREATE", hdr.SeqID, rsp.Status.String(), map[string]any{"fence_id": rsp.FenceID})
	}
	return nil
}

func (s *Server) handleFenceDestroy(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.FenceDestroyReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("FENCE_DESTROY", hdr.SeqID, trace.StatusReq, map[string]any{"fence_id": req.FenceID})
	}
	if err := s.reply(conn, hdr, &npmwire.StatusRsp{Status: npmwire.StatusOK}); err != nil {
		return err
	}
	s.tr.Command("FENCE_DESTROY", hdr.SeqID, npmwire.StatusOK.String(), nil)
	return nil
}

func (s *Server) handleFenceWait(conn net.Conn, hdr npmwire.Header) error {
	var req npmwire.FenceWaitReq
	if err := npmwire.ReadPayload(conn, hdr, &req); err != nil {
		return err
	}
	if s.tr.Enabled(trace.Commands) {
		s.tr.Command("FENCE_WAIT", hdr.SeqID, trace.StatusReq, map[string]any{
			"fence_id": req.FenceID, "timeout_ns": req.TimeoutNs,
		})
	}
	// Fences signal at creation in this emulator; the timeout never trips.
	if err := s.reply(conn, hdr, &npmwire.StatusRsp{Status: npmwire.StatusOK}); err != nil {
		return err
	}
	s.tr.Command("FENCE_WAIT", hdr.SeqID, npmwire.StatusOK.String(), nil)
	return nil
}

// resolve maps (handle, offset) to the buffer's DDR bytes from offset to
// its registered end. nil means unknown handle, out-of-range offset, or
// no attached shared memory.
func (s *Server) resolve(handle, offset uint64) []byte {
	if s.shmRegion == nil {
		return nil
	}
	entry, ok := s.buffers[handle]
	if !ok || offset >= entry.size {
		return nil
	}
	data, err := s.shmRegion.Slice(entry.shmOffset+offset, entry.size-offset)
	if err != nil {
		return nil
	}
	return data
}
