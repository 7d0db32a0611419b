package device

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/frank-ceva/npm-emu/internal/logger"
	"github.com/frank-ceva/npm-emu/internal/shm"
	"github.com/frank-ceva/npm-emu/pkg/npmwire"
	"github.com/frank-ceva/npm-emu/pkg/sku"
)

const (
	// DefaultShmSize leaves room for dequantised weight copies.
	DefaultShmSize = 1536 * 1024 * 1024

	ioTimeout = 5 * time.Second
)

type clientBuffer struct {
	handle    uint64
	shmOffset uint64
	size      uint64
	host      []byte
}

// Client drives the emulator process: requests go over a unix stream
// socket, tensor bytes through a client-owned shared-memory region.
type Client struct {
	log logger.Logger

	socketPath string
	shmSize    uint64
	debug      bool

	conn  net.Conn
	seqID uint32
	shm   *shm.Region

	// Device info from the HELLO reply.
	sku     sku.SKU
	engines int
	l1Size  uint64
	l2Size  uint64

	// Host data pointer -> registration. Pointer identity stands in for
	// value identity here; see UpdateBuffer for the refresh path.
	buffers map[uintptr]*clientBuffer
}

// ClientOption adjusts a Client before Init.
type ClientOption func(*Client)

// WithSocketPath overrides the emulator socket path. The NPM_EMULATOR_SOCKET
// environment variable takes precedence over the built-in default but not
// over this option.
func WithSocketPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.socketPath = path
		}
	}
}

// WithShmSize overrides the shared-memory region size.
func WithShmSize(size uint64) ClientOption {
	return func(c *Client) {
		if size > 0 {
			c.shmSize = size
		}
	}
}

// NewClient builds an unconnected client.
func NewClient(log logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		log:        log,
		socketPath: npmwire.DefaultSocket,
		shmSize:    DefaultShmSize,
		debug:      os.Getenv(EnvDebug) != "",
	}
	if env := os.Getenv(EnvSocket); env != "" {
		c.socketPath = env
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init connects to the emulator, creates the shared-memory arena, and
// performs the HELLO handshake. On any failure every partial resource is
// released before returning.
func (c *Client) Init(deviceID int) error {
	conn, err := net.DialTimeout("unix", c.socketPath, ioTimeout)
	if err != nil {
		c.log.Error("emulator not reachable; start it with: npm-emulator --tiling",
			"socket", c.socketPath, "err", err)
		return fmt.Errorf("device: connect %s: %w", c.socketPath, err)
	}

	region, err := shm.Create(c.shmSize)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("device: shared memory: %w", err)
	}

	c.conn = conn
	c.shm = region
	c.buffers = make(map[uintptr]*clientBuffer)

	req := npmwire.HelloReq{
		VersionMajor: npmwire.VersionMajor,
		VersionMinor: npmwire.VersionMinor,
		ShmName:      region.Name(),
		ShmSize:      region.Size(),
	}
	var rsp npmwire.HelloRsp
	if err := c.roundTrip(npmwire.CmdHello, &req, &rsp); err == nil {
		err = rsp.Status.Err(npmwire.CmdHello)
	} else {
		err = fmt.Errorf("device: hello: %w", err)
	}
	if err != nil {
		_ = conn.Close()
		_ = region.Destroy()
		c.conn = nil
		c.shm = nil
		return err
	}

	c.sku = sku.SKU(rsp.SKU)
	c.engines = int(rsp.NumEngines)
	c.l1Size = rsp.L1Size
	c.l2Size = rsp.L2Size

	if c.debug {
		c.log.Debug("connected to emulator",
			"socket", c.socketPath, "sku", c.sku,
			"engines", c.engines, "l1", c.l1Size, "l2", c.l2Size)
	}
	return nil
}

// Shutdown sends GOODBYE, then tears down the socket and shared memory.
func (c *Client) Shutdown() {
	if c.conn != nil {
		// Best-effort farewell; the server also handles a plain close.
		var rsp npmwire.StatusRsp
		_ = c.roundTrip(npmwire.CmdGoodbye, nil, &rsp)
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.shm != nil {
		_ = c.shm.Destroy()
		c.shm = nil
	}
	clear(c.buffers)
}

func (c *Client) SKU() sku.SKU    { return c.sku }
func (c *Client) NumEngines() int { return c.engines }
func (c *Client) L1Size() uint64  { return c.l1Size }
func (c *Client) L2Size() uint64  { return c.l2Size }

func (c *Client) roundTrip(cmd npmwire.Cmd, req, rsp npmwire.Payload) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	seq := c.seqID
	c.seqID++

	_ = c.conn.SetDeadline(time.Now().Add(ioTimeout))
	if err := npmwire.WriteMessage(c.conn, cmd, seq, req); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	hdr, err := npmwire.ReadHeader(c.conn)
	if err != nil {
		return fmt.Errorf("recv %s: %w", cmd, err)
	}
	if err := hdr.Validate(); err != nil {
		return err
	}
	if hdr.SeqID != seq {
		return fmt.Errorf("recv %s: response out of order (seq %d, want %d)", cmd, hdr.SeqID, seq)
	}
	if err := npmwire.ReadPayload(c.conn, hdr, rsp); err != nil {
		return fmt.Errorf("recv %s: %w", cmd, err)
	}
	return nil
}

// RegisterBuffer copies buf into shared memory and registers the slot with
// the emulator.
func (c *Client) RegisterBuffer(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidParams
	}
	if c.shm == nil {
		return 0, ErrNotConnected
	}

	off, err := c.shm.Alloc(uint64(len(buf)), shm.DefaultAlignment)
	if err != nil {
		c.log.Warn("shared memory exhausted", "requested", len(buf), "allocated", c.shm.Allocated())
		return 0, err
	}
	slot, err := c.shm.Slice(off, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	copy(slot, buf)

	req := npmwire.RegisterBufferReq{ShmOffset: off, Size: uint64(len(buf))}
	var rsp npmwire.RegisterBufferRsp
	if err := c.roundTrip(npmwire.CmdRegisterBuffer, &req, &rsp); err != nil {
		return 0, err
	}
	if err := rsp.Status.Err(npmwire.CmdRegisterBuffer); err != nil {
		return 0, err
	}

	c.buffers[dataPtr(buf)] = &clientBuffer{
		handle:    rsp.Handle,
		shmOffset: off,
		size:      uint64(len(buf)),
		host:      buf,
	}
	if c.debug {
		c.log.Debug("registered buffer", "handle", rsp.Handle, "offset", off, "size", len(buf))
	}
	return rsp.Handle, nil
}

func (c *Client) findByHandle(handle uint64) *clientBuffer {
	for _, b := range c.buffers {
		if b.handle == handle {
			return b
		}
	}
	return nil
}

// UnregisterBuffer drops the local mapping and informs the emulator. The
// response is best-effort; the shared-memory slot itself is never reclaimed
// (bump allocation).
func (c *Client) UnregisterBuffer(handle uint64) {
	for ptr, b := range c.buffers {
		if b.handle == handle {
			delete(c.buffers, ptr)
			break
		}
	}
	req := npmwire.UnregisterBufferReq{Handle: handle}
	var rsp npmwire.StatusRsp
	_ = c.roundTrip(npmwire.CmdUnregisterBuffer, &req, &rsp)
}

// UpdateBuffer refreshes the shared-memory copy in place. Growing past the
// registered size requires unregister-then-register instead.
func (c *Client) UpdateBuffer(handle uint64, buf []byte) error {
	b := c.findByHandle(handle)
	if b == nil {
		return ErrInvalidHandle
	}
	if uint64(len(buf)) > b.size {
		return ErrInvalidParams
	}
	slot, err := c.shm.Slice(b.shmOffset, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(slot, buf)
	b.host = buf
	return nil
}

// Matmul sends the request and, on success, copies the output buffer's
// shared-memory bytes back into the host-side destination.
func (c *Client) Matmul(p *npmwire.MatmulParams) error {
	var rsp npmwire.MatmulRsp
	if err := c.roundTrip(npmwire.CmdMatmul, p, &rsp); err != nil {
		return err
	}
	if err := rsp.Status.Err(npmwire.CmdMatmul); err != nil {
		return err
	}
	if c.debug {
		c.log.Debug("matmul done", "M", p.M, "N", p.N, "K", p.K,
			"cycles", rsp.Cycles, "dma_bytes", rsp.DMABytes)
	}

	if out := c.findByHandle(p.CHandle); out != nil {
		slot, err := c.shm.Slice(out.shmOffset, out.size)
		if err != nil {
			return err
		}
		copy(out.host, slot)
	}
	return nil
}

func (c *Client) Sync() error {
	var rsp npmwire.StatusRsp
	if err := c.roundTrip(npmwire.CmdSync, nil, &rsp); err != nil {
		return err
	}
	return rsp.Status.Err(npmwire.CmdSync)
}

func (c *Client) FenceCreate() (Fence, error) {
	var rsp npmwire.FenceCreateRsp
	if err := c.roundTrip(npmwire.CmdFenceCreate, nil, &rsp); err != nil {
		return 0, err
	}
	if err := rsp.Status.Err(npmwire.CmdFenceCreate); err != nil {
		return 0, err
	}
	return Fence(rsp.FenceID), nil
}

func (c *Client) FenceDestroy(f Fence) {
	req := npmwire.FenceDestroyReq{FenceID: uint64(f)}
	var rsp npmwire.StatusRsp
	_ = c.roundTrip(npmwire.CmdFenceDestroy, &req, &rsp)
}

func (c *Client) FenceWait(f Fence, timeoutNs uint64) error {
	req := npmwire.FenceWaitReq{FenceID: uint64(f), TimeoutNs: timeoutNs}
	var rsp npmwire.StatusRsp
	if err := c.roundTrip(npmwire.CmdFenceWait, &req, &rsp); err != nil {
		return err
	}
	return rsp.Status.Err(npmwire.CmdFenceWait)
}

// Ping measures a request/response round trip and returns the server's
// monotonic timestamp.
func (c *Client) Ping(echo uint64) (serverTS uint64, err error) {
	req := npmwire.PingReq{Echo: echo, ClientTS: uint64(time.Now().UnixNano())}
	var rsp npmwire.PingRsp
	if err := c.roundTrip(npmwire.CmdPing, &req, &rsp); err != nil {
		return 0, err
	}
	if err := rsp.Status.Err(npmwire.CmdPing); err != nil {
		return 0, err
	}
	if rsp.Echo != echo {
		return 0, fmt.Errorf("device: ping echo mismatch")
	}
	return rsp.ServerTS, nil
}
