// Package trace emits the emulator's structured event stream: one JSON
// object per line, filtered by category so disabled producers pay a single
// bit test and no formatting.
package trace

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Category is a bit set selecting which event classes are recorded.
type Category uint32

const (
	None     Category = 0
	Commands Category = 1 << 0 // IPC command flow
	DMA      Category = 1 << 1 // DMA transfers
	Ops      Category = 1 << 2 // compute operations

	All = Commands | DMA | Ops
)

// StatusReq marks the request side of a command event; responses carry
// the wire status instead.
const StatusReq = "REQ"

// Config sets up an Emitter.
type Config struct {
	Categories     Category
	Output         io.Writer // nil means stdout
	FlushImmediate bool
}

type flusher interface{ Flush() error }

// Emitter writes trace events. The zero value is not usable; a nil
// *Emitter is valid and records nothing.
type Emitter struct {
	categories Category
	out        io.Writer
	flush      bool
	start      time.Time
	mu         sync.Mutex
	closer     io.Closer
}

// New creates an emitter. The emitter does not own the writer; use
// NewFile when the output should be closed with the emitter.
func New(cfg Config) *Emitter {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	return &Emitter{
		categories: cfg.Categories,
		out:        out,
		flush:      cfg.FlushImmediate,
		start:      time.Now(),
	}
}

// NewFile creates an emitter writing to path; Close closes the file.
func NewFile(path string, categories Category, flushImmediate bool) (*Emitter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	e := New(Config{Categories: categories, Output: f, FlushImmediate: flushImmediate})
	e.closer = f
	return e, nil
}

// Enabled is the producers' cheap guard: skip building details entirely
// when the category is off.
func (e *Emitter) Enabled(cat Category) bool {
	return e != nil && e.categories&cat != 0
}

func (e *Emitter) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

func (e *Emitter) ts() uint64 {
	return uint64(time.Since(e.start).Nanoseconds())
}

type commandEvent struct {
	TS      uint64 `json:"ts"`
	Cat     string `json:"cat"`
	Type    string `json:"type"`
	Seq     uint32 `json:"seq"`
	Status  string `json:"status"`
	Details any    `json:"details,omitempty"`
}

type dmaEvent struct {
	TS     uint64 `json:"ts"`
	Cat    string `json:"cat"`
	Type   string `json:"type"`
	Bytes  uint64 `json:"bytes"`
	Cycles uint64 `json:"cycles"`
	Engine int    `json:"engine"`
}

type opEvent struct {
	TS      uint64 `json:"ts"`
	Cat     string `json:"cat"`
	Type    string `json:"type"`
	M       int64  `json:"M"`
	N       int64  `json:"N"`
	K       int64  `json:"K"`
	Cycles  uint64 `json:"cycles"`
	Details any    `json:"details,omitempty"`
}

// Command records one side of an IPC exchange. status is StatusReq for the
// request side or the response status name. details may be nil.
func (e *Emitter) Command(typ string, seq uint32, status string, details any) {
	if !e.Enabled(Commands) {
		return
	}
	e.emit(commandEvent{TS: e.ts(), Cat: "cmd", Type: typ, Seq: seq, Status: status, Details: details})
}

// DMATransfer records one modeled transfer. engine is -1 for the system
// DMA channel.
func (e *Emitter) DMATransfer(typ string, bytes, cycles uint64, engine int) {
	if !e.Enabled(DMA) {
		return
	}
	e.emit(dmaEvent{TS: e.ts(), Cat: "dma", Type: typ, Bytes: bytes, Cycles: cycles, Engine: engine})
}

// Op records a compute-side event.
func (e *Emitter) Op(typ string, m, n, k int64, cycles uint64, details any) {
	if !e.Enabled(Ops) {
		return
	}
	e.emit(opEvent{TS: e.ts(), Cat: "op", Type: typ, M: m, N: n, K: k, Cycles: cycles, Details: details})
}

func (e *Emitter) emit(ev any) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(line); err != nil {
		return
	}
	if e.flush {
		// os.File writes are unbuffered; only buffered writers need a kick.
		if f, ok := e.out.(flusher); ok {
			_ = f.Flush()
		}
	}
}
