package emulator

// Memory hierarchy model: per-engine L1 scratchpads over a shared L2,
// with DDR represented by the client's shared-memory region. Blocks are
// tracked by (handle, offset) identity and evicted LRU; hit/miss counts
// feed the DMA cost model.

type memBlock struct {
	handle      uint64
	offset      uint64 // byte offset within the registered buffer
	size        uint64
	localOffset uint64 // byte offset within the tier's storage
	lastAccess  uint64
	dirty       bool
}

type tierModel struct {
	capacity uint64
	used     uint64
	storage  []byte
	blocks   []*memBlock
}

func newTier(capacity uint64) *tierModel {
	return &tierModel{capacity: capacity, storage: make([]byte, capacity)}
}

func (t *tierModel) canFit(size uint64) bool {
	return t.used+size <= t.capacity
}

func (t *tierModel) find(handle, offset uint64) *memBlock {
	for _, b := range t.blocks {
		if b.handle == handle && b.offset == offset {
			return b
		}
	}
	return nil
}

// evictLRU drops minimum-lastAccess blocks until size fits. Dirty victims
// are dropped without writeback; persistence happens only through the
// explicit flush path.
func (t *tierModel) evictLRU(size uint64) {
	for len(t.blocks) > 0 && !t.canFit(size) {
		lru := 0
		for i, b := range t.blocks {
			if b.lastAccess < t.blocks[lru].lastAccess {
				lru = i
			}
		}
		t.used -= t.blocks[lru].size
		t.blocks = append(t.blocks[:lru], t.blocks[lru+1:]...)
	}
}

// bump allocation; freed ranges are not tracked, only the used total.
func (t *tierModel) alloc(size uint64) uint64 {
	off := t.used
	t.used += size
	return off
}

func (t *tierModel) liveBytes() uint64 {
	var n uint64
	for _, b := range t.blocks {
		n += b.size
	}
	return n
}

// MemStats are the hierarchy's cumulative counters.
type MemStats struct {
	L1Hits          uint64
	L2Hits          uint64
	L1Misses        uint64
	L2Misses        uint64
	TotalBytesMoved uint64
}

// Hierarchy models the DDR→L2→L1 staging path.
type Hierarchy struct {
	numEngines      int
	l1SizePerEngine uint64
	l2Size          uint64

	l1 []*tierModel
	l2 *tierModel

	accessCounter uint64
	stats         MemStats
}

func NewHierarchy(numEngines int, l1SizePerEngine, l2Size uint64) *Hierarchy {
	h := &Hierarchy{
		numEngines:      numEngines,
		l1SizePerEngine: l1SizePerEngine,
		l2Size:          l2Size,
		l2:              newTier(l2Size),
	}
	for range numEngines {
		h.l1 = append(h.l1, newTier(l1SizePerEngine))
	}
	return h
}

func (h *Hierarchy) NumEngines() int { return h.numEngines }
func (h *Hierarchy) L1Size() uint64  { return h.l1SizePerEngine }
func (h *Hierarchy) L2Size() uint64  { return h.l2Size }
func (h *Hierarchy) Stats() MemStats { return h.stats }

func (h *Hierarchy) touch(b *memBlock) {
	h.accessCounter++
	b.lastAccess = h.accessCounter
}

// StageToL2 brings [offset, offset+size) of a buffer into L2. src holds
// the DDR-resident bytes to copy on a miss. Returns the block's slice in
// L2 storage and whether the call hit.
func (h *Hierarchy) StageToL2(handle, offset, size uint64, src []byte) ([]byte, bool) {
	if b := h.l2.find(handle, offset); b != nil {
		h.stats.L2Hits++
		h.touch(b)
		return h.l2.storage[b.localOffset : b.localOffset+b.size], true
	}

	h.stats.L2Misses++
	if !h.l2.canFit(size) {
		h.l2.evictLRU(size)
	}
	if !h.l2.canFit(size) {
		// Eviction could not make room; the block exceeds the tier.
		return nil, false
	}
	local := h.l2.alloc(size)
	dst := h.l2.storage[local : local+size]
	copy(dst, src[:size])
	h.stats.TotalBytesMoved += size

	b := &memBlock{handle: handle, offset: offset, size: size, localOffset: local}
	h.touch(b)
	h.l2.blocks = append(h.l2.blocks, b)
	return dst, false
}

// StageToL1 brings a block already resident in L2 into an engine's L1.
// Returns nil when the block was never staged to L2, which is a caller
// bug in this emulator (L1 never re-reads DDR).
func (h *Hierarchy) StageToL1(engine int, handle, offset, size uint64) ([]byte, bool) {
	if engine < 0 || engine >= h.numEngines {
		return nil, false
	}
	l1 := h.l1[engine]

	if b := l1.find(handle, offset); b != nil {
		h.stats.L1Hits++
		h.touch(b)
		return l1.storage[b.localOffset : b.localOffset+b.size], true
	}

	h.stats.L1Misses++
	l2b := h.l2.find(handle, offset)
	if l2b == nil {
		return nil, false
	}

	if !l1.canFit(size) {
		l1.evictLRU(size)
	}
	if !l1.canFit(size) {
		return nil, false
	}
	local := l1.alloc(size)
	dst := l1.storage[local : local+size]
	copy(dst, h.l2.storage[l2b.localOffset:l2b.localOffset+size])
	h.stats.TotalBytesMoved += size

	b := &memBlock{handle: handle, offset: offset, size: size, localOffset: local}
	h.touch(b)
	l1.blocks = append(l1.blocks, b)
	return dst, false
}

// MarkDirty records a modification on an L1-resident block.
func (h *Hierarchy) MarkDirty(engine int, handle, offset uint64) {
	if engine < 0 || engine >= h.numEngines {
		return
	}
	if b := h.l1[engine].find(handle, offset); b != nil {
		b.dirty = true
	}
}

// WritebackL1ToL2 copies a dirty L1 block into its matching L2 block and
// clears the L1 dirty bit.
func (h *Hierarchy) WritebackL1ToL2(engine int, handle, offset uint64) {
	if engine < 0 || engine >= h.numEngines {
		return
	}
	l1 := h.l1[engine]
	l1b := l1.find(handle, offset)
	if l1b == nil || !l1b.dirty {
		return
	}
	l2b := h.l2.find(handle, offset)
	if l2b == nil {
		return
	}
	copy(h.l2.storage[l2b.localOffset:l2b.localOffset+l1b.size],
		l1.storage[l1b.localOffset:l1b.localOffset+l1b.size])
	h.stats.TotalBytesMoved += l1b.size
	l1b.dirty = false
	l2b.dirty = true
}

// WritebackL2ToDDR copies a dirty L2 block back to its DDR home.
func (h *Hierarchy) WritebackL2ToDDR(handle, offset uint64, ddr []byte) {
	b := h.l2.find(handle, offset)
	if b == nil || !b.dirty {
		return
	}
	copy(ddr[:b.size], h.l2.storage[b.localOffset:b.localOffset+b.size])
	h.stats.TotalBytesMoved += b.size
	b.dirty = false
}

// FlushAll drains every dirty block: L1 blocks into L2, then L2 blocks to
// ddrBase at the block's buffer offset.
func (h *Hierarchy) FlushAll(ddrBase []byte) {
	for e, l1 := range h.l1 {
		for _, b := range l1.blocks {
			if b.dirty {
				h.WritebackL1ToL2(e, b.handle, b.offset)
			}
		}
	}
	for _, b := range h.l2.blocks {
		if b.dirty {
			copy(ddrBase[b.offset:b.offset+b.size],
				h.l2.storage[b.localOffset:b.localOffset+b.size])
			h.stats.TotalBytesMoved += b.size
			b.dirty = false
		}
	}
}

// Reset clears all blocks, watermarks, the access counter, and counters.
func (h *Hierarchy) Reset() {
	for _, l1 := range h.l1 {
		l1.blocks = nil
		l1.used = 0
	}
	h.l2.blocks = nil
	h.l2.used = 0
	h.accessCounter = 0
	h.stats = MemStats{}
}
