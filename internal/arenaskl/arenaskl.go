// Package arenaskl implements the concurrent sorted structure backing the
// memtable: a skip list whose nodes are slots in a chunked arena,
// referenced by uint32 index rather than by pointer. Tower links are
// arrays of node indexes loaded and stored atomically.
//
// Reads are lock-free: they walk index links with atomic loads and never
// observe a partially linked node below the levels already published.
// Writes serialize through a single mutex (the coarse exclusive section
// of the correctness-first variant). Nodes are never removed until the
// whole list is dropped, so an iterator remains valid across concurrent
// inserts.
package arenaskl

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	// maxHeight bounds tower height; 2^maxHeight / branching entries are
	// addressable with good search cost.
	maxHeight = 12

	// branching promotes 1/branching of the nodes to each higher level.
	branching = 4

	// chunkShift sizes arena chunks at 1<<chunkShift node slots. Chunks
	// are never reallocated, so a node's address is stable for the life
	// of the list even while new chunks are appended.
	chunkShift = 12
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1

	// nilNode is the index of the list terminator; slot 0 is never used
	// for a real node.
	nilNode uint32 = 0

	// headNode is the index of the head sentinel.
	headNode uint32 = 1
)

// Comparator orders two keys: negative if a < b, zero if equal, positive
// if a > b.
type Comparator func(a, b []byte) int

type node struct {
	key   []byte
	value []byte

	// tower[i] is the index of the next node at level i. Only the first
	// `height` entries are meaningful.
	tower  [maxHeight]atomic.Uint32
	height int32
}

// SkipList is an index-addressed arena skip list.
type SkipList struct {
	mu sync.Mutex // serializes inserts

	chunks    atomic.Pointer[[][]*node] // chunk directory, grown copy-on-write
	numNodes  atomic.Uint32             // next free slot index (includes sentinels)
	height    atomic.Int32              // current max tower height in use
	memory    atomic.Int64              // approximate bytes of keys+values+nodes
	count     atomic.Int64
	compare   Comparator
	rng       *rand.Rand
	scaledInv uint32
}

// New creates an empty skip list ordered by cmp.
func New(cmp Comparator) *SkipList {
	sl := &SkipList{
		compare:   cmp,
		rng:       rand.New(rand.NewSource(0x51abf00d)),
		scaledInv: uint32(0xFFFFFFFF) / branching,
	}
	dir := make([][]*node, 1)
	dir[0] = make([]*node, chunkSize)
	sl.chunks.Store(&dir)
	// Slot 0 is the nil terminator, slot 1 the head sentinel.
	dir[0][0] = &node{}
	head := &node{height: maxHeight}
	dir[0][1] = head
	sl.numNodes.Store(2)
	sl.height.Store(1)
	return sl
}

// nodeAt resolves an index to its arena slot.
func (sl *SkipList) nodeAt(idx uint32) *node {
	dir := *sl.chunks.Load()
	return dir[idx>>chunkShift][idx&chunkMask]
}

// alloc places n in the next free slot and returns its index.
// REQUIRES: sl.mu held.
func (sl *SkipList) alloc(n *node) uint32 {
	idx := sl.numNodes.Load()
	dir := *sl.chunks.Load()
	chunk := int(idx >> chunkShift)
	if chunk == len(dir) {
		// Publish a grown directory; existing chunks keep their slots.
		grown := make([][]*node, len(dir)+1)
		copy(grown, dir)
		grown[len(dir)] = make([]*node, chunkSize)
		sl.chunks.Store(&grown)
		dir = grown
	}
	dir[chunk][idx&chunkMask] = n
	sl.numNodes.Store(idx + 1)
	return idx
}

// Count returns the number of entries.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

// MemoryUsage returns the approximate bytes held by keys, values and
// node slots.
func (sl *SkipList) MemoryUsage() int64 {
	return sl.memory.Load()
}

// Add inserts a key/value pair.
// REQUIRES: no equal key is already in the list. The memtable guarantees
// this because every internal key carries a unique sequence number.
func (sl *SkipList) Add(key, value []byte) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var prev [maxHeight]uint32
	sl.findGreaterOrEqual(key, &prev)

	height := sl.randomHeight()
	listHeight := int(sl.height.Load())
	if height > listHeight {
		for i := listHeight; i < height; i++ {
			prev[i] = headNode
		}
		sl.height.Store(int32(height))
	}

	n := &node{key: key, value: value, height: int32(height)}
	idx := sl.alloc(n)

	// Link bottom-up: once level i is published a reader descending
	// through higher levels still finds the node at level 0.
	for i := 0; i < height; i++ {
		n.tower[i].Store(sl.nodeAt(prev[i]).tower[i].Load())
		sl.nodeAt(prev[i]).tower[i].Store(idx)
	}

	sl.count.Add(1)
	sl.memory.Add(int64(len(key)+len(value)) + int64(maxHeight*4+16))
}

// findGreaterOrEqual returns the index of the first node with key >= the
// target, or nilNode. If prev is non-nil it is filled with the
// predecessor index at each level.
func (sl *SkipList) findGreaterOrEqual(key []byte, prev *[maxHeight]uint32) uint32 {
	x := headNode
	level := int(sl.height.Load()) - 1
	for {
		next := sl.nodeAt(x).tower[level].Load()
		if next != nilNode && sl.compare(key, sl.nodeAt(next).key) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (sl *SkipList) randomHeight() int {
	height := 1
	for height < maxHeight && sl.rng.Uint32() < sl.scaledInv {
		height++
	}
	return height
}

// Get returns the value stored under the exactly matching key.
func (sl *SkipList) Get(key []byte) ([]byte, bool) {
	idx := sl.findGreaterOrEqual(key, nil)
	if idx == nilNode {
		return nil, false
	}
	n := sl.nodeAt(idx)
	if sl.compare(key, n.key) != 0 {
		return nil, false
	}
	return n.value, true
}

// Iterator walks the list in key order. It is positioned by a Seek call
// and stays valid across concurrent inserts.
type Iterator struct {
	list *SkipList
	idx  uint32
}

// NewIterator creates an unpositioned iterator.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{list: sl, idx: nilNode}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.idx != nilNode
}

// Key returns the key at the current position.
// REQUIRES: Valid().
func (it *Iterator) Key() []byte {
	return it.list.nodeAt(it.idx).key
}

// Value returns the value at the current position.
// REQUIRES: Valid().
func (it *Iterator) Value() []byte {
	return it.list.nodeAt(it.idx).value
}

// Next advances to the next entry.
// REQUIRES: Valid().
func (it *Iterator) Next() {
	it.idx = it.list.nodeAt(it.idx).tower[0].Load()
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.idx = it.list.findGreaterOrEqual(target, nil)
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.idx = it.list.nodeAt(headNode).tower[0].Load()
}
