// merging_iterator.go implements a k-way merge over sorted child
// iterators using a min-heap keyed by the comparator.
//
// Children earlier in the slice win ties: when two children sit on an
// equal key, the one with the lower index surfaces first. Callers order
// children newest-to-oldest so newer sources shadow older ones.
package iterator

import "container/heap"

// MergingIterator merges the entries of its children in sorted order.
// Entries with equal keys appear once per child, lower child index first.
type MergingIterator struct {
	children []Iterator
	compare  func(a, b []byte) int
	heap     mergeHeap
	current  Iterator
	err      error
}

// NewMergingIterator creates a merging iterator over children.
func NewMergingIterator(children []Iterator, compare func(a, b []byte) int) *MergingIterator {
	mi := &MergingIterator{
		children: children,
		compare:  compare,
	}
	mi.heap.compare = compare
	return mi
}

// Valid reports whether the iterator is positioned at an entry.
func (mi *MergingIterator) Valid() bool {
	return mi.current != nil && mi.err == nil
}

// Key returns the key at the current position.
func (mi *MergingIterator) Key() []byte {
	return mi.current.Key()
}

// Value returns the value at the current position.
func (mi *MergingIterator) Value() []byte {
	return mi.current.Value()
}

// SeekToFirst positions every child at its first entry and surfaces the
// smallest.
func (mi *MergingIterator) SeekToFirst() {
	mi.rebuild(func(it Iterator) { it.SeekToFirst() })
}

// Seek positions every child at target and surfaces the smallest.
func (mi *MergingIterator) Seek(target []byte) {
	mi.rebuild(func(it Iterator) { it.Seek(target) })
}

func (mi *MergingIterator) rebuild(position func(Iterator)) {
	mi.err = nil
	mi.current = nil
	mi.heap.items = mi.heap.items[:0]
	for i, child := range mi.children {
		position(child)
		if err := child.Error(); err != nil {
			mi.err = err
			return
		}
		if child.Valid() {
			mi.heap.items = append(mi.heap.items, mergeItem{it: child, index: i})
		}
	}
	heap.Init(&mi.heap)
	mi.pick()
}

// Next advances the current child and surfaces the next smallest entry.
func (mi *MergingIterator) Next() {
	if mi.current == nil {
		return
	}
	mi.current.Next()
	if err := mi.current.Error(); err != nil {
		mi.err = err
		mi.current = nil
		return
	}
	if mi.current.Valid() {
		heap.Fix(&mi.heap, 0)
	} else {
		heap.Pop(&mi.heap)
	}
	mi.pick()
}

func (mi *MergingIterator) pick() {
	if len(mi.heap.items) == 0 {
		mi.current = nil
		return
	}
	mi.current = mi.heap.items[0].it
}

// Error returns the first error any child reported.
func (mi *MergingIterator) Error() error {
	return mi.err
}

type mergeItem struct {
	it    Iterator
	index int
}

type mergeHeap struct {
	items   []mergeItem
	compare func(a, b []byte) int
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	c := h.compare(h.items[i].it.Key(), h.items[j].it.Key())
	if c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *mergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergeHeap) Push(x any) {
	item, _ := x.(mergeItem)
	h.items = append(h.items, item)
}

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
