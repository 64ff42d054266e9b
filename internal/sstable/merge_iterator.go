package sstable

import (
	"container/heap"

	"github.com/kvlite/kvlite/internal/ikey"
)

// Source is the narrow iteration surface MergeIterator merges over.
// *memtable.Iterator and *sstable.Iterator both satisfy it once
// positioned by SeekToFirst or Seek.
type Source interface {
	Valid() bool
	Key() ikey.InternalKey
	Value() []byte
	Next()
}

type mergeHeap []Source

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return ikey.Compare(h[i].Key(), h[j].Key()) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(Source)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// MergeIterator is a k-way merge over already-positioned sources,
// yielding every entry from every source in ascending internal-key
// order. It performs no deduplication or tombstone dropping — range
// scans and compaction apply those rules on top, since they differ
// (range keeps the first entry per user key; compaction additionally
// consults oldest_live_snapshot and higher-level ranges).
type MergeIterator struct {
	h        mergeHeap
	curKey   ikey.InternalKey
	curValue []byte
	valid    bool
}

// NewMergeIterator builds a merge iterator over sources, skipping any
// already-exhausted ones, and positions it at the first entry.
func NewMergeIterator(sources []Source) *MergeIterator {
	m := &MergeIterator{}
	for _, s := range sources {
		if s != nil && s.Valid() {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&m.h)
	m.Next()
	return m
}

// Valid reports whether the iterator is positioned on an entry.
func (m *MergeIterator) Valid() bool { return m.valid }

// Key returns the current internal key.
func (m *MergeIterator) Key() ikey.InternalKey { return m.curKey }

// Value returns the current value.
func (m *MergeIterator) Value() []byte { return m.curValue }

// Next advances to the next entry across all sources in merged order.
func (m *MergeIterator) Next() {
	if m.h.Len() == 0 {
		m.valid = false
		return
	}
	top := m.h[0]
	m.curKey = top.Key()
	m.curValue = top.Value()
	m.valid = true

	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}
