// Package memtable implements the in-memory ordered map that receives
// new writes: a probabilistic skip list keyed by internal key, wrapped
// with a byte-size estimate for the flush threshold. Durability is the
// WAL's job (internal/wal); this package keeps data in memory only.
package memtable

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/kvlite/kvlite/internal/ikey"
)

const maxHeight = 16

// node is a skip-list node. next[i] is published with an atomic store
// only after the node is otherwise fully initialized, and read with an
// atomic load, so a concurrent reader either sees a node fully linked
// at level i or doesn't see it at all — it never observes a partially
// constructed node.
type node struct {
	key   ikey.InternalKey
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(key ikey.InternalKey, value []byte, height int) *node {
	return &node{key: key, value: value, next: make([]atomic.Pointer[node], height)}
}

func (n *node) loadNext(level int) *node     { return n.next[level].Load() }
func (n *node) storeNext(level int, v *node) { n.next[level].Store(v) }

// skipList is a concurrent ordered map over ikey.InternalKey. A single
// writer is assumed (enforced by the caller holding a mutex across
// insert calls); any number of readers may call get/newIterator
// concurrently with that writer without blocking.
type skipList struct {
	head   *node
	height atomic.Int32
	rnd    *rand.Rand
	rndMu  sync.Mutex // math/rand.Rand is not safe for concurrent use
	bytes  atomic.Int64
}

func newSkipList() *skipList {
	sl := &skipList{
		head: newNode(ikey.InternalKey{}, nil, maxHeight),
		rnd:  rand.New(rand.NewSource(0xc0ffee)),
	}
	sl.height.Store(1)
	return sl
}

func (sl *skipList) randomHeight() int {
	sl.rndMu.Lock()
	defer sl.rndMu.Unlock()
	h := 1
	for h < maxHeight && sl.rnd.Int31n(4) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual walks the list returning the first node whose key
// is >= target, optionally filling prev with the predecessor at each
// level (used by insert to splice in a new node).
func (sl *skipList) findGreaterOrEqual(target ikey.InternalKey, prev []*node) *node {
	cur := sl.head
	level := int(sl.height.Load()) - 1
	for {
		next := cur.loadNext(level)
		if next != nil && ikey.Compare(next.key, target) < 0 {
			cur = next
			continue
		}
		if prev != nil {
			prev[level] = cur
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// insert adds key/value. Never fails (allocation aside).
func (sl *skipList) insert(key ikey.InternalKey, value []byte) {
	var prev [maxHeight]*node
	for i := range prev {
		prev[i] = sl.head
	}
	sl.findGreaterOrEqual(key, prev[:])

	height := sl.randomHeight()
	if height > int(sl.height.Load()) {
		for i := int(sl.height.Load()); i < height; i++ {
			prev[i] = sl.head
		}
		sl.height.Store(int32(height))
	}

	n := newNode(key, value, height)
	for i := 0; i < height; i++ {
		n.storeNext(i, prev[i].loadNext(i))
	}
	// Publish bottom-up: link the lowest level first so a concurrent
	// reader never observes a node reachable at a higher level but not
	// yet reachable by a plain forward (level-0) scan.
	for i := 0; i < height; i++ {
		prev[i].storeNext(i, n)
	}

	sl.bytes.Add(int64(len(key.UserKey)) + int64(len(value)) + 8)
}

// lookupResult distinguishes "no entry for this user key" from "entry
// found and it's a tombstone" from "entry found with a value".
type lookupResult int

const (
	resultNotFound lookupResult = iota
	resultDeleted
	resultFound
)

// get returns the highest-sequence entry for userKey.
func (sl *skipList) get(userKey []byte) (value []byte, result lookupResult) {
	seek := ikey.MaxForUserKey(userKey)
	n := sl.findGreaterOrEqual(seek, nil)
	if n == nil || string(n.key.UserKey) != string(userKey) {
		return nil, resultNotFound
	}
	if n.key.Kind == ikey.KindDelete {
		return nil, resultDeleted
	}
	return n.value, resultFound
}

func (sl *skipList) approximateBytes() int64 { return sl.bytes.Load() }

// iterator is a restartable forward cursor over the skip list.
type iterator struct {
	sl  *skipList
	cur *node
}

func (sl *skipList) newIterator() *iterator { return &iterator{sl: sl} }

func (it *iterator) valid() bool { return it.cur != nil }

func (it *iterator) key() ikey.InternalKey { return it.cur.key }
func (it *iterator) value() []byte         { return it.cur.value }

// seekToFirst restarts the iterator at the smallest key.
func (it *iterator) seekToFirst() {
	it.cur = it.sl.head.loadNext(0)
}

// seek restarts the iterator at the first key >= target.
func (it *iterator) seek(target ikey.InternalKey) {
	it.cur = it.sl.findGreaterOrEqual(target, nil)
}

func (it *iterator) next() {
	if it.cur != nil {
		it.cur = it.cur.loadNext(0)
	}
}
