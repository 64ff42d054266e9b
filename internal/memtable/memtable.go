package memtable

import (
	"sync/atomic"

	"github.com/kvlite/kvlite/internal/ikey"
)

// Result is the outcome of a Get lookup.
type Result int

const (
	// NotFound means no entry exists for the user key in this memtable.
	NotFound Result = iota
	// Deleted means the highest-sequence entry for the user key is a
	// tombstone.
	Deleted
	// Found means the highest-sequence entry for the user key is a
	// live value.
	Found
)

// Memtable is an ordered, concurrently-readable map from internal key
// to value. Exactly one goroutine may call Insert on a given Memtable
// at a time (the DB façade enforces this with its write mutex); any
// number of goroutines may call Get or iterate concurrently with that
// writer and with each other.
type Memtable struct {
	sl     *skipList
	frozen atomic.Bool
}

// New returns an empty, writable memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Insert never fails (allocation aside). Callers must not call Insert
// after Freeze.
func (m *Memtable) Insert(key ikey.InternalKey, value []byte) {
	m.sl.insert(key, value)
}

// Get returns the highest-sequence entry for userKey.
func (m *Memtable) Get(userKey []byte) ([]byte, Result) {
	value, r := m.sl.get(userKey)
	switch r {
	case resultFound:
		return value, Found
	case resultDeleted:
		return nil, Deleted
	default:
		return nil, NotFound
	}
}

// ApproximateBytes estimates the memtable's memory footprint; the
// flush threshold is compared against this value.
func (m *Memtable) ApproximateBytes() int64 {
	return m.sl.approximateBytes()
}

// Freeze marks the memtable immutable. Reads continue to work; Insert
// must not be called again.
func (m *Memtable) Freeze() { m.frozen.Store(true) }

// IsFrozen reports whether Freeze has been called.
func (m *Memtable) IsFrozen() bool { return m.frozen.Load() }

// Iterator is a restartable forward cursor over internal keys in
// ascending order, usable concurrently with inserts into the same
// memtable (it only ever reads already-published nodes).
type Iterator struct {
	it    *iterator
	lower []byte
	upper []byte
}

// NewIterator returns an iterator bounded to [lower, upper) on the user
// key; a nil bound is unbounded on that side.
func (m *Memtable) NewIterator(lower, upper []byte) *Iterator {
	it := &Iterator{it: m.sl.newIterator(), lower: lower, upper: upper}
	it.SeekToFirst()
	return it
}

func (it *Iterator) withinUpper() bool {
	if it.upper == nil || !it.it.valid() {
		return it.it.valid()
	}
	return string(it.it.key().UserKey) < string(it.upper)
}

// SeekToFirst restarts the iterator at its lower bound (or the
// smallest key, if unbounded).
func (it *Iterator) SeekToFirst() {
	if it.lower != nil {
		it.it.seek(ikey.InternalKey{UserKey: it.lower, Seq: ikey.MaxSeq, Kind: ikey.KindSet})
	} else {
		it.it.seekToFirst()
	}
	if !it.withinUpper() {
		it.it.cur = nil
	}
}

// Seek restarts the iterator at the first key >= userKey within bounds.
func (it *Iterator) Seek(userKey []byte) {
	it.it.seek(ikey.InternalKey{UserKey: userKey, Seq: ikey.MaxSeq, Kind: ikey.KindSet})
	if !it.withinUpper() {
		it.it.cur = nil
	}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.it.valid() }

// Key returns the current internal key.
func (it *Iterator) Key() ikey.InternalKey { return it.it.key() }

// Value returns the current value (empty for a tombstone).
func (it *Iterator) Value() []byte { return it.it.value() }

// Next advances to the next internal key.
func (it *Iterator) Next() {
	it.it.next()
	if !it.withinUpper() {
		it.it.cur = nil
	}
}
