// Package kvlite is the public, string-friendly façade over the
// internal LSM engine: Open a directory, Put/Get/Delete by string key,
// Range over a key span, Close to flush and release the lock.
package kvlite

import (
	"context"

	"github.com/kvlite/kvlite/internal/kverrors"
	"github.com/kvlite/kvlite/internal/lsm"
)

// ErrNotFound is returned by Get when the key has no live value.
var ErrNotFound = kverrors.New(kverrors.NotFound, "kvlite: key not found")

// ErrClosed is returned by any operation on a DB that has been closed.
var ErrClosed = kverrors.New(kverrors.InvalidArgument, "kvlite: db is closed")

// Options configures an open DB, mirroring the engine's Options in
// §4.10 with yaml tags so cmd/kvlite-bench can load them from a file.
type Options struct {
	WriteBufferBytes     int64 `yaml:"write_buffer_bytes"`
	BlockSize            int   `yaml:"block_size"`
	BlockRestartInterval int   `yaml:"block_restart_interval"`
	L0Trigger            int   `yaml:"l0_trigger"`
	LevelBaseBytes       int64 `yaml:"level_base_bytes"`
	BlockCacheBytes      int64 `yaml:"block_cache_bytes"`
	UseCompression       bool  `yaml:"use_compression"`
	UseFilter            bool  `yaml:"use_filter"`
	UseMmap              bool  `yaml:"use_mmap"`
	NumLevels            int   `yaml:"num_levels"`
}

func (o Options) toLSM() lsm.Options {
	return lsm.Options{
		WriteBufferBytes:     o.WriteBufferBytes,
		BlockSize:            o.BlockSize,
		BlockRestartInterval: o.BlockRestartInterval,
		L0Trigger:            o.L0Trigger,
		LevelBaseBytes:       o.LevelBaseBytes,
		BlockCacheBytes:      o.BlockCacheBytes,
		UseCompression:       o.UseCompression,
		UseFilter:            o.UseFilter,
		UseMmap:              o.UseMmap,
		NumLevels:            o.NumLevels,
	}
}

// DB is an open KVLite database directory.
type DB struct {
	db *lsm.DB
}

// Open creates or recovers the database at path.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, kverrors.New(kverrors.InvalidArgument, "kvlite: path cannot be empty")
	}
	engine, err := lsm.Open(path, opts.toLSM())
	if err != nil {
		return nil, err
	}
	return &DB{db: engine}, nil
}

// Close drains the compactor, flushes any non-empty mutable memtable,
// and fsyncs the manifest.
func (db *DB) Close() error {
	if db.db == nil {
		return ErrClosed
	}
	return db.db.Close()
}

// Put stores value under key without waiting for an fsync. Equivalent
// to Set(WriteOptions{}, key, value).
func (db *DB) Put(key, value string) error {
	return db.Set(WriteOptions{}, key, value)
}

// Set stores value under key, honoring opts.Sync.
func (db *DB) Set(opts WriteOptions, key, value string) error {
	if db.db == nil {
		return ErrClosed
	}
	return db.db.Set(lsm.WriteOptions{Sync: opts.Sync}, []byte(key), []byte(value))
}

// Get retrieves the current value for key, or ErrNotFound if absent or
// deleted.
func (db *DB) Get(key string) (string, error) {
	if db.db == nil {
		return "", ErrClosed
	}
	val, ok, err := db.db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return string(val), nil
}

// Delete removes key. A delete of an absent key is not an error.
func (db *DB) Delete(key string) error {
	return db.Remove(WriteOptions{}, key)
}

// Remove writes a tombstone for key, honoring opts.Sync.
func (db *DB) Remove(opts WriteOptions, key string) error {
	if db.db == nil {
		return ErrClosed
	}
	return db.db.Remove(lsm.WriteOptions{Sync: opts.Sync}, []byte(key))
}

// WriteOptions governs the durability of a single Put/Set/Delete/Remove.
type WriteOptions struct {
	Sync bool
}

// Range returns an iterator over [lower, upper) ("" means unbounded on
// that side), yielding each key's latest value in ascending order.
func (db *DB) Range(lower, upper string) *RangeIterator {
	var lo, hi []byte
	if lower != "" {
		lo = []byte(lower)
	}
	if upper != "" {
		hi = []byte(upper)
	}
	return &RangeIterator{inner: db.db.Range(lo, hi)}
}

// RangeIterator yields string keys/values in ascending order.
type RangeIterator struct {
	inner *lsm.RangeIterator
}

// Valid reports whether the iterator is positioned on an entry.
func (it *RangeIterator) Valid() bool { return it.inner.Valid() }

// Key returns the current key.
func (it *RangeIterator) Key() string { return string(it.inner.Key()) }

// Value returns the current value.
func (it *RangeIterator) Value() string { return string(it.inner.Value()) }

// Next advances to the next distinct key.
func (it *RangeIterator) Next() { it.inner.Next() }

// Close releases the snapshot this iterator was opened against.
func (it *RangeIterator) Close() error { return it.inner.Close() }

// Stats is a read-only snapshot of engine state.
type Stats = lsm.Stats

// Stats returns a snapshot of per-level table counts/bytes and counters.
func (db *DB) Stats() Stats { return db.db.Stats() }

// CompactNow blocks until at least one compaction/flush pass has run.
func (db *DB) CompactNow(ctx context.Context) error { return db.db.CompactNow(ctx) }
