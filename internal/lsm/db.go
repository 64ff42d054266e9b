// Package lsm wires together the memtable, WAL, SSTable, manifest, and
// compaction packages into the engine's public operations: open, get,
// set, remove, range, close.
package lsm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/kvlite/kvlite/internal/compaction"
	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
	"github.com/kvlite/kvlite/internal/manifest"
	"github.com/kvlite/kvlite/internal/memtable"
	"github.com/kvlite/kvlite/internal/sstable"
	"github.com/kvlite/kvlite/internal/wal"
	"go.uber.org/zap"
)

// Options configures an open DB. Zero values are replaced with the
// defaults named in §4.10.
type Options struct {
	WriteBufferBytes     int64
	BlockSize            int
	BlockRestartInterval int
	L0Trigger            int
	LevelBaseBytes       int64
	BlockCacheBytes      int64
	UseCompression       bool
	UseFilter            bool
	UseMmap              bool
	NumLevels            int
	Logger               *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteBufferBytes <= 0 {
		o.WriteBufferBytes = 4 << 20
	}
	if o.L0Trigger <= 0 {
		o.L0Trigger = 4
	}
	if o.LevelBaseBytes <= 0 {
		o.LevelBaseBytes = 10 << 20
	}
	if o.NumLevels <= 0 {
		o.NumLevels = 7
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) sstableOptions() sstable.Options {
	return sstable.Options{
		BlockSize:       o.BlockSize,
		RestartInterval: o.BlockRestartInterval,
		UseCompression:  o.UseCompression,
		UseFilter:       o.UseFilter,
		UseMmap:         o.UseMmap,
	}
}

// WriteOptions governs the durability of a single Set/Remove call.
type WriteOptions struct {
	Sync bool
}

// Stats is a read-only snapshot of engine state, per §1.3.
type Stats struct {
	LevelTableCounts []int
	LevelBytes       []int64
	LastSequence     uint64
	LastFileNumber   uint64
}

// DB is an open KVLite database directory.
type DB struct {
	dir  string
	opts Options
	log  *zap.Logger

	lock *flock.Flock

	manifestSet *manifest.Set
	cache       *sstable.BlockCache

	// writeMu serializes Set/Remove and rotation against each other and
	// the WAL writer; it is never taken by Get/Range. active/immutable
	// are published through atomic.Pointer — the same swap-and-publish
	// pattern internal/memtable/skiplist.go uses for its node pointers —
	// so a concurrent Get never blocks on a writer's in-flight fsync,
	// per §5's "get never blocks on writes... lock-free lookup."
	writeMu          sync.Mutex
	active           atomic.Pointer[memtable.Memtable]
	activeWAL        *wal.Writer
	activeFileNum    uint64
	immutable        atomic.Pointer[memtable.Memtable]
	immutableFileNum uint64
	rotateCond       *sync.Cond

	seq        atomic.Uint64
	fileNumber atomic.Uint64

	readersMu sync.Mutex
	readers   map[uint64]*sstable.Reader

	compactTrigger chan struct{}
	closeOnce      sync.Once
	closeCh        chan struct{}
	compactorWg    sync.WaitGroup
}

func walPath(dir string, n uint64) string { return filepath.Join(dir, fmt.Sprintf("%06d.wal", n)) }
func sstPath(dir string, n uint64) string { return filepath.Join(dir, fmt.Sprintf("%06d.sst", n)) }

// walNumbersFrom lists every "<n>.wal" file in dir with n >= lowerBound, sorted
// ascending, the order they must be replayed in.
func walNumbersFrom(dir string, lowerBound uint64) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "lsm: list data directory")
	}
	var nums []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(e.Name(), "%06d.wal", &n); err != nil {
			continue
		}
		if n >= lowerBound {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// removeWALFilesBelow deletes every "<n>.wal" file in dir with n < upperBound,
// used after a flush or recovery-consolidation advances LogNumber.
func removeWALFilesBelow(dir string, upperBound uint64, log *zap.Logger) {
	nums, err := walNumbersFrom(dir, 0)
	if err != nil {
		log.Warn("lsm: failed to list wal files for cleanup", zap.Error(err))
		return
	}
	for _, n := range nums {
		if n >= upperBound {
			continue
		}
		if err := os.Remove(walPath(dir, n)); err != nil && !os.IsNotExist(err) {
			log.Warn("lsm: failed to remove obsolete wal file", zap.Error(err), zap.Uint64("log_number", n))
		}
	}
}

// Open creates or recovers the database at dir.
func Open(dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "lsm: create data directory")
	}

	lk := flock.New(filepath.Join(dir, "LOCK"))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "lsm: acquire LOCK")
	}
	if !ok {
		return nil, kverrors.New(kverrors.Locked, "lsm: database already open")
	}

	var ms *manifest.Set
	if _, statErr := os.Stat(filepath.Join(dir, "CURRENT")); os.IsNotExist(statErr) {
		ms, err = manifest.Create(dir, opts.Logger, opts.NumLevels)
	} else {
		ms, err = manifest.Open(dir, opts.Logger, opts.NumLevels)
	}
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}

	db := &DB{
		dir:            dir,
		opts:           opts,
		log:            opts.Logger,
		lock:           lk,
		manifestSet:    ms,
		cache:          sstable.NewBlockCache(opts.BlockCacheBytes),
		readers:        make(map[uint64]*sstable.Reader),
		compactTrigger: make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	db.rotateCond = sync.NewCond(&db.writeMu)

	v := ms.Current()
	defer v.Unref()

	if err := db.openTableReaders(v); err != nil {
		db.closeReaders()
		_ = ms.Close()
		_ = lk.Unlock()
		return nil, err
	}

	db.seq.Store(v.LastSequence())
	db.fileNumber.Store(v.NextFileNumber())

	// In steady state at most two WAL files are live at a crash: the one
	// the immutable memtable (if any) was replayed from, and the one the
	// active memtable is currently writing to. Files replayed by an
	// earlier recovery stay on disk until the next flush, so a crash
	// before that flush can leave more. v.LogNumber() names the
	// oldest of those still needed; replay every *.wal file from there
	// forward, in order, into a single recovered memtable, per §4.9's
	// "replay the WAL files listed in Version_live into a memtable."
	walNums, err := walNumbersFrom(dir, v.LogNumber())
	if err != nil {
		db.closeReaders()
		_ = ms.Close()
		_ = lk.Unlock()
		return nil, err
	}
	if len(walNums) == 0 {
		walNums = []uint64{db.nextFileNumber()}
	}

	mt := memtable.New()
	lastTruncated := false
	for _, n := range walNums {
		truncated, rerr := wal.Replay(walPath(dir, n), opts.Logger, func(seq uint64, kind ikey.Kind, key, value []byte) {
			mt.Insert(ikey.InternalKey{UserKey: append([]byte(nil), key...), Seq: seq, Kind: kind}, append([]byte(nil), value...))
			if seq > db.seq.Load() {
				db.seq.Store(seq)
			}
		})
		if rerr != nil {
			db.closeReaders()
			_ = ms.Close()
			_ = lk.Unlock()
			return nil, rerr
		}
		if truncated {
			opts.Logger.Warn("lsm: recovered WAL had a corrupt tail, dropping it", zap.Uint64("log_number", n))
		}
		lastTruncated = truncated
	}

	activeNum := walNums[len(walNums)-1]
	// A WAL file number can exceed the manifest's last-recorded
	// NextFileNumber when the crash landed between a rotation and the
	// next flush/compaction install; never let the allocator reissue a
	// number already in use on disk.
	if activeNum >= db.fileNumber.Load() {
		db.fileNumber.Store(activeNum + 1)
	}
	if lastTruncated {
		// Records appended after a corrupt tail would be unreachable on
		// the next replay, so new writes go to a fresh WAL file and the
		// corrupt tail is never read past.
		activeNum = db.nextFileNumber()
	}

	w, err := wal.Open(walPath(dir, activeNum), opts.Logger)
	if err != nil {
		db.closeReaders()
		_ = ms.Close()
		_ = lk.Unlock()
		return nil, err
	}
	db.active.Store(mt)
	db.activeWAL = w
	db.activeFileNum = activeNum

	db.compactorWg.Add(1)
	go db.compactorLoop()

	return db, nil
}

// nextFileNumber allocates the next unused file number.
func (db *DB) nextFileNumber() uint64 { return db.fileNumber.Add(1) }

func (db *DB) openTableReaders(v *manifest.Version) error {
	for i := 0; i < v.NumLevels(); i++ {
		for _, t := range v.Level(i) {
			r, err := sstable.Open(sstPath(db.dir, t.FileNumber), t.FileNumber, db.opts.sstableOptions(), db.cache)
			if err != nil {
				return err
			}
			db.readers[t.FileNumber] = r
		}
	}
	return nil
}

func (db *DB) closeReaders() {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	for n, r := range db.readers {
		_ = r.Close()
		delete(db.readers, n)
	}
}

func (db *DB) readerFor(fileNumber uint64) *sstable.Reader {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	return db.readers[fileNumber]
}

// Close drains the compactor, flushes a non-empty mutable memtable, and
// fsyncs the manifest.
func (db *DB) Close() error {
	var firstErr error
	db.closeOnce.Do(func() {
		close(db.closeCh)
		db.compactorWg.Wait()

		// A memtable rotated out before the compactor stopped may still
		// sit in the immutable slot; flush it first so the active memtable
		// below does not replace it.
		db.writeMu.Lock()
		pending, pendingRetain := db.immutable.Load(), db.activeFileNum
		db.writeMu.Unlock()
		if pending != nil {
			if _, err := db.flushMemtable(pending, pendingRetain); err != nil {
				firstErr = err
			} else {
				db.immutable.Store(nil)
			}
		}

		db.writeMu.Lock()
		if active := db.active.Load(); firstErr == nil && active != nil && active.ApproximateBytes() > 0 {
			active.Freeze()
			db.immutable.Store(active)
			db.immutableFileNum = db.activeFileNum
			db.active.Store(nil)
		}
		immutable := db.immutable.Load()
		db.writeMu.Unlock()

		if immutable != nil && firstErr == nil {
			// Everything durable is about to be flushed and no further
			// writes will arrive, so every existing WAL file becomes
			// obsolete once this flush installs.
			retain := db.fileNumber.Load() + 1
			if _, err := db.flushMemtable(immutable, retain); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if db.activeWAL != nil {
			if err := db.activeWAL.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := db.manifestSet.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.closeReaders()
		if err := db.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Get returns the current value for userKey, per the lookup order in §4.5/§4.7.
func (db *DB) Get(userKey []byte) ([]byte, bool, error) {
	active := db.active.Load()
	immutable := db.immutable.Load()

	if active != nil {
		if v, r := active.Get(userKey); r != memtable.NotFound {
			return v, r == memtable.Found, nil
		}
	}
	if immutable != nil {
		if v, r := immutable.Get(userKey); r != memtable.NotFound {
			return v, r == memtable.Found, nil
		}
	}

	v := db.manifestSet.Current()
	defer v.Unref()

	for _, t := range v.FindL0(userKey) {
		r := db.readerFor(t.FileNumber)
		if r == nil {
			continue
		}
		val, res, err := r.Get(userKey)
		if err != nil {
			return nil, false, err
		}
		switch res {
		case sstable.Found:
			return val, true, nil
		case sstable.Deleted:
			return nil, false, nil
		}
	}
	for i := 1; i < v.NumLevels(); i++ {
		t, ok := v.FindLevel(i, userKey)
		if !ok {
			continue
		}
		r := db.readerFor(t.FileNumber)
		if r == nil {
			continue
		}
		val, res, err := r.Get(userKey)
		if err != nil {
			return nil, false, err
		}
		switch res {
		case sstable.Found:
			return val, true, nil
		case sstable.Deleted:
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// Set assigns a sequence number, appends to the WAL, and inserts into
// the mutable memtable, rotating it if the write buffer is full.
func (db *DB) Set(wopts WriteOptions, key, value []byte) error {
	return db.write(wopts, key, value, ikey.KindSet)
}

// Remove writes a DELETE tombstone for key.
func (db *DB) Remove(wopts WriteOptions, key []byte) error {
	return db.write(wopts, key, nil, ikey.KindDelete)
}

func (db *DB) write(wopts WriteOptions, key, value []byte, kind ikey.Kind) error {
	if len(key) > ikey.MaxUserKeySize {
		return kverrors.New(kverrors.InvalidArgument, "lsm: user key exceeds maximum size")
	}
	if len(value) > ikey.MaxUserValueSize {
		return kverrors.New(kverrors.InvalidArgument, "lsm: value exceeds maximum size")
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	for db.immutable.Load() != nil {
		db.rotateCond.Wait()
	}

	seq := db.seq.Add(1)
	rec := wal.EncodeLogical(seq, kind, key, value)
	if err := db.activeWAL.Append(rec, wopts.Sync); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "lsm: wal append")
	}

	ik := ikey.InternalKey{UserKey: append([]byte(nil), key...), Seq: seq, Kind: kind}
	active := db.active.Load()
	active.Insert(ik, append([]byte(nil), value...))

	if active.ApproximateBytes() >= db.opts.WriteBufferBytes {
		if err := db.rotateActiveLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateActiveLocked freezes the active memtable into the immutable
// slot and opens a fresh active memtable and WAL. Callers hold writeMu.
func (db *DB) rotateActiveLocked() error {
	frozen := db.active.Load()
	frozen.Freeze()
	db.immutable.Store(frozen)
	db.immutableFileNum = db.activeFileNum

	newNum := db.nextFileNumber()
	w, err := wal.Open(walPath(db.dir, newNum), db.log)
	if err != nil {
		return kverrors.Wrap(kverrors.Io, err, "lsm: open new wal")
	}
	if err := db.activeWAL.Close(); err != nil {
		db.log.Warn("lsm: error closing rotated-out wal", zap.Error(err))
	}

	db.active.Store(memtable.New())
	db.activeWAL = w
	db.activeFileNum = newNum

	select {
	case db.compactTrigger <- struct{}{}:
	default:
	}
	return nil
}

// Range returns an iterator over entries with lower <= user_key < upper
// (nil bound is unbounded on that side), merging every memtable and
// live SSTable and deduplicating to each key's latest PUT.
func (db *DB) Range(lower, upper []byte) *RangeIterator {
	active := db.active.Load()
	immutable := db.immutable.Load()

	v := db.manifestSet.Current()

	var sources []sstable.Source
	if active != nil {
		sources = append(sources, active.NewIterator(lower, upper))
	}
	if immutable != nil {
		sources = append(sources, immutable.NewIterator(lower, upper))
	}
	for i := 0; i < v.NumLevels(); i++ {
		for _, t := range v.Level(i) {
			if upper != nil && bytes.Compare(t.Smallest.UserKey, upper) >= 0 {
				continue
			}
			if lower != nil && bytes.Compare(t.Largest.UserKey, lower) < 0 {
				continue
			}
			r := db.readerFor(t.FileNumber)
			if r == nil {
				continue
			}
			sources = append(sources, r.NewIterator(lower, upper))
		}
	}

	merged := sstable.NewMergeIterator(sources)
	it := &RangeIterator{merged: merged, version: v}
	it.advance()
	return it
}

// RangeIterator yields each user key's latest PUT in ascending order,
// skipping tombstones and superseded versions.
type RangeIterator struct {
	merged  *sstable.MergeIterator
	version *manifest.Version
	key     []byte
	value   []byte
	valid   bool
}

func (it *RangeIterator) advance() {
	it.valid = false
	for it.merged.Valid() {
		k := it.merged.Key()
		v := it.merged.Value()
		if it.key != nil && bytes.Equal(k.UserKey, it.key) {
			it.merged.Next()
			continue
		}
		it.key = append(it.key[:0], k.UserKey...)
		it.merged.Next()
		if k.Kind == ikey.KindDelete {
			continue
		}
		it.value = append([]byte(nil), v...)
		it.valid = true
		return
	}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *RangeIterator) Valid() bool { return it.valid }

// Key returns the current user key.
func (it *RangeIterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *RangeIterator) Value() []byte { return it.value }

// Next advances to the next distinct user key.
func (it *RangeIterator) Next() { it.advance() }

// Close releases the Version pin this iterator was opened against.
func (it *RangeIterator) Close() error {
	it.version.Unref()
	return nil
}

// Stats returns a read-only snapshot of per-level and counter state.
func (db *DB) Stats() Stats {
	v := db.manifestSet.Current()
	defer v.Unref()

	s := Stats{
		LevelTableCounts: make([]int, v.NumLevels()),
		LevelBytes:       make([]int64, v.NumLevels()),
		LastSequence:     db.seq.Load(),
		LastFileNumber:   db.fileNumber.Load(),
	}
	for i := 0; i < v.NumLevels(); i++ {
		s.LevelTableCounts[i] = len(v.Level(i))
		s.LevelBytes[i] = v.TotalBytes(i)
	}
	return s
}

// CompactNow blocks until at least one compaction/flush pass has been
// considered; used by the CLI's compact-now subcommand and by tests.
func (db *DB) CompactNow(ctx context.Context) error {
	select {
	case db.compactTrigger <- struct{}{}:
	default:
	}
	done := make(chan struct{})
	go func() {
		db.runOneCompactionPass()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compactorLoop is the dedicated background task described in §4.8/§5:
// it waits for a trigger, flushes an immutable memtable if one is
// waiting, otherwise picks and executes one compaction, then repeats.
func (db *DB) compactorLoop() {
	defer db.compactorWg.Done()
	for {
		select {
		case <-db.closeCh:
			return
		case <-db.compactTrigger:
			db.runOneCompactionPass()
		}
	}
}

func (db *DB) runOneCompactionPass() {
	db.writeMu.Lock()
	immutable := db.immutable.Load()
	activeFileNum := db.activeFileNum
	db.writeMu.Unlock()

	if immutable != nil {
		// The active memtable's WAL is the only one still needed once
		// this flush installs; any lower-numbered WAL file (the one
		// immutable was replayed from, or stray ones from a multi-file
		// recovery) becomes obsolete.
		if _, err := db.flushMemtable(immutable, activeFileNum); err != nil {
			db.log.Warn("lsm: flush failed", zap.Error(err))
			return
		}
		db.writeMu.Lock()
		db.immutable.Store(nil)
		db.rotateCond.Broadcast()
		db.writeMu.Unlock()
	}

	picker := compaction.NewPicker()
	v := db.manifestSet.Current()
	task := picker.Pick(v, db.opts.L0Trigger, db.opts.LevelBaseBytes)
	v.Unref()
	if task == nil {
		return
	}
	if err := db.runCompaction(task); err != nil {
		db.log.Warn("lsm: compaction failed", zap.Error(err))
	}
}

// flushMemtable writes an immutable memtable out as one or more L0
// tables and installs the resulting VersionEdit, then deletes every WAL
// file made obsolete by retainFileNum (the WAL the active memtable is
// now writing to, the sole file still needed) — a degenerate compaction
// per §4.8.
func (db *DB) flushMemtable(mt *memtable.Memtable, retainFileNum uint64) ([]manifest.AddedTable, error) {
	fileNumber := db.nextFileNumber()
	path := sstPath(db.dir, fileNumber)
	w, err := sstable.Create(path, fileNumber, 0, db.opts.sstableOptions())
	if err != nil {
		return nil, err
	}

	it := mt.NewIterator(nil, nil)
	for ; it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			_ = w.Abandon()
			return nil, err
		}
	}
	desc, err := w.Finish()
	if err != nil {
		return nil, err
	}

	added := manifest.AddedTable{Level: 0, FileNumber: desc.FileNumber, FileSize: desc.Size, Smallest: desc.Smallest, Largest: desc.Largest}
	nextFile := db.fileNumber.Load() + 1
	seq := db.seq.Load()
	logNum := retainFileNum
	_, _, err = db.manifestSet.Apply(manifest.Edit{
		AddedTables:    []manifest.AddedTable{added},
		NextFileNumber: &nextFile,
		LastSequence:   &seq,
		LogNumber:      &logNum,
	})
	if err != nil {
		return nil, err
	}

	r, err := sstable.Open(path, fileNumber, db.opts.sstableOptions(), db.cache)
	if err != nil {
		return nil, err
	}
	db.readersMu.Lock()
	db.readers[fileNumber] = r
	db.readersMu.Unlock()

	removeWALFilesBelow(db.dir, retainFileNum, db.log)

	return []manifest.AddedTable{added}, nil
}

// runCompaction executes task, installs the resulting VersionEdit, and
// releases the superseded Version once no reader can still observe it.
func (db *DB) runCompaction(task *compaction.Task) error {
	opts := compaction.Options{
		Dir:                        db.dir,
		TargetSize:                 2 << 20,
		MaxGrandparentOverlapBytes: 20 << 20,
		// KVLite exposes no snapshot-read API, so the oldest sequence any
		// caller could still observe is simply the newest one ever
		// allocated: every superseded version behind it is safe to drop.
		// File-level Version refcounting (old.Unref() below) is what
		// actually protects in-flight Get/Range callers, not this bound.
		OldestLiveSnapshot: db.seq.Load(),
		SSTableOptions:     db.opts.sstableOptions(),
		NextFileNumber:     db.nextFileNumber,
		HigherLevelContains: func(outputLevel int, userKey []byte) bool {
			v := db.manifestSet.Current()
			defer v.Unref()
			for i := outputLevel + 1; i < v.NumLevels(); i++ {
				if _, ok := v.FindLevel(i, userKey); ok {
					return true
				}
			}
			return false
		},
	}

	// Execute opens and closes its own reader instances, independent of
	// db.readers, since concurrent Get calls may still be using the
	// shared readers for these same files until the old Version (and
	// its tables) are superseded below.
	outputs, err := compaction.Execute(context.Background(), task, func(fn uint64) (*sstable.Reader, error) {
		return sstable.Open(sstPath(db.dir, fn), fn, db.opts.sstableOptions(), db.cache)
	}, opts)
	if err != nil {
		return err
	}

	edit := manifest.Edit{AddedTables: outputs}
	for _, t := range task.Inputs {
		edit.DeletedTables = append(edit.DeletedTables, manifest.DeletedTable{Level: task.Level, FileNumber: t.FileNumber})
	}
	for _, t := range task.Parents {
		edit.DeletedTables = append(edit.DeletedTables, manifest.DeletedTable{Level: task.OutputLevel, FileNumber: t.FileNumber})
	}
	nextFile := db.fileNumber.Load() + 1
	edit.NextFileNumber = &nextFile

	old, _, err := db.manifestSet.Apply(edit)
	if err != nil {
		return err
	}

	db.readersMu.Lock()
	for _, o := range outputs {
		if _, already := db.readers[o.FileNumber]; !already {
			if r, rerr := sstable.Open(sstPath(db.dir, o.FileNumber), o.FileNumber, db.opts.sstableOptions(), db.cache); rerr == nil {
				db.readers[o.FileNumber] = r
			}
		}
	}
	db.readersMu.Unlock()

	if old.Unref() {
		db.unlinkRemovedTables(task)
	}

	select {
	case db.compactTrigger <- struct{}{}:
	default:
	}
	return nil
}

func (db *DB) unlinkRemovedTables(task *compaction.Task) {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	for _, t := range task.All() {
		if r, ok := db.readers[t.FileNumber]; ok {
			_ = r.Close()
			delete(db.readers, t.FileNumber)
		}
		if err := os.Remove(sstPath(db.dir, t.FileNumber)); err != nil && !os.IsNotExist(err) {
			db.log.Warn("lsm: failed to remove compacted-away sstable", zap.Error(err))
		}
	}
}
