package manifest

import (
	"bytes"
	"sort"
	"sync/atomic"
)

// Version is an immutable snapshot of {level -> [table descriptors]}
// plus the counters in effect when it was created. New Versions are
// produced by applying an Edit to the previous one; readers pin a
// Version via Ref/Unref so compaction can safely unlink files once no
// reader can still observe them.
type Version struct {
	levels         [][]AddedTable
	lastSequence   uint64
	nextFileNumber uint64
	logNumber      uint64
	refs           atomic.Int32
}

func newVersion(levels [][]AddedTable, lastSequence, nextFileNumber, logNumber uint64) *Version {
	v := &Version{levels: levels, lastSequence: lastSequence, nextFileNumber: nextFileNumber, logNumber: logNumber}
	v.refs.Store(1)
	return v
}

// Ref pins the Version for a reader.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref releases a reader's pin, reporting whether this was the last
// reference (the caller may then unlink any tables this Version
// removed relative to its successor).
func (v *Version) Unref() bool { return v.refs.Add(-1) == 0 }

// LastSequence is the highest sequence number durable as of this Version.
func (v *Version) LastSequence() uint64 { return v.lastSequence }

// NextFileNumber is the next unused file number as of this Version.
func (v *Version) NextFileNumber() uint64 { return v.nextFileNumber }

// LogNumber is the WAL file number whose writes are not yet reflected
// in any flushed table, as of this Version.
func (v *Version) LogNumber() uint64 { return v.logNumber }

// NumLevels reports how many levels this Version tracks (including L0).
func (v *Version) NumLevels() int { return len(v.levels) }

// Level returns the table descriptors at a level. For L0 these are in
// arrival order (newest last); for L>=1 they are sorted by Smallest and
// pairwise disjoint. Callers must not mutate the returned slice.
func (v *Version) Level(i int) []AddedTable {
	if i < 0 || i >= len(v.levels) {
		return nil
	}
	return v.levels[i]
}

// FindL0 returns every L0 table in probe order (newest first) for a
// point lookup of userKey; the caller checks each table's own filter.
func (v *Version) FindL0(userKey []byte) []AddedTable {
	l0 := v.levels[0]
	out := make([]AddedTable, 0, len(l0))
	for i := len(l0) - 1; i >= 0; i-- {
		t := l0[i]
		if bytes.Compare(userKey, t.Smallest.UserKey) >= 0 && bytes.Compare(userKey, t.Largest.UserKey) <= 0 {
			out = append(out, t)
		}
	}
	return out
}

// FindLevel binary-searches level i (i>=1) for the unique table whose
// range could contain userKey, returning ok=false if none does.
func (v *Version) FindLevel(i int, userKey []byte) (AddedTable, bool) {
	lv := v.Level(i)
	idx := sort.Search(len(lv), func(j int) bool {
		return bytes.Compare(lv[j].Largest.UserKey, userKey) >= 0
	})
	if idx >= len(lv) {
		return AddedTable{}, false
	}
	t := lv[idx]
	if bytes.Compare(userKey, t.Smallest.UserKey) < 0 {
		return AddedTable{}, false
	}
	return t, true
}

// OverlapsRange returns every table at level i whose key range
// intersects [smallest, largest] (inclusive), used by compaction Pick
// to expand an input set and by tombstone-drop range checks.
func (v *Version) OverlapsRange(i int, smallest, largest []byte) []AddedTable {
	var out []AddedTable
	for _, t := range v.Level(i) {
		if bytes.Compare(t.Smallest.UserKey, largest) <= 0 && bytes.Compare(t.Largest.UserKey, smallest) >= 0 {
			out = append(out, t)
		}
	}
	return out
}

// TotalBytes sums the on-disk size of every table at level i.
func (v *Version) TotalBytes(i int) int64 {
	var sum int64
	for _, t := range v.Level(i) {
		sum += t.FileSize
	}
	return sum
}

func removeTable(tables []AddedTable, fileNumber uint64) []AddedTable {
	out := tables[:0]
	for _, t := range tables {
		if t.FileNumber != fileNumber {
			out = append(out, t)
		}
	}
	return out
}

func sortLevel(tables []AddedTable) {
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].Smallest.UserKey, tables[j].Smallest.UserKey) < 0
	})
}

// apply returns the Version that results from applying e to v.
func (v *Version) apply(e Edit) *Version {
	levels := make([][]AddedTable, len(v.levels))
	for i, lv := range v.levels {
		levels[i] = append([]AddedTable(nil), lv...)
	}

	for _, d := range e.DeletedTables {
		for d.Level >= len(levels) {
			levels = append(levels, nil)
		}
		levels[d.Level] = removeTable(levels[d.Level], d.FileNumber)
	}
	for _, a := range e.AddedTables {
		for a.Level >= len(levels) {
			levels = append(levels, nil)
		}
		levels[a.Level] = append(levels[a.Level], a)
		if a.Level > 0 {
			sortLevel(levels[a.Level])
		}
	}

	lastSequence := v.lastSequence
	if e.LastSequence != nil {
		lastSequence = *e.LastSequence
	}
	nextFileNumber := v.nextFileNumber
	if e.NextFileNumber != nil {
		nextFileNumber = *e.NextFileNumber
	}
	logNumber := v.logNumber
	if e.LogNumber != nil {
		logNumber = *e.LogNumber
	}
	return newVersion(levels, lastSequence, nextFileNumber, logNumber)
}

// snapshotEdit returns an Edit that, applied to an empty Version,
// reconstructs v exactly — used as the first record of a freshly
// rotated manifest.
func (v *Version) snapshotEdit() Edit {
	e := Edit{
		ComparatorName: ComparatorName,
		LastSequence:   ptrTo(v.lastSequence),
		NextFileNumber: ptrTo(v.nextFileNumber),
		LogNumber:      ptrTo(v.logNumber),
	}
	for _, lv := range v.levels {
		e.AddedTables = append(e.AddedTables, lv...)
	}
	return e
}

func ptrTo(v uint64) *uint64 { return &v }
