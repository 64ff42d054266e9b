// Package compaction implements the background compactor's Pick,
// Execute, and Install steps: selecting overlapping SSTables, k-way
// merging them into new tables at the next level, and installing the
// result as a new manifest Version.
package compaction

import (
	"bytes"

	"github.com/kvlite/kvlite/internal/manifest"
)

// Task describes one compaction: the chosen input tables at Level, the
// tables they overlap at OutputLevel, and the tables one level further
// down (Grandparents) used to bound how large a single output run may
// grow before rolling over.
type Task struct {
	Level        int
	OutputLevel  int
	Inputs       []manifest.AddedTable
	Parents      []manifest.AddedTable
	Grandparents []manifest.AddedTable
}

// All returns every input table this task reads from (L0's own
// overlapping set plus the next level's overlapping set).
func (t *Task) All() []manifest.AddedTable {
	all := make([]manifest.AddedTable, 0, len(t.Inputs)+len(t.Parents))
	all = append(all, t.Inputs...)
	all = append(all, t.Parents...)
	return all
}

// Picker selects compactions from a Version, round-robining over each
// non-zero level's tables so every table is eventually picked.
type Picker struct {
	cursors map[int]int
}

// NewPicker returns a Picker with fresh per-level cursors.
func NewPicker() *Picker { return &Picker{cursors: map[int]int{}} }

// Pick chooses the next compaction to run, or nil if no level is over
// its trigger. L0 is checked first (L0's tables overlap arbitrarily, so
// once it has l0Trigger or more tables the whole level compacts into L1
// together); otherwise the first level over its byte budget (base *
// 10^level) is compacted.
func (p *Picker) Pick(v *manifest.Version, l0Trigger int, levelBaseBytes int64) *Task {
	if len(v.Level(0)) >= l0Trigger {
		if t := p.pickL0(v); t != nil {
			return t
		}
	}
	for i := 1; i < v.NumLevels()-1; i++ {
		threshold := levelBaseBytes * pow10(i)
		if v.TotalBytes(i) > threshold {
			if t := p.pickLevel(v, i); t != nil {
				return t
			}
		}
	}
	return nil
}

func (p *Picker) pickL0(v *manifest.Version) *Task {
	inputs := append([]manifest.AddedTable(nil), v.Level(0)...)
	if len(inputs) == 0 {
		return nil
	}
	smallest, largest := rangeOf(inputs)
	parents := v.OverlapsRange(1, smallest, largest)
	gSmallest, gLargest := rangeOfAll(inputs, parents)
	grandparents := v.OverlapsRange(2, gSmallest, gLargest)
	return &Task{Level: 0, OutputLevel: 1, Inputs: inputs, Parents: parents, Grandparents: grandparents}
}

// pickLevel selects one table from level i by round-robin cursor and
// expands to every overlapping table at i+1. It does not additionally
// try to grow the L_i input set while holding the L_{i+1} set fixed
// (an optimization the design notes mark optional); a single-table
// pick per round keeps compaction work bounded and simple to reason
// about at the cost of more, smaller compactions.
func (p *Picker) pickLevel(v *manifest.Version, i int) *Task {
	lv := v.Level(i)
	if len(lv) == 0 {
		return nil
	}
	idx := p.cursors[i] % len(lv)
	p.cursors[i] = (idx + 1) % len(lv)
	seed := lv[idx]

	inputs := []manifest.AddedTable{seed}
	parents := v.OverlapsRange(i+1, seed.Smallest.UserKey, seed.Largest.UserKey)
	gSmallest, gLargest := rangeOfAll(inputs, parents)
	grandparents := v.OverlapsRange(i+2, gSmallest, gLargest)
	return &Task{Level: i, OutputLevel: i + 1, Inputs: inputs, Parents: parents, Grandparents: grandparents}
}

func rangeOf(tables []manifest.AddedTable) (smallest, largest []byte) {
	for i, t := range tables {
		if i == 0 || bytes.Compare(t.Smallest.UserKey, smallest) < 0 {
			smallest = t.Smallest.UserKey
		}
		if i == 0 || bytes.Compare(t.Largest.UserKey, largest) > 0 {
			largest = t.Largest.UserKey
		}
	}
	return smallest, largest
}

func rangeOfAll(a, b []manifest.AddedTable) (smallest, largest []byte) {
	combined := make([]manifest.AddedTable, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return rangeOf(combined)
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
