package compaction

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/manifest"
	"github.com/kvlite/kvlite/internal/sstable"
	"golang.org/x/sync/errgroup"
)

// Options parameterizes Execute.
type Options struct {
	Dir                        string
	TargetSize                 int64
	MaxGrandparentOverlapBytes int64
	OldestLiveSnapshot         uint64
	SSTableOptions             sstable.Options
	NextFileNumber             func() uint64
	// HigherLevelContains reports whether any table at a level deeper
	// than outputLevel could contain userKey; a surviving DELETE
	// tombstone is dropped when this returns false, per §4.8.
	HigherLevelContains func(outputLevel int, userKey []byte) bool
}

// Execute k-way merges a task's input tables by internal-key order,
// applies the retention/tombstone rules from §4.8, and writes the
// result into one or more new SSTables at task.OutputLevel. Opening the
// input files is fanned out across a bounded worker pool; the merge
// itself is inherently sequential.
func Execute(ctx context.Context, task *Task, openReader func(fileNumber uint64) (*sstable.Reader, error), opts Options) ([]manifest.AddedTable, error) {
	all := task.All()
	readers := make([]*sstable.Reader, len(all))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, t := range all {
		i, t := i, t
		g.Go(func() error {
			r, err := openReader(t.FileNumber)
			if err != nil {
				return err
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range readers {
			if r != nil {
				r.Close()
			}
		}
		return nil, err
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	sources := make([]sstable.Source, len(readers))
	for i, r := range readers {
		sources[i] = r.NewIterator(nil, nil)
	}
	merged := sstable.NewMergeIterator(sources)

	var (
		outputs         []manifest.AddedTable
		w               *sstable.Writer
		lastUserKey     []byte
		haveLastUserKey bool
		grandparentIdx  int
		grandparentSize int64
	)

	startNewOutput := func() error {
		fileNumber := opts.NextFileNumber()
		path := filepath.Join(opts.Dir, fmt.Sprintf("%d.sst", fileNumber))
		var err error
		w, err = sstable.Create(path, fileNumber, task.OutputLevel, opts.SSTableOptions)
		return err
	}

	finishOutput := func() error {
		if w == nil {
			return nil
		}
		desc, err := w.Finish()
		w = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, manifest.AddedTable{
			Level:      task.OutputLevel,
			FileNumber: desc.FileNumber,
			FileSize:   desc.Size,
			Smallest:   desc.Smallest,
			Largest:    desc.Largest,
		})
		return nil
	}

	for merged.Valid() {
		key := merged.Key()
		value := merged.Value()
		isFirstForUserKey := !haveLastUserKey || !bytes.Equal(key.UserKey, lastUserKey)

		if isFirstForUserKey && w != nil {
			for grandparentIdx < len(task.Grandparents) &&
				bytes.Compare(task.Grandparents[grandparentIdx].Largest.UserKey, key.UserKey) < 0 {
				grandparentSize += task.Grandparents[grandparentIdx].FileSize
				grandparentIdx++
			}
			if w.ApproxSize() >= opts.TargetSize || grandparentSize > opts.MaxGrandparentOverlapBytes {
				if err := finishOutput(); err != nil {
					return nil, err
				}
				grandparentSize = 0
			}
		}

		if !isFirstForUserKey && key.Seq < opts.OldestLiveSnapshot {
			lastUserKey = append(lastUserKey[:0], key.UserKey...)
			haveLastUserKey = true
			merged.Next()
			continue
		}

		emit := true
		if isFirstForUserKey && key.Kind == ikey.KindDelete &&
			opts.HigherLevelContains != nil && !opts.HigherLevelContains(task.OutputLevel, key.UserKey) {
			emit = false
		}

		lastUserKey = append(lastUserKey[:0], key.UserKey...)
		haveLastUserKey = true

		if emit {
			if w == nil {
				if err := startNewOutput(); err != nil {
					return nil, err
				}
			}
			if err := w.Add(key, value); err != nil {
				return nil, err
			}
		}
		merged.Next()
	}
	if err := finishOutput(); err != nil {
		return nil, err
	}
	return outputs, nil
}
