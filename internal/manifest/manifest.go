package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kvlite/kvlite/internal/kverrors"
	"github.com/kvlite/kvlite/internal/wal"
	"go.uber.org/zap"
)

// ComparatorName identifies the byte-wise internal-key comparator every
// manifest in this format was written against.
const ComparatorName = "kvlite.internal-key.bytewise.v1"

// rotateThreshold bounds how many bytes of edits accumulate in one
// MANIFEST-<n> file before a snapshot edit starts a fresh one.
const rotateThreshold = 4 << 20

// Set owns the live Version and the durable, rotating log of Edits it
// is derived from, plus the CURRENT pointer naming the active log file.
type Set struct {
	mu      sync.Mutex
	dir     string
	log     *zap.Logger
	current atomic.Pointer[Version]
	writer  *wal.Writer

	fileNumber  uint64
	editBytes   int64
}

func currentPath(dir string) string { return filepath.Join(dir, "CURRENT") }

func manifestName(n uint64) string { return fmt.Sprintf("MANIFEST-%06d", n) }

// Create initializes a brand-new manifest for an empty database with
// numLevels levels (including L0).
func Create(dir string, log *zap.Logger, numLevels int) (*Set, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Set{dir: dir, log: log}
	v := newVersion(make([][]AddedTable, numLevels), 0, 1, 0)
	s.current.Store(v)
	if err := s.rotateLocked(v.snapshotEdit()); err != nil {
		return nil, err
	}
	return s, nil
}

// Open replays the manifest named by CURRENT to reconstruct the live
// Version. Any corruption in the manifest log is fatal, per §7: the
// manifest never tolerates corruption.
func Open(dir string, log *zap.Logger, numLevels int) (*Set, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Set{dir: dir, log: log}

	name, err := readCurrent(dir)
	if err != nil {
		return nil, err
	}
	n, err := parseManifestNumber(name)
	if err != nil {
		return nil, err
	}
	s.fileNumber = n

	v := newVersion(make([][]AddedTable, numLevels), 0, 1, 0)
	path := filepath.Join(dir, name)
	truncated, err := wal.ReplayRaw(path, log, func(rec []byte) error {
		edit, derr := DecodeEdit(rec)
		if derr != nil {
			return derr
		}
		v = v.apply(edit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, kverrors.New(kverrors.Corrupt, "manifest: corrupt or truncated manifest log")
	}
	s.current.Store(v)

	w, err := wal.Open(path, log)
	if err != nil {
		return nil, err
	}
	s.writer = w
	return s, nil
}

// Current returns the live Version, already Ref'd for the caller.
func (s *Set) Current() *Version {
	v := s.current.Load()
	v.Ref()
	return v
}

// Apply durably appends e to the manifest log, fsyncs it, then
// atomically swaps the live Version pointer to the result of applying
// e. The returned old Version carries the one baseline reference the
// Set held while it was current; the caller owns that reference now
// and must Unref it once done comparing/unlinking (it reaches zero
// once every concurrent Ref from Current() has also been released).
// next carries its own baseline reference, owned by the Set as the new
// current Version — callers must not Unref next themselves.
func (s *Set) Apply(e Edit) (old, next *Version, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := e.Encode()
	if err := s.writer.Append(rec, true); err != nil {
		return nil, nil, err
	}
	s.editBytes += int64(len(rec))

	old = s.current.Load()
	next = old.apply(e)
	s.current.Store(next)

	if s.editBytes >= rotateThreshold {
		if err := s.rotateLocked(next.snapshotEdit()); err != nil {
			s.log.Warn("manifest: rotation failed, continuing on current log", zap.Error(err))
		}
	}
	return old, next, nil
}

// rotateLocked starts a new MANIFEST-<n> file whose first record is a
// full snapshot of the live Version, fsyncs it, then atomically
// rewrites CURRENT to name it. Callers must hold s.mu.
func (s *Set) rotateLocked(snapshot Edit) error {
	newNumber := s.fileNumber + 1
	name := manifestName(newNumber)
	path := filepath.Join(s.dir, name)

	w, err := wal.Open(path, s.log)
	if err != nil {
		return err
	}
	if err := w.Append(snapshot.Encode(), true); err != nil {
		_ = w.Close()
		return err
	}
	if err := writeCurrent(s.dir, name); err != nil {
		_ = w.Close()
		return err
	}

	if s.writer != nil {
		_ = s.writer.Close()
	}
	s.writer = w
	s.fileNumber = newNumber
	s.editBytes = int64(len(snapshot.Encode()))
	return nil
}

// Close fsyncs and closes the manifest log writer.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Sync(); err != nil {
		_ = s.writer.Close()
		return err
	}
	return s.writer.Close()
}

func writeCurrent(dir, name string) error {
	tmp := filepath.Join(dir, "CURRENT.tmp")
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o644); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "manifest: write CURRENT temp")
	}
	if err := os.Rename(tmp, currentPath(dir)); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "manifest: rename CURRENT")
	}
	return nil
}

func readCurrent(dir string) (string, error) {
	data, err := os.ReadFile(currentPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", kverrors.New(kverrors.Corrupt, "manifest: missing CURRENT")
		}
		return "", kverrors.Wrap(kverrors.Io, err, "manifest: read CURRENT")
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", kverrors.New(kverrors.Corrupt, "manifest: empty CURRENT")
	}
	return name, nil
}

func parseManifestNumber(name string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%d", &n); err != nil {
		return 0, kverrors.Wrap(kverrors.Corrupt, err, "manifest: malformed CURRENT name")
	}
	return n, nil
}
