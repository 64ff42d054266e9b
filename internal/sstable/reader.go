package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"
	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
)

// Result mirrors the outcome of a point lookup against one SSTable.
type Result int

const (
	NotFound Result = iota
	Deleted
	Found
)

// Reader opens a sealed SSTable file for point lookup and iteration.
type Reader struct {
	f          *os.File
	fileNumber uint64
	cache      *BlockCache

	mm mmap.MMap

	index []indexEntry
	filt  *filter
}

// Open reads path's footer, index, and (if present) filter block. cache
// may be nil to disable block caching for this reader.
func Open(path string, fileNumber uint64, opts Options, cache *BlockCache) (*Reader, error) {
	opts = opts.withDefaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "sstable: open")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kverrors.Wrap(kverrors.Io, err, "sstable: stat")
	}
	if fi.Size() < footerSize {
		f.Close()
		return nil, kverrors.New(kverrors.Corrupt, "sstable: file too small for footer")
	}

	r := &Reader{f: f, fileNumber: fileNumber, cache: cache}
	if opts.UseMmap {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, kverrors.Wrap(kverrors.Io, err, "sstable: mmap")
		}
		r.mm = m
	}

	if err := r.load(fi.Size()); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load(size int64) error {
	footer, err := r.readAt(size-footerSize, footerSize)
	if err != nil {
		return err
	}
	filterOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	filterSize := int64(binary.LittleEndian.Uint64(footer[8:16]))
	indexOffset := int64(binary.LittleEndian.Uint64(footer[16:24]))
	indexSize := int64(binary.LittleEndian.Uint64(footer[24:32]))
	version := binary.LittleEndian.Uint32(footer[40:44])
	gotMagic := binary.LittleEndian.Uint32(footer[44:48])

	if gotMagic != magic {
		return kverrors.New(kverrors.Corrupt, "sstable: bad footer magic")
	}
	if version != formatVersion {
		return kverrors.Newf(kverrors.Unsupported, "sstable: unsupported format version %d", version)
	}

	if filterSize > 0 {
		data, err := r.readAt(filterOffset, filterSize)
		if err != nil {
			return err
		}
		filt, err := loadFilter(data)
		if err != nil {
			return err
		}
		r.filt = filt
	}

	indexData, err := r.readAt(indexOffset, indexSize)
	if err != nil {
		return err
	}
	return r.parseIndex(indexData)
}

func (r *Reader) parseIndex(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return kverrors.New(kverrors.Corrupt, "sstable: truncated index count")
	}
	data = data[n:]

	r.index = make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(data)
		if n <= 0 || klen > uint64(len(data)-n) {
			return kverrors.New(kverrors.Corrupt, "sstable: truncated index key")
		}
		data = data[n:]
		userKey := append([]byte(nil), data[:klen]...)
		data = data[klen:]

		if len(data) < 8 {
			return kverrors.New(kverrors.Corrupt, "sstable: truncated index trailer")
		}
		trailer := binary.LittleEndian.Uint64(data[:8])
		data = data[8:]
		seq, kind := ikey.FromTrailer(trailer)

		off, n := binary.Uvarint(data)
		if n <= 0 {
			return kverrors.New(kverrors.Corrupt, "sstable: truncated index offset")
		}
		data = data[n:]
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return kverrors.New(kverrors.Corrupt, "sstable: truncated index length")
		}
		data = data[n:]

		r.index = append(r.index, indexEntry{
			separator: ikey.InternalKey{UserKey: userKey, Seq: seq, Kind: kind},
			offset:    int64(off),
			length:    int64(length),
		})
	}
	return nil
}

func (r *Reader) readAt(offset, length int64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if r.mm != nil {
		if offset < 0 || offset+length > int64(len(r.mm)) {
			return nil, kverrors.New(kverrors.Corrupt, "sstable: read out of range")
		}
		return r.mm[offset : offset+length], nil
	}
	buf := make([]byte, length)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "sstable: readAt")
	}
	return buf, nil
}

func decodeBlock(raw []byte) ([]byte, error) {
	if len(raw) < 5 {
		return nil, kverrors.New(kverrors.Corrupt, "sstable: block too small for trailer")
	}
	payload := raw[:len(raw)-5]
	kind := compressionKind(raw[len(raw)-5])
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-4:])

	crc := crc32.New(crcTable)
	crc.Write([]byte{byte(kind)})
	crc.Write(payload)
	if crc.Sum32() != wantCRC {
		return nil, kverrors.New(kverrors.Corrupt, "sstable: block crc mismatch")
	}

	switch kind {
	case compressionNone:
		return append([]byte(nil), payload...), nil
	case compressionSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, kverrors.Wrap(kverrors.Corrupt, err, "sstable: snappy decode")
		}
		return out, nil
	default:
		return nil, kverrors.Newf(kverrors.Unsupported, "sstable: unknown compression kind %d", kind)
	}
}

func (r *Reader) loadBlock(idx int) (*blockReader, error) {
	e := r.index[idx]
	data, err := r.cache.getOrLoad(r.fileNumber, e.offset, func() ([]byte, error) {
		raw, err := r.readAt(e.offset, e.length)
		if err != nil {
			return nil, err
		}
		return decodeBlock(raw)
	})
	if err != nil {
		return nil, err
	}
	return newBlockReader(data)
}

// findBlock returns the index of the first block whose separator user
// key is >= target, or len(r.index) if target is past every block.
func (r *Reader) findBlock(target []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].separator.UserKey, target) >= 0
	})
}

// Get performs the point lookup algorithm from §4.5.
func (r *Reader) Get(userKey []byte) ([]byte, Result, error) {
	if r.filt != nil && !r.filt.mayContain(userKey) {
		return nil, NotFound, nil
	}
	idx := r.findBlock(userKey)
	if idx >= len(r.index) {
		return nil, NotFound, nil
	}
	br, err := r.loadBlock(idx)
	if err != nil {
		return nil, NotFound, err
	}
	it := newBlockIterator(br)
	it.seek(userKey)
	if !it.valid() || !bytes.Equal(it.key().UserKey, userKey) {
		return nil, NotFound, nil
	}
	if it.key().Kind == ikey.KindDelete {
		return nil, Deleted, nil
	}
	return append([]byte(nil), it.value()...), Found, nil
}

// FileNumber returns the identifier this reader was opened with.
func (r *Reader) FileNumber() uint64 { return r.fileNumber }

// Close releases the reader's file handle and mmap, if any.
func (r *Reader) Close() error {
	if r.mm != nil {
		_ = r.mm.Unmap()
	}
	if err := r.f.Close(); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "sstable: close")
	}
	return nil
}

// Iterator is a forward cursor over a Reader's entries, bounded to
// [lower, upper) on the user key (nil on either side is unbounded).
type Iterator struct {
	r            *Reader
	blockIdx     int
	bit          *blockIterator
	lower, upper []byte
	err          error
}

// NewIterator returns an iterator positioned at its lower bound.
func (r *Reader) NewIterator(lower, upper []byte) *Iterator {
	it := &Iterator{r: r, lower: lower, upper: upper}
	it.SeekToFirst()
	return it
}

func (it *Iterator) loadBlockAt(idx int) bool {
	if idx < 0 || idx >= len(it.r.index) {
		it.bit = nil
		return false
	}
	br, err := it.r.loadBlock(idx)
	if err != nil {
		it.err = err
		it.bit = nil
		return false
	}
	it.blockIdx = idx
	it.bit = newBlockIterator(br)
	return true
}

func (it *Iterator) advancePastEmptyBlocks() {
	for (it.bit == nil || !it.bit.valid()) && it.err == nil {
		if !it.loadBlockAt(it.blockIdx + 1) {
			return
		}
		it.bit.seekToFirst()
	}
}

func (it *Iterator) clampUpper() {
	if it.bit != nil && it.bit.valid() && it.upper != nil && bytes.Compare(it.bit.key().UserKey, it.upper) >= 0 {
		it.bit = nil
	}
}

// SeekToFirst restarts the iterator at its lower bound.
func (it *Iterator) SeekToFirst() {
	if it.lower != nil {
		it.Seek(it.lower)
		return
	}
	if !it.loadBlockAt(0) {
		return
	}
	it.bit.seekToFirst()
	it.advancePastEmptyBlocks()
	it.clampUpper()
}

// Seek restarts the iterator at the first entry with user key >= userKey.
func (it *Iterator) Seek(userKey []byte) {
	idx := it.r.findBlock(userKey)
	if !it.loadBlockAt(idx) {
		return
	}
	it.bit.seek(userKey)
	it.advancePastEmptyBlocks()
	it.clampUpper()
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.bit != nil && it.bit.valid() }

// Key returns the current internal key.
func (it *Iterator) Key() ikey.InternalKey { return it.bit.key() }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.bit.value() }

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.bit == nil {
		return
	}
	it.bit.next()
	it.advancePastEmptyBlocks()
	it.clampUpper()
}

// Err returns the first I/O or corruption error encountered while
// loading blocks during iteration, if any.
func (it *Iterator) Err() error { return it.err }
