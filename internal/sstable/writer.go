package sstable

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/golang/snappy"
	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
)

// compressionKind tags how a data block's payload is stored on disk.
type compressionKind uint8

const (
	compressionNone   compressionKind = 0
	compressionSnappy compressionKind = 1
)

const (
	// footerSize is the fixed §6 footer: two u64 pairs for filter and
	// index location, a u64 zero-padding slot, and two u32 version/magic
	// fields.
	footerSize    = 48
	magic         = 0x57A1C0FE
	formatVersion = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Options configures an SSTable Writer/Reader pair. Zero values are
// replaced by withDefaults.
type Options struct {
	BlockSize       int
	RestartInterval int
	UseCompression  bool
	UseFilter       bool
	UseMmap         bool
	// ExpectedKeys sizes the Bloom filter; it need not be exact.
	ExpectedKeys int
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = defaultRestartInterval
	}
	if o.ExpectedKeys <= 0 {
		o.ExpectedKeys = 1024
	}
	return o
}

// Descriptor summarizes a sealed SSTable file.
type Descriptor struct {
	FileNumber uint64
	Level      int
	Size       int64
	Smallest   ikey.InternalKey
	Largest    ikey.InternalKey
}

// indexEntry is one index-block row: a separator key (the last internal
// key of the block it describes) plus the block's file span.
type indexEntry struct {
	separator ikey.InternalKey
	offset    int64
	length    int64
}

// Writer builds a sealed SSTable from a strictly increasing stream of
// internal-key/value pairs, per §4.4.
type Writer struct {
	f          *os.File
	path       string
	opts       Options
	fileNumber uint64
	level      int

	block  *blockBuilder
	filter *filterBuilder
	index  []indexEntry
	offset int64

	haveKeys          bool
	smallest, largest ikey.InternalKey
	lastAddedKey      ikey.InternalKey
}

// Create opens path for writing a new SSTable identified by fileNumber
// at the given level.
func Create(path string, fileNumber uint64, level int, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "sstable: create")
	}
	var fb *filterBuilder
	if opts.UseFilter {
		fb = newFilterBuilder(opts.ExpectedKeys)
	}
	return &Writer{
		f:          f,
		path:       path,
		opts:       opts,
		fileNumber: fileNumber,
		level:      level,
		block:      newBlockBuilder(opts.RestartInterval),
		filter:     fb,
	}, nil
}

// ApproxSize returns the number of bytes written to the file so far,
// including the not-yet-flushed in-progress block; compaction uses this
// to decide when to roll over to a new output file.
func (w *Writer) ApproxSize() int64 { return w.offset + int64(w.block.estimatedSize()) }

// Add appends one entry. Keys must arrive in strictly increasing
// internal-key order.
func (w *Writer) Add(key ikey.InternalKey, value []byte) error {
	if !w.haveKeys {
		w.smallest = key.Clone()
		w.haveKeys = true
	}
	w.largest = key.Clone()
	w.block.add(key, value)
	w.lastAddedKey = key
	if w.filter != nil {
		w.filter.add(key.UserKey)
	}
	if w.block.estimatedSize() >= w.opts.BlockSize {
		return w.finishBlock()
	}
	return nil
}

// finishBlock optionally compresses the current block body, appends its
// u8(compression_kind) || u32(crc) trailer, and records it in the index.
func (w *Writer) finishBlock() error {
	if w.block.entries() == 0 {
		return nil
	}
	body := w.block.finish()
	kind := compressionNone
	payload := body
	if w.opts.UseCompression {
		payload = snappy.Encode(nil, body)
		kind = compressionSnappy
	}

	start := w.offset
	if err := w.writeBlockPayload(kind, payload); err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{
		separator: w.lastAddedKey.Clone(),
		offset:    start,
		length:    w.offset - start,
	})
	w.block.reset()
	return nil
}

func (w *Writer) writeBlockPayload(kind compressionKind, payload []byte) error {
	if _, err := w.f.Write(payload); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "sstable: write block payload")
	}
	crc := crc32.New(crcTable)
	crc.Write([]byte{byte(kind)})
	crc.Write(payload)

	var trailer [5]byte
	trailer[0] = byte(kind)
	binary.LittleEndian.PutUint32(trailer[1:], crc.Sum32())
	if _, err := w.f.Write(trailer[:]); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "sstable: write block trailer")
	}
	w.offset += int64(len(payload)) + 5
	return nil
}

func (w *Writer) writeIndexBlock() (offset, size int64, err error) {
	offset = w.offset
	var buf []byte
	var vb [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(vb[:], uint64(len(w.index)))
	buf = append(buf, vb[:n]...)
	for _, e := range w.index {
		n = binary.PutUvarint(vb[:], uint64(len(e.separator.UserKey)))
		buf = append(buf, vb[:n]...)
		buf = append(buf, e.separator.UserKey...)

		var trailer [8]byte
		binary.LittleEndian.PutUint64(trailer[:], e.separator.Trailer())
		buf = append(buf, trailer[:]...)

		n = binary.PutUvarint(vb[:], uint64(e.offset))
		buf = append(buf, vb[:n]...)
		n = binary.PutUvarint(vb[:], uint64(e.length))
		buf = append(buf, vb[:n]...)
	}

	if _, err := w.f.Write(buf); err != nil {
		return 0, 0, kverrors.Wrap(kverrors.Io, err, "sstable: write index block")
	}
	w.offset += int64(len(buf))
	return offset, int64(len(buf)), nil
}

// Finish flushes the tail block, emits the filter and index blocks and
// the fixed footer, fdatasyncs, and returns the file's descriptor.
func (w *Writer) Finish() (Descriptor, error) {
	if err := w.finishBlock(); err != nil {
		return Descriptor{}, err
	}

	var filterOffset, filterSize int64
	if w.filter != nil {
		data, err := w.filter.finish()
		if err != nil {
			return Descriptor{}, err
		}
		filterOffset = w.offset
		if _, err := w.f.Write(data); err != nil {
			return Descriptor{}, kverrors.Wrap(kverrors.Io, err, "sstable: write filter block")
		}
		filterSize = int64(len(data))
		w.offset += filterSize
	}

	indexOffset, indexSize, err := w.writeIndexBlock()
	if err != nil {
		return Descriptor{}, err
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(filterOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(filterSize))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(indexSize))
	// footer[32:40] is the reserved zero-padding slot.
	binary.LittleEndian.PutUint32(footer[40:44], formatVersion)
	binary.LittleEndian.PutUint32(footer[44:48], magic)
	if _, err := w.f.Write(footer[:]); err != nil {
		return Descriptor{}, kverrors.Wrap(kverrors.Io, err, "sstable: write footer")
	}
	w.offset += footerSize

	if err := w.f.Sync(); err != nil {
		return Descriptor{}, kverrors.Wrap(kverrors.Io, err, "sstable: fdatasync")
	}
	if err := w.f.Close(); err != nil {
		return Descriptor{}, kverrors.Wrap(kverrors.Io, err, "sstable: close")
	}

	return Descriptor{
		FileNumber: w.fileNumber,
		Level:      w.level,
		Size:       w.offset,
		Smallest:   w.smallest,
		Largest:    w.largest,
	}, nil
}

// Abandon closes and removes a partially-written file, used when a
// writer is discarded before Finish (e.g. on a cancelled flush).
func (w *Writer) Abandon() error {
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return kverrors.Wrap(kverrors.Io, err, "sstable: remove abandoned file")
	}
	return nil
}
