// Package wal implements the write-ahead log: an append-only file of
// framed records that can span physical 32 KiB blocks, replayed in
// order on recovery.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
	"go.uber.org/zap"
)

// frameKind tags a physical frame so a logical record can be split
// across block boundaries.
type frameKind uint8

const (
	kindFull frameKind = iota + 1
	kindFirst
	kindMiddle
	kindLast
)

const (
	// blockSize is the physical block size records are packed into and
	// split across.
	blockSize = 32 << 10
	// headerSize is u32(crc) || u16(payload_len) || u8(kind).
	headerSize = 4 + 2 + 1
	castagnoli = crc32.Castagnoli
)

var crcTable = crc32.MakeTable(castagnoli)

// Writer appends framed WAL records to a file.
type Writer struct {
	f          *os.File
	blockFill  int // bytes written into the current physical block
	log        *zap.Logger
}

// Open opens (creating if needed) the WAL file at path for appending.
func Open(path string, log *zap.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "wal: open")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kverrors.Wrap(kverrors.Io, err, "wal: stat")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{f: f, blockFill: int(fi.Size() % blockSize), log: log}, nil
}

// EncodeLogical builds the logical write record §4.3 describes:
// u64(sequence) || u8(kind) || varint(key_len) || key || varint(value_len) || value.
func EncodeLogical(seq uint64, kind ikey.Kind, key, value []byte) []byte {
	buf := make([]byte, 8, 8+1+len(key)+len(value)+2*binary.MaxVarintLen64)
	binary.LittleEndian.PutUint64(buf, seq)
	buf = append(buf, byte(kind))
	var vb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(vb[:], uint64(len(key)))
	buf = append(buf, vb[:n]...)
	buf = append(buf, key...)
	n = binary.PutUvarint(vb[:], uint64(len(value)))
	buf = append(buf, vb[:n]...)
	buf = append(buf, value...)
	return buf
}

// DecodeLogical parses a record built by EncodeLogical.
func DecodeLogical(rec []byte) (seq uint64, kind ikey.Kind, key, value []byte, err error) {
	if len(rec) < 9 {
		return 0, 0, nil, nil, kverrors.New(kverrors.Corrupt, "wal: truncated logical record")
	}
	seq = binary.LittleEndian.Uint64(rec)
	kind = ikey.Kind(rec[8])
	if kind != ikey.KindSet && kind != ikey.KindDelete {
		return 0, 0, nil, nil, kverrors.New(kverrors.Corrupt, "wal: unknown write_kind")
	}
	rest := rec[9:]
	klen, n := binary.Uvarint(rest)
	if n <= 0 || klen > uint64(len(rest)-n) {
		return 0, 0, nil, nil, kverrors.New(kverrors.Corrupt, "wal: truncated key")
	}
	rest = rest[n:]
	key = rest[:klen]
	rest = rest[klen:]
	vlen, n := binary.Uvarint(rest)
	if n <= 0 || vlen > uint64(len(rest)-n) {
		return 0, 0, nil, nil, kverrors.New(kverrors.Corrupt, "wal: truncated value")
	}
	rest = rest[n:]
	value = rest[:vlen]
	return seq, kind, key, value, nil
}

// Append writes one logical record, splitting it across physical
// blocks as needed. When sync is true, the write is fdatasync'd before
// Append returns.
func (w *Writer) Append(rec []byte, sync bool) error {
	begin := true
	for {
		leftInBlock := blockSize - w.blockFill
		if leftInBlock < headerSize {
			if err := w.padBlock(leftInBlock); err != nil {
				return err
			}
			leftInBlock = blockSize
		}

		avail := leftInBlock - headerSize
		n := len(rec)
		end := false
		if n <= avail {
			end = true
		} else {
			n = avail
		}

		var kind frameKind
		switch {
		case begin && end:
			kind = kindFull
		case begin:
			kind = kindFirst
		case end:
			kind = kindLast
		default:
			kind = kindMiddle
		}

		if err := w.writeFrame(kind, rec[:n]); err != nil {
			return err
		}
		rec = rec[n:]
		begin = false
		if end {
			break
		}
	}
	if sync {
		return w.Sync()
	}
	return nil
}

func (w *Writer) padBlock(left int) error {
	if left > 0 {
		if _, err := w.f.Write(make([]byte, left)); err != nil {
			return kverrors.Wrap(kverrors.Io, err, "wal: pad block")
		}
	}
	w.blockFill = 0
	return nil
}

func (w *Writer) writeFrame(kind frameKind, payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	hdr[6] = byte(kind)

	crc := crc32.New(crcTable)
	crc.Write(hdr[6:7])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(hdr[0:4], crc.Sum32())

	if _, err := w.f.Write(hdr[:]); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "wal: write frame header")
	}
	if _, err := w.f.Write(payload); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "wal: write frame payload")
	}
	w.blockFill += headerSize + len(payload)
	return nil
}

// Sync fdatasyncs the underlying file.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "wal: fdatasync")
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if err := w.f.Close(); err != nil {
		return kverrors.Wrap(kverrors.Io, err, "wal: close")
	}
	return nil
}

// Name is unused today but kept for callers that want to delete the
// file by name after a successful flush.
func (w *Writer) Name() string { return w.f.Name() }

// Replay reads every logical record from path in write order, invoking
// fn for each. It stops at the first unrecoverable frame — EOF, a bad
// CRC, or a truncated trailing record — without returning an error,
// since a partially-written tail is the expected shape of a crash.
// truncated reports whether replay stopped early due to corruption
// (as opposed to clean EOF).
func Replay(path string, log *zap.Logger, fn func(seq uint64, kind ikey.Kind, key, value []byte)) (truncated bool, err error) {
	return ReplayRaw(path, log, func(logical []byte) error {
		seq, wkind, key, value, derr := DecodeLogical(logical)
		if derr != nil {
			return derr
		}
		fn(seq, wkind, key, value)
		return nil
	})
}

// ReplayRaw reads every logical (reassembled) record from the framed
// file at path in write order, invoking fn with its raw bytes. It is
// the shared primitive behind Replay and is reused as-is by the
// manifest log, which frames VersionEdits the same way records are
// framed here (§6: "Record frame (WAL and manifest)"). fn returning a
// non-nil error is treated exactly like a corrupt frame: replay stops
// and truncated is reported, but ReplayRaw itself does not propagate
// the error.
func ReplayRaw(path string, log *zap.Logger, fn func(rec []byte) error) (truncated bool, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kverrors.Wrap(kverrors.Io, err, "wal: open for replay")
	}
	defer f.Close()

	r := &frameReader{f: f}
	var logical []byte
	for {
		kind, payload, rerr := r.readFrame()
		if rerr == io.EOF {
			return false, nil
		}
		if rerr != nil {
			log.Warn("wal: stopping replay at corrupt frame", zap.String("path", path), zap.Error(rerr))
			return true, nil
		}

		switch kind {
		case kindFull:
			logical = append([]byte(nil), payload...)
		case kindFirst:
			logical = append([]byte(nil), payload...)
			continue
		case kindMiddle:
			logical = append(logical, payload...)
			continue
		case kindLast:
			logical = append(logical, payload...)
		default:
			log.Warn("wal: unknown frame kind, stopping replay", zap.String("path", path))
			return true, nil
		}

		if ferr := fn(logical); ferr != nil {
			log.Warn("wal: stopping replay at invalid record", zap.String("path", path), zap.Error(ferr))
			return true, nil
		}
		logical = nil
	}
}

type frameReader struct {
	f         *os.File
	buf       [blockSize]byte
	pos, fill int
}

func (r *frameReader) fillBlock() error {
	n, err := r.f.Read(r.buf[:])
	r.pos = 0
	r.fill = n
	if n == 0 && err != nil {
		return err
	}
	return nil
}

func (r *frameReader) readFrame() (frameKind, []byte, error) {
	if r.pos+headerSize > r.fill {
		if err := r.fillBlock(); err != nil {
			return 0, nil, err
		}
		if r.fill < headerSize {
			return 0, nil, io.EOF
		}
	}
	hdr := r.buf[r.pos : r.pos+headerSize]
	crcWant := binary.LittleEndian.Uint32(hdr[0:4])
	payloadLen := int(binary.LittleEndian.Uint16(hdr[4:6]))
	kind := frameKind(hdr[6])

	if r.pos+headerSize+payloadLen > r.fill {
		return 0, nil, kverrors.New(kverrors.Corrupt, "wal: frame payload exceeds buffered block")
	}
	payload := r.buf[r.pos+headerSize : r.pos+headerSize+payloadLen]

	crc := crc32.New(crcTable)
	crc.Write(hdr[6:7])
	crc.Write(payload)
	if crc.Sum32() != crcWant {
		return 0, nil, kverrors.New(kverrors.Corrupt, "wal: crc mismatch")
	}

	r.pos += headerSize + payloadLen
	return kind, payload, nil
}
