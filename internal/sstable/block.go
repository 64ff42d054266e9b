// Package sstable implements the immutable, sorted, indexed on-disk file
// format KVLite flushes memtables into and compacts.
package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
)

// defaultRestartInterval is the number of entries between full-key
// restart points in a data block.
const defaultRestartInterval = 16

// blockBuilder accumulates internal-key/value entries into one data
// block's body (entries followed by its restart array and count),
// applying shared-prefix compression against the user key of the prior
// entry since the last restart point.
type blockBuilder struct {
	buf             bytes.Buffer
	restarts        []uint32
	restartInterval int
	count           int
	lastUserKey     []byte
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval < 1 {
		restartInterval = defaultRestartInterval
	}
	return &blockBuilder{restartInterval: restartInterval}
}

// add appends one entry. Callers must add entries in ascending internal
// key order.
func (b *blockBuilder) add(key ikey.InternalKey, value []byte) {
	shared := 0
	if b.count%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
	} else {
		shared = sharedPrefixLen(b.lastUserKey, key.UserKey)
	}
	nonShared := key.UserKey[shared:]

	var vb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(vb[:], uint64(shared))
	b.buf.Write(vb[:n])
	n = binary.PutUvarint(vb[:], uint64(len(nonShared)))
	b.buf.Write(vb[:n])
	n = binary.PutUvarint(vb[:], uint64(len(value)))
	b.buf.Write(vb[:n])
	b.buf.Write(nonShared)

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], key.Trailer())
	b.buf.Write(trailer[:])
	b.buf.Write(value)

	b.lastUserKey = append(b.lastUserKey[:0], key.UserKey...)
	b.count++
}

func (b *blockBuilder) entries() int { return b.count }

// estimatedSize returns the body size if finished right now.
func (b *blockBuilder) estimatedSize() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

// finish appends the restart array and count, returning the complete
// block body (not yet compressed or checksummed).
func (b *blockBuilder) finish() []byte {
	for _, r := range b.restarts {
		var ob [4]byte
		binary.LittleEndian.PutUint32(ob[:], r)
		b.buf.Write(ob[:])
	}
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], uint32(len(b.restarts)))
	b.buf.Write(cb[:])
	return b.buf.Bytes()
}

func (b *blockBuilder) reset() {
	b.buf.Reset()
	b.restarts = b.restarts[:0]
	b.count = 0
	b.lastUserKey = b.lastUserKey[:0]
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockReader wraps a decompressed block body for random-access
// decoding: the restart array at its tail, and the entry stream before it.
type blockReader struct {
	entries  []byte
	restarts []uint32
}

func newBlockReader(body []byte) (*blockReader, error) {
	if len(body) < 4 {
		return nil, kverrors.New(kverrors.Corrupt, "sstable: block too small for restart count")
	}
	count := binary.LittleEndian.Uint32(body[len(body)-4:])
	restartsOff := len(body) - 4 - int(count)*4
	if restartsOff < 0 {
		return nil, kverrors.New(kverrors.Corrupt, "sstable: block restart count overflow")
	}
	restarts := make([]uint32, count)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(body[restartsOff+i*4 : restartsOff+i*4+4])
	}
	return &blockReader{entries: body[:restartsOff], restarts: restarts}, nil
}

// decodeEntryAt decodes one entry starting at byte offset off within the
// entry stream, given the full user key reconstructed for the previous
// entry (nil at a restart point). It returns the decoded key, value,
// and the offset of the next entry.
func decodeEntryAt(entries []byte, off int, prevUserKey []byte) (key ikey.InternalKey, value []byte, next int, err error) {
	rest := entries[off:]
	shared, n := binary.Uvarint(rest)
	if n <= 0 {
		return ikey.InternalKey{}, nil, 0, kverrors.New(kverrors.Corrupt, "sstable: truncated shared length")
	}
	rest = rest[n:]
	nonShared, n := binary.Uvarint(rest)
	if n <= 0 {
		return ikey.InternalKey{}, nil, 0, kverrors.New(kverrors.Corrupt, "sstable: truncated non-shared length")
	}
	rest = rest[n:]
	valLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return ikey.InternalKey{}, nil, 0, kverrors.New(kverrors.Corrupt, "sstable: truncated value length")
	}
	rest = rest[n:]

	if shared > uint64(len(prevUserKey)) || nonShared > uint64(len(rest)) {
		return ikey.InternalKey{}, nil, 0, kverrors.New(kverrors.Corrupt, "sstable: entry length overflow")
	}
	userKey := make([]byte, shared+nonShared)
	copy(userKey, prevUserKey[:shared])
	copy(userKey[shared:], rest[:nonShared])
	rest = rest[nonShared:]

	if len(rest) < 8+int(valLen) {
		return ikey.InternalKey{}, nil, 0, kverrors.New(kverrors.Corrupt, "sstable: truncated trailer or value")
	}
	trailer := binary.LittleEndian.Uint64(rest[:8])
	seq, kind := ikey.FromTrailer(trailer)
	value = rest[8 : 8+valLen]

	key = ikey.InternalKey{UserKey: userKey, Seq: seq, Kind: kind}
	consumed := len(entries[off:]) - len(rest) + 8 + int(valLen)
	return key, value, off + consumed, nil
}

// blockIterator is a forward cursor over one decoded data block.
type blockIterator struct {
	r           *blockReader
	pos         int
	end         bool
	curKey      ikey.InternalKey
	curValue    []byte
	lastUserKey []byte
}

func newBlockIterator(r *blockReader) *blockIterator {
	return &blockIterator{r: r, end: true}
}

func (it *blockIterator) valid() bool { return !it.end }
func (it *blockIterator) key() ikey.InternalKey { return it.curKey }
func (it *blockIterator) value() []byte { return it.curValue }

func (it *blockIterator) decodeAt(off int, prevUserKey []byte) bool {
	if off >= len(it.r.entries) {
		it.end = true
		return false
	}
	key, value, next, err := decodeEntryAt(it.r.entries, off, prevUserKey)
	if err != nil {
		it.end = true
		return false
	}
	it.curKey = key
	it.curValue = value
	it.lastUserKey = key.UserKey
	it.pos = next
	it.end = false
	return true
}

func (it *blockIterator) seekToFirst() {
	if len(it.r.restarts) == 0 {
		it.end = true
		return
	}
	it.decodeAt(int(it.r.restarts[0]), nil)
}

func (it *blockIterator) next() {
	if it.end {
		return
	}
	it.decodeAt(it.pos, it.lastUserKey)
}

// seek positions the iterator at the first entry whose user key is >=
// target, per §4.5: binary-search the restart array, then linear-scan
// within the restart region.
func (it *blockIterator) seek(target []byte) {
	restarts := it.r.restarts
	lo, hi := 0, len(restarts)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		key, _, _, err := decodeEntryAt(it.r.entries, int(restarts[mid]), nil)
		if err != nil {
			it.end = true
			return
		}
		if bytes.Compare(key.UserKey, target) < 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		best = 0
	}
	if !it.decodeAt(int(restarts[best]), nil) {
		return
	}
	for it.valid() && bytes.Compare(it.curKey.UserKey, target) < 0 {
		it.next()
	}
}
