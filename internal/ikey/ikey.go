// Package ikey implements the internal-key format and comparator that
// every other KVLite package orders entries by: user key ascending,
// then sequence number descending, then PUT before DELETE.
package ikey

import (
	"bytes"
	"encoding/binary"

	"github.com/kvlite/kvlite/internal/kverrors"
)

// Kind distinguishes a live write from a tombstone.
type Kind uint8

const (
	// KindSet marks a PUT entry; Value holds the stored bytes.
	KindSet Kind = 0
	// KindDelete marks a DELETE (tombstone) entry; Value is empty.
	KindDelete Kind = 1
)

const (
	// MaxUserKeySize is the largest user key accepted anywhere in the
	// engine (64 KiB).
	MaxUserKeySize = 64 << 10
	// MaxUserValueSize is the largest user value accepted anywhere in
	// the engine (64 MiB).
	MaxUserValueSize = 64 << 20
	// MaxSeq is the largest sequence number representable; used as the
	// seek ceiling when looking up the newest entry for a user key.
	MaxSeq = uint64(1)<<56 - 1
)

// InternalKey is the (user_key, sequence_number, write_kind) triple
// every stored entry is keyed by.
type InternalKey struct {
	UserKey []byte
	Seq     uint64
	Kind    Kind
}

// Trailer packs Seq and Kind into the single u64 the on-disk format
// stores: seq<<8 | kind.
func (k InternalKey) Trailer() uint64 {
	return k.Seq<<8 | uint64(k.Kind)
}

// FromTrailer unpacks a trailer value into its sequence and kind.
func FromTrailer(trailer uint64) (seq uint64, kind Kind) {
	return trailer >> 8, Kind(trailer & 0xff)
}

// Compare implements the ordering from the data model: user_key
// ascending, then sequence_number descending, then PUT before DELETE
// (irrelevant once sequence differs, since sequences are unique).
func Compare(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Seq != b.Seq {
		if a.Seq > b.Seq {
			return -1
		}
		return 1
	}
	if a.Kind != b.Kind {
		if a.Kind == KindSet {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether a and b name the same internal key.
func Equal(a, b InternalKey) bool { return Compare(a, b) == 0 }

// MaxForUserKey returns the internal key that sorts before every real
// entry for userKey — used to seek to the newest version of a key.
func MaxForUserKey(userKey []byte) InternalKey {
	return InternalKey{UserKey: userKey, Seq: MaxSeq, Kind: KindSet}
}

// EncodeRecord writes the §4.1 record format to dst and returns the
// extended slice: varint(key_len) || key || u64(trailer) || varint(value_len) || value.
func EncodeRecord(dst []byte, key InternalKey, value []byte) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key.UserKey)))
	dst = append(dst, buf[:n]...)
	dst = append(dst, key.UserKey...)

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], key.Trailer())
	dst = append(dst, trailer[:]...)

	n = binary.PutUvarint(buf[:], uint64(len(value)))
	dst = append(dst, buf[:n]...)
	dst = append(dst, value...)
	return dst
}

// DecodeRecord parses one record written by EncodeRecord. It fails with
// kverrors.Corrupt on truncated input, an unknown write_kind, or a
// length that would overflow the remaining buffer.
func DecodeRecord(src []byte) (key InternalKey, value []byte, rest []byte, err error) {
	klen, n := binary.Uvarint(src)
	if n <= 0 {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: truncated key length")
	}
	src = src[n:]
	if klen > uint64(len(src)) || klen > MaxUserKeySize {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: key length overflow")
	}
	userKey := src[:klen]
	src = src[klen:]

	if len(src) < 8 {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: truncated trailer")
	}
	trailer := binary.LittleEndian.Uint64(src[:8])
	src = src[8:]
	seq, kind := FromTrailer(trailer)
	if kind != KindSet && kind != KindDelete {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: unknown write_kind")
	}

	vlen, n := binary.Uvarint(src)
	if n <= 0 {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: truncated value length")
	}
	src = src[n:]
	if vlen > uint64(len(src)) || vlen > MaxUserValueSize {
		return InternalKey{}, nil, nil, kverrors.New(kverrors.Corrupt, "ikey: value length overflow")
	}
	value = src[:vlen]
	rest = src[vlen:]

	key = InternalKey{UserKey: userKey, Seq: seq, Kind: kind}
	return key, value, rest, nil
}

// Clone returns an internal key owning a copy of UserKey, safe to
// retain past the lifetime of the buffer it was decoded from.
func (k InternalKey) Clone() InternalKey {
	uk := make([]byte, len(k.UserKey))
	copy(uk, k.UserKey)
	return InternalKey{UserKey: uk, Seq: k.Seq, Kind: k.Kind}
}
