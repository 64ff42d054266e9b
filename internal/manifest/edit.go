// Package manifest implements the durable version-edit log: Version
// snapshots of the live table set, VersionEdits that transition between
// them, and the CURRENT-file handoff that names the active manifest.
package manifest

import (
	"encoding/binary"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
)

// Wire tags, per §6.
const (
	tagComparatorName  = 1
	tagLogNumber       = 2
	tagNextFileNumber  = 3
	tagLastSequence    = 4
	tagDeletedTable    = 5
	tagAddedTable      = 6
)

// DeletedTable names one table removed from a level by an Edit.
type DeletedTable struct {
	Level      int
	FileNumber uint64
}

// AddedTable describes one table installed at a level by an Edit.
type AddedTable struct {
	Level      int
	FileNumber uint64
	FileSize   int64
	Smallest   ikey.InternalKey
	Largest    ikey.InternalKey
}

// Edit is a delta between two Versions: counters advanced and tables
// added/removed. Pointer fields are only present on the wire when
// non-nil, matching the "tagged sequence of fields" wire form.
type Edit struct {
	ComparatorName string
	LogNumber      *uint64
	NextFileNumber *uint64
	LastSequence   *uint64
	DeletedTables  []DeletedTable
	AddedTables    []AddedTable
}

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func putTag(dst []byte, tag uint64) []byte { return putUvarint(dst, tag) }

func putKey(dst []byte, k ikey.InternalKey) []byte {
	dst = putUvarint(dst, uint64(len(k.UserKey)))
	dst = append(dst, k.UserKey...)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], k.Trailer())
	return append(dst, trailer[:]...)
}

// Encode serializes e to its tagged wire form.
func (e Edit) Encode() []byte {
	var buf []byte
	if e.ComparatorName != "" {
		buf = putTag(buf, tagComparatorName)
		buf = putUvarint(buf, uint64(len(e.ComparatorName)))
		buf = append(buf, e.ComparatorName...)
	}
	if e.LogNumber != nil {
		buf = putTag(buf, tagLogNumber)
		buf = putUvarint(buf, *e.LogNumber)
	}
	if e.NextFileNumber != nil {
		buf = putTag(buf, tagNextFileNumber)
		buf = putUvarint(buf, *e.NextFileNumber)
	}
	if e.LastSequence != nil {
		buf = putTag(buf, tagLastSequence)
		buf = putUvarint(buf, *e.LastSequence)
	}
	for _, d := range e.DeletedTables {
		buf = putTag(buf, tagDeletedTable)
		buf = putUvarint(buf, uint64(d.Level))
		buf = putUvarint(buf, d.FileNumber)
	}
	for _, a := range e.AddedTables {
		buf = putTag(buf, tagAddedTable)
		buf = putUvarint(buf, uint64(a.Level))
		buf = putUvarint(buf, a.FileNumber)
		buf = putUvarint(buf, uint64(a.FileSize))
		buf = putKey(buf, a.Smallest)
		buf = putKey(buf, a.Largest)
	}
	return buf
}

type byteReader struct {
	data []byte
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		return 0, kverrors.New(kverrors.Corrupt, "manifest: truncated varint")
	}
	r.data = r.data[n:]
	return v, nil
}

func (r *byteReader) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.data)) {
		return nil, kverrors.New(kverrors.Corrupt, "manifest: length overflow")
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b, nil
}

func (r *byteReader) key() (ikey.InternalKey, error) {
	klen, err := r.uvarint()
	if err != nil {
		return ikey.InternalKey{}, err
	}
	userKey, err := r.bytes(klen)
	if err != nil {
		return ikey.InternalKey{}, err
	}
	trailerBytes, err := r.bytes(8)
	if err != nil {
		return ikey.InternalKey{}, err
	}
	trailer := binary.LittleEndian.Uint64(trailerBytes)
	seq, kind := ikey.FromTrailer(trailer)
	// userKey aliases r.data's backing array; copy it out since the
	// caller may retain this InternalKey past the next read call.
	return ikey.InternalKey{UserKey: append([]byte(nil), userKey...), Seq: seq, Kind: kind}, nil
}

// DecodeEdit parses an Edit from its wire form. Unknown tags are
// rejected, per §6.
func DecodeEdit(rec []byte) (Edit, error) {
	var e Edit
	r := &byteReader{data: rec}
	for len(r.data) > 0 {
		tag, err := r.uvarint()
		if err != nil {
			return Edit{}, err
		}
		switch tag {
		case tagComparatorName:
			n, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			b, err := r.bytes(n)
			if err != nil {
				return Edit{}, err
			}
			e.ComparatorName = string(b)
		case tagLogNumber:
			v, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			e.LogNumber = &v
		case tagNextFileNumber:
			v, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			e.NextFileNumber = &v
		case tagLastSequence:
			v, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			e.LastSequence = &v
		case tagDeletedTable:
			level, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			fileNumber, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			e.DeletedTables = append(e.DeletedTables, DeletedTable{Level: int(level), FileNumber: fileNumber})
		case tagAddedTable:
			level, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			fileNumber, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			fileSize, err := r.uvarint()
			if err != nil {
				return Edit{}, err
			}
			smallest, err := r.key()
			if err != nil {
				return Edit{}, err
			}
			largest, err := r.key()
			if err != nil {
				return Edit{}, err
			}
			e.AddedTables = append(e.AddedTables, AddedTable{
				Level: int(level), FileNumber: fileNumber, FileSize: int64(fileSize),
				Smallest: smallest, Largest: largest,
			})
		default:
			return Edit{}, kverrors.Newf(kverrors.Corrupt, "manifest: unknown edit tag %d", tag)
		}
	}
	return e, nil
}
