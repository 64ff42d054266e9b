package sstable

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kvlite/kvlite/internal/kverrors"
)

// filterFalsePositiveRate targets a 1% false-positive rate, the
// standard Bloom filter tuning point for an SSTable-level filter.
const filterFalsePositiveRate = 0.01

// filterBuilder accumulates user keys across every data block of one
// SSTable and emits a single Bloom filter block.
type filterBuilder struct {
	bf *bloom.BloomFilter
}

func newFilterBuilder(expectedKeys int) *filterBuilder {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &filterBuilder{bf: bloom.NewWithEstimates(uint(expectedKeys), filterFalsePositiveRate)}
}

func (b *filterBuilder) add(userKey []byte) { b.bf.Add(userKey) }

func (b *filterBuilder) finish() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.bf.WriteTo(&buf); err != nil {
		return nil, kverrors.Wrap(kverrors.Io, err, "sstable: encode filter block")
	}
	return buf.Bytes(), nil
}

// filter is the read side of a loaded filter block.
type filter struct {
	bf *bloom.BloomFilter
}

func loadFilter(data []byte) (*filter, error) {
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, kverrors.Wrap(kverrors.Corrupt, err, "sstable: decode filter block")
	}
	return &filter{bf: bf}, nil
}

// mayContain reports whether userKey could be present. A nil receiver
// (no filter block was written) always reports true.
func (f *filter) mayContain(userKey []byte) bool {
	if f == nil {
		return true
	}
	return f.bf.Test(userKey)
}
