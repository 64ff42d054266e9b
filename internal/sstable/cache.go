package sstable

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	fileNumber uint64
	offset     int64
}

// BlockCache is a byte-budgeted LRU over decoded (decompressed) data
// block bodies, keyed by (file_number, block_offset) and shared across
// every Reader in a DB. Concurrent misses for the same block coalesce
// onto a single loader call via singleflight, per §4.6.
//
// The underlying hashicorp/golang-lru cache is entry-counted, so it is
// sized generously as an index-size backstop only; the real budget is
// enforced by tracking cumulative block bytes and evicting the LRU's
// oldest entries (via RemoveOldest) until usage is back under capacityBytes,
// whenever an Add pushes it over.
type BlockCache struct {
	lru           *lru.Cache[cacheKey, []byte]
	sf            singleflight.Group
	mu            sync.Mutex
	capacityBytes int64
	usedBytes     int64
}

// NewBlockCache returns a cache with the given byte budget, or nil
// (caching disabled — every read goes straight to disk) if capacityBytes
// is not positive.
func NewBlockCache(capacityBytes int64) *BlockCache {
	if capacityBytes <= 0 {
		return nil
	}
	// Generous index-size backstop assuming a pathologically small
	// ~256 byte average block; real eviction is byte-budgeted below.
	entries := int(capacityBytes / 256)
	if entries < 64 {
		entries = 64
	}
	c, err := lru.New[cacheKey, []byte](entries)
	if err != nil {
		return nil
	}
	return &BlockCache{lru: c, capacityBytes: capacityBytes}
}

// getOrLoad returns the cached block at (fileNumber, offset), invoking
// load on a miss. A nil receiver disables caching entirely.
func (c *BlockCache) getOrLoad(fileNumber uint64, offset int64, load func() ([]byte, error)) ([]byte, error) {
	if c == nil {
		return load()
	}
	key := cacheKey{fileNumber, offset}
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(singleflightKey(fileNumber, offset), func() (interface{}, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// add inserts data into the LRU and evicts the oldest entries until
// usedBytes is back within capacityBytes. A block larger than the whole
// budget evicts every other entry and then itself, so it is not cached.
func (c *BlockCache) add(key cacheKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, data)
	c.usedBytes += int64(len(data))

	for c.usedBytes > c.capacityBytes {
		oldKey, oldVal, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.usedBytes -= int64(len(oldVal))
		if oldKey == key {
			break
		}
	}
}

// singleflightKey condenses a (file_number, offset) pair into a short
// digest string via xxhash rather than formatting decimal digits on
// every cache miss; collisions only cost an extra coalesced loader
// call, never correctness, since the real dedup key is the LRU's own
// cacheKey struct.
func singleflightKey(fileNumber uint64, offset int64) string {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], fileNumber)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(offset))
	return strconv.FormatUint(xxhash.Sum64(buf[:]), 36)
}
