package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/stretchr/testify/require"
)

func writeTestTable(t *testing.T, opts Options, n int) (string, []ikey.InternalKey) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1.sst")
	w, err := Create(path, 1, 0, opts)
	require.NoError(t, err)

	var keys []ikey.InternalKey
	for i := 0; i < n; i++ {
		k := ikey.InternalKey{UserKey: []byte(fmt.Sprintf("key-%05d", i)), Seq: uint64(i) + 1, Kind: ikey.KindSet}
		keys = append(keys, k)
		require.NoError(t, w.Add(k, []byte(fmt.Sprintf("value-%05d", i))))
	}
	desc, err := w.Finish()
	require.NoError(t, err)
	require.EqualValues(t, 1, desc.FileNumber)
	require.Equal(t, keys[0].UserKey, desc.Smallest.UserKey)
	require.Equal(t, keys[n-1].UserKey, desc.Largest.UserKey)
	return path, keys
}

func TestWriterReaderRoundTrip(t *testing.T) {
	for _, opts := range []Options{
		{UseFilter: true},
		{UseCompression: true, UseFilter: true},
		{BlockSize: 256, RestartInterval: 4, UseFilter: true},
	} {
		path, keys := writeTestTable(t, opts, 500)

		r, err := Open(path, 1, opts, nil)
		require.NoError(t, err)
		defer r.Close()

		for _, k := range keys {
			val, res, err := r.Get(k.UserKey)
			require.NoError(t, err)
			require.Equal(t, Found, res)
			require.Equal(t, "value-"+string(k.UserKey[4:]), string(val))
		}

		_, res, err := r.Get([]byte("missing-key"))
		require.NoError(t, err)
		require.Equal(t, NotFound, res)
	}
}

func TestReaderIteratorOrderAndBounds(t *testing.T) {
	path, keys := writeTestTable(t, Options{BlockSize: 512, RestartInterval: 8}, 300)
	r, err := Open(path, 1, Options{BlockSize: 512, RestartInterval: 8}, nil)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator(nil, nil)
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey))
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Len(t, got, len(keys))
	for i := range keys {
		require.Equal(t, string(keys[i].UserKey), got[i])
	}

	bounded := r.NewIterator([]byte("key-00010"), []byte("key-00015"))
	var boundedGot []string
	for bounded.Valid() {
		boundedGot = append(boundedGot, string(bounded.Key().UserKey))
		bounded.Next()
	}
	require.Equal(t, []string{"key-00010", "key-00011", "key-00012", "key-00013", "key-00014"}, boundedGot)
}

func TestDeleteEntryReadsAsDeleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.sst")
	w, err := Create(path, 1, 0, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(ikey.InternalKey{UserKey: []byte("k"), Seq: 2, Kind: ikey.KindDelete}, nil))
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(path, 1, Options{}, nil)
	require.NoError(t, err)
	defer r.Close()

	_, res, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, Deleted, res)
}

func TestBlockCacheServesHits(t *testing.T) {
	path, keys := writeTestTable(t, Options{BlockSize: 256, RestartInterval: 4}, 200)
	cache := NewBlockCache(1 << 20)
	r, err := Open(path, 7, Options{BlockSize: 256, RestartInterval: 4}, cache)
	require.NoError(t, err)
	defer r.Close()

	for _, k := range keys {
		_, res, err := r.Get(k.UserKey)
		require.NoError(t, err)
		require.Equal(t, Found, res)
	}
	require.Positive(t, cache.lru.Len(), "first pass should populate the cache")
	// second pass should hit the cache for every block
	for _, k := range keys {
		_, res, err := r.Get(k.UserKey)
		require.NoError(t, err)
		require.Equal(t, Found, res)
	}
}

func TestMergeIteratorOrdersAcrossSources(t *testing.T) {
	// Build two tiny tables with interleaved keys.
	path1 := filepath.Join(t.TempDir(), "1.sst")
	w1, err := Create(path1, 1, 0, Options{})
	require.NoError(t, err)
	require.NoError(t, w1.Add(ikey.InternalKey{UserKey: []byte("a"), Seq: 1, Kind: ikey.KindSet}, []byte("1")))
	require.NoError(t, w1.Add(ikey.InternalKey{UserKey: []byte("c"), Seq: 1, Kind: ikey.KindSet}, []byte("1")))
	_, err = w1.Finish()
	require.NoError(t, err)

	path2 := filepath.Join(t.TempDir(), "2.sst")
	w2, err := Create(path2, 2, 0, Options{})
	require.NoError(t, err)
	require.NoError(t, w2.Add(ikey.InternalKey{UserKey: []byte("b"), Seq: 2, Kind: ikey.KindSet}, []byte("2")))
	require.NoError(t, w2.Add(ikey.InternalKey{UserKey: []byte("d"), Seq: 2, Kind: ikey.KindSet}, []byte("2")))
	_, err = w2.Finish()
	require.NoError(t, err)

	r1, err := Open(path1, 1, Options{}, nil)
	require.NoError(t, err)
	defer r1.Close()
	r2, err := Open(path2, 2, Options{}, nil)
	require.NoError(t, err)
	defer r2.Close()

	merged := NewMergeIterator([]Source{r1.NewIterator(nil, nil), r2.NewIterator(nil, nil)})
	var got []string
	for merged.Valid() {
		got = append(got, string(merged.Key().UserKey))
		merged.Next()
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}
