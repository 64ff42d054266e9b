package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/stretchr/testify/require"
)

func TestSkipListInsertAndGet(t *testing.T) {
	sl := newSkipList()
	sl.insert(ikey.InternalKey{UserKey: []byte("a"), Seq: 1, Kind: ikey.KindSet}, []byte("1"))
	sl.insert(ikey.InternalKey{UserKey: []byte("b"), Seq: 2, Kind: ikey.KindSet}, []byte("2"))

	val, r := sl.get([]byte("a"))
	require.Equal(t, resultFound, r)
	require.Equal(t, []byte("1"), val)

	_, r = sl.get([]byte("missing"))
	require.Equal(t, resultNotFound, r)
}

func TestSkipListNewestWins(t *testing.T) {
	sl := newSkipList()
	sl.insert(ikey.InternalKey{UserKey: []byte("k"), Seq: 1, Kind: ikey.KindSet}, []byte("old"))
	sl.insert(ikey.InternalKey{UserKey: []byte("k"), Seq: 2, Kind: ikey.KindSet}, []byte("new"))

	val, r := sl.get([]byte("k"))
	require.Equal(t, resultFound, r)
	require.Equal(t, []byte("new"), val)
}

func TestSkipListTombstone(t *testing.T) {
	sl := newSkipList()
	sl.insert(ikey.InternalKey{UserKey: []byte("k"), Seq: 1, Kind: ikey.KindSet}, []byte("v"))
	sl.insert(ikey.InternalKey{UserKey: []byte("k"), Seq: 2, Kind: ikey.KindDelete}, nil)

	_, r := sl.get([]byte("k"))
	require.Equal(t, resultDeleted, r)
}

func TestSkipListIteratorOrder(t *testing.T) {
	sl := newSkipList()
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		sl.insert(ikey.InternalKey{UserKey: []byte(k), Seq: uint64(i) + 1, Kind: ikey.KindSet}, []byte(k))
	}

	it := sl.newIterator()
	it.seekToFirst()
	count := 0
	var last []byte
	for it.valid() {
		if last != nil {
			require.Less(t, string(last), string(it.key().UserKey))
		}
		last = it.key().UserKey
		count++
		it.next()
	}
	require.Equal(t, 100, count)
}

func TestSkipListConcurrentReadersDuringInsert(t *testing.T) {
	sl := newSkipList()
	const n = 2000
	done := make(chan struct{})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				it := sl.newIterator()
				it.seekToFirst()
				for it.valid() {
					it.next()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%05d", i)
		sl.insert(ikey.InternalKey{UserKey: []byte(k), Seq: uint64(i) + 1, Kind: ikey.KindSet}, []byte(k))
	}
	close(done)
	wg.Wait()

	val, r := sl.get([]byte("key-00000"))
	require.Equal(t, resultFound, r)
	require.Equal(t, []byte("key-00000"), val)
}
