package lsm

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/kvlite/kvlite/internal/kverrors"
	"github.com/kvlite/kvlite/internal/manifest"
	"github.com/kvlite/kvlite/internal/wal"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		WriteBufferBytes: 16 << 10,
		L0Trigger:        3,
		LevelBaseBytes:   64 << 10,
		NumLevels:        4,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set(WriteOptions{}, []byte("k1"), []byte("v1")))
	val, ok, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val))

	_, ok, err = db.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveShadowsEarlierSet(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set(WriteOptions{}, []byte("k1"), []byte("v1")))
	require.NoError(t, db.Remove(WriteOptions{}, []byte("k1")))

	_, ok, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenSecondTimeIsLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(dir, testOptions())
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.Locked))
}

// TestRecoveryAfterCloseSeesAllWrites exercises S3 from the scenario
// list: every synced write before a clean shutdown must be visible
// after reopening.
func TestRecoveryAfterCloseSeesAllWrites(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		require.NoError(t, db.Set(WriteOptions{Sync: true}, key, val))
	}
	require.NoError(t, db.Close())

	reopened, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("val-%04d", i)
		val, ok, err := reopened.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s after reopen", key)
		require.Equal(t, want, string(val))
	}
}

// TestRecoveryAcrossRotationSeesBothWALFiles reproduces a crash between
// a memtable rotation and the background flush that would otherwise
// truncate the older WAL: two live *.wal files exist, neither yet
// reflected in the manifest's LogNumber, and Open must replay both.
func TestRecoveryAcrossRotationSeesBothWALFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions().withDefaults()

	ms, err := manifest.Create(dir, nil, opts.NumLevels)
	require.NoError(t, err)
	require.NoError(t, ms.Close())

	w1, err := wal.Open(walPath(dir, 1), nil)
	require.NoError(t, err)
	require.NoError(t, w1.Append(wal.EncodeLogical(1, ikey.KindSet, []byte("before"), []byte("b-val")), true))
	require.NoError(t, w1.Close())

	w2, err := wal.Open(walPath(dir, 2), nil)
	require.NoError(t, err)
	require.NoError(t, w2.Append(wal.EncodeLogical(2, ikey.KindSet, []byte("after"), []byte("a-val")), true))
	require.NoError(t, w2.Close())

	db, err := Open(dir, opts)
	require.NoError(t, err)
	defer db.Close()

	val, ok, err := db.Get([]byte("before"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b-val", string(val))

	val, ok, err = db.Get([]byte("after"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a-val", string(val))

	// The allocator must not reissue file number 2, already used on disk.
	require.Greater(t, db.nextFileNumber(), uint64(2))
}

func TestFlushProducesL0Table(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferBytes = 4 << 10
	db, err := Open(dir, opts)
	require.NoError(t, err)
	defer db.Close()

	padding := make([]byte, 512)
	for i := 0; i < 64; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, db.Set(WriteOptions{}, key, padding))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := db.Stats()
		if stats.LevelTableCounts[0] > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := db.Stats()
	require.Greater(t, stats.LevelTableCounts[0], 0, "expected at least one L0 table after exceeding the write buffer")

	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
}

func TestRangeReturnsKeysInAscendingOrder(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, db.Set(WriteOptions{}, []byte(k), []byte("v-"+k)))
	}
	require.NoError(t, db.Set(WriteOptions{}, []byte("b"), []byte("v-b")))
	require.NoError(t, db.Set(WriteOptions{}, []byte("d"), []byte("v-d")))

	it := db.Range(nil, nil)
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e", "g"}, got)
}

func TestRangeRespectsBounds(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.Set(WriteOptions{}, []byte(k), []byte("v")))
	}

	it := db.Range([]byte("b"), []byte("d"))
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"b", "c"}, got)
}

func TestRangeMergesFlushedSSTableWithActiveMemtable(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferBytes = 2 << 10
	db, err := Open(dir, opts)
	require.NoError(t, err)
	defer db.Close()

	padding := make([]byte, 256)
	for _, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, db.Set(WriteOptions{}, []byte(k), padding))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && db.Stats().LevelTableCounts[0] == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	require.Greater(t, db.Stats().LevelTableCounts[0], 0, "expected a flush before the remaining writes")

	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, db.Set(WriteOptions{}, []byte(k), padding))
	}

	it := db.Range(nil, nil)
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, got)
}

func TestRangeSkipsDeletedKeys(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set(WriteOptions{}, []byte("a"), []byte("v")))
	require.NoError(t, db.Set(WriteOptions{}, []byte("b"), []byte("v")))
	require.NoError(t, db.Remove(WriteOptions{}, []byte("a")))

	it := db.Range(nil, nil)
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"b"}, got)
}

func TestCompactNowMergesOverlappingL0Tables(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferBytes = 2 << 10
	opts.L0Trigger = 2
	db, err := Open(dir, opts)
	require.NoError(t, err)
	defer db.Close()

	padding := make([]byte, 256)
	for round := 0; round < 3; round++ {
		for i := 0; i < 16; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			require.NoError(t, db.Set(WriteOptions{}, key, padding))
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && db.Stats().LevelTableCounts[0] <= round {
			time.Sleep(20 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.CompactNow(ctx))

	val, ok, err := db.Get([]byte("key-0000"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, padding, val)
}

func TestWriteRejectsOversizedKey(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	hugeKey := make([]byte, 1<<20)
	err = db.Set(WriteOptions{}, hugeKey, []byte("v"))
	require.Error(t, err)
}

func TestStatsReflectsAppliedWrites(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set(WriteOptions{}, []byte("a"), []byte("v")))
	require.NoError(t, db.Set(WriteOptions{}, []byte("b"), []byte("v")))

	stats := db.Stats()
	require.EqualValues(t, 2, stats.LastSequence)
	require.Len(t, stats.LevelTableCounts, 4)
}
