package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvlite/kvlite/pkg/kvlite"
)

// setupDB creates a temporary database for benchmarking
func setupDB(b *testing.B) (*kvlite.DB, string) {
	tmpDir := filepath.Join(b.TempDir(), "bench-db")
	db, err := kvlite.Open(tmpDir, kvlite.Options{})
	if err != nil {
		b.Fatalf("Failed to open DB: %v", err)
	}
	return db, tmpDir
}

// BenchmarkPutUnsynced measures write throughput with WriteOptions.Sync
// off, so no record is fsync'd as it is written.
func BenchmarkPutUnsynced(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = fmt.Sprintf("value-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Set(kvlite.WriteOptions{Sync: false}, keys[i], values[i]); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkPutSynced measures write throughput with WriteOptions.Sync
// forcing an fsync of the WAL on every record, the durability mode the
// unsynced benchmark above never exercises.
func BenchmarkPutSynced(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = fmt.Sprintf("value-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Set(kvlite.WriteOptions{Sync: true}, keys[i], values[i]); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkGetFromMemtable measures Get performance against data that
// hasn't rotated out of the active memtable yet.
func BenchmarkGetFromMemtable(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kvlite.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkGetFromL0 measures Get performance once data has been
// forced out of the memtable into an on-disk L0 table via CompactNow,
// so lookups fall through to sstable.Reader.Get instead of the
// memtable skip list.
func BenchmarkGetFromL0(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	valueSize := 100
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := make([]byte, valueSize)
		for j := range value {
			value[j] = byte(i + j)
		}
		if err := db.Put(key, string(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.CompactNow(ctx); err != nil {
		b.Fatalf("CompactNow failed: %v", err)
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kvlite.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkGetAfterMultiLevelCompaction writes several overlapping
// batches, forcing a CompactNow pass after each so keys spread across
// L0 and the lower levels the L0->Ln special case in
// internal/compaction feeds into, then measures the resulting
// multi-level lookup path.
func BenchmarkGetAfterMultiLevelCompaction(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 2000
	batches := 4
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for batch := 0; batch < batches; batch++ {
		for i := 0; i < numKeys; i++ {
			key := fmt.Sprintf("key-%08d", i)
			value := fmt.Sprintf("batch-%d-value-%08d", batch, i)
			if err := db.Put(key, value); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}
		if err := db.CompactNow(ctx); err != nil {
			b.Fatalf("CompactNow failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", rng.Intn(numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kvlite.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkPutGet measures mixed Put and Get operations
func BenchmarkPutGet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = fmt.Sprintf("value-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		_, err := db.Get(keys[i])
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkSequentialWrite measures sequential write performance
func BenchmarkSequentialWrite(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%010d", i)
		value := fmt.Sprintf("value-%010d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

// BenchmarkRandomRead measures random read performance
func BenchmarkRandomRead(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", rng.Intn(numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kvlite.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkRangeScan measures full-span Range iteration over data that
// spans the active memtable and a flushed L0 table, exercising
// lsm.DB.Range's merge across both sources rather than point lookups.
func BenchmarkRangeScan(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 5000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.CompactNow(ctx); err != nil {
		b.Fatalf("CompactNow failed: %v", err)
	}
	// A second batch stays in the memtable so Range has to merge both.
	for i := numKeys; i < numKeys+numKeys/10; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		it := db.Range("", "")
		count := 0
		for ; it.Valid(); it.Next() {
			count++
		}
		if err := it.Close(); err != nil {
			b.Fatalf("Range close failed: %v", err)
		}
	}
}

// BenchmarkGetShadowedByTombstone measures Get against keys that were
// written and then deleted, exercising the tombstone-skip branch of
// the lookup path (memtable KindDelete / sstable.Deleted) rather than
// the found-a-value branch every other Get benchmark exercises.
func BenchmarkGetShadowedByTombstone(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := db.Put(key, fmt.Sprintf("value-%d", i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		if err := db.Delete(key); err != nil {
			b.Fatalf("Delete failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != kvlite.ErrNotFound {
			b.Fatalf("expected ErrNotFound for tombstoned key, got %v", err)
		}
	}
}

// BenchmarkDelete measures delete performance
func BenchmarkDelete(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		if err := db.Put(keys[i], fmt.Sprintf("value-%d", i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Delete(keys[i]); err != nil {
			b.Fatalf("Delete failed: %v", err)
		}
	}
}

// BenchmarkWriteLargeValues measures performance with large values
func BenchmarkWriteLargeValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	largeValue := make([]byte, 10*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	valueStr := string(largeValue)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := db.Put(key, valueStr); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

// BenchmarkWriteSmallValues measures performance with small values
func BenchmarkWriteSmallValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("v%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

// BenchmarkConcurrentWrites measures concurrent write performance
func BenchmarkConcurrentWrites(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i)
			value := fmt.Sprintf("value-%d", i)
			if err := db.Put(key, value); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
			i++
		}
	})
}

// BenchmarkConcurrentReads measures concurrent read performance
func BenchmarkConcurrentReads(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(42))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", rng.Intn(numKeys))
			_, err := db.Get(key)
			if err != nil && err != kvlite.ErrNotFound {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}
