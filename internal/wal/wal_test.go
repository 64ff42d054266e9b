package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvlite/kvlite/internal/ikey"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.wal")
	w, err := Open(path, nil)
	require.NoError(t, err)

	for i := 1; i <= 1000; i++ {
		rec := EncodeLogical(uint64(i), ikey.KindSet, []byte("key"), []byte("value"))
		require.NoError(t, w.Append(rec, i == 1000))
	}
	require.NoError(t, w.Close())

	var seqs []uint64
	truncated, err := Replay(path, nil, func(seq uint64, kind ikey.Kind, key, value []byte) {
		seqs = append(seqs, seq)
		require.Equal(t, ikey.KindSet, kind)
		require.Equal(t, []byte("key"), key)
		require.Equal(t, []byte("value"), value)
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, seqs, 1000)
	require.EqualValues(t, 1, seqs[0])
	require.EqualValues(t, 1000, seqs[999])
}

func TestAppendSplitsAcrossBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.wal")
	w, err := Open(path, nil)
	require.NoError(t, err)

	big := make([]byte, 5*blockSize)
	for i := range big {
		big[i] = byte(i)
	}
	rec := EncodeLogical(1, ikey.KindSet, []byte("bigkey"), big)
	require.NoError(t, w.Append(rec, true))
	require.NoError(t, w.Close())

	var got []byte
	_, err = Replay(path, nil, func(seq uint64, kind ikey.Kind, key, value []byte) {
		got = append([]byte(nil), value...)
	})
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.wal")
	w, err := Open(path, nil)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		rec := EncodeLogical(uint64(i), ikey.KindSet, []byte("key"), []byte("value"))
		require.NoError(t, w.Append(rec, false))
	}
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	var seqs []uint64
	truncated, err := Replay(path, nil, func(seq uint64, kind ikey.Kind, key, value []byte) {
		seqs = append(seqs, seq)
	})
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, seqs, 9)
}

func TestReplayMissingFileIsNotError(t *testing.T) {
	truncated, err := Replay(filepath.Join(t.TempDir(), "missing.wal"), nil, func(uint64, ikey.Kind, []byte, []byte) {})
	require.NoError(t, err)
	require.False(t, truncated)
}

func TestEncodeDecodeLogicalDelete(t *testing.T) {
	rec := EncodeLogical(7, ikey.KindDelete, []byte("k"), nil)
	seq, kind, key, value, err := DecodeLogical(rec)
	require.NoError(t, err)
	require.EqualValues(t, 7, seq)
	require.Equal(t, ikey.KindDelete, kind)
	require.Equal(t, []byte("k"), key)
	require.Empty(t, value)
}
