package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/kv"
)

func openTestBackend(t *testing.T) *kv.BoltBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.db")
	b, err := kv.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestWriteRecordRoundTrip(t *testing.T) {
	b := openTestBackend(t)

	key := kv.KeyName(kv.RecordNode, []byte("primary/env1"))
	scope, err := b.WriteLock(kv.RecordNode, key)
	require.NoError(t, err)
	require.NoError(t, b.WriteRecord(scope, kv.RecordNode, key, []byte("payload")))
	require.NoError(t, scope.Commit())

	data, err := b.GetRecord(kv.RecordNode, key)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestWriteScopeAbortDiscardsWrites(t *testing.T) {
	b := openTestBackend(t)

	key := kv.KeyName(kv.RecordNode, []byte("primary/env2"))
	scope, err := b.WriteLock(kv.RecordNode, key)
	require.NoError(t, err)
	require.NoError(t, b.WriteRecord(scope, kv.RecordNode, key, []byte("payload")))
	require.NoError(t, scope.Abort())

	data, err := b.GetRecord(kv.RecordNode, key)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestAppendTxnFirstLastFind(t *testing.T) {
	b := openTestBackend(t)

	seq1, err := b.AppendTxn([]byte("entry-one"))
	require.NoError(t, err)
	seq2, err := b.AppendTxn([]byte("entry-two"))
	require.NoError(t, err)
	require.Greater(t, seq2, seq1)

	firstSeq, firstEntry, err := b.TxnFirst()
	require.NoError(t, err)
	require.Equal(t, seq1, firstSeq)
	require.Equal(t, []byte("entry-one"), firstEntry)

	lastSeq, lastEntry, err := b.TxnLast()
	require.NoError(t, err)
	require.Equal(t, seq2, lastSeq)
	require.Equal(t, []byte("entry-two"), lastEntry)

	found, err := b.TxnFind(seq1)
	require.NoError(t, err)
	require.Equal(t, []byte("entry-one"), found)
}

func TestTxnFindMissingSequence(t *testing.T) {
	b := openTestBackend(t)
	_, err := b.TxnFind(9999)
	require.Error(t, err)
}

func TestPruneBeforeRemovesOlderEntries(t *testing.T) {
	b := openTestBackend(t)

	seq1, err := b.AppendTxn([]byte("e1"))
	require.NoError(t, err)
	seq2, err := b.AppendTxn([]byte("e2"))
	require.NoError(t, err)

	require.NoError(t, b.PruneBefore(seq2))

	_, err = b.TxnFind(seq1)
	require.Error(t, err)
	data, err := b.TxnFind(seq2)
	require.NoError(t, err)
	require.Equal(t, []byte("e2"), data)
}

func TestCursorWalksInsertedKeysInOrder(t *testing.T) {
	b := openTestBackend(t)

	names := []string{"primary/a", "primary/b", "primary/c"}
	for _, n := range names {
		key := kv.KeyName(kv.RecordNode, []byte(n))
		scope, err := b.WriteLock(kv.RecordNode, key)
		require.NoError(t, err)
		require.NoError(t, b.WriteRecord(scope, kv.RecordNode, key, []byte(n)))
		require.NoError(t, scope.Commit())
	}

	scope, err := b.ReadLock(kv.RecordNode, nil)
	require.NoError(t, err)
	defer scope.Close()
	cursor, err := scope.Cursor(kv.RecordNode)
	require.NoError(t, err)

	var seen []string
	for k, _, ok := cursor.First(); ok; k, _, ok = cursor.Next() {
		seen = append(seen, string(k))
	}
	require.Len(t, seen, 3)
	var want []string
	for _, n := range names {
		want = append(want, string(kv.KeyName(kv.RecordNode, []byte(n))))
	}
	require.Equal(t, want, seen)
}
