package kv

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/jbeverly/rangexx/internal/rangelog"
)

var log = rangelog.For("kv.bolt")

var (
	graphInfoBucket     = []byte("graph_info")
	transactionLogBucket = []byte("transactionlog")
)

func recordBucketName(t RecordType) []byte {
	return []byte(fmt.Sprintf("record_type_%d", t))
}

// BoltBackend is the bbolt-backed implementation of Backend. One top-level
// bucket ("graph_info") holds one nested bucket per RecordType; a sibling
// top-level bucket ("transactionlog") holds the dense-sequence transaction
// log, keyed by bbolt's own auto-incrementing NextSequence.
type BoltBackend struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed store at path.
func Open(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, NewIOError(err.Error())
	}
	b := &BoltBackend{db: db}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(graphInfoBucket); err != nil {
			return err
		}
		gi := tx.Bucket(graphInfoBucket)
		for _, t := range []RecordType{RecordNode, RecordGraphMeta, RecordNodeMeta, RecordReserved, RecordUnknown} {
			if _, err := gi.CreateBucketIfNotExists(recordBucketName(t)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(transactionLogBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, NewIOError(err.Error())
	}
	return b, nil
}

func (b *BoltBackend) RegisterThread() {}

func (b *BoltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return NewIOError(err.Error())
	}
	return nil
}

func (b *BoltBackend) recordBucket(tx *bolt.Tx, t RecordType) *bolt.Bucket {
	return tx.Bucket(graphInfoBucket).Bucket(recordBucketName(t))
}

func (b *BoltBackend) GetRecord(t RecordType, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := b.recordBucket(tx, t).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, NewIOError(err.Error())
	}
	return out, nil
}

func (b *BoltBackend) WriteRecord(scope WriteScope, t RecordType, key, data []byte) error {
	return scope.Put(t, key, data)
}

// boltReadScope wraps a read-only bbolt transaction.
type boltReadScope struct {
	tx *bolt.Tx
	be *BoltBackend
}

func (s *boltReadScope) Get(t RecordType, key []byte) ([]byte, error) {
	v := s.be.recordBucket(s.tx, t).Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *boltReadScope) Cursor(t RecordType) (Cursor, error) {
	return &boltCursor{c: s.be.recordBucket(s.tx, t).Cursor()}, nil
}

func (s *boltReadScope) Close() error {
	return s.tx.Rollback()
}

// boltWriteScope wraps a read-write bbolt transaction. Commit/Abort are
// mutually exclusive and exactly one must be called, mirroring the
// original backend's scoped-lock RAII commit/abort-on-unwind contract.
type boltWriteScope struct {
	boltReadScope
	done bool
}

func (s *boltWriteScope) Put(t RecordType, key, value []byte) error {
	if s.done {
		return NewConflictError("scope already closed")
	}
	if err := s.be.recordBucket(s.tx, t).Put(key, value); err != nil {
		return NewIOError(err.Error())
	}
	return nil
}

// AppendTxn appends entry to the transaction log bucket using this
// scope's own transaction, so it lands in the same Commit/Abort as every
// other write staged through the scope.
func (s *boltWriteScope) AppendTxn(entry []byte) (uint64, error) {
	if s.done {
		return 0, NewConflictError("scope already closed")
	}
	bucket := s.tx.Bucket(transactionLogBucket)
	seq, err := bucket.NextSequence()
	if err != nil {
		return 0, NewIOError(err.Error())
	}
	if err := bucket.Put(seqKey(seq), entry); err != nil {
		return 0, NewIOError(err.Error())
	}
	return seq, nil
}

func (s *boltWriteScope) Commit() error {
	if s.done {
		return NewConflictError("scope already closed")
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		if errors.Is(err, bolt.ErrTxClosed) {
			return NewConflictError(err.Error())
		}
		return NewIOError(err.Error())
	}
	return nil
}

func (s *boltWriteScope) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil {
		return NewIOError(err.Error())
	}
	return nil
}

func (b *BoltBackend) ReadLock(t RecordType, key []byte) (ReadScope, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, NewIOError(err.Error())
	}
	return &boltReadScope{tx: tx, be: b}, nil
}

func (b *BoltBackend) WriteLock(t RecordType, key []byte) (WriteScope, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, NewConflictError(err.Error())
		}
		return nil, NewIOError(err.Error())
	}
	return &boltWriteScope{boltReadScope: boltReadScope{tx: tx, be: b}}, nil
}

// boltCursor adapts *bolt.Cursor to the Cursor interface. It shares its
// parent ReadScope's transaction and does not own it: the scope's Close
// is what releases the underlying bbolt transaction.
type boltCursor struct {
	c *bolt.Cursor
}

func (c *boltCursor) First() (key, value []byte, ok bool) {
	k, v := c.c.First()
	return k, v, k != nil
}

func (c *boltCursor) Next() (key, value []byte, ok bool) {
	k, v := c.c.Next()
	return k, v, k != nil
}

func (c *boltCursor) Last() (key, value []byte, ok bool) {
	k, v := c.c.Last()
	return k, v, k != nil
}

func (c *boltCursor) Prev() (key, value []byte, ok bool) {
	k, v := c.c.Prev()
	return k, v, k != nil
}

func (c *boltCursor) Seek(key []byte) (k, value []byte, ok bool) {
	sk, sv := c.c.Seek(key)
	return sk, sv, sk != nil
}

// ---- transaction log ----

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func (b *BoltBackend) AppendTxn(entry []byte) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transactionLogBucket)
		s, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		seq = s
		return bucket.Put(seqKey(seq), entry)
	})
	if err != nil {
		return 0, NewIOError(err.Error())
	}
	log.Debugf("appended txn log entry at seq %d", seq)
	return seq, nil
}

func (b *BoltBackend) TxnFind(seq uint64) ([]byte, error) {
	var out []byte
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transactionLogBucket).Get(seqKey(seq))
		if v != nil {
			found = true
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, NewIOError(err.Error())
	}
	if !found {
		return nil, fmt.Errorf("kv: no transaction log entry at seq %d", seq)
	}
	return out, nil
}

func (b *BoltBackend) TxnFirst() (uint64, []byte, error) {
	var seq uint64
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(transactionLogBucket).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		seq = binary.BigEndian.Uint64(k)
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return 0, nil, NewIOError(err.Error())
	}
	return seq, out, nil
}

func (b *BoltBackend) TxnLast() (uint64, []byte, error) {
	var seq uint64
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(transactionLogBucket).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		seq = binary.BigEndian.Uint64(k)
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return 0, nil, NewIOError(err.Error())
	}
	return seq, out, nil
}

func (b *BoltBackend) PruneBefore(seq uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transactionLogBucket)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= seq {
				break
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
