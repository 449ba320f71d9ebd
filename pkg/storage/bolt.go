package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cuemby/streamrunner/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

// dupValueLen is the width of values stored in DupSort sub-databases: the
// cache's secondary indexes store nothing but 8-byte record ids per
// spec.md §3 ("Cache record id: fixed 8-byte"), so the dup-key trick
// (physical key = logical key bytes, self-delimiting, followed by the
// fixed-width value) only has to support one value width.
const dupValueLen = 8

// BoltStore implements Store on top of go.etcd.io/bbolt, generalizing
// cuemby-warren's pkg/storage/boltdb.go from a fixed CRUD interface over
// container types into a generic named-sub-database KV store.
type BoltStore struct {
	db      *bolt.DB
	dupSort map[string]bool
}

// Open creates or opens a bbolt-backed store at path, creating every
// sub-database named in cfgs that does not already exist.
func Open(path string, cfgs []DBConfig) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database %s: %w", path, err)
	}

	dupSort := make(map[string]bool, len(cfgs))
	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range cfgs {
			if _, err := tx.CreateBucketIfNotExists([]byte(c.Name)); err != nil {
				return fmt.Errorf("storage: failed to create sub-database %s: %w", c.Name, err)
			}
			dupSort[c.Name] = c.DupSort
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dupSort: dupSort}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) BeginRead() (ReadTxn, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	return &boltTxn{tx: tx, store: s}, nil
}

func (s *BoltStore) BeginWrite() (WriteTxn, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	return &boltTxn{tx: tx, store: s, writable: true}, nil
}

func wrapBoltErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTxNotWritable) {
		return fmt.Errorf("storage: %w", err)
	}
	if errors.Is(err, bolt.ErrTimeout) {
		return fmt.Errorf("storage: %w: %v", errs.ErrTxnConflict, err)
	}
	return err
}

type boltTxn struct {
	tx       *bolt.Tx
	store    *BoltStore
	writable bool
}

func (t *boltTxn) bucket(db string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(db))
	if b == nil {
		return nil, fmt.Errorf("storage: unknown sub-database %q", db)
	}
	return b, nil
}

func (t *boltTxn) Get(db string, key []byte) ([]byte, error) {
	b, err := t.bucket(db)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTxn) Put(db string, key, value []byte) error {
	b, err := t.bucket(db)
	if err != nil {
		return err
	}
	if err := b.Put(key, value); err != nil {
		if errors.Is(err, bolt.ErrTxNotWritable) {
			return err
		}
		return fmt.Errorf("storage: put into %s: %w: %v", db, errs.ErrStoreFull, err)
	}
	return nil
}

func (t *boltTxn) Del(db string, key []byte) error {
	b, err := t.bucket(db)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *boltTxn) DupPut(db string, key, value []byte) error {
	if len(value) != dupValueLen {
		return fmt.Errorf("storage: dup value must be %d bytes, got %d", dupValueLen, len(value))
	}
	b, err := t.bucket(db)
	if err != nil {
		return err
	}
	phys := append(append([]byte{}, key...), value...)
	return b.Put(phys, value)
}

func (t *boltTxn) DupDel(db string, key, value []byte) error {
	if len(value) != dupValueLen {
		return fmt.Errorf("storage: dup value must be %d bytes, got %d", dupValueLen, len(value))
	}
	b, err := t.bucket(db)
	if err != nil {
		return err
	}
	phys := append(append([]byte{}, key...), value...)
	return b.Delete(phys)
}

func (t *boltTxn) Cursor(db string) (Cursor, error) {
	b, err := t.bucket(db)
	if err != nil {
		return nil, err
	}
	return &boltCursor{c: b.Cursor()}, nil
}

func (t *boltTxn) DupCursor(db string) (DupCursor, error) {
	b, err := t.bucket(db)
	if err != nil {
		return nil, err
	}
	return &boltDupCursor{c: b.Cursor()}, nil
}

func (t *boltTxn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return err
		}
		return fmt.Errorf("storage: commit: %w: %v", errs.ErrStoreCorrupt, err)
	}
	return nil
}

func (t *boltTxn) Rollback() {
	_ = t.tx.Rollback()
}

// CommitAndRenew commits t and then opens a fresh write transaction with
// BeginWrite. The bolt writer lock is released between the two steps, so
// another goroutine's BeginWrite can run first.
func (t *boltTxn) CommitAndRenew() (WriteTxn, error) {
	if err := t.Commit(); err != nil {
		return nil, err
	}
	return t.store.BeginWrite()
}

// --- plain cursor ---

type boltCursor struct{ c *bolt.Cursor }

func (c *boltCursor) First() ([]byte, []byte, error) { k, v := c.c.First(); return dup(k), dup(v), nil }
func (c *boltCursor) Last() ([]byte, []byte, error)  { k, v := c.c.Last(); return dup(k), dup(v), nil }
func (c *boltCursor) Seek(key []byte) ([]byte, []byte, error) {
	k, v := c.c.Seek(key)
	return dup(k), dup(v), nil
}
func (c *boltCursor) Next() ([]byte, []byte, error) { k, v := c.c.Next(); return dup(k), dup(v), nil }
func (c *boltCursor) Prev() ([]byte, []byte, error) { k, v := c.c.Prev(); return dup(k), dup(v), nil }
func (c *boltCursor) Close()                        {}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// --- duplicate-key cursor ---
//
// Physical keys are logical_key || fixed_width_value, relying on the
// logical key being self-delimiting (codec's fixed-width numeric and
// escaped-string/binary encodings, see pkg/codec) so plain byte order on
// the physical key agrees with (logical key, value) order.

type boltDupCursor struct{ c *bolt.Cursor }

func splitDup(phys []byte) (key, value []byte) {
	if len(phys) < dupValueLen {
		return phys, nil
	}
	n := len(phys) - dupValueLen
	return phys[:n], phys[n:]
}

func (c *boltDupCursor) Seek(key []byte) ([]byte, []byte, error) {
	k, _ := c.c.Seek(key)
	if k == nil {
		return nil, nil, nil
	}
	lk, v := splitDup(k)
	return dup(lk), dup(v), nil
}

func (c *boltDupCursor) SeekExact(key, value []byte) (bool, error) {
	phys := append(append([]byte{}, key...), value...)
	k, _ := c.c.Seek(phys)
	if k == nil || !bytes.Equal(k, phys) {
		return false, nil
	}
	return true, nil
}

func (c *boltDupCursor) Next() ([]byte, []byte, error) {
	k, _ := c.c.Next()
	if k == nil {
		return nil, nil, nil
	}
	lk, v := splitDup(k)
	return dup(lk), dup(v), nil
}

func (c *boltDupCursor) Prev() ([]byte, []byte, error) {
	k, _ := c.c.Prev()
	if k == nil {
		return nil, nil, nil
	}
	lk, v := splitDup(k)
	return dup(lk), dup(v), nil
}

func (c *boltDupCursor) First() ([]byte, []byte, error) {
	k, _ := c.c.First()
	if k == nil {
		return nil, nil, nil
	}
	lk, v := splitDup(k)
	return dup(lk), dup(v), nil
}

func (c *boltDupCursor) Last() ([]byte, []byte, error) {
	k, _ := c.c.Last()
	if k == nil {
		return nil, nil, nil
	}
	lk, v := splitDup(k)
	return dup(lk), dup(v), nil
}

func (c *boltDupCursor) Close() {}
