// Package storage wraps a single-writer, multi-reader embedded
// transactional key/value store (spec.md §4.1). It generalizes the
// teacher's BoltDB-backed CRUD store (pkg/storage/boltdb.go in
// cuemby-warren) into a named-sub-database KV interface modeled after
// erigon-lib's kv.RoDB/RwDB/Cursor vocabulary, backed by go.etcd.io/bbolt.
package storage

import "io"

// Store is the capability set pkg/recordstore, pkg/agg, pkg/setop and
// pkg/cache depend on (spec.md §9 design note: "model this as an
// interface; do not hard-wire a particular store").
type Store interface {
	io.Closer

	// BeginRead opens a consistent read snapshot.
	BeginRead() (ReadTxn, error)

	// BeginWrite opens the single process-wide writer. Callers must
	// Commit or Rollback before another BeginWrite call can proceed.
	BeginWrite() (WriteTxn, error)
}

// ReadTxn is a read-only snapshot transaction.
type ReadTxn interface {
	// Get returns nil, nil if the key is absent from db.
	Get(db string, key []byte) ([]byte, error)
	Cursor(db string) (Cursor, error)
	// DupCursor opens a cursor over a sub-database configured with
	// DupSort: duplicate logical keys with ordered values (spec.md §4.1,
	// used by secondary indexes).
	DupCursor(db string) (DupCursor, error)
	Rollback()
}

// WriteTxn is the single writer. It embeds ReadTxn so writers can read
// their own uncommitted writes.
type WriteTxn interface {
	ReadTxn
	Put(db string, key, value []byte) error
	Del(db string, key []byte) error
	DupPut(db string, key, value []byte) error
	DupDel(db string, key, value []byte) error
	Commit() error

	// CommitAndRenew flushes durably and returns a fresh write transaction
	// in one call. The bolt implementation commits and then begins a new
	// writer, so the writer lock is released in between and another
	// writer can take it first.
	CommitAndRenew() (WriteTxn, error)
}

// Cursor walks an ordinary (non-dup) sub-database.
type Cursor interface {
	First() (key, value []byte, err error)
	Last() (key, value []byte, err error)
	Seek(key []byte) (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Prev() (k, v []byte, err error)
	Close()
}

// DupCursor walks a sub-database configured with duplicate-value keys
// (secondary indexes: many record ids per encoded index key).
type DupCursor interface {
	// Seek positions at the first entry whose key >= seek (across all
	// duplicate values), ascending.
	Seek(key []byte) (k, v []byte, err error)
	SeekExact(key, value []byte) (ok bool, err error)
	Next() (k, v []byte, err error)
	Prev() (k, v []byte, err error)
	First() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Close()
}

// DBConfig declares one named sub-database.
type DBConfig struct {
	Name    string
	DupSort bool
}
