package kvstore

import (
	"bytes"

	errorsmod "cosmossdk.io/errors"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/datachainlab/quartz-go/contract/types"
)

var _ Transactional = (*DBStore)(nil)

// DBStore is a Transactional backed by a cosmos-db database. Transactions are committed with a
// single synchronous batch.
type DBStore struct {
	db dbm.DB
}

func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// NewMemStore returns a DBStore over an in-memory database.
func NewMemStore() *DBStore {
	return NewDBStore(dbm.NewMemDB())
}

// OpenDBStore opens a goleveldb database named name under dir.
func OpenDBStore(name, dir string) (*DBStore, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrStoreIO, "failed to open db: %v", err)
	}
	return NewDBStore(db), nil
}

func (s *DBStore) Get(key []byte) ([]byte, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return nil, errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	return bz, nil
}

func (s *DBStore) Set(key, value []byte) error {
	if err := s.db.Set(key, value); err != nil {
		return errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

func (s *DBStore) Delete(key []byte) error {
	if err := s.db.Delete(key); err != nil {
		return errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

func (s *DBStore) Update(fn func(tx Backend) error) error {
	tx := newTxn(s)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.order) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, op := range tx.ops() {
		var err error
		if op.value == nil {
			err = batch.Delete(op.key)
		} else {
			err = batch.Set(op.key, op.value)
		}
		if err != nil {
			return errorsmod.Wrap(types.ErrStoreIO, err.Error())
		}
	}
	if err := batch.WriteSync(); err != nil {
		return errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

func (s *DBStore) Entries() ([]Entry, error) {
	it, err := s.db.Iterator(nil, nil)
	if err != nil {
		return nil, errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	defer it.Close()
	var entries []Entry
	for ; it.Valid(); it.Next() {
		entries = append(entries, Entry{Key: bytes.Clone(it.Key()), Value: bytes.Clone(it.Value())})
	}
	if err := it.Error(); err != nil {
		return nil, errorsmod.Wrap(types.ErrStoreIO, err.Error())
	}
	return entries, nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}

type op struct {
	key   []byte
	value []byte
}

// txn buffers writes over a parent backend. Reads see the buffered writes first.
type txn struct {
	parent Backend
	writes map[string][]byte
	order  []string
}

var deleted = []byte(nil)

func newTxn(parent Backend) *txn {
	return &txn{parent: parent, writes: make(map[string][]byte)}
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		return v, nil
	}
	return t.parent.Get(key)
}

func (t *txn) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	t.put(key, bytes.Clone(value))
	return nil
}

func (t *txn) Delete(key []byte) error {
	t.put(key, deleted)
	return nil
}

func (t *txn) put(key, value []byte) {
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = value
}

func (t *txn) ops() []op {
	ops := make([]op, 0, len(t.order))
	for _, k := range t.order {
		ops = append(ops, op{key: []byte(k), value: t.writes[k]})
	}
	return ops
}
