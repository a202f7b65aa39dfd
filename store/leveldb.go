package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/nomic-io/nomic-go/errors"
)

// LevelStore is a leveldb-backed KVStore. All long-running commands open
// one under their home directory.
type LevelStore struct {
	db *leveldb.DB
}

var _ KVStore = (*LevelStore)(nil)

// OpenLevelStore opens (creating if necessary) a leveldb database at the
// given path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCorruption, "open leveldb %q: %s", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close releases the underlying database. The store must not be used
// afterwards.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) Get(key []byte) ([]byte, error) {
	assertKey(key)
	value, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCorruption, "leveldb get: %s", err)
	}
	return value, nil
}

func (s *LevelStore) Has(key []byte) (bool, error) {
	assertKey(key)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, errors.Wrapf(errors.ErrCorruption, "leveldb has: %s", err)
	}
	return ok, nil
}

func (s *LevelStore) Set(key, value []byte) error {
	assertKey(key)
	if err := s.db.Put(key, value, nil); err != nil {
		return errors.Wrapf(errors.ErrCorruption, "leveldb put: %s", err)
	}
	return nil
}

func (s *LevelStore) Delete(key []byte) error {
	assertKey(key)
	if err := s.db.Delete(key, nil); err != nil {
		return errors.Wrapf(errors.ErrCorruption, "leveldb delete: %s", err)
	}
	return nil
}

func (s *LevelStore) Iterator(start, end []byte) (Iterator, error) {
	it := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	wrapped := &levelIterator{it: it}
	// leveldb iterators start before the first entry.
	wrapped.valid = it.Next()
	return wrapped, nil
}

type levelIterator struct {
	it    iterator.Iterator
	valid bool
}

var _ Iterator = (*levelIterator)(nil)

func (it *levelIterator) Valid() bool {
	return it.valid
}

func (it *levelIterator) Next() {
	if !it.valid {
		panic("Next called on exhausted iterator")
	}
	it.valid = it.it.Next()
}

func (it *levelIterator) Key() []byte {
	if !it.valid {
		panic("Key called on exhausted iterator")
	}
	return it.it.Key()
}

func (it *levelIterator) Value() []byte {
	if !it.valid {
		panic("Value called on exhausted iterator")
	}
	return it.it.Value()
}

func (it *levelIterator) Close() {
	it.it.Release()
	it.valid = false
}
