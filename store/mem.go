package store

import (
	"bytes"

	"github.com/google/btree"
)

// MemStore is an in-memory KVStore for tests. There is no persistence.
type MemStore struct {
	bt *btree.BTree
}

var _ KVStore = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		bt: btree.New(2),
	}
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	assertKey(key)
	res := m.bt.Get(item{key: key})
	if res == nil {
		return nil, nil
	}
	return res.(item).value, nil
}

func (m *MemStore) Has(key []byte) (bool, error) {
	assertKey(key)
	return m.bt.Has(item{key: key}), nil
}

func (m *MemStore) Set(key, value []byte) error {
	assertKey(key)
	cp := make([]byte, len(value))
	copy(cp, value)
	m.bt.ReplaceOrInsert(item{key: append([]byte(nil), key...), value: cp})
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	assertKey(key)
	m.bt.Delete(item{key: key})
	return nil
}

func (m *MemStore) Iterator(start, end []byte) (Iterator, error) {
	// Materialize the range. Stores here are small (cursors, a
	// checkpoint chain) and a snapshot keeps the iterator valid across
	// writes, which the interface contract does not even require.
	var entries []item
	collect := func(i btree.Item) bool {
		entries = append(entries, i.(item))
		return true
	}
	switch {
	case start == nil && end == nil:
		m.bt.Ascend(collect)
	case start == nil:
		m.bt.AscendLessThan(item{key: end}, collect)
	case end == nil:
		m.bt.AscendGreaterOrEqual(item{key: start}, collect)
	default:
		m.bt.AscendRange(item{key: start}, item{key: end}, collect)
	}
	return &memIterator{entries: entries}, nil
}

func assertKey(key []byte) {
	if key == nil {
		panic("nil key is not allowed")
	}
}

// item implements btree.Item ordered by key bytes.
type item struct {
	key   []byte
	value []byte
}

func (i item) Less(other btree.Item) bool {
	return bytes.Compare(i.key, other.(item).key) < 0
}

type memIterator struct {
	entries []item
	pos     int
}

var _ Iterator = (*memIterator)(nil)

func (it *memIterator) Valid() bool {
	return it.pos < len(it.entries)
}

func (it *memIterator) Next() {
	if !it.Valid() {
		panic("Next called on exhausted iterator")
	}
	it.pos++
}

func (it *memIterator) Key() []byte {
	if !it.Valid() {
		panic("Key called on exhausted iterator")
	}
	return it.entries[it.pos].key
}

func (it *memIterator) Value() []byte {
	if !it.Valid() {
		panic("Value called on exhausted iterator")
	}
	return it.entries[it.pos].value
}

func (it *memIterator) Close() {
	it.entries = nil
	it.pos = 0
}
