/*
Package store defines the key-value storage used by the peg satellite
processes for everything that must survive a restart: relay cursors, the
checkpoint ledger and signatory set snapshots.

Two implementations are provided. MemStore is btree-backed and used in
tests. LevelStore persists through leveldb and is what the long-running
commands open under their home directory.
*/
package store

// KVStore is the minimal interface all backing stores implement.
type KVStore interface {
	// Get returns nil if the key does not exist. Panics on nil key.
	Get(key []byte) ([]byte, error)

	// Has checks for key existence. Panics on nil key.
	Has(key []byte) (bool, error)

	// Set stores the value under the key. Panics on nil key.
	Set(key, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Iterator iterates keys in ascending order over the half-open
	// domain [start, end). A nil start begins at the first key, a nil
	// end runs to the last.
	//
	// CONTRACT: no writes may happen within a domain while an iterator
	// exists over it.
	Iterator(start, end []byte) (Iterator, error)
}

// Iterator walks a range of keys.
//
//   it, _ := db.Iterator(start, end)
//   defer it.Close()
//   for ; it.Valid(); it.Next() {
//       k, v := it.Key(), it.Value()
//       ...
//   }
type Iterator interface {
	// Valid reports whether the current position holds an entry. Once
	// false, the iterator is exhausted for good.
	Valid() bool

	// Next advances to the next key. Panics if not Valid.
	Next()

	// Key returns the key at the current position. The returned slice
	// must not be modified. Panics if not Valid.
	Key() []byte

	// Value returns the value at the current position. The returned
	// slice must not be modified. Panics if not Valid.
	Value() []byte

	// Close releases the iterator.
	Close()
}

// PrefixRange translates a key prefix into an iterator domain covering
// exactly the keys that begin with it.
func PrefixRange(prefix []byte) (start, end []byte) {
	if len(prefix) == 0 {
		return nil, nil
	}
	start = prefix
	// The end is the prefix with its last non-0xff byte incremented.
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] < 0xff {
			end = make([]byte, i+1)
			copy(end, prefix)
			end[i]++
			return start, end
		}
	}
	// All bytes are 0xff: iterate to the end of the keyspace.
	return start, nil
}
