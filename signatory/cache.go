package signatory

import (
	"encoding/binary"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/store"
)

// Store keys. The current and previous snapshots keep the keys the chain
// state uses, so a relayer can serve the same queries the sidechain does.
var (
	keyCurrent  = []byte("signatories")
	keyPrevious = []byte("prev_signatories")
	prefixByGen = []byte("signatories/")
)

// Cache persists signatory set snapshots keyed by generation and tracks the
// current and previous set. Deposits to the previous set's custody address
// remain creditable while a checkpoint transition is in flight, so both are
// kept addressable.
type Cache struct {
	db store.KVStore
}

// NewCache returns a cache over the given store.
func NewCache(db store.KVStore) *Cache {
	return &Cache{db: db}
}

// Put stores the snapshot under its generation and promotes it to current,
// demoting the old current to previous.
func (c *Cache) Put(set *Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	raw := set.Encode()

	if err := c.db.Set(genKey(set.Generation), raw); err != nil {
		return err
	}
	old, err := c.db.Get(keyCurrent)
	if err != nil {
		return err
	}
	if old != nil {
		if err := c.db.Set(keyPrevious, old); err != nil {
			return err
		}
	}
	return c.db.Set(keyCurrent, raw)
}

// Current returns the active signatory set, or ErrNotFound before the first
// Put.
func (c *Cache) Current() (*Set, error) {
	return c.load(keyCurrent)
}

// Previous returns the set superseded by the current one, or ErrNotFound if
// there has been at most one generation.
func (c *Cache) Previous() (*Set, error) {
	return c.load(keyPrevious)
}

// ByGeneration returns the snapshot stored for the given generation.
func (c *Cache) ByGeneration(generation uint64) (*Set, error) {
	return c.load(genKey(generation))
}

func (c *Cache) load(key []byte) (*Set, error) {
	raw, err := c.db.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "signatory set %q", key)
	}
	set, err := Decode(raw)
	if err != nil {
		// A snapshot we wrote ourselves must decode. Anything else
		// means the persisted state cannot be trusted.
		return nil, errors.Wrapf(errors.ErrCorruption, "signatory set %q: %s", key, err)
	}
	return set, nil
}

func genKey(generation uint64) []byte {
	key := make([]byte, len(prefixByGen)+8)
	copy(key, prefixByGen)
	binary.BigEndian.PutUint64(key[len(prefixByGen):], generation)
	return key
}
