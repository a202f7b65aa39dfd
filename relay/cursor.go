package relay

import (
	"encoding/binary"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/store"
)

var keyBitcoinCursor = []byte("cursors/bitcoin")

// Cursors persists the last fully processed Bitcoin height. The cursor
// only advances after every submission derived from that height was
// acknowledged by the destination, so a crash between submission and
// advancement re-submits instead of skipping; the destination's
// idempotency absorbs the duplicates.
type Cursors struct {
	db store.KVStore
}

// NewCursors returns cursors over the given store.
func NewCursors(db store.KVStore) *Cursors {
	return &Cursors{db: db}
}

// BitcoinHeight returns the last fully processed Bitcoin height, zero when
// scanning has not started.
func (c *Cursors) BitcoinHeight() (int64, error) {
	return c.load(keyBitcoinCursor)
}

// SetBitcoinHeight durably advances the Bitcoin cursor.
func (c *Cursors) SetBitcoinHeight(height int64) error {
	return c.save(keyBitcoinCursor, height)
}

func (c *Cursors) load(key []byte) (int64, error) {
	raw, err := c.db.Get(key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, errors.Wrapf(errors.ErrCorruption, "cursor %q has %d bytes", key, len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (c *Cursors) save(key []byte, height int64) error {
	if height < 0 {
		return errors.Wrapf(errors.ErrInput, "negative height %d", height)
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(height))
	return c.db.Set(key, raw[:])
}
