package checkpoint

import (
	"encoding/binary"
	"sync"

	"github.com/tendermint/go-amino"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/store"
)

var cdc = amino.NewCodec()

var (
	prefixByGen = []byte("checkpoints/")
	keyHead     = []byte("checkpoints.head")
)

// Ledger is the append-only checkpoint chain. Appends are globally
// serialized: the chain head is a compare-and-swap point, never a mutable
// global.
type Ledger struct {
	mu   sync.Mutex
	db   store.KVStore
	head *Checkpoint
}

// NewLedger opens the ledger over the given store and loads the current
// head. A persisted head that cannot be decoded is fatal: the ledger
// refuses to operate rather than guess at custody state.
func NewLedger(db store.KVStore) (*Ledger, error) {
	l := &Ledger{db: db}

	raw, err := db.Get(keyHead)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// Fresh ledger, genesis not appended yet.
		return l, nil
	}
	if len(raw) != 8 {
		return nil, errors.Wrap(errors.ErrCorruption, "checkpoint head pointer")
	}
	head, err := l.load(binary.BigEndian.Uint64(raw))
	if err != nil {
		return nil, err
	}
	l.head = head
	return l, nil
}

// Append adds a checkpoint to the chain. It succeeds only if the
// checkpoint's predecessor reference matches the current head's hash and
// its generation is strictly greater; otherwise it fails with
// ErrStaleCheckpoint. The first append must be a genesis checkpoint.
func (l *Ledger) Append(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == nil {
		if !cp.IsGenesis() {
			return errors.Wrap(errors.ErrStaleCheckpoint, "first checkpoint must reference no predecessor")
		}
	} else {
		if cp.Predecessor != l.head.Hash() {
			return errors.Wrap(errors.ErrStaleCheckpoint, "predecessor is not the current head")
		}
		if cp.Generation <= l.head.Generation {
			return errors.Wrapf(errors.ErrStaleCheckpoint, "generation %d does not exceed head generation %d", cp.Generation, l.head.Generation)
		}
	}

	raw, err := cdc.MarshalBinaryBare(cp)
	if err != nil {
		return errors.Wrapf(errors.ErrMsg, "encode checkpoint: %s", err)
	}
	if err := l.db.Set(genKey(cp.Generation), raw); err != nil {
		return err
	}
	var headRaw [8]byte
	binary.BigEndian.PutUint64(headRaw[:], cp.Generation)
	if err := l.db.Set(keyHead, headRaw[:]); err != nil {
		return err
	}

	l.head = cp
	return nil
}

// Head returns the current checkpoint. The relay watches its custody
// address and the signing coordinator takes the active threshold from it.
// Returns ErrNotFound before genesis.
func (l *Ledger) Head() (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "checkpoint chain is empty")
	}
	return l.head, nil
}

// ByGeneration returns the checkpoint stored for a generation.
func (l *Ledger) ByGeneration(generation uint64) (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(generation)
}

func (l *Ledger) load(generation uint64) (*Checkpoint, error) {
	raw, err := l.db.Get(genKey(generation))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "checkpoint generation %d", generation)
	}
	var cp Checkpoint
	if err := cdc.UnmarshalBinaryBare(raw, &cp); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruption, "checkpoint generation %d: %s", generation, err)
	}
	return &cp, nil
}

func genKey(generation uint64) []byte {
	key := make([]byte, len(prefixByGen)+8)
	copy(key, prefixByGen)
	binary.BigEndian.PutUint64(key[len(prefixByGen):], generation)
	return key
}
