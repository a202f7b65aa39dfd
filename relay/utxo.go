package relay

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/go-amino"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/store"
)

var utxoCdc = amino.NewCodec()

var prefixUTXO = []byte("utxos/")

// UTXO is one unspent reserve output: either a checkpoint's custody output
// or a confirmed deposit. Generation records which signatory set's script
// the output pays, since only that set can sign its spend.
type UTXO struct {
	OutPoint   wire.OutPoint
	Amount     int64
	Generation uint64
}

// UTXOSet is the relay's persisted registry of spendable reserve outputs.
type UTXOSet struct {
	db store.KVStore
}

// NewUTXOSet returns a registry over the given store.
func NewUTXOSet(db store.KVStore) *UTXOSet {
	return &UTXOSet{db: db}
}

// Add records an output. Re-adding the same outpoint is harmless, which
// keeps deposit tracking idempotent across restarts.
func (u *UTXOSet) Add(utxo UTXO) error {
	raw, err := utxoCdc.MarshalBinaryBare(utxo)
	if err != nil {
		return errors.Wrapf(errors.ErrMsg, "encode utxo: %s", err)
	}
	return u.db.Set(utxoKey(utxo.OutPoint), raw)
}

// Has reports whether the outpoint is tracked.
func (u *UTXOSet) Has(op wire.OutPoint) (bool, error) {
	return u.db.Has(utxoKey(op))
}

// Remove drops a spent output.
func (u *UTXOSet) Remove(op wire.OutPoint) error {
	return u.db.Delete(utxoKey(op))
}

// List returns all tracked outputs in a deterministic order: ascending by
// txid bytes, then output index. Checkpoint transactions select their
// inputs in this order, so independent relayers building the same
// transition produce the same txid.
func (u *UTXOSet) List() ([]UTXO, error) {
	start, end := store.PrefixRange(prefixUTXO)
	it, err := u.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var utxos []UTXO
	for ; it.Valid(); it.Next() {
		var utxo UTXO
		if err := utxoCdc.UnmarshalBinaryBare(it.Value(), &utxo); err != nil {
			return nil, errors.Wrapf(errors.ErrCorruption, "utxo %x: %s", it.Key(), err)
		}
		utxos = append(utxos, utxo)
	}

	sort.Slice(utxos, func(i, j int) bool {
		cmp := bytes.Compare(utxos[i].OutPoint.Hash[:], utxos[j].OutPoint.Hash[:])
		if cmp != 0 {
			return cmp < 0
		}
		return utxos[i].OutPoint.Index < utxos[j].OutPoint.Index
	})
	return utxos, nil
}

// ByGeneration returns the tracked outputs paying the given generation's
// custody script, in the same deterministic order as List.
func (u *UTXOSet) ByGeneration(generation uint64) ([]UTXO, error) {
	all, err := u.List()
	if err != nil {
		return nil, err
	}
	var utxos []UTXO
	for _, utxo := range all {
		if utxo.Generation == generation {
			utxos = append(utxos, utxo)
		}
	}
	return utxos, nil
}

func utxoKey(op wire.OutPoint) []byte {
	key := make([]byte, 0, len(prefixUTXO)+len(op.Hash)+4)
	key = append(key, prefixUTXO...)
	key = append(key, op.Hash[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], op.Index)
	return append(key, idx[:]...)
}
