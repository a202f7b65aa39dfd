/*
Package checkpoint implements the append-only custody checkpoint ledger.

A checkpoint binds a signatory set generation to the Bitcoin reserve output
it controls. Checkpoints form a single linear chain: each one references the
hash of its predecessor, and the ledger only ever appends to the head.
Custody correctness depends on this chain, so any inconsistency here halts
checkpoint progression instead of being papered over.
*/
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/nomic-io/nomic-go/errors"
)

// HashLength is the length of checkpoint and transaction hashes.
const HashLength = 32

// Checkpoint is one custody snapshot. Immutable once its spend transaction
// confirmed on Bitcoin; superseded, never deleted, by its successor.
type Checkpoint struct {
	// Generation of the signatory set controlling the reserve.
	Generation uint64
	// CustodyScript is the redeem script of that set.
	CustodyScript []byte
	// Reserve is the custodied amount in satoshis.
	Reserve int64
	// Predecessor is the hash of the previous checkpoint, all zero for
	// genesis.
	Predecessor [HashLength]byte
	// TxID is the Bitcoin transaction that established this checkpoint's
	// reserve output.
	TxID [HashLength]byte
}

// Validate checks structural well-formedness.
func (c *Checkpoint) Validate() error {
	if len(c.CustodyScript) == 0 {
		return errors.Wrap(errors.ErrInput, "missing custody script")
	}
	if c.Reserve < 0 {
		return errors.Wrapf(errors.ErrInput, "negative reserve %d", c.Reserve)
	}
	return nil
}

// Encode produces the canonical encoding the checkpoint hash commits to:
//
//   generation    uint64 big endian
//   reserve       uint64 big endian
//   predecessor   32 bytes
//   txid          32 bytes
//   script length uint32 big endian
//   script        variable
//
// Fixed-width big endian fields keep the hash stable across nodes and
// releases.
func (c *Checkpoint) Encode() []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], c.Generation)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(c.Reserve))
	buf.Write(scratch[:])
	buf.Write(c.Predecessor[:])
	buf.Write(c.TxID[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(c.CustodyScript)))
	buf.Write(scratch[:4])
	buf.Write(c.CustodyScript)
	return buf.Bytes()
}

// Hash is the identity of the checkpoint within the chain.
func (c *Checkpoint) Hash() [HashLength]byte {
	return sha256.Sum256(c.Encode())
}

// IsGenesis reports whether the checkpoint claims no predecessor.
func (c *Checkpoint) IsGenesis() bool {
	var zero [HashLength]byte
	return c.Predecessor == zero
}
