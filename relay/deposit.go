package relay

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/errors"
)

// depositMatch locates one custody-paying output within a scanned block.
type depositMatch struct {
	txIndex     int
	outputIndex uint32
	amount      int64
	generation  uint64
}

// watchedScript pairs a custody output script with the set generation it
// belongs to.
type watchedScript struct {
	pkScript   []byte
	generation uint64
}

// matchDeposits scans a block for outputs paying any of the watched
// custody scripts.
func matchDeposits(block *wire.MsgBlock, watched []watchedScript) []depositMatch {
	var matches []depositMatch
	for txIndex, tx := range block.Transactions {
		for vout, out := range tx.TxOut {
			for _, w := range watched {
				if bytes.Equal(out.PkScript, w.pkScript) {
					matches = append(matches, depositMatch{
						txIndex:     txIndex,
						outputIndex: uint32(vout),
						amount:      out.Value,
						generation:  w.generation,
					})
					break
				}
			}
		}
	}
	return matches
}

// buildDepositProof constructs the proof for one transaction in a block:
// the raw transaction, the block header and the Merkle branch from the
// transaction's leaf to the header's Merkle root.
func buildDepositProof(block *wire.MsgBlock, height int64, match depositMatch) (*client.DepositProof, error) {
	if match.txIndex >= len(block.Transactions) {
		return nil, errors.Wrapf(errors.ErrInput, "transaction index %d out of range", match.txIndex)
	}
	tx := block.Transactions[match.txIndex]

	// The txid commits to the transaction without witness data, so the
	// proof carries the non-witness serialization.
	var txBuf bytes.Buffer
	if err := tx.SerializeNoWitness(&txBuf); err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "serialize transaction: %s", err)
	}
	var headerBuf bytes.Buffer
	if err := block.Header.Serialize(&headerBuf); err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "serialize header: %s", err)
	}

	txids := make([]chainhash.Hash, len(block.Transactions))
	for i, t := range block.Transactions {
		txids[i] = t.TxHash()
	}

	return &client.DepositProof{
		Transaction:  txBuf.Bytes(),
		BlockHeader:  headerBuf.Bytes(),
		Height:       height,
		MerkleBranch: merkleBranch(txids, match.txIndex),
		Index:        uint32(match.txIndex),
		OutputIndex:  match.outputIndex,
	}, nil
}

// merkleBranch computes the sibling hashes proving inclusion of the leaf at
// the given index, bottom up. Odd levels duplicate their last entry, per
// Bitcoin's Merkle tree construction.
func merkleBranch(txids []chainhash.Hash, index int) [][]byte {
	var branch [][]byte
	level := txids
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := level[index^1]
		branch = append(branch, append([]byte(nil), sibling[:]...))

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashNodes(level[2*i], level[2*i+1])
		}
		level = next
		index /= 2
	}
	return branch
}

func hashNodes(left, right chainhash.Hash) chainhash.Hash {
	var concat [2 * chainhash.HashSize]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(concat[:])
}

// verifyDepositProof checks a constructed proof against itself: the branch
// must fold from the transaction's txid to the header's Merkle root and
// the claimed output must exist. The relay never forwards a proof that
// fails this; an inconsistent proof is dropped and logged.
func verifyDepositProof(proof *client.DepositProof) error {
	if err := proof.Validate(); err != nil {
		return err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(proof.Transaction)); err != nil {
		return errors.Wrapf(errors.ErrInvalidProof, "transaction: %s", err)
	}
	if int(proof.OutputIndex) >= len(tx.TxOut) {
		return errors.Wrapf(errors.ErrInvalidProof, "output %d out of range", proof.OutputIndex)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(proof.BlockHeader)); err != nil {
		return errors.Wrapf(errors.ErrInvalidProof, "header: %s", err)
	}

	node := tx.TxHash()
	index := proof.Index
	for _, rawSibling := range proof.MerkleBranch {
		sibling, err := chainhash.NewHash(rawSibling)
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidProof, "branch node: %s", err)
		}
		if index%2 == 0 {
			node = hashNodes(node, *sibling)
		} else {
			node = hashNodes(*sibling, node)
		}
		index /= 2
	}

	if node != header.MerkleRoot {
		return errors.Wrap(errors.ErrInvalidProof, "merkle branch does not reach header root")
	}
	return nil
}
