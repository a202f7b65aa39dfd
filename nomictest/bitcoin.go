package nomictest

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/nomic-io/nomic-go/errors"
)

// BitcoinNode is an in-memory Bitcoin chain. Blocks are mined on demand
// with correct Merkle roots, so deposit proofs built from them verify
// against the headers.
type BitcoinNode struct {
	mu        sync.Mutex
	blocks    []*wire.MsgBlock
	heights   map[chainhash.Hash]int64
	mempool   []*wire.MsgTx
	rejectMsg string
}

// NewBitcoinNode returns an empty chain.
func NewBitcoinNode() *BitcoinNode {
	return &BitcoinNode{heights: make(map[chainhash.Hash]int64)}
}

// Mine appends a block containing a synthetic coinbase, any mempool
// transactions and the given transactions, and returns its height.
func (n *BitcoinNode) Mine(txs ...*wire.MsgTx) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	height := int64(len(n.blocks)) + 1
	all := append([]*wire.MsgTx{coinbase(height)}, n.mempool...)
	all = append(all, txs...)
	n.mempool = nil

	var prev chainhash.Hash
	if len(n.blocks) > 0 {
		prev = n.blocks[len(n.blocks)-1].BlockHash()
	}
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    2,
			PrevBlock:  prev,
			MerkleRoot: merkleRoot(all),
			Timestamp:  time.Unix(1500000000+height*600, 0),
		},
		Transactions: all,
	}
	n.blocks = append(n.blocks, block)
	for _, tx := range all {
		n.heights[tx.TxHash()] = height
	}
	return height
}

// MineEmpty advances the chain by the given number of blocks, confirming
// whatever is already mined without adding transactions.
func (n *BitcoinNode) MineEmpty(count int) {
	for i := 0; i < count; i++ {
		n.Mine()
	}
}

// RejectNextBroadcast makes the next BroadcastTransaction call fail as the
// network refusing the transaction, with the given reason.
func (n *BitcoinNode) RejectNextBroadcast(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectMsg = reason
}

// BestHeight returns the tip height.
func (n *BitcoinNode) BestHeight() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.blocks)), nil
}

// GetBlock returns the block at the given height.
func (n *BitcoinNode) GetBlock(height int64) (*wire.MsgBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if height < 1 || height > int64(len(n.blocks)) {
		return nil, errors.Wrapf(errors.ErrNotFound, "block %d", height)
	}
	return n.blocks[height-1], nil
}

// BroadcastTransaction accepts a transaction into the mempool; the next
// Mine call includes it.
func (n *BitcoinNode) BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rejectMsg != "" {
		msg := n.rejectMsg
		n.rejectMsg = ""
		return nil, errors.Wrapf(errors.ErrRejected, "%s", msg)
	}
	n.mempool = append(n.mempool, tx)
	hash := tx.TxHash()
	return &hash, nil
}

// Confirmations reports how deep a transaction is buried, zero for
// mempool-only or unknown transactions.
func (n *BitcoinNode) Confirmations(txid *chainhash.Hash) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	height, ok := n.heights[*txid]
	if !ok {
		return 0, nil
	}
	return int64(len(n.blocks)) - height + 1, nil
}

// coinbase builds a minimal unique transaction anchoring each block, so
// deposits never sit at Merkle index zero and branch verification is
// exercised for real.
func coinbase(height int64) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	script, _ := txscript.NewScriptBuilder().AddInt64(height).Script()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  script,
	})
	tx.AddTxOut(wire.NewTxOut(5000000000, []byte{txscript.OP_TRUE}))
	return tx
}

func merkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	level := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.TxHash()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			var concat [2 * chainhash.HashSize]byte
			copy(concat[:chainhash.HashSize], level[2*i][:])
			copy(concat[chainhash.HashSize:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(concat[:])
		}
		level = next
	}
	return level[0]
}
