package client

import (
	"encoding/hex"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/errors"
)

// DepositProof is cryptographic evidence that a Bitcoin payment to a
// custody address occurred and is confirmed: the raw transaction, the
// header of the block containing it and the Merkle branch linking the two.
// The sidechain ledger consumes a proof exactly once per (txid, output).
type DepositProof struct {
	// Transaction is the raw Bitcoin transaction.
	Transaction []byte
	// BlockHeader is the 80 byte serialized header of the containing
	// block.
	BlockHeader []byte
	// Height of the containing block.
	Height int64
	// MerkleBranch holds the sibling hashes from the transaction's leaf
	// up to the Merkle root.
	MerkleBranch [][]byte
	// Index is the transaction's position within the block.
	Index uint32
	// OutputIndex is the output paying the custody address.
	OutputIndex uint32
}

// Validate checks structural well-formedness only; cryptographic
// verification happens on the sidechain.
func (p *DepositProof) Validate() error {
	if len(p.Transaction) == 0 {
		return errors.Wrap(errors.ErrInvalidProof, "missing transaction")
	}
	if len(p.BlockHeader) != 80 {
		return errors.Wrapf(errors.ErrInvalidProof, "block header has %d bytes", len(p.BlockHeader))
	}
	if p.Height < 0 {
		return errors.Wrap(errors.ErrInvalidProof, "negative height")
	}
	return nil
}

// WithdrawalRequest is a sidechain-originated intent to move reserve funds
// to a Bitcoin destination. Queued on the sidechain until the relay bundles
// it into a checkpoint transition.
type WithdrawalRequest struct {
	// Amount in satoshis.
	Amount int64
	// Script is the Bitcoin output script of the destination.
	Script []byte
}

// Transaction is the JSON envelope for sidechain transactions. The type
// field discriminates; exactly one payload is set.
type Transaction struct {
	Type       string        `json:"type"`
	Deposit    *DepositTx    `json:"deposit,omitempty"`
	Checkpoint *CheckpointTx `json:"checkpoint,omitempty"`
	WorkProof  *WorkProofTx  `json:"work_proof,omitempty"`
	Withdrawal *WithdrawalTx `json:"withdrawal,omitempty"`
}

// Transaction type discriminators.
const (
	TxTypeDeposit    = "deposit"
	TxTypeCheckpoint = "checkpoint"
	TxTypeWorkProof  = "work_proof"
	TxTypeWithdrawal = "withdrawal"
)

// DepositTx is the wire form of a deposit proof. Byte fields are hex.
type DepositTx struct {
	Transaction  string   `json:"transaction"`
	BlockHeader  string   `json:"block_header"`
	Height       int64    `json:"height"`
	MerkleBranch []string `json:"merkle_branch"`
	Index        uint32   `json:"index"`
	OutputIndex  uint32   `json:"output_index"`
}

// CheckpointTx attests a confirmed checkpoint transition to the sidechain.
type CheckpointTx struct {
	Generation    uint64 `json:"generation"`
	CustodyScript string `json:"custody_script"`
	Reserve       int64  `json:"reserve"`
	Predecessor   string `json:"predecessor"`
	TxID          string `json:"txid"`
}

// WorkProofTx redeems a golden nonce, granting voting power to the given
// public key.
type WorkProofTx struct {
	PubKey string `json:"public_key"`
	Nonce  uint64 `json:"nonce"`
}

// WithdrawalTx requests moving reserve funds to a Bitcoin script.
type WithdrawalTx struct {
	Amount int64  `json:"amount"`
	Script string `json:"script"`
}

func depositTx(p *DepositProof) *Transaction {
	branch := make([]string, len(p.MerkleBranch))
	for i, h := range p.MerkleBranch {
		branch[i] = hex.EncodeToString(h)
	}
	return &Transaction{
		Type: TxTypeDeposit,
		Deposit: &DepositTx{
			Transaction:  hex.EncodeToString(p.Transaction),
			BlockHeader:  hex.EncodeToString(p.BlockHeader),
			Height:       p.Height,
			MerkleBranch: branch,
			Index:        p.Index,
			OutputIndex:  p.OutputIndex,
		},
	}
}

func checkpointTx(cp *checkpoint.Checkpoint) *Transaction {
	return &Transaction{
		Type: TxTypeCheckpoint,
		Checkpoint: &CheckpointTx{
			Generation:    cp.Generation,
			CustodyScript: hex.EncodeToString(cp.CustodyScript),
			Reserve:       cp.Reserve,
			Predecessor:   hex.EncodeToString(cp.Predecessor[:]),
			TxID:          hex.EncodeToString(cp.TxID[:]),
		},
	}
}
