package nomictest

import (
	"fmt"
	"sync"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/errors"
)

// Chain is an in-memory sidechain. It deduplicates deposit proofs the way
// the real chain does, records submitted checkpoints and lets tests set
// validator weights and the withdrawal queue directly.
type Chain struct {
	mu sync.Mutex

	weights     map[string]uint64
	withdrawals []client.WithdrawalRequest

	deposits    map[string]*client.DepositProof
	checkpoints []*checkpoint.Checkpoint
}

// NewChain returns a chain with the given validator weights.
func NewChain(weights map[string]uint64) *Chain {
	return &Chain{
		weights:  weights,
		deposits: make(map[string]*client.DepositProof),
	}
}

// SetWeights replaces the validator weight mapping, simulating stake
// movement on the sidechain.
func (c *Chain) SetWeights(weights map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weights = weights
}

// QueueWithdrawal appends a pending withdrawal.
func (c *Chain) QueueWithdrawal(amount int64, script []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withdrawals = append(c.withdrawals, client.WithdrawalRequest{Amount: amount, Script: script})
}

// Deposits returns how many distinct deposits were credited.
func (c *Chain) Deposits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deposits)
}

// Checkpoints returns every checkpoint submitted so far, in order.
func (c *Chain) Checkpoints() []*checkpoint.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*checkpoint.Checkpoint(nil), c.checkpoints...)
}

// SubmitDepositProof verifies nothing (the double trusts the relay's own
// verification) but deduplicates by transaction and output, returning
// ErrDuplicate for a proof already credited.
func (c *Chain) SubmitDepositProof(proof *client.DepositProof) error {
	if err := proof.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%x/%d", proof.Transaction, proof.OutputIndex)
	if _, ok := c.deposits[key]; ok {
		return errors.Wrap(errors.ErrDuplicate, "deposit already credited")
	}
	c.deposits[key] = proof
	return nil
}

// SubmitCheckpoint records the checkpoint and drains the withdrawal queue
// it settled.
func (c *Chain) SubmitCheckpoint(cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, prev := range c.checkpoints {
		if prev.Generation >= cp.Generation {
			return errors.Wrapf(errors.ErrStaleCheckpoint, "generation %d already attested", cp.Generation)
		}
	}
	c.checkpoints = append(c.checkpoints, cp)
	c.withdrawals = nil
	return nil
}

// ValidatorWeights returns the configured weight mapping.
func (c *Chain) ValidatorWeights() (map[string]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out, nil
}

// PendingWithdrawals returns the queued withdrawals.
func (c *Chain) PendingWithdrawals() ([]client.WithdrawalRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]client.WithdrawalRequest(nil), c.withdrawals...), nil
}
