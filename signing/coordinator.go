/*
Package signing drives pending Bitcoin transactions from proposal to
threshold completion.

The coordinator collects signature shares from individual signatory
workers. A share is accepted at most once per (transaction, signatory),
only from set members, and only after cryptographic verification against
the exact digests being signed. Once accumulated power reaches the set's
threshold the transaction is assembled deterministically and frozen: at
most one finalized transaction ever exists per txid, no matter how many
callers race on finalization.
*/
package signing

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/signatory"
)

// Coordinator tracks all pending transactions.
type Coordinator struct {
	mu      sync.Mutex
	pending map[chainhash.Hash]*PendingTransaction
	logger  log.Logger
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(logger log.Logger) *Coordinator {
	return &Coordinator{
		pending: make(map[chainhash.Hash]*PendingTransaction),
		logger:  logger.With("module", "signing"),
	}
}

// Propose registers an unsigned transaction whose inputs all spend custody
// outputs of the given set. inputAmounts carries the satoshi value of each
// input, needed for the witness digests. The threshold is copied from the
// set at proposal time and never changes afterwards.
func (c *Coordinator) Propose(tx *wire.MsgTx, set *signatory.Set, inputAmounts []int64, deadline time.Time) (*PendingTransaction, error) {
	if len(tx.TxIn) == 0 || len(tx.TxIn) != len(inputAmounts) {
		return nil, errors.Wrapf(errors.ErrInput, "%d inputs with %d amounts", len(tx.TxIn), len(inputAmounts))
	}
	script, err := set.RedeemScript()
	if err != nil {
		return nil, err
	}

	digests := make([][]byte, len(tx.TxIn))
	hashes := txscript.NewTxSigHashes(tx)
	for i := range tx.TxIn {
		digest, err := txscript.CalcWitnessSigHash(script, hashes, txscript.SigHashAll, tx, i, inputAmounts[i])
		if err != nil {
			return nil, errors.Wrapf(errors.ErrMsg, "input %d digest: %s", i, err)
		}
		digests[i] = digest
	}

	p := &PendingTransaction{
		txID:      tx.TxHash(),
		tx:        tx,
		set:       set,
		threshold: set.Threshold(),
		digests:   digests,
		deadline:  deadline,
		state:     StateOpen,
		shares:    make(map[string]*Share),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[p.txID]; ok {
		return nil, errors.Wrapf(errors.ErrDuplicate, "transaction %s already proposed", p.txID)
	}
	c.pending[p.txID] = p
	c.logger.Info("proposed transaction",
		"txid", p.txID.String(),
		"generation", set.Generation,
		"threshold", p.threshold,
	)
	return p, nil
}

// Get returns the pending transaction for a txid.
func (c *Coordinator) Get(txID chainhash.Hash) (*PendingTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[txID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "transaction %s", txID)
	}
	return p, nil
}

// SubmitShare adds one signatory's share to a pending transaction. It
// rejects shares from non-members, duplicates, shares with the wrong
// signature count and shares failing cryptographic verification. Each
// failure is isolated: a bad share never affects already accepted ones.
func (c *Coordinator) SubmitShare(txID chainhash.Hash, share *Share) error {
	p, err := c.Get(txID)
	if err != nil {
		return err
	}

	power := p.set.PowerOf(share.PubKey)
	if power == 0 {
		return errors.Wrapf(errors.ErrUnauthorizedSignatory, "pubkey %x", share.PubKey)
	}
	if len(share.Signatures) != len(p.digests) {
		return errors.Wrapf(errors.ErrInvalidSignature, "%d signatures for %d inputs", len(share.Signatures), len(p.digests))
	}
	pubkey, err := btcec.ParsePubKey(share.PubKey, btcec.S256())
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidSignature, "pubkey: %s", err)
	}
	for i, raw := range share.Signatures {
		if len(raw) < 2 || raw[len(raw)-1] != byte(txscript.SigHashAll) {
			return errors.Wrapf(errors.ErrInvalidSignature, "input %d: wrong sighash type", i)
		}
		sig, err := btcec.ParseDERSignature(raw[:len(raw)-1], btcec.S256())
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidSignature, "input %d: %s", i, err)
		}
		if !sig.Verify(p.digests[i], pubkey) {
			return errors.Wrapf(errors.ErrInvalidSignature, "input %d: verification failed", i)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return errors.Wrapf(errors.ErrState, "transaction is %s, not accepting shares", p.state)
	}
	if _, ok := p.shares[string(share.PubKey)]; ok {
		return errors.Wrapf(errors.ErrDuplicate, "share from %x", share.PubKey)
	}
	p.shares[string(share.PubKey)] = share

	c.logger.Debug("accepted share",
		"txid", txID.String(),
		"signatory", share.PubKey,
		"power", p.accumulatedPower(),
		"threshold", p.threshold,
	)
	return nil
}

// TryFinalize transitions Open -> Thresholded if and only if accumulated
// power reached the threshold, assembling the final signed transaction.
// Below threshold it returns (nil, nil).
//
// Assembly selects shares greedily in canonical set order until the
// threshold is met, so the chosen subset is deterministic and any later
// share is redundant. The call is re-entrant safe: once frozen, every
// caller gets the same assembled transaction back.
func (c *Coordinator) TryFinalize(txID chainhash.Hash) (*wire.MsgTx, error) {
	p, err := c.Get(txID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateOpen:
		// fall through to the threshold check
	case StateThresholded, StateBroadcast, StateConfirmed:
		return p.assembled, nil
	default:
		return nil, errors.Wrapf(errors.ErrState, "transaction is %s", p.state)
	}

	chosen := make([]*Share, 0, len(p.shares))
	var power uint64
	for i := range p.set.Signatories {
		share, ok := p.shares[string(p.set.Signatories[i].PubKey)]
		if !ok {
			continue
		}
		chosen = append(chosen, share)
		power += p.set.Signatories[i].VotingPower
		if power >= p.threshold {
			break
		}
	}
	if power < p.threshold {
		return nil, nil
	}

	assembled := p.tx.Copy()
	for i := range assembled.TxIn {
		sigs := make(map[string][]byte, len(chosen))
		for _, share := range chosen {
			sigs[string(share.PubKey)] = share.Signatures[i]
		}
		witness, err := p.set.AssembleWitness(sigs)
		if err != nil {
			return nil, err
		}
		assembled.TxIn[i].Witness = witness
	}

	p.assembled = assembled
	p.state = StateThresholded
	c.logger.Info("transaction thresholded",
		"txid", txID.String(),
		"power", power,
		"threshold", p.threshold,
		"shares", len(chosen),
	)
	return assembled, nil
}

// Thresholded returns all transactions frozen and awaiting broadcast.
func (c *Coordinator) Thresholded() []*PendingTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*PendingTransaction
	for _, p := range c.pending {
		if p.State() == StateThresholded {
			out = append(out, p)
		}
	}
	return out
}

// MarkBroadcast records that the relay handed the transaction to the
// Bitcoin network.
func (c *Coordinator) MarkBroadcast(txID chainhash.Hash) error {
	return c.transition(txID, StateThresholded, StateBroadcast)
}

// MarkConfirmed records final confirmation on Bitcoin. Terminal.
func (c *Coordinator) MarkConfirmed(txID chainhash.Hash) error {
	return c.transition(txID, StateBroadcast, StateConfirmed)
}

func (c *Coordinator) transition(txID chainhash.Hash, from, to State) error {
	p, err := c.Get(txID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return errors.Wrapf(errors.ErrState, "transaction is %s, not %s", p.state, from)
	}
	p.state = to
	return nil
}

// Remove drops a terminal transaction from tracking, so a long-running
// coordinator does not accumulate confirmed and expired entries forever.
// Live transactions cannot be removed.
func (c *Coordinator) Remove(txID chainhash.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[txID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "transaction %s", txID)
	}
	switch p.State() {
	case StateConfirmed, StateExpired:
		delete(c.pending, txID)
		return nil
	default:
		return errors.Wrapf(errors.ErrState, "transaction is %s", p.State())
	}
}

// ExpireStale transitions every Open transaction past its deadline to
// Expired and returns their ids so the caller can re-propose with adjusted
// parameters. Frozen transactions are never expired.
func (c *Coordinator) ExpireStale(now time.Time) []chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []chainhash.Hash
	for id, p := range c.pending {
		p.mu.Lock()
		if p.state == StateOpen && !p.deadline.IsZero() && now.After(p.deadline) {
			p.state = StateExpired
			expired = append(expired, id)
			c.logger.Info("transaction expired", "txid", id.String())
		}
		p.mu.Unlock()
	}
	return expired
}

// Expire abandons a single Open transaction, for example when its fee rate
// needs adjusting and a replacement is proposed.
func (c *Coordinator) Expire(txID chainhash.Hash) error {
	return c.transition(txID, StateOpen, StateExpired)
}

// Abandon drops a frozen transaction that the Bitcoin network refused.
// Nothing reached the chain, so replacing it with a re-proposal (new fee,
// new txid, fresh shares) is safe.
func (c *Coordinator) Abandon(txID chainhash.Hash) error {
	return c.transition(txID, StateThresholded, StateExpired)
}

// Collect requests shares from the given signatories for one pending
// transaction, submitting each response as it arrives and attempting
// finalization after each accepted share. Individual signatory failures
// are logged and skipped; collection succeeds as soon as the threshold is
// met. Returns (nil, nil) if the requesters were exhausted below the
// threshold.
func (c *Coordinator) Collect(txID chainhash.Hash, requesters []ShareRequester) (*wire.MsgTx, error) {
	p, err := c.Get(txID)
	if err != nil {
		return nil, err
	}
	req := p.Request()

	for _, r := range requesters {
		share, err := r.Sign(req)
		if err != nil {
			c.logger.Error("signatory did not sign", "txid", txID.String(), "err", err)
			continue
		}
		if err := c.SubmitShare(txID, share); err != nil {
			// Redundant shares after the threshold was reached
			// land here as ErrState; anything else is a bad
			// share from a single signatory.
			c.logger.Debug("share rejected", "txid", txID.String(), "err", err)
		}
		tx, err := c.TryFinalize(txID)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return c.TryFinalize(txID)
}
