/*
Package relay implements the bidirectional, idempotent event transport
between Bitcoin and the sidechain.

Three long-lived loops run independently: the Bitcoin-facing scan loop
(deposits in, confirmations of our own transactions), the sidechain-facing
loop (validator weight changes and withdrawal backlog driving checkpoint
transitions) and the broadcast loop (handing thresholded transactions to
the Bitcoin network). The Bitcoin scan cursor is persisted and advances
only after the submissions for a block were acknowledged, so a restart
resumes with safe re-submission rather than re-derivation; the destination
ledgers absorb the duplicates. The sidechain side is stateless and reads
the live chain state each pass.
*/
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/signatory"
	"github.com/nomic-io/nomic-go/signing"
	"github.com/nomic-io/nomic-go/store"
)

// Chain is the sidechain adapter the relay consumes. client.Client
// implements it; tests substitute an in-memory chain.
type Chain interface {
	SubmitDepositProof(proof *client.DepositProof) error
	SubmitCheckpoint(cp *checkpoint.Checkpoint) error
	ValidatorWeights() (map[string]uint64, error)
	PendingWithdrawals() ([]client.WithdrawalRequest, error)
}

// Config carries the relay's tunables.
type Config struct {
	// Network selects the Bitcoin chain parameters.
	Network *chaincfg.Params

	// ConfirmationDepth is how many confirmations a Bitcoin block needs
	// before the relay trusts its contents, and how many our own
	// transactions need before a checkpoint is final. Six blocks trades
	// custody rotation latency for safety against all but the deepest
	// reorgs.
	ConfirmationDepth int64

	// StartHeight is where scanning begins on a fresh store, so a new
	// relayer does not walk the whole chain from genesis.
	StartHeight int64

	// PollInterval is the base cadence of all three loops.
	PollInterval time.Duration

	// CheckpointInterval forces a checkpoint once withdrawals have been
	// waiting this long, even below the batch size.
	CheckpointInterval time.Duration

	// WithdrawalBatchSize triggers a checkpoint once this many
	// withdrawals are queued.
	WithdrawalBatchSize int

	// FeeRate is the starting fee rate in satoshis per virtual byte.
	FeeRate int64

	// MaxFeeRetries bounds how often a rejected broadcast is rebuilt
	// with a bumped fee before the relay gives up and surfaces the
	// error.
	MaxFeeRetries int

	// SignDeadline is how long a proposal may collect shares before it
	// expires and is re-proposed.
	SignDeadline time.Duration
}

// DefaultConfig returns conservative defaults on Bitcoin testnet.
func DefaultConfig() Config {
	return Config{
		Network:             &chaincfg.TestNet3Params,
		ConfirmationDepth:   6,
		PollInterval:        10 * time.Second,
		CheckpointInterval:  time.Hour,
		WithdrawalBatchSize: 10,
		FeeRate:             20,
		MaxFeeRetries:       3,
		SignDeadline:        10 * time.Minute,
	}
}

// maxBackoff caps the exponential backoff applied after transient
// failures.
const maxBackoff = 2 * time.Minute

// proposalState tracks the single in-flight outgoing transaction. The
// checkpoint chain is linear, so at most one transition (or stale-output
// sweep) is driven at a time.
type proposalState struct {
	txID        chainhash.Hash
	tx          *wire.MsgTx
	cp          *checkpoint.Checkpoint // nil for sweeps
	utxos       []UTXO
	signingSet  *signatory.Set
	target      *signatory.Set
	withdrawals []client.WithdrawalRequest
	feeRate     int64
	attempts    int
}

// Relay wires the pipeline together.
type Relay struct {
	cfg        Config
	btc        Bitcoin
	chain      Chain
	coord      *signing.Coordinator
	cache      *signatory.Cache
	ledger     *checkpoint.Ledger
	cursors    *Cursors
	utxos      *UTXOSet
	requesters []signing.ShareRequester
	logger     log.Logger

	// mu serializes the step functions. The loops run as separate
	// goroutines but share the in-flight proposal, the UTXO registry and
	// the cursors, so at most one step executes at a time.
	mu             sync.Mutex
	active         *proposalState
	lastCheckpoint time.Time
}

// New assembles a relay over the given persistent store and adapters.
func New(cfg Config, db store.KVStore, btc Bitcoin, chain Chain, requesters []signing.ShareRequester, logger log.Logger) (*Relay, error) {
	if cfg.Network == nil {
		return nil, errors.Wrap(errors.ErrInput, "missing network parameters")
	}
	ledger, err := checkpoint.NewLedger(db)
	if err != nil {
		return nil, err
	}
	return &Relay{
		cfg:            cfg,
		btc:            btc,
		chain:          chain,
		coord:          signing.NewCoordinator(logger),
		cache:          signatory.NewCache(db),
		ledger:         ledger,
		cursors:        NewCursors(db),
		utxos:          NewUTXOSet(db),
		requesters:     requesters,
		logger:         logger.With("module", "relay"),
		lastCheckpoint: time.Now(),
	}, nil
}

// Coordinator exposes the signing coordinator, mainly so the CLI can
// inspect pending transactions.
func (r *Relay) Coordinator() *signing.Coordinator {
	return r.coord
}

// Run drives the three loops until the context is cancelled or a fatal
// error halts the relay.
func (r *Relay) Run(ctx context.Context) error {
	fatal := make(chan error, 3)
	go r.loop(ctx, "bitcoin", r.ScanBitcoin, fatal)
	go r.loop(ctx, "sidechain", r.SyncSidechain, fatal)
	go r.loop(ctx, "broadcast", r.PumpBroadcasts, fatal)

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// loop runs one step function forever. Transient failures back off
// exponentially and retry; invalid items were already isolated and logged
// by the step; fatal errors stop the relay.
func (r *Relay) loop(ctx context.Context, name string, step func() error, fatal chan<- error) {
	wait := r.cfg.PollInterval
	for {
		err := step()
		switch {
		case err == nil:
			wait = r.cfg.PollInterval
		case errors.IsFatal(err):
			r.logger.Error("halting", "loop", name, "err", err)
			fatal <- errors.Wrapf(err, "%s loop", name)
			return
		case errors.IsTransient(err):
			r.logger.Info("transient failure, backing off", "loop", name, "wait", wait, "err", err)
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
		default:
			r.logger.Error("step failed", "loop", name, "err", err)
			wait = r.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// ScanBitcoin processes confirmed Bitcoin blocks past the cursor, submits
// deposit proofs for outputs paying a watched custody address and advances
// the cursor once every submission for the block was acknowledged.
func (r *Relay) ScanBitcoin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	watched, err := r.watchedScripts()
	if err != nil {
		if errors.ErrNotFound.Is(err) {
			// No signatory set yet: nothing to watch.
			return nil
		}
		return err
	}

	best, err := r.btc.BestHeight()
	if err != nil {
		return err
	}
	cursor, err := r.cursors.BitcoinHeight()
	if err != nil {
		return err
	}
	if cursor == 0 && r.cfg.StartHeight > 0 {
		cursor = r.cfg.StartHeight - 1
	}

	// Only blocks buried at least ConfirmationDepth deep are scanned.
	for height := cursor + 1; height <= best-r.cfg.ConfirmationDepth+1; height++ {
		block, err := r.btc.GetBlock(height)
		if err != nil {
			if errors.ErrNotFound.Is(err) {
				break
			}
			return err
		}
		if err := r.processBlock(block, height, watched); err != nil {
			return err
		}
		if err := r.cursors.SetBitcoinHeight(height); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) processBlock(block *wire.MsgBlock, height int64, watched []watchedScript) error {
	for _, match := range matchDeposits(block, watched) {
		tx := block.Transactions[match.txIndex]
		op := wire.OutPoint{Hash: tx.TxHash(), Index: match.outputIndex}

		// Our own checkpoint outputs pay the custody address too; they
		// are already tracked and are not deposits.
		tracked, err := r.utxos.Has(op)
		if err != nil {
			return err
		}
		if tracked {
			continue
		}

		proof, err := buildDepositProof(block, height, match)
		if err != nil {
			return err
		}
		if err := verifyDepositProof(proof); err != nil {
			// An inconsistent proof is dropped, never forwarded.
			r.logger.Error("dropping inconsistent deposit proof", "txid", op.Hash.String(), "err", err)
			continue
		}

		switch err := r.chain.SubmitDepositProof(proof); {
		case err == nil:
			r.logger.Info("deposit credited",
				"txid", op.Hash.String(),
				"vout", op.Index,
				"amount", match.amount,
				"height", height,
			)
		case errors.ErrDuplicate.Is(err):
			// Already credited, e.g. re-submission after a crash.
			r.logger.Debug("deposit already credited", "txid", op.Hash.String(), "vout", op.Index)
		case errors.ErrInvalidProof.Is(err):
			// One bad proof must not stop the rest of the block.
			r.logger.Error("chain rejected deposit proof", "txid", op.Hash.String(), "err", err)
			continue
		default:
			return err
		}

		if err := r.utxos.Add(UTXO{OutPoint: op, Amount: match.amount, Generation: match.generation}); err != nil {
			return err
		}
	}
	return nil
}

// watchedScripts returns the custody output scripts of the current and
// previous signatory sets. Deposits to the superseded address remain
// creditable while a rotation is in flight.
func (r *Relay) watchedScripts() ([]watchedScript, error) {
	current, err := r.cache.Current()
	if err != nil {
		return nil, err
	}
	pkScript, err := current.PayToScript(r.cfg.Network)
	if err != nil {
		return nil, err
	}
	watched := []watchedScript{{pkScript: pkScript, generation: current.Generation}}

	previous, err := r.cache.Previous()
	if err != nil {
		if !errors.ErrNotFound.Is(err) {
			return nil, err
		}
		return watched, nil
	}
	prevScript, err := previous.PayToScript(r.cfg.Network)
	if err != nil {
		return nil, err
	}
	return append(watched, watchedScript{pkScript: prevScript, generation: previous.Generation}), nil
}

// SyncSidechain observes the sidechain and drives checkpoint transitions:
// bootstrapping the genesis checkpoint, proposing a transition when
// validator weights changed or the withdrawal backlog warrants one, and
// collecting signature shares for the in-flight proposal.
func (r *Relay) SyncSidechain() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return r.driveActive()
	}

	head, err := r.ledger.Head()
	if err != nil {
		if errors.ErrNotFound.Is(err) {
			return r.bootstrap()
		}
		return err
	}

	// Sweep outputs stranded on a superseded custody script before
	// starting a new transition; they are inputs the next checkpoint
	// cannot spend.
	swept, err := r.proposeStaleSweep()
	if err != nil || swept {
		return err
	}

	weights, err := r.chain.ValidatorWeights()
	if err != nil {
		return err
	}
	next, err := signatory.Compute(weights, head.Generation+1)
	if err != nil {
		return err
	}
	current, err := r.cache.Current()
	if err != nil {
		return err
	}
	withdrawals, err := r.chain.PendingWithdrawals()
	if err != nil {
		return err
	}

	rotation := !next.SameMembers(current)
	backlog := len(withdrawals) >= r.cfg.WithdrawalBatchSize
	overdue := len(withdrawals) > 0 && time.Since(r.lastCheckpoint) >= r.cfg.CheckpointInterval
	if !rotation && !backlog && !overdue {
		return nil
	}

	utxos, err := r.utxos.ByGeneration(current.Generation)
	if err != nil {
		return err
	}
	if len(utxos) == 0 {
		// Nothing to spend yet; the trigger stays armed until the
		// reserve is funded.
		r.logger.Info("checkpoint trigger armed but reserve is empty", "generation", current.Generation)
		return nil
	}

	pred := head.Hash()
	tx, amounts, cp, err := buildCheckpointTx(utxos, next, withdrawals, pred, r.cfg.FeeRate, r.cfg.Network)
	if err != nil {
		return err
	}
	if err := r.propose(&proposalState{
		tx:          tx,
		cp:          cp,
		utxos:       utxos,
		signingSet:  current,
		target:      next,
		withdrawals: withdrawals,
		feeRate:     r.cfg.FeeRate,
	}, amounts); err != nil {
		return err
	}
	r.logger.Info("proposed checkpoint transition",
		"generation", next.Generation,
		"rotation", rotation,
		"withdrawals", len(withdrawals),
		"reserve", cp.Reserve,
	)
	return nil
}

// bootstrap establishes the genesis checkpoint from the current validator
// weights: generation one, an empty reserve, and the custody address
// deposits can start flowing to.
func (r *Relay) bootstrap() error {
	weights, err := r.chain.ValidatorWeights()
	if err != nil {
		return err
	}
	set, err := signatory.Compute(weights, 1)
	if err != nil {
		return err
	}
	script, err := set.RedeemScript()
	if err != nil {
		return err
	}
	genesis := &checkpoint.Checkpoint{
		Generation:    1,
		CustodyScript: script,
		Reserve:       0,
	}
	if err := r.ledger.Append(genesis); err != nil {
		return err
	}
	if err := r.cache.Put(set); err != nil {
		return err
	}
	if err := r.chain.SubmitCheckpoint(genesis); err != nil && !errors.ErrStaleCheckpoint.Is(err) {
		return err
	}

	addr, err := set.Address(r.cfg.Network)
	if err != nil {
		return err
	}
	r.logger.Info("bootstrapped genesis checkpoint",
		"generation", set.Generation,
		"custody", addr.EncodeAddress(),
	)
	return nil
}

// proposeStaleSweep moves outputs paying a superseded generation's custody
// script back under the current address. Returns true if a sweep was
// proposed.
func (r *Relay) proposeStaleSweep() (bool, error) {
	current, err := r.cache.Current()
	if err != nil {
		return false, err
	}
	all, err := r.utxos.List()
	if err != nil {
		return false, err
	}
	var staleGen uint64
	var stale []UTXO
	for _, utxo := range all {
		if utxo.Generation == current.Generation {
			continue
		}
		if stale == nil {
			staleGen = utxo.Generation
		}
		if utxo.Generation == staleGen {
			stale = append(stale, utxo)
		}
	}
	if len(stale) == 0 {
		return false, nil
	}

	signingSet, err := r.cache.ByGeneration(staleGen)
	if err != nil {
		return false, err
	}
	var noPred [checkpoint.HashLength]byte
	tx, amounts, _, err := buildCheckpointTx(stale, current, nil, noPred, r.cfg.FeeRate, r.cfg.Network)
	if err != nil {
		return false, err
	}
	if err := r.propose(&proposalState{
		tx:         tx,
		utxos:      stale,
		signingSet: signingSet,
		target:     current,
		feeRate:    r.cfg.FeeRate,
	}, amounts); err != nil {
		return false, err
	}
	r.logger.Info("proposed sweep of stale custody outputs",
		"from_generation", staleGen,
		"outputs", len(stale),
	)
	return true, nil
}

// propose registers the transaction with the coordinator, records it as
// the active proposal and starts share collection.
func (r *Relay) propose(p *proposalState, amounts []int64) error {
	pending, err := r.coord.Propose(p.tx, p.signingSet, amounts, time.Now().Add(r.cfg.SignDeadline))
	if err != nil {
		return err
	}
	p.txID = pending.TxID()
	r.active = p

	if _, err := r.coord.Collect(p.txID, r.requesters); err != nil {
		return err
	}
	return nil
}

// driveActive pushes the in-flight proposal along: keep collecting shares
// while it is open, re-propose with adjusted parameters once expired, and
// release it once confirmed.
func (r *Relay) driveActive() error {
	r.coord.ExpireStale(time.Now())

	pending, err := r.coord.Get(r.active.txID)
	if err != nil {
		return err
	}
	switch pending.State() {
	case signing.StateOpen:
		_, err := r.coord.Collect(r.active.txID, r.requesters)
		return err
	case signing.StateExpired:
		return r.retryActive()
	case signing.StateConfirmed:
		if err := r.coord.Remove(r.active.txID); err != nil {
			return err
		}
		r.active = nil
		return nil
	default:
		// Thresholded and Broadcast belong to the broadcast loop.
		return nil
	}
}

// retryActive rebuilds the active proposal with a bumped fee rate. Bounded
// by MaxFeeRetries, after which the relay gives up and surfaces the error.
func (r *Relay) retryActive() error {
	old := r.active
	r.active = nil

	if old.attempts+1 > r.cfg.MaxFeeRetries {
		return errors.Wrapf(errors.ErrRejected,
			"abandoned transaction %s after %d attempts; operator intervention required",
			old.txID, old.attempts+1)
	}
	if err := r.coord.Remove(old.txID); err != nil {
		return err
	}

	var pred [checkpoint.HashLength]byte
	if old.cp != nil {
		pred = old.cp.Predecessor
	}
	feeRate := bumpFeeRate(old.feeRate)
	tx, amounts, cp, err := buildCheckpointTx(old.utxos, old.target, old.withdrawals, pred, feeRate, r.cfg.Network)
	if err != nil {
		return err
	}
	if old.cp == nil {
		cp = nil
	}
	if err := r.propose(&proposalState{
		tx:          tx,
		cp:          cp,
		utxos:       old.utxos,
		signingSet:  old.signingSet,
		target:      old.target,
		withdrawals: old.withdrawals,
		feeRate:     feeRate,
		attempts:    old.attempts + 1,
	}, amounts); err != nil {
		return err
	}
	r.logger.Info("re-proposed with adjusted fee",
		"old_txid", old.txID.String(),
		"new_txid", r.active.txID.String(),
		"fee_rate", feeRate,
		"attempt", old.attempts+1,
	)
	return nil
}

// PumpBroadcasts hands thresholded transactions to the Bitcoin network,
// requeues fee-rejected ones and finalizes the checkpoint once the spend
// is buried deep enough.
func (r *Relay) PumpBroadcasts() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pending := range r.coord.Thresholded() {
		txID := pending.TxID()
		tx, err := r.coord.TryFinalize(txID)
		if err != nil {
			return err
		}

		switch _, err := r.btc.BroadcastTransaction(tx); {
		case err == nil:
			if err := r.coord.MarkBroadcast(txID); err != nil {
				return err
			}
			// The reserve output pays the watched custody address. It
			// must be registered before the spend can appear in a
			// scanned block, or the scan loop would credit it as a
			// deposit.
			if r.active != nil && r.active.txID == txID {
				if err := r.registerReserve(r.active); err != nil {
					return err
				}
			}
			r.logger.Info("broadcast transaction", "txid", txID.String())
		case errors.ErrRejected.Is(err):
			r.logger.Info("broadcast rejected, requeueing", "txid", txID.String(), "err", err)
			if err := r.coord.Abandon(txID); err != nil {
				return err
			}
			if r.active != nil && r.active.txID == txID {
				if err := r.retryActive(); err != nil {
					return err
				}
			}
		default:
			return err
		}
	}

	return r.confirmActive()
}

// confirmActive watches the active proposal's confirmations and finalizes
// the checkpoint once it reaches the configured depth.
func (r *Relay) confirmActive() error {
	if r.active == nil {
		return nil
	}
	pending, err := r.coord.Get(r.active.txID)
	if err != nil {
		return err
	}
	if pending.State() != signing.StateBroadcast {
		return nil
	}

	conf, err := r.btc.Confirmations(&r.active.txID)
	if err != nil {
		return err
	}
	if conf < r.cfg.ConfirmationDepth {
		return nil
	}
	return r.finalizeActive()
}

// finalizeActive marks the transaction confirmed, settles the UTXO
// registry and, for checkpoint transitions, appends to the ledger, rotates
// the signatory cache and attests the checkpoint to the sidechain.
func (r *Relay) finalizeActive() error {
	p := r.active
	if err := r.coord.MarkConfirmed(p.txID); err != nil {
		return err
	}

	for _, utxo := range p.utxos {
		if err := r.utxos.Remove(utxo.OutPoint); err != nil {
			return err
		}
	}
	// Already registered at broadcast time; Add is idempotent.
	if err := r.registerReserve(p); err != nil {
		return err
	}

	if p.cp != nil {
		if err := r.ledger.Append(p.cp); err != nil {
			return err
		}
		if err := r.cache.Put(p.target); err != nil {
			return err
		}
		if err := r.chain.SubmitCheckpoint(p.cp); err != nil && !errors.ErrStaleCheckpoint.Is(err) {
			return err
		}
		r.lastCheckpoint = time.Now()
		r.logger.Info("checkpoint finalized",
			"generation", p.cp.Generation,
			"txid", p.txID.String(),
			"reserve", p.cp.Reserve,
		)
	} else {
		r.logger.Info("sweep finalized", "txid", p.txID.String())
	}

	if err := r.coord.Remove(p.txID); err != nil {
		return err
	}
	r.active = nil
	return nil
}

// registerReserve records the proposal's reserve output in the UTXO
// registry under the target generation.
func (r *Relay) registerReserve(p *proposalState) error {
	vout := reserveOutputIndex(p.tx)
	return r.utxos.Add(UTXO{
		OutPoint:   wire.OutPoint{Hash: p.txID, Index: vout},
		Amount:     p.tx.TxOut[vout].Value,
		Generation: p.target.Generation,
	})
}
