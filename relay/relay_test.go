package relay

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/nomictest"
	"github.com/nomic-io/nomic-go/signatory"
	"github.com/nomic-io/nomic-go/signing"
	"github.com/nomic-io/nomic-go/store"
)

// testRelay bundles a relay with its in-memory surroundings.
type testRelay struct {
	relay *Relay
	node  *nomictest.BitcoinNode
	chain *nomictest.Chain
	db    store.KVStore
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = &chaincfg.RegressionNetParams
	cfg.ConfirmationDepth = 1
	cfg.FeeRate = 1
	cfg.WithdrawalBatchSize = 1
	return cfg
}

func newTestRelay(t *testing.T, chain *nomictest.Chain, node *nomictest.BitcoinNode) *testRelay {
	t.Helper()
	db := store.NewMemStore()
	r, err := New(testConfig(), db, node, chain, nomictest.Requesters(nomictest.Keys(3)), log.NewNopLogger())
	require.NoError(t, err)
	return &testRelay{relay: r, node: node, chain: chain, db: db}
}

// custodyScript derives the custody output script for the given weights and
// generation, the way the relay itself does.
func custodyScript(t *testing.T, weights map[string]uint64, generation uint64) []byte {
	t.Helper()
	set, err := signatory.Compute(weights, generation)
	require.NoError(t, err)
	script, err := set.PayToScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return script
}

func TestBootstrap(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())

	require.NoError(t, tr.relay.SyncSidechain())

	checkpoints := tr.chain.Checkpoints()
	require.Len(t, checkpoints, 1)
	assert.Equal(t, uint64(1), checkpoints[0].Generation)
	assert.Equal(t, int64(0), checkpoints[0].Reserve)
	assert.True(t, checkpoints[0].IsGenesis())

	head, err := tr.relay.ledger.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Generation)

	// Bootstrapping is idempotent across restarts: a fresh relay over the
	// same chain re-derives the same genesis and the chain refuses the
	// duplicate without breaking anything.
	again := newTestRelay(t, tr.chain, tr.node)
	require.NoError(t, again.relay.SyncSidechain())
	assert.Len(t, tr.chain.Checkpoints(), 1)
}

func TestScanCreditsDeposits(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	script := custodyScript(t, weights, 1)
	tr.node.Mine(payTx(t, script, 1000000))

	require.NoError(t, tr.relay.ScanBitcoin())
	assert.Equal(t, 1, tr.chain.Deposits())

	// The outpoint is tracked for the next checkpoint spend.
	utxos, err := tr.relay.utxos.List()
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, int64(1000000), utxos[0].Amount)
	assert.Equal(t, uint64(1), utxos[0].Generation)

	// Re-scanning moves nothing: the cursor is past the block.
	require.NoError(t, tr.relay.ScanBitcoin())
	assert.Equal(t, 1, tr.chain.Deposits())

	// A relayer with lost state rescans from genesis; the chain refuses
	// the duplicate proof and the relayer carries on.
	fresh := newTestRelay(t, tr.chain, tr.node)
	require.NoError(t, fresh.relay.SyncSidechain())
	require.NoError(t, fresh.relay.ScanBitcoin())
	assert.Equal(t, 1, tr.chain.Deposits())
}

func TestScanHonorsConfirmationDepth(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	node := nomictest.NewBitcoinNode()
	db := store.NewMemStore()
	cfg := testConfig()
	cfg.ConfirmationDepth = 6
	chain := nomictest.NewChain(weights)
	r, err := New(cfg, db, node, chain, nomictest.Requesters(nomictest.Keys(3)), log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.SyncSidechain())

	node.Mine(payTx(t, custodyScript(t, weights, 1), 500000))
	require.NoError(t, r.ScanBitcoin())
	assert.Equal(t, 0, chain.Deposits())

	node.MineEmpty(5)
	require.NoError(t, r.ScanBitcoin())
	assert.Equal(t, 1, chain.Deposits())
}

// drive pushes an in-flight proposal through broadcast and confirmation.
func (tr *testRelay) drive(t *testing.T) {
	t.Helper()
	require.NoError(t, tr.relay.PumpBroadcasts())
	tr.node.MineEmpty(1)
	require.NoError(t, tr.relay.PumpBroadcasts())
}

func TestWithdrawalCheckpoint(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())

	dest := []byte{0x00, 0x14, 0xcc}
	tr.chain.QueueWithdrawal(200000, dest)

	// The queued withdrawal meets the batch size and triggers a
	// transition; the in-process signatories threshold it immediately.
	require.NoError(t, tr.relay.SyncSidechain())
	require.NotNil(t, tr.relay.active)
	txID := tr.relay.active.txID
	tr.drive(t)

	checkpoints := tr.chain.Checkpoints()
	require.Len(t, checkpoints, 2)
	final := checkpoints[1]
	assert.Equal(t, uint64(2), final.Generation)
	assert.True(t, final.Reserve > 0 && final.Reserve < 800000, "reserve %d", final.Reserve)

	head, err := tr.relay.ledger.Head()
	require.NoError(t, err)
	assert.Equal(t, final.Hash(), head.Hash())

	// The withdrawal output is on Bitcoin and the new reserve output is
	// tracked under the new generation.
	block, err := tr.node.GetBlock(2)
	require.NoError(t, err)
	spend := block.Transactions[len(block.Transactions)-1]
	assert.Equal(t, dest, spend.TxOut[0].PkScript)

	utxos, err := tr.relay.utxos.List()
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint64(2), utxos[0].Generation)
	assert.Equal(t, final.Reserve, utxos[0].Amount)

	// Scanning the checkpoint's own block does not credit the reserve
	// output as a deposit.
	require.NoError(t, tr.relay.ScanBitcoin())
	assert.Equal(t, 1, tr.chain.Deposits())
	assert.Nil(t, tr.relay.active)

	// The confirmed transaction is no longer tracked by the coordinator.
	_, err = tr.relay.coord.Get(txID)
	assert.True(t, errors.ErrNotFound.Is(err))
}

func TestScanSkipsUnconfirmedReserve(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())
	require.Equal(t, 1, tr.chain.Deposits())

	tr.chain.QueueWithdrawal(200000, []byte{0x00, 0x14, 0xab})
	require.NoError(t, tr.relay.SyncSidechain())
	require.NoError(t, tr.relay.PumpBroadcasts())
	tr.node.MineEmpty(1)

	// The scan loop reaches the checkpoint's block before the broadcast
	// loop observes the confirmation. The new reserve output pays the
	// watched custody address but was registered at broadcast time, so it
	// is not credited as a deposit.
	require.NoError(t, tr.relay.ScanBitcoin())
	assert.Equal(t, 1, tr.chain.Deposits())

	require.NoError(t, tr.relay.PumpBroadcasts())
	require.Len(t, tr.chain.Checkpoints(), 2)
	assert.Equal(t, 1, tr.chain.Deposits())

	utxos, err := tr.relay.utxos.List()
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint64(2), utxos[0].Generation)
}

func TestStepsAreConcurrencySafe(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())
	tr.chain.QueueWithdrawal(200000, []byte{0x00, 0x14, 0xac})

	// The three loops run as separate goroutines in production. Interleave
	// their steps with concurrent mining and check the pipeline still
	// converges to exactly one checkpoint and one credited deposit.
	var wg sync.WaitGroup
	steps := []func() error{tr.relay.ScanBitcoin, tr.relay.SyncSidechain, tr.relay.PumpBroadcasts}
	for _, step := range steps {
		wg.Add(1)
		go func(step func() error) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, step())
			}
		}(step)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			tr.node.MineEmpty(1)
		}
	}()
	wg.Wait()

	// Drain whatever is still in flight.
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.relay.SyncSidechain())
		tr.drive(t)
	}

	require.Len(t, tr.chain.Checkpoints(), 2)
	assert.Equal(t, 1, tr.chain.Deposits())
	utxos, err := tr.relay.utxos.List()
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint64(2), utxos[0].Generation)
}

func TestRotationCheckpoint(t *testing.T) {
	keys := nomictest.Keys(3)
	weights := nomictest.Weights(keys, 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())

	// A weight change alone forces a custody rotation, no withdrawals
	// needed.
	rotated := nomictest.Weights(keys, 5, 3, 4)
	tr.chain.SetWeights(rotated)
	require.NoError(t, tr.relay.SyncSidechain())
	require.NotNil(t, tr.relay.active)
	tr.drive(t)

	checkpoints := tr.chain.Checkpoints()
	require.Len(t, checkpoints, 2)
	assert.Equal(t, uint64(2), checkpoints[1].Generation)

	current, err := tr.relay.cache.Current()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Generation)
	assert.Equal(t, uint64(4), current.PowerOf(keys[2].PubKey().SerializeCompressed()))

	previous, err := tr.relay.cache.Previous()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), previous.Generation)
}

func TestStaleDepositSweep(t *testing.T) {
	keys := nomictest.Keys(3)
	weights := nomictest.Weights(keys, 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())

	// Rotate custody away from generation 1.
	rotated := nomictest.Weights(keys, 6, 3, 2)
	tr.chain.SetWeights(rotated)
	require.NoError(t, tr.relay.SyncSidechain())
	tr.drive(t)
	require.Len(t, tr.chain.Checkpoints(), 2)

	// A deposit to the superseded address still lands while the previous
	// set is watched.
	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 300000))
	require.NoError(t, tr.relay.ScanBitcoin())
	assert.Equal(t, 2, tr.chain.Deposits())

	// The relay sweeps the stranded output to the current custody address
	// instead of proposing a new checkpoint.
	require.NoError(t, tr.relay.SyncSidechain())
	require.NotNil(t, tr.relay.active)
	assert.Nil(t, tr.relay.active.cp)
	tr.drive(t)

	// No new checkpoint was appended; every tracked output now belongs to
	// the current generation.
	assert.Len(t, tr.chain.Checkpoints(), 2)
	utxos, err := tr.relay.utxos.List()
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	for _, utxo := range utxos {
		assert.Equal(t, uint64(2), utxo.Generation)
	}
}

func TestFeeBumpOnRejection(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	tr := newTestRelay(t, nomictest.NewChain(weights), nomictest.NewBitcoinNode())
	require.NoError(t, tr.relay.SyncSidechain())

	tr.node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, tr.relay.ScanBitcoin())
	tr.chain.QueueWithdrawal(200000, []byte{0x00, 0x14, 0xdd})
	require.NoError(t, tr.relay.SyncSidechain())

	firstTxID := tr.relay.active.txID
	firstRate := tr.relay.active.feeRate

	// The network refuses the first broadcast; the relay abandons the
	// transaction and re-proposes at a higher rate with a new txid.
	tr.node.RejectNextBroadcast("min relay fee not met")
	require.NoError(t, tr.relay.PumpBroadcasts())
	require.NotNil(t, tr.relay.active)
	assert.NotEqual(t, firstTxID, tr.relay.active.txID)
	assert.True(t, tr.relay.active.feeRate > firstRate)

	// The abandoned transaction is dropped from coordinator tracking.
	_, err := tr.relay.coord.Get(firstTxID)
	assert.True(t, errors.ErrNotFound.Is(err))

	tr.drive(t)
	require.Len(t, tr.chain.Checkpoints(), 2)
}

func TestFeeRetriesAreBounded(t *testing.T) {
	weights := nomictest.Weights(nomictest.Keys(3), 5, 3, 2)
	node := nomictest.NewBitcoinNode()
	chain := nomictest.NewChain(weights)
	cfg := testConfig()
	cfg.MaxFeeRetries = 1
	r, err := New(cfg, store.NewMemStore(), node, chain, nomictest.Requesters(nomictest.Keys(3)), log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.SyncSidechain())

	node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, r.ScanBitcoin())
	chain.QueueWithdrawal(200000, []byte{0x00, 0x14, 0xee})
	require.NoError(t, r.SyncSidechain())

	node.RejectNextBroadcast("still too cheap")
	require.NoError(t, r.PumpBroadcasts())

	node.RejectNextBroadcast("still too cheap")
	err = r.PumpBroadcasts()
	assert.True(t, errors.ErrRejected.Is(err))
}

func TestSignatoryOutageBlocksThreshold(t *testing.T) {
	// Only the weakest two signatories respond (power 5 of 10, threshold
	// 6): the proposal stays open and nothing is broadcast.
	keys := nomictest.Keys(3)
	weights := nomictest.Weights(keys, 5, 3, 2)
	node := nomictest.NewBitcoinNode()
	chain := nomictest.NewChain(weights)

	down := nomictest.NewRequester(keys[0])
	down.Err = errors.Wrap(errors.ErrNetwork, "connection refused")
	requesters := append([]signing.ShareRequester{down}, nomictest.Requesters(keys[1:])...)

	r, err := New(testConfig(), store.NewMemStore(), node, chain, requesters, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.SyncSidechain())

	node.Mine(payTx(t, custodyScript(t, weights, 1), 1000000))
	require.NoError(t, r.ScanBitcoin())
	chain.QueueWithdrawal(200000, []byte{0x00, 0x14, 0xff})
	require.NoError(t, r.SyncSidechain())

	require.NoError(t, r.PumpBroadcasts())
	height, err := node.BestHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)
	require.Len(t, chain.Checkpoints(), 1)

	// Once the strong signatory recovers, the next sync collects the
	// missing share and the pipeline completes.
	down.Err = nil
	require.NoError(t, r.SyncSidechain())
	require.NoError(t, r.PumpBroadcasts())
	node.MineEmpty(1)
	require.NoError(t, r.PumpBroadcasts())
	require.Len(t, chain.Checkpoints(), 2)
}

func TestCursorPersistence(t *testing.T) {
	db := store.NewMemStore()
	cursors := NewCursors(db)

	h, err := cursors.BitcoinHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)

	require.NoError(t, cursors.SetBitcoinHeight(17))

	reopened := NewCursors(db)
	h, err = reopened.BitcoinHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(17), h)
}

func TestUTXOSet(t *testing.T) {
	set := NewUTXOSet(store.NewMemStore())
	utxos := testUTXOs(100, 200, 300)
	utxos[2].Generation = 2

	for _, u := range utxos {
		require.NoError(t, set.Add(u))
	}
	// Adding the same outpoint twice is a no-op.
	require.NoError(t, set.Add(utxos[0]))

	ok, err := set.Has(utxos[1].OutPoint)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := set.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	gen1, err := set.ByGeneration(1)
	require.NoError(t, err)
	assert.Len(t, gen1, 2)

	require.NoError(t, set.Remove(utxos[0].OutPoint))
	ok, err = set.Has(utxos[0].OutPoint)
	require.NoError(t, err)
	assert.False(t, ok)
}
