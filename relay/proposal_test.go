package relay

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/errors"
)

func testUTXOs(amounts ...int64) []UTXO {
	utxos := make([]UTXO, len(amounts))
	for i, amount := range amounts {
		utxos[i] = UTXO{
			OutPoint:   wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: uint32(i)},
			Amount:     amount,
			Generation: 1,
		}
	}
	return utxos
}

func TestBuildCheckpointTx(t *testing.T) {
	target := custodySet(t)
	target.Generation = 2
	reserveScript, err := target.PayToScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	utxos := testUTXOs(600000, 400000)
	withdrawals := []client.WithdrawalRequest{
		{Amount: 150000, Script: []byte{0x00, 0x14, 0xaa}},
		{Amount: 50000, Script: []byte{0x00, 0x14, 0xbb}},
	}
	var pred [checkpoint.HashLength]byte
	pred[0] = 0x01

	tx, amounts, cp, err := buildCheckpointTx(utxos, target, withdrawals, pred, 2, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	// Inputs mirror the UTXO list, in order.
	require.Len(t, tx.TxIn, 2)
	assert.Equal(t, utxos[0].OutPoint, tx.TxIn[0].PreviousOutPoint)
	assert.Equal(t, utxos[1].OutPoint, tx.TxIn[1].PreviousOutPoint)
	assert.Equal(t, []int64{600000, 400000}, amounts)

	// Withdrawal outputs first, the reserve output last.
	require.Len(t, tx.TxOut, 3)
	assert.Equal(t, int64(150000), tx.TxOut[0].Value)
	assert.Equal(t, int64(50000), tx.TxOut[1].Value)
	assert.Equal(t, reserveScript, tx.TxOut[2].PkScript)
	assert.Equal(t, int(reserveOutputIndex(tx)), 2)

	// The reserve is what remains after withdrawals and a positive fee.
	fee := 1000000 - 150000 - 50000 - tx.TxOut[2].Value
	assert.True(t, fee > 0, "fee %d", fee)
	assert.Equal(t, tx.TxOut[2].Value, cp.Reserve)

	assert.Equal(t, uint64(2), cp.Generation)
	assert.Equal(t, pred, cp.Predecessor)
	assert.Equal(t, [checkpoint.HashLength]byte(tx.TxHash()), cp.TxID)
}

func TestBuildCheckpointTxDeterministic(t *testing.T) {
	target := custodySet(t)
	utxos := testUTXOs(500000)
	var pred [checkpoint.HashLength]byte

	first, _, _, err := buildCheckpointTx(utxos, target, nil, pred, 3, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	second, _, _, err := buildCheckpointTx(utxos, target, nil, pred, 3, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash(), second.TxHash())
}

func TestBuildCheckpointTxRejects(t *testing.T) {
	target := custodySet(t)
	var pred [checkpoint.HashLength]byte

	// No inputs.
	_, _, _, err := buildCheckpointTx(nil, target, nil, pred, 1, &chaincfg.RegressionNetParams)
	assert.True(t, errors.ErrInput.Is(err))

	// Withdrawals and fees exceeding the reserve leave dust or less.
	_, _, _, err = buildCheckpointTx(testUTXOs(10000), target, []client.WithdrawalRequest{
		{Amount: 9500, Script: []byte{0x00}},
	}, pred, 2, &chaincfg.RegressionNetParams)
	assert.True(t, errors.ErrOverflow.Is(err))

	// Nonsense fee rate.
	_, _, _, err = buildCheckpointTx(testUTXOs(500000), target, nil, pred, 0, &chaincfg.RegressionNetParams)
	assert.True(t, errors.ErrInput.Is(err))

	// Zero value withdrawals are never relayed.
	_, _, _, err = buildCheckpointTx(testUTXOs(500000), target, []client.WithdrawalRequest{
		{Amount: 0, Script: []byte{0x00}},
	}, pred, 2, &chaincfg.RegressionNetParams)
	assert.True(t, errors.ErrInput.Is(err))
}

func TestBumpFeeRate(t *testing.T) {
	assert.Equal(t, int64(2), bumpFeeRate(1))
	assert.Equal(t, int64(26), bumpFeeRate(20))
	prev := int64(1)
	for i := 0; i < 10; i++ {
		next := bumpFeeRate(prev)
		assert.True(t, next > prev)
		prev = next
	}
}
