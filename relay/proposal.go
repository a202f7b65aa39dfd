package relay

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/signatory"
)

// dustLimit is the smallest reserve output we are willing to create, in
// satoshis.
const dustLimit = 546

// buildCheckpointTx assembles the unsigned checkpoint transition: it spends
// the given reserve outputs (all controlled by the signing set), pays each
// withdrawal, and sends the remainder to the target set's custody address
// as the new reserve output, which is always the last output.
//
// The construction is deterministic: inputs arrive in UTXOSet.List order
// and withdrawals in sidechain queue order, so independent relayers
// produce the same transaction.
func buildCheckpointTx(
	utxos []UTXO,
	target *signatory.Set,
	withdrawals []client.WithdrawalRequest,
	predecessor [checkpoint.HashLength]byte,
	feeRate int64,
	params *chaincfg.Params,
) (*wire.MsgTx, []int64, *checkpoint.Checkpoint, error) {
	if len(utxos) == 0 {
		return nil, nil, nil, errors.Wrap(errors.ErrInput, "no reserve outputs to spend")
	}
	if feeRate <= 0 {
		return nil, nil, nil, errors.Wrapf(errors.ErrInput, "fee rate %d", feeRate)
	}

	reserveScript, err := target.PayToScript(params)
	if err != nil {
		return nil, nil, nil, err
	}

	tx := wire.NewMsgTx(2)
	amounts := make([]int64, len(utxos))
	var totalIn int64
	for i, utxo := range utxos {
		op := utxo.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		amounts[i] = utxo.Amount
		totalIn += utxo.Amount
	}

	var totalOut int64
	outputScripts := make([][]byte, 0, len(withdrawals)+1)
	for _, w := range withdrawals {
		if w.Amount <= 0 {
			return nil, nil, nil, errors.Wrapf(errors.ErrInput, "withdrawal amount %d", w.Amount)
		}
		tx.AddTxOut(wire.NewTxOut(w.Amount, w.Script))
		outputScripts = append(outputScripts, w.Script)
		totalOut += w.Amount
	}
	outputScripts = append(outputScripts, reserveScript)

	fee := feeRate * estimateVSize(len(utxos), target, outputScripts)
	reserve := totalIn - totalOut - fee
	if reserve < dustLimit {
		return nil, nil, nil, errors.Wrapf(errors.ErrOverflow,
			"reserve %d after %d withdrawn and %d fee is below the dust limit", reserve, totalOut, fee)
	}
	tx.AddTxOut(wire.NewTxOut(reserve, reserveScript))

	cp := &checkpoint.Checkpoint{
		Generation:    target.Generation,
		CustodyScript: mustRedeemScript(target),
		Reserve:       reserve,
		Predecessor:   predecessor,
		TxID:          [checkpoint.HashLength]byte(tx.TxHash()),
	}
	return tx, amounts, cp, nil
}

// reserveOutputIndex locates the new custody output within a checkpoint
// transaction built by buildCheckpointTx.
func reserveOutputIndex(tx *wire.MsgTx) uint32 {
	return uint32(len(tx.TxOut) - 1)
}

// estimateVSize is a conservative upper bound on the virtual size of the
// signed transaction. Every member slot is counted as a full signature even
// though only a threshold subset will sign, so the estimate (and therefore
// the fee) errs on the side of confirming.
func estimateVSize(numInputs int, set *signatory.Set, outputScripts [][]byte) int64 {
	redeemLen := len(mustRedeemScript(set))

	// Non-witness bytes: version, in/out counts, outpoints and
	// sequence numbers, outputs, locktime.
	base := 10 + numInputs*41
	for _, script := range outputScripts {
		base += 9 + len(script)
	}

	// Witness bytes per input: item count, one (worst case 73 byte)
	// signature slot per member, and the redeem script push.
	perInput := 3 + len(set.Signatories)*74 + 3 + redeemLen
	witness := 2 + numInputs*perInput

	return int64(base) + int64(witness+3)/4
}

// bumpFeeRate raises the fee rate by a quarter, used when the network
// rejected a broadcast for paying too little.
func bumpFeeRate(rate int64) int64 {
	return rate + rate/4 + 1
}

func mustRedeemScript(set *signatory.Set) []byte {
	script, err := set.RedeemScript()
	if err != nil {
		// The set was validated when computed; a failure here is a
		// programming error.
		panic(err)
	}
	return script
}
