package signatory

import (
	"crypto/sha256"
	"math"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/nomic-io/nomic-go/errors"
)

// RedeemScript builds the weighted multisig custody script for the set.
//
// The script accumulates the voting power of every member that provided a
// valid signature and compares the sum against the spend threshold:
//
//   <pk_0> CHECKSIG IF <power_0> ELSE 0 ENDIF
//   SWAP <pk_i> CHECKSIG IF <power_i> ADD ENDIF      (for each i > 0)
//   <threshold> GREATERTHANOREQUAL
//
// The witness supplies one item per member, in reverse set order, each
// either that member's signature or an empty push.
func (s *Set) RedeemScript() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	threshold := s.Threshold()
	if threshold > math.MaxInt64 || s.TotalPower() > math.MaxInt64 {
		return nil, errors.Wrap(errors.ErrOverflow, "voting power exceeds script number range")
	}

	b := txscript.NewScriptBuilder()
	for i, sig := range s.Signatories {
		if i == 0 {
			b.AddData(sig.PubKey)
			b.AddOp(txscript.OP_CHECKSIG)
			b.AddOp(txscript.OP_IF)
			b.AddInt64(int64(sig.VotingPower))
			b.AddOp(txscript.OP_ELSE)
			b.AddInt64(0)
			b.AddOp(txscript.OP_ENDIF)
			continue
		}
		b.AddOp(txscript.OP_SWAP)
		b.AddData(sig.PubKey)
		b.AddOp(txscript.OP_CHECKSIG)
		b.AddOp(txscript.OP_IF)
		b.AddInt64(int64(sig.VotingPower))
		b.AddOp(txscript.OP_ADD)
		b.AddOp(txscript.OP_ENDIF)
	}
	b.AddInt64(int64(threshold))
	b.AddOp(txscript.OP_GREATERTHANOREQUAL)

	script, err := b.Script()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "build custody script: %s", err)
	}
	return script, nil
}

// Address derives the pay-to-witness-script-hash address of the custody
// script on the given Bitcoin network.
func (s *Set) Address(params *chaincfg.Params) (btcutil.Address, error) {
	script, err := s.RedeemScript()
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], params)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "custody address: %s", err)
	}
	return addr, nil
}

// PayToScript returns the output script paying to the set's custody
// address. The relay matches scanned outputs against this.
func (s *Set) PayToScript(params *chaincfg.Params) ([]byte, error) {
	addr, err := s.Address(params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "custody output script: %s", err)
	}
	return pkScript, nil
}

// AssembleWitness builds the witness stack spending a custody output, given
// signatures keyed by the raw pubkey string of the member that produced
// them. Members without a signature contribute an empty push, which
// CHECKSIG evaluates as false.
func (s *Set) AssembleWitness(sigs map[string][]byte) (wire.TxWitness, error) {
	script, err := s.RedeemScript()
	if err != nil {
		return nil, err
	}

	// One item per member in reverse set order: the first member's
	// signature is consumed first and therefore sits on top of the
	// stack.
	witness := make(wire.TxWitness, 0, len(s.Signatories)+1)
	for i := len(s.Signatories) - 1; i >= 0; i-- {
		sig, ok := sigs[string(s.Signatories[i].PubKey)]
		if !ok {
			witness = append(witness, nil)
			continue
		}
		witness = append(witness, sig)
	}
	witness = append(witness, script)
	return witness, nil
}
