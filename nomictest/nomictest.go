/*
Package nomictest provides test doubles and fixtures shared by the test
suites: deterministic signatory keys, an in-memory Bitcoin node and an
in-memory sidechain. The doubles satisfy the relay's adapter interfaces
structurally, so tests wire them in wherever a real node or chain client
would go.
*/
package nomictest

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// Key returns a deterministic private key for the given seed index. The
// same index always yields the same key, so fixtures are stable across
// test runs and packages.
func Key(index int) *btcec.PrivateKey {
	seed := sha256.Sum256([]byte(fmt.Sprintf("nomictest key %d", index)))
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), seed[:])
	return priv
}

// Keys returns the first n deterministic private keys.
func Keys(n int) []*btcec.PrivateKey {
	keys := make([]*btcec.PrivateKey, n)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// Weights builds a validator weight mapping from the given keys and
// powers, keyed by compressed pubkey as the chain state keeps it.
func Weights(keys []*btcec.PrivateKey, powers ...uint64) map[string]uint64 {
	if len(keys) != len(powers) {
		panic("keys and powers length mismatch")
	}
	weights := make(map[string]uint64, len(keys))
	for i, key := range keys {
		weights[string(key.PubKey().SerializeCompressed())] = powers[i]
	}
	return weights
}
