package client

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"
)

// Address derives the sidechain account address of a public key:
// RIPEMD160(SHA256(pubkey)), the construction Bitcoin uses for
// pay-to-pubkey-hash. Balances are kept under these 20 byte addresses.
func Address(pubkey []byte) []byte {
	sha := sha256.Sum256(pubkey)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}
