package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/nomic-io/nomic-go/client"
)

// workDifficulty is the number of leading zero bytes a golden nonce hash
// must have. The chain checks the same rule when the proof is redeemed.
const workDifficulty = 2

func cmdWorkProof(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Mine a golden nonce for your public key and redeem it on the sidechain,
granting voting power. Mining runs until a nonce is found; expect it to
take a while.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
		keyPathFl = fl.String("key", env("NOMIC_PRIV_KEY", os.Getenv("HOME")+"/.nomic.priv.key"),
			"Path to the private key file. You can use NOMIC_PRIV_KEY environment variable to set it.")
		countFl = fl.Int("count", 1,
			"Number of golden nonces to mine and redeem.")
	)
	fl.Parse(args)

	priv, err := loadPrivateKey(*keyPathFl)
	if err != nil {
		return err
	}
	pubkey := priv.PubKey().SerializeCompressed()
	c := client.Dial(*chainFl)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *countFl; i++ {
		nonce := mineNonce(pubkey, rng.Uint64())
		fmt.Fprintf(output, "golden nonce %d for %s\n", nonce, hex.EncodeToString(pubkey))
		if err := c.SubmitWorkProof(pubkey, nonce); err != nil {
			return fmt.Errorf("cannot redeem work proof: %s", err)
		}
	}
	return nil
}

// mineNonce searches from the given starting point for a nonce whose hash
// together with the public key clears the difficulty.
func mineNonce(pubkey []byte, start uint64) uint64 {
	for nonce := start; ; nonce++ {
		if checkWork(pubkey, nonce) {
			return nonce
		}
	}
}

// checkWork reports whether sha256(pubkey || nonce) starts with
// workDifficulty zero bytes. The nonce is big endian so the preimage is
// the same on every platform.
func checkWork(pubkey []byte, nonce uint64) bool {
	preimage := make([]byte, len(pubkey)+8)
	copy(preimage, pubkey)
	binary.BigEndian.PutUint64(preimage[len(pubkey):], nonce)
	digest := sha256.Sum256(preimage)
	for _, b := range digest[:workDifficulty] {
		if b != 0 {
			return false
		}
	}
	return true
}
