package worker_test

import (
	"crypto/sha256"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/nomictest"
	"github.com/nomic-io/nomic-go/signing"
	"github.com/nomic-io/nomic-go/worker"
)

func testDigests(n int) [][]byte {
	digests := make([][]byte, n)
	for i := range digests {
		d := sha256.Sum256([]byte{byte(i)})
		digests[i] = d[:]
	}
	return digests
}

func TestSignerProducesWitnessSignatures(t *testing.T) {
	priv := nomictest.Key(0)
	signer := worker.NewSigner(priv)

	digests := testDigests(2)
	sigs, err := signer.Sign(digests)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	for i, raw := range sigs {
		// DER signature with the sighash type byte appended.
		require.Equal(t, byte(txscript.SigHashAll), raw[len(raw)-1])
		sig, err := btcec.ParseDERSignature(raw[:len(raw)-1], btcec.S256())
		require.NoError(t, err)
		assert.True(t, sig.Verify(digests[i], priv.PubKey()))
	}
}

func TestSignerRejectsBadDigest(t *testing.T) {
	signer := worker.NewSigner(nomictest.Key(0))
	_, err := signer.Sign([][]byte{[]byte("short")})
	assert.True(t, errors.ErrInput.Is(err))
}

func TestServerRoundTrip(t *testing.T) {
	priv := nomictest.Key(0)
	server := worker.NewServer(worker.NewSigner(priv), log.NewNopLogger())
	ts := httptest.NewServer(server)
	defer ts.Close()

	client := worker.NewClient(ts.URL)

	req := signing.SignatureRequest{
		TxID:    chainhash.Hash{1, 2, 3},
		Digests: testDigests(3),
	}
	share, err := client.Sign(req)
	require.NoError(t, err)
	assert.Equal(t, priv.PubKey().SerializeCompressed(), share.PubKey)
	require.Len(t, share.Signatures, 3)

	for i, raw := range share.Signatures {
		sig, err := btcec.ParseDERSignature(raw[:len(raw)-1], btcec.S256())
		require.NoError(t, err)
		assert.True(t, sig.Verify(req.Digests[i], priv.PubKey()))
	}
}

func TestServerRefusesBadRequest(t *testing.T) {
	server := worker.NewServer(worker.NewSigner(nomictest.Key(0)), log.NewNopLogger())
	ts := httptest.NewServer(server)
	defer ts.Close()

	client := worker.NewClient(ts.URL)

	// A malformed digest is refused by the worker, not signed blindly.
	_, err := client.Sign(signing.SignatureRequest{
		TxID:    chainhash.Hash{},
		Digests: [][]byte{[]byte("not 32 bytes")},
	})
	assert.True(t, errors.ErrInvalidSignature.Is(err))
}

func TestClientUnreachableWorker(t *testing.T) {
	client := worker.NewClient("http://127.0.0.1:1")
	_, err := client.Sign(signing.SignatureRequest{Digests: testDigests(1)})
	assert.True(t, errors.IsTransient(err))
}
