package nomictest

import (
	"github.com/btcsuite/btcd/btcec"

	"github.com/nomic-io/nomic-go/signing"
	"github.com/nomic-io/nomic-go/worker"
)

// Requester signs share requests in-process, standing in for a worker
// reached over HTTP. Err, when set, is returned instead of a share, which
// simulates an unreachable or refusing signatory.
type Requester struct {
	signer *worker.Signer

	// Err makes every Sign call fail with this error.
	Err error

	// Calls counts Sign invocations.
	Calls int
}

// NewRequester wraps the given custody key.
func NewRequester(priv *btcec.PrivateKey) *Requester {
	return &Requester{signer: worker.NewSigner(priv)}
}

// Requesters builds one in-process requester per key.
func Requesters(keys []*btcec.PrivateKey) []signing.ShareRequester {
	out := make([]signing.ShareRequester, len(keys))
	for i, key := range keys {
		out[i] = NewRequester(key)
	}
	return out
}

var _ signing.ShareRequester = (*Requester)(nil)

// Sign implements signing.ShareRequester.
func (r *Requester) Sign(req signing.SignatureRequest) (*signing.Share, error) {
	r.Calls++
	if r.Err != nil {
		return nil, r.Err
	}
	sigs, err := r.signer.Sign(req.Digests)
	if err != nil {
		return nil, err
	}
	return &signing.Share{
		PubKey:     r.signer.PubKey(),
		Signatures: sigs,
	}, nil
}
