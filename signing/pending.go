package signing

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/nomic-io/nomic-go/signatory"
)

// State of a pending transaction. Transitions only move forward:
//
//   Open -> Thresholded -> Broadcast -> Confirmed
//   Open -> Expired
//
// A transaction is frozen at Thresholded; nothing is written to Bitcoin
// before that point, so abandoning an Open transaction never corrupts
// custody state.
type State int

const (
	StateOpen State = iota
	StateThresholded
	StateBroadcast
	StateConfirmed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateThresholded:
		return "thresholded"
	case StateBroadcast:
		return "broadcast"
	case StateConfirmed:
		return "confirmed"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// SignatureRequest is what a signatory worker receives: the transaction
// identity and the exact digests its key must sign, one per input.
type SignatureRequest struct {
	TxID    chainhash.Hash
	Digests [][]byte
}

// Share is a single signatory's contribution: one signature per input,
// each a DER signature with the sighash type byte appended.
type Share struct {
	PubKey     []byte
	Signatures [][]byte
}

// ShareRequester obtains a share from one signatory process. The custody
// key lives on the other side of this interface and never in the relay
// process.
type ShareRequester interface {
	Sign(req SignatureRequest) (*Share, error)
}

// PendingTransaction aggregates shares for one outgoing Bitcoin
// transaction. All mutation is serialized by its own mutex, so different
// transactions make progress fully in parallel.
type PendingTransaction struct {
	mu sync.Mutex

	txID      chainhash.Hash
	tx        *wire.MsgTx
	set       *signatory.Set
	threshold uint64
	digests   [][]byte
	deadline  time.Time

	state     State
	shares    map[string]*Share
	assembled *wire.MsgTx
}

// TxID identifies the transaction. The witness does not contribute to a
// txid, so the identity is stable from proposal through finalization.
func (p *PendingTransaction) TxID() chainhash.Hash {
	return p.txID
}

// State returns the current state.
func (p *PendingTransaction) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Set returns the signatory set generation the transaction was built
// against.
func (p *PendingTransaction) Set() *signatory.Set {
	return p.set
}

// Digests returns the per-input digests signatories must sign.
func (p *PendingTransaction) Digests() [][]byte {
	return p.digests
}

// Request builds the signature request sent to workers.
func (p *PendingTransaction) Request() SignatureRequest {
	return SignatureRequest{TxID: p.txID, Digests: p.digests}
}

// AccumulatedPower is the sum of the powers of members with an accepted
// share. Recomputed from the share set, never cached, so it is always
// consistent with what was accepted.
func (p *PendingTransaction) AccumulatedPower() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accumulatedPower()
}

func (p *PendingTransaction) accumulatedPower() uint64 {
	var power uint64
	for pubkey := range p.shares {
		power += p.set.PowerOf([]byte(pubkey))
	}
	return power
}
