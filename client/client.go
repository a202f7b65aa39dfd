/*
Package client is the sidechain adapter used by the relay, the signatory
workers and the CLI.

It wraps a Tendermint RPC connection twice over: transactions are JSON
encoded and broadcast through BroadcastTxCommit, and reads go through ABCI
queries against the chain's key-value store, the same way the chain itself
serves them (keys like "signatories", "prev_signatories" and
"balances/<address>").
*/
package client

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	cmn "github.com/tendermint/tendermint/libs/common"
	rpcclient "github.com/tendermint/tendermint/rpc/client"
	ctypes "github.com/tendermint/tendermint/rpc/core/types"
	tmtypes "github.com/tendermint/tendermint/types"

	"github.com/nomic-io/nomic-go/checkpoint"
	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/signatory"
)

// Store keys served by the sidechain.
var (
	keySignatories     = []byte("signatories")
	keyPrevSignatories = []byte("prev_signatories")
	keyValidators      = []byte("validators")
	keyWithdrawals     = []byte("withdrawals")
	prefixBalances     = []byte("balances/")
)

// storeQueryPath is the ABCI query path for raw store reads.
const storeQueryPath = "/store"

// conn is the subset of the Tendermint RPC client the adapter needs.
// Narrow on purpose: tests fake these three calls.
type conn interface {
	ABCIQuery(path string, data cmn.HexBytes) (*ctypes.ResultABCIQuery, error)
	BroadcastTxCommit(tx tmtypes.Tx) (*ctypes.ResultBroadcastTxCommit, error)
	Status() (*ctypes.ResultStatus, error)
}

// Client exposes the read/submit primitives of the sidechain.
type Client struct {
	conn conn
}

// NewClient wraps an existing Tendermint RPC connection.
func NewClient(conn conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to a Tendermint RPC endpoint, for example
// "tcp://localhost:26657".
func Dial(remote string) *Client {
	return NewClient(rpcclient.NewHTTP(remote, "/websocket"))
}

// ChainHeight returns the sidechain's latest block height.
func (c *Client) ChainHeight() (int64, error) {
	status, err := c.conn.Status()
	if err != nil {
		return 0, errors.Wrapf(errors.ErrNetwork, "status: %s", err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// SubmitDepositProof submits a deposit proof. A nil error means the deposit
// was credited. ErrDuplicate means the output was already credited, which
// is a safe outcome for the relay's re-submission recovery path.
// ErrInvalidProof means the proof was rejected and must not be retried.
func (c *Client) SubmitDepositProof(proof *DepositProof) error {
	if err := proof.Validate(); err != nil {
		return err
	}
	return c.send(depositTx(proof))
}

// SubmitCheckpoint attests a confirmed checkpoint transition. ErrStaleCheckpoint
// means the chain has already moved past this generation.
func (c *Client) SubmitCheckpoint(cp *checkpoint.Checkpoint) error {
	return c.send(checkpointTx(cp))
}

// SubmitWorkProof redeems a golden nonce, granting voting power to the
// given public key.
func (c *Client) SubmitWorkProof(pubkey []byte, nonce uint64) error {
	return c.send(&Transaction{
		Type: TxTypeWorkProof,
		WorkProof: &WorkProofTx{
			PubKey: hex.EncodeToString(pubkey),
			Nonce:  nonce,
		},
	})
}

// SubmitWithdrawal queues a request to move pegged funds to a Bitcoin
// destination script. The relay bundles queued withdrawals into the next
// checkpoint transition.
func (c *Client) SubmitWithdrawal(w WithdrawalRequest) error {
	if w.Amount <= 0 {
		return errors.Wrapf(errors.ErrInput, "withdrawal amount %d", w.Amount)
	}
	if len(w.Script) == 0 {
		return errors.Wrap(errors.ErrInput, "missing destination script")
	}
	return c.send(&Transaction{
		Type: TxTypeWithdrawal,
		Withdrawal: &WithdrawalTx{
			Amount: w.Amount,
			Script: hex.EncodeToString(w.Script),
		},
	})
}

// ValidatorWeights returns the current validator weight mapping keyed by
// raw compressed signatory pubkey.
func (c *Client) ValidatorWeights() (map[string]uint64, error) {
	raw, err := c.storeGet(keyValidators)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "validators")
	}
	var hexWeights map[string]uint64
	if err := json.Unmarshal(raw, &hexWeights); err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "decode validators: %s", err)
	}
	weights := make(map[string]uint64, len(hexWeights))
	for key, power := range hexWeights {
		pubkey, err := hex.DecodeString(key)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMsg, "validator key is not hex")
		}
		weights[string(pubkey)] = power
	}
	return weights, nil
}

// PendingWithdrawals returns the queued withdrawal requests.
func (c *Client) PendingWithdrawals() ([]WithdrawalRequest, error) {
	raw, err := c.storeGet(keyWithdrawals)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var pending []WithdrawalTx
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "decode withdrawals: %s", err)
	}
	out := make([]WithdrawalRequest, len(pending))
	for i, w := range pending {
		script, err := hex.DecodeString(w.Script)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMsg, "withdrawal script is not hex")
		}
		out[i] = WithdrawalRequest{Amount: w.Amount, Script: script}
	}
	return out, nil
}

// SignatorySets returns the current and previous signatory set snapshots.
// The previous set may be nil before the first rotation.
func (c *Client) SignatorySets() (current, previous *signatory.Set, err error) {
	raw, err := c.storeGet(keySignatories)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, nil, errors.Wrap(errors.ErrNotFound, "signatory set")
	}
	current, err = signatory.Decode(raw)
	if err != nil {
		return nil, nil, err
	}

	raw, err = c.storeGet(keyPrevSignatories)
	if err != nil {
		return nil, nil, err
	}
	if raw != nil {
		previous, err = signatory.Decode(raw)
		if err != nil {
			return nil, nil, err
		}
	}
	return current, previous, nil
}

// Balance returns the pegged balance of a sidechain address, a big endian
// uint64 under "balances/<address>". Missing accounts read as zero.
func (c *Client) Balance(address []byte) (uint64, error) {
	key := make([]byte, len(prefixBalances)+len(address))
	copy(key, prefixBalances)
	copy(key[len(prefixBalances):], address)

	raw, err := c.storeGet(key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, errors.Wrapf(errors.ErrMsg, "balance value has %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// storeGet reads a raw value from the chain's store. Missing keys return
// nil.
func (c *Client) storeGet(key []byte) ([]byte, error) {
	res, err := c.conn.ABCIQuery(storeQueryPath, cmn.HexBytes(key))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "abci query: %s", err)
	}
	if res.Response.Code != 0 {
		return nil, abciError(res.Response.Code, res.Response.Log)
	}
	return res.Response.Value, nil
}

// send broadcasts a JSON-encoded transaction and waits for commit,
// translating ABCI result codes back into this codebase's error roots.
func (c *Client) send(tx *Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrapf(errors.ErrMsg, "encode transaction: %s", err)
	}
	res, err := c.conn.BroadcastTxCommit(tmtypes.Tx(raw))
	if err != nil {
		return errors.Wrapf(errors.ErrNetwork, "broadcast: %s", err)
	}
	if res.CheckTx.Code != 0 {
		return abciError(res.CheckTx.Code, res.CheckTx.Log)
	}
	if res.DeliverTx.Code != 0 {
		return abciError(res.DeliverTx.Code, res.DeliverTx.Log)
	}
	return nil
}

// abciError maps a sidechain result code to an error root. The chain uses
// the same code registry as this codebase.
func abciError(code uint32, log string) error {
	switch code {
	case errors.ErrDuplicate.ABCICode():
		return errors.Wrap(errors.ErrDuplicate, log)
	case errors.ErrInvalidProof.ABCICode():
		return errors.Wrap(errors.ErrInvalidProof, log)
	case errors.ErrStaleCheckpoint.ABCICode():
		return errors.Wrap(errors.ErrStaleCheckpoint, log)
	case errors.ErrNotFound.ABCICode():
		return errors.Wrap(errors.ErrNotFound, log)
	default:
		return errors.Wrapf(errors.ErrMsg, "chain rejected with code %d: %s", code, log)
	}
}
