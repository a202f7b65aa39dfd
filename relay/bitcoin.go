package relay

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/nomic-io/nomic-go/errors"
)

// Bitcoin is the Bitcoin-chain adapter the relay consumes. Implementations
// must map "no such block yet" to ErrNotFound, broadcast refusals to
// ErrRejected and transport failures to ErrNetwork so the relay can
// distinguish retry from requeue from drop.
type Bitcoin interface {
	// BestHeight returns the current tip height.
	BestHeight() (int64, error)

	// GetBlock returns the block at the given height, or ErrNotFound if
	// the chain has not reached it.
	GetBlock(height int64) (*wire.MsgBlock, error)

	// BroadcastTransaction submits a signed transaction. A refusal by
	// the network (fee too low, non-standard) is ErrRejected with the
	// node's reason.
	BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)

	// Confirmations returns how many confirmations a transaction has,
	// zero for unknown or unconfirmed.
	Confirmations(txid *chainhash.Hash) (int64, error)
}

// NodeClient implements Bitcoin against a btcd or bitcoind JSON-RPC
// endpoint.
type NodeClient struct {
	rpc *rpcclient.Client
}

var _ Bitcoin = (*NodeClient)(nil)

// DialNode connects to a Bitcoin node over HTTP POST JSON-RPC.
func DialNode(host, user, pass string) (*NodeClient, error) {
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "bitcoin rpc %q: %s", host, err)
	}
	return &NodeClient{rpc: rpc}, nil
}

func (n *NodeClient) BestHeight() (int64, error) {
	height, err := n.rpc.GetBlockCount()
	if err != nil {
		return 0, errors.Wrapf(errors.ErrNetwork, "block count: %s", err)
	}
	return height, nil
}

func (n *NodeClient) GetBlock(height int64) (*wire.MsgBlock, error) {
	hash, err := n.rpc.GetBlockHash(height)
	if err != nil {
		// An RPC-level error here means the node answered: the height
		// is beyond its tip. Transport failures surface as non-RPC
		// errors.
		if _, ok := err.(*btcjson.RPCError); ok {
			return nil, errors.Wrapf(errors.ErrNotFound, "block %d", height)
		}
		return nil, errors.Wrapf(errors.ErrNetwork, "block hash %d: %s", height, err)
	}
	block, err := n.rpc.GetBlock(hash)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "block %s: %s", hash, err)
	}
	return block, nil
}

func (n *NodeClient) BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash, err := n.rpc.SendRawTransaction(tx, false)
	if err != nil {
		if rpcErr, ok := err.(*btcjson.RPCError); ok {
			return nil, errors.Wrapf(errors.ErrRejected, "%s", rpcErr.Message)
		}
		return nil, errors.Wrapf(errors.ErrNetwork, "broadcast: %s", err)
	}
	return hash, nil
}

func (n *NodeClient) Confirmations(txid *chainhash.Hash) (int64, error) {
	res, err := n.rpc.GetRawTransactionVerbose(txid)
	if err != nil {
		if _, ok := err.(*btcjson.RPCError); ok {
			// Unknown to the node: not confirmed anywhere we can see.
			return 0, nil
		}
		return 0, errors.Wrapf(errors.ErrNetwork, "tx %s: %s", txid, err)
	}
	return int64(res.Confirmations), nil
}
