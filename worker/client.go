package worker

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/signing"
)

// defaultTimeout bounds a signature request so share collection can never
// hang on an unresponsive worker.
const defaultTimeout = 10 * time.Second

// Client talks to one signatory worker. It implements
// signing.ShareRequester.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ signing.ShareRequester = (*Client)(nil)

// NewClient returns a client for the worker at baseURL, for example
// "http://localhost:26659".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Sign requests a share for the given transaction digests.
func (c *Client) Sign(req signing.SignatureRequest) (*signing.Share, error) {
	body := signRequest{
		TransactionID: req.TxID.String(),
		Digests:       make([]string, len(req.Digests)),
	}
	for i, digest := range req.Digests {
		body.Digests[i] = hex.EncodeToString(digest)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "encode request: %s", err)
	}

	resp, err := c.http.Post(c.baseURL+"/sign", "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "worker %s: %s", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return nil, errors.Wrapf(errors.ErrInvalidSignature, "worker %s: %s", c.baseURL, e.Error)
		}
		return nil, errors.Wrapf(errors.ErrNetwork, "worker %s: status %d", c.baseURL, resp.StatusCode)
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(errors.ErrMsg, "decode response: %s", err)
	}

	pubkey, err := hex.DecodeString(out.PubKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMsg, "pubkey is not hex")
	}
	share := &signing.Share{
		PubKey:     pubkey,
		Signatures: make([][]byte, len(out.Signatures)),
	}
	for i, h := range out.Signatures {
		sig, err := hex.DecodeString(h)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMsg, "signature is not hex")
		}
		share.Signatures[i] = sig
	}
	return share, nil
}
