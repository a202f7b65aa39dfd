/*
Package worker implements the signatory worker process.

The worker holds a signatory's custody key and exposes exactly one
operation: given a transaction id and the per-input digests, return a
signature share. Keeping this behind a process boundary isolates the key
from the relay; the relay only ever sees signatures.
*/
package worker

import (
	"encoding/hex"
	"net/http"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/txscript"
	"github.com/gin-gonic/gin"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/errors"
)

// digestLength is the length of a witness sighash digest.
const digestLength = 32

// Signer signs transaction digests with a single custody key.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner wraps the given private key.
func NewSigner(priv *btcec.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// PubKey returns the compressed public key identifying this signatory.
func (s *Signer) PubKey() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

// Sign produces one signature per digest, DER encoded with the sighash
// type byte appended, which is the form a witness carries.
func (s *Signer) Sign(digests [][]byte) ([][]byte, error) {
	sigs := make([][]byte, len(digests))
	for i, digest := range digests {
		if len(digest) != digestLength {
			return nil, errors.Wrapf(errors.ErrInput, "digest %d has %d bytes", i, len(digest))
		}
		sig, err := s.priv.Sign(digest)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrMsg, "sign digest %d: %s", i, err)
		}
		sigs[i] = append(sig.Serialize(), byte(txscript.SigHashAll))
	}
	return sigs, nil
}

// signRequest is the wire form of a signature request. All byte fields are
// hex encoded.
type signRequest struct {
	TransactionID string   `json:"transaction_id" binding:"required"`
	Digests       []string `json:"digests" binding:"required"`
}

type signResponse struct {
	PubKey     string   `json:"pubkey"`
	Signatures []string `json:"signatures"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves signature requests over HTTP.
type Server struct {
	signer *Signer
	engine *gin.Engine
	logger log.Logger
}

// NewServer wires the signing endpoint. The returned server is also an
// http.Handler, which the tests use directly.
func NewServer(signer *Signer, logger log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		signer: signer,
		engine: gin.New(),
		logger: logger.With("module", "worker"),
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/sign", s.handleSign)
	s.engine.GET("/pubkey", s.handlePubKey)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Run blocks serving requests on the given address.
func (s *Server) Run(listen string) error {
	s.logger.Info("worker listening", "addr", listen, "signatory", s.signer.PubKey())
	return s.engine.Run(listen)
}

func (s *Server) handleSign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	digests := make([][]byte, len(req.Digests))
	for i, h := range req.Digests {
		digest, err := hex.DecodeString(h)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "digest is not hex"})
			return
		}
		digests[i] = digest
	}

	sigs, err := s.signer.Sign(digests)
	if err != nil {
		s.logger.Error("refused signature request", "txid", req.TransactionID, "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("signed", "txid", req.TransactionID, "inputs", len(sigs))

	resp := signResponse{
		PubKey:     hex.EncodeToString(s.signer.PubKey()),
		Signatures: make([]string, len(sigs)),
	}
	for i, sig := range sigs {
		resp.Signatures[i] = hex.EncodeToString(sig)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePubKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pubkey": hex.EncodeToString(s.signer.PubKey())})
}
