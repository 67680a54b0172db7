package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SignRequest describes a TransferWithAuthorization to be signed by the payer key.
type SignRequest struct {
	RequestNonce   string
	IdempotencyKey string
	Domain         Domain
	To             common.Address
	Value          *uint256.Int
	ValidAfter     uint64
	ValidBefore    uint64

	// Nonce is generated randomly when zero.
	Nonce common.Hash
}

// SignHeader produces a complete header for req signed by key. The payer address is
// derived from key.
func SignHeader(key *ecdsa.PrivateKey, req SignRequest) (Header, error) {
	if key == nil {
		return Header{}, errors.New("x402: nil private key")
	}
	if req.Value == nil {
		return Header{}, errors.New("x402: nil value")
	}
	nonce := req.Nonce
	if nonce == (common.Hash{}) {
		if _, err := rand.Read(nonce[:]); err != nil {
			return Header{}, fmt.Errorf("x402: random nonce: %w", err)
		}
	}

	auth := TransferAuthorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          req.To,
		Value:       new(uint256.Int).Set(req.Value),
		ValidAfter:  req.ValidAfter,
		ValidBefore: req.ValidBefore,
		Nonce:       nonce,
	}
	sig, err := SignDigest(key, Digest(req.Domain, auth))
	if err != nil {
		return Header{}, err
	}
	auth.Signature = sig

	h := Header{
		RequestNonce:       req.RequestNonce,
		IdempotencyKey:     req.IdempotencyKey,
		AuthorizationNonce: nonce,
		Domain:             req.Domain,
		Authorization:      auth,
	}
	raw, err := h.Encode()
	if err != nil {
		return Header{}, err
	}
	h.Raw = raw
	return h, nil
}
