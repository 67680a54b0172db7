package x402

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// HeaderName is the default request header carrying the payment authorization.
const HeaderName = "X-PAYMENT"

const (
	maxTokenLen     = 128
	maxHeaderBytes  = 16 << 10
	signatureLength = 65
)

var ErrMalformedHeader = errors.New("x402: malformed payment header")

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	sigPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	decimalPattern = regexp.MustCompile(`^[0-9]{1,78}$`)
)

// Domain is the EIP-712 domain the authorization was signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// TransferAuthorization mirrors the EIP-3009 TransferWithAuthorization message.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *uint256.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       common.Hash
	Signature   []byte
}

// Header is a fully validated X-PAYMENT header.
type Header struct {
	RequestNonce       string
	IdempotencyKey     string
	AuthorizationNonce common.Hash
	Domain             Domain
	Authorization      TransferAuthorization

	// Raw is the header exactly as received, kept for the audit record.
	Raw string
}

type wireHeader struct {
	RequestNonce   string       `json:"requestNonce"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Payload        *wirePayload `json:"payload"`
}

type wirePayload struct {
	AuthorizationNonce string             `json:"authorizationNonce"`
	Domain             *wireDomain        `json:"domain"`
	Authorization      *wireAuthorization `json:"authorization"`
}

type wireDomain struct {
	Name              string  `json:"name"`
	Version           string  `json:"version"`
	ChainID           *uint64 `json:"chainId"`
	VerifyingContract string  `json:"verifyingContract"`
}

type wireAuthorization struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Value       string  `json:"value"`
	ValidAfter  *uint64 `json:"validAfter"`
	ValidBefore *uint64 `json:"validBefore"`
	Nonce       string  `json:"nonce"`
	Signature   string  `json:"signature"`
}

// keyShape lists the accepted keys of one JSON object. A nil value marks a leaf.
type keyShape map[string]keyShape

var headerShape = keyShape{
	"requestNonce":   nil,
	"idempotencyKey": nil,
	"payload": {
		"authorizationNonce": nil,
		"domain": {
			"name":              nil,
			"version":           nil,
			"chainId":           nil,
			"verifyingContract": nil,
		},
		"authorization": {
			"from":        nil,
			"to":          nil,
			"value":       nil,
			"validAfter":  nil,
			"validBefore": nil,
			"nonce":       nil,
			"signature":   nil,
		},
	},
}

func exactKeys(raw json.RawMessage, shape keyShape, path string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: %s is not an object", ErrMalformedHeader, strings.TrimSuffix(path, "."))
	}
	for k, v := range obj {
		sub, ok := shape[k]
		if !ok {
			return fmt.Errorf("%w: unexpected field %q", ErrMalformedHeader, path+k)
		}
		if sub == nil || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		if err := exactKeys(v, sub, path+k+"."); err != nil {
			return err
		}
	}
	return nil
}

// ParseHeader decodes and validates raw. Every structural problem is reported as
// ErrMalformedHeader; nothing about the signature or the configured chain is checked here.
func ParseHeader(raw string) (Header, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Header{}, fmt.Errorf("%w: empty", ErrMalformedHeader)
	}
	if len(raw) > maxHeaderBytes {
		return Header{}, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, maxHeaderBytes)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var w wireHeader
	if err := dec.Decode(&w); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Header{}, fmt.Errorf("%w: trailing data", ErrMalformedHeader)
	}
	// encoding/json folds key case; field names must match exactly.
	if err := exactKeys(json.RawMessage(raw), headerShape, ""); err != nil {
		return Header{}, err
	}

	requestNonce, err := boundedToken("requestNonce", w.RequestNonce)
	if err != nil {
		return Header{}, err
	}
	idempotencyKey, err := boundedToken("idempotencyKey", w.IdempotencyKey)
	if err != nil {
		return Header{}, err
	}
	if w.Payload == nil {
		return Header{}, missing("payload")
	}
	p := w.Payload
	if p.Domain == nil {
		return Header{}, missing("payload.domain")
	}
	if p.Authorization == nil {
		return Header{}, missing("payload.authorization")
	}

	authNonce, err := parseBytes32("payload.authorizationNonce", p.AuthorizationNonce)
	if err != nil {
		return Header{}, err
	}

	d := p.Domain
	if strings.TrimSpace(d.Name) == "" {
		return Header{}, missing("payload.domain.name")
	}
	if strings.TrimSpace(d.Version) == "" {
		return Header{}, missing("payload.domain.version")
	}
	if d.ChainID == nil || *d.ChainID == 0 {
		return Header{}, missing("payload.domain.chainId")
	}
	verifying, err := parseAddress("payload.domain.verifyingContract", d.VerifyingContract)
	if err != nil {
		return Header{}, err
	}

	a := p.Authorization
	from, err := parseAddress("payload.authorization.from", a.From)
	if err != nil {
		return Header{}, err
	}
	to, err := parseAddress("payload.authorization.to", a.To)
	if err != nil {
		return Header{}, err
	}
	if !decimalPattern.MatchString(a.Value) {
		return Header{}, fmt.Errorf("%w: payload.authorization.value must be a decimal string", ErrMalformedHeader)
	}
	value, err := uint256.FromDecimal(a.Value)
	if err != nil {
		return Header{}, fmt.Errorf("%w: payload.authorization.value: %v", ErrMalformedHeader, err)
	}
	if a.ValidAfter == nil {
		return Header{}, missing("payload.authorization.validAfter")
	}
	if a.ValidBefore == nil {
		return Header{}, missing("payload.authorization.validBefore")
	}
	nonce, err := parseBytes32("payload.authorization.nonce", a.Nonce)
	if err != nil {
		return Header{}, err
	}
	if !sigPattern.MatchString(a.Signature) {
		return Header{}, fmt.Errorf("%w: payload.authorization.signature must be 0x-prefixed %d bytes", ErrMalformedHeader, signatureLength)
	}
	sig, err := hexutil.Decode(a.Signature)
	if err != nil {
		return Header{}, fmt.Errorf("%w: payload.authorization.signature: %v", ErrMalformedHeader, err)
	}

	return Header{
		RequestNonce:       requestNonce,
		IdempotencyKey:     idempotencyKey,
		AuthorizationNonce: authNonce,
		Domain: Domain{
			Name:              d.Name,
			Version:           d.Version,
			ChainID:           *d.ChainID,
			VerifyingContract: verifying,
		},
		Authorization: TransferAuthorization{
			From:        from,
			To:          to,
			Value:       value,
			ValidAfter:  *a.ValidAfter,
			ValidBefore: *a.ValidBefore,
			Nonce:       nonce,
			Signature:   sig,
		},
		Raw: raw,
	}, nil
}

// Encode renders h in the wire shape accepted by ParseHeader.
func (h Header) Encode() (string, error) {
	chainID := h.Domain.ChainID
	validAfter := h.Authorization.ValidAfter
	validBefore := h.Authorization.ValidBefore
	value := "0"
	if h.Authorization.Value != nil {
		value = h.Authorization.Value.Dec()
	}
	w := wireHeader{
		RequestNonce:   h.RequestNonce,
		IdempotencyKey: h.IdempotencyKey,
		Payload: &wirePayload{
			AuthorizationNonce: h.AuthorizationNonce.Hex(),
			Domain: &wireDomain{
				Name:              h.Domain.Name,
				Version:           h.Domain.Version,
				ChainID:           &chainID,
				VerifyingContract: h.Domain.VerifyingContract.Hex(),
			},
			Authorization: &wireAuthorization{
				From:        h.Authorization.From.Hex(),
				To:          h.Authorization.To.Hex(),
				Value:       value,
				ValidAfter:  &validAfter,
				ValidBefore: &validBefore,
				Nonce:       h.Authorization.Nonce.Hex(),
				Signature:   hexutil.Encode(h.Authorization.Signature),
			},
		},
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return string(b), nil
}

func boundedToken(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", missing(field)
	}
	if len(v) > maxTokenLen {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrMalformedHeader, field, maxTokenLen)
	}
	return v, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !addressPattern.MatchString(v) {
		return common.Address{}, fmt.Errorf("%w: %s must be a 0x-prefixed 20-byte address", ErrMalformedHeader, field)
	}
	return common.HexToAddress(v), nil
}

func parseBytes32(field, v string) (common.Hash, error) {
	if !bytes32Pattern.MatchString(v) {
		return common.Hash{}, fmt.Errorf("%w: %s must be 0x-prefixed 32 bytes", ErrMalformedHeader, field)
	}
	return common.HexToHash(v), nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedHeader, field)
}
