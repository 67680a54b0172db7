package x402

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var validHeaderJSON = `{
  "requestNonce": "req-1",
  "idempotencyKey": "idem-1",
  "payload": {
    "authorizationNonce": "0xabababababababababababababababababababababababababababababababab",
    "domain": {"name": "USDC", "version": "2", "chainId": 84532, "verifyingContract": "0x036CbD53842c5426634e7929541eC2318f3dCF7e"},
    "authorization": {
      "from": "0x1111111111111111111111111111111111111111",
      "to": "0x2222222222222222222222222222222222222222",
      "value": "5000000",
      "validAfter": 0,
      "validBefore": 1900000000,
      "nonce": "0xabababababababababababababababababababababababababababababababab",
      "signature": "0x` + strings.Repeat("1b", 65) + `"
    }
  }
}`

func TestParseHeader_Valid(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader(validHeaderJSON)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.RequestNonce != "req-1" || h.IdempotencyKey != "idem-1" {
		t.Fatalf("tokens: got %q/%q", h.RequestNonce, h.IdempotencyKey)
	}
	if h.Domain.ChainID != 84532 || h.Domain.Name != "USDC" || h.Domain.Version != "2" {
		t.Fatalf("domain: got %+v", h.Domain)
	}
	if h.Authorization.From != common.HexToAddress("0x1111111111111111111111111111111111111111") {
		t.Fatalf("from: got %s", h.Authorization.From)
	}
	if !h.Authorization.Value.Eq(uint256.NewInt(5_000_000)) {
		t.Fatalf("value: got %s", h.Authorization.Value.Dec())
	}
	if h.Authorization.ValidBefore != 1_900_000_000 {
		t.Fatalf("validBefore: got %d", h.Authorization.ValidBefore)
	}
	if len(h.Authorization.Signature) != 65 {
		t.Fatalf("signature length: got %d want 65", len(h.Authorization.Signature))
	}
	if h.Raw != strings.TrimSpace(validHeaderJSON) {
		t.Fatalf("raw header not preserved")
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	t.Parallel()

	replace := func(old, new string) string {
		if !strings.Contains(validHeaderJSON, old) {
			t.Fatalf("fixture does not contain %q", old)
		}
		return strings.Replace(validHeaderJSON, old, new, 1)
	}

	cases := map[string]string{
		"not json":           "not-json",
		"empty":              "   ",
		"empty object":       "{}",
		"array":              "[]",
		"trailing data":      validHeaderJSON + " {}",
		"unknown field":      replace(`"requestNonce": "req-1",`, `"requestNonce": "req-1", "extra": true,`),
		"upper-case key":     replace(`"requestNonce": "req-1"`, `"REQUESTNONCE": "req-1"`),
		"nested case key":    replace(`"chainId": 84532`, `"ChainId": 84532`),
		"duplicate case key": replace(`"requestNonce": "req-1",`, `"requestNonce": "req-1", "RequestNonce": "req-2",`),
		"blank nonce":        replace(`"requestNonce": "req-1"`, `"requestNonce": "  "`),
		"long nonce":         replace(`"requestNonce": "req-1"`, `"requestNonce": "`+strings.Repeat("n", 129)+`"`),
		"no chain id":        replace(`"chainId": 84532, `, ``),
		"zero chain id":      replace(`"chainId": 84532`, `"chainId": 0`),
		"string chain id":    replace(`"chainId": 84532`, `"chainId": "84532"`),
		"bad contract":       replace(`"verifyingContract": "0x036CbD53842c5426634e7929541eC2318f3dCF7e"`, `"verifyingContract": "036CbD53842c5426634e7929541eC2318f3dCF7e"`),
		"bad from":           replace(`"from": "0x1111111111111111111111111111111111111111"`, `"from": "0x11"`),
		"hex value":          replace(`"value": "5000000"`, `"value": "0x4c4b40"`),
		"numeric value":      replace(`"value": "5000000"`, `"value": 5000000`),
		"negative after":     replace(`"validAfter": 0`, `"validAfter": -1`),
		"fractional before":  replace(`"validBefore": 1900000000`, `"validBefore": 1.5`),
		"missing before":     replace(`"validBefore": 1900000000,`, ``),
		"short nonce":        replace(`"nonce": "0xabab`, `"nonce": "0xab`),
		"short signature":    replace(`"signature": "0x1b1b`, `"signature": "0x1b`),
		"null payload":       `{"requestNonce":"a","idempotencyKey":"b","payload":null}`,
		"missing auth block": `{"requestNonce":"a","idempotencyKey":"b","payload":{"authorizationNonce":"0xabababababababababababababababababababababababababababababababab","domain":{"name":"USDC","version":"2","chainId":1,"verifyingContract":"0x036CbD53842c5426634e7929541eC2318f3dCF7e"}}}`,
	}
	for name, raw := range cases {
		if _, err := ParseHeader(raw); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("%s: got %v want ErrMalformedHeader", name, err)
		}
	}
}

func TestSignHeader_EncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h, err := SignHeader(key, SignRequest{
		RequestNonce:   "req-rt",
		IdempotencyKey: "idem-rt",
		Domain:         testDomain(),
		To:             common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:          uint256.NewInt(7_000_000),
		ValidAfter:     10,
		ValidBefore:    20,
	})
	if err != nil {
		t.Fatalf("SignHeader: %v", err)
	}
	if h.AuthorizationNonce == (common.Hash{}) || h.AuthorizationNonce != h.Authorization.Nonce {
		t.Fatalf("nonce not generated consistently")
	}

	parsed, err := ParseHeader(h.Raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed.Authorization.From != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("from: got %s", parsed.Authorization.From)
	}
	if Digest(parsed.Domain, parsed.Authorization) != Digest(h.Domain, h.Authorization) {
		t.Fatalf("digest changed across encode/parse")
	}
	signer, err := RecoverSigner(Digest(parsed.Domain, parsed.Authorization), parsed.Authorization.Signature)
	if err != nil || signer != parsed.Authorization.From {
		t.Fatalf("RecoverSigner: got %s err %v", signer, err)
	}
}
