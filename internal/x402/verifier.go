package x402

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("x402: invalid config")

// Config is the chain configuration a header must be signed against.
type Config struct {
	ChainID          uint64
	TokenAddress     common.Address
	RecipientAddress common.Address
	DomainName       string
	DomainVersion    string
	TokenDecimals    uint8
}

type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeAuthorized
	OutcomeRejected
	// OutcomePending means the authorization is well formed but its validity
	// window has not opened yet; the caller may retry the same header later.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeRejected:
		return "rejected"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Verification is the result of checking a header against a required fee and payer.
type Verification struct {
	Outcome Outcome
	Reason  string

	// Amount is the authorized value at money.Scale.
	Amount decimal.Decimal
	Signer common.Address
}

type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.TokenAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing token address", ErrInvalidConfig)
	}
	if cfg.RecipientAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing recipient address", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.DomainName) == "" || strings.TrimSpace(cfg.DomainVersion) == "" {
		return nil, fmt.Errorf("%w: missing eip-712 domain name or version", ErrInvalidConfig)
	}
	if cfg.TokenDecimals > 36 {
		return nil, fmt.Errorf("%w: token decimals %d out of range", ErrInvalidConfig, cfg.TokenDecimals)
	}
	return &Verifier{cfg: cfg}, nil
}

func (v *Verifier) Config() Config { return v.cfg }

// Verify runs every header check in order and reports the first failure. It has no
// side effects; replay protection is enforced by the store when the attempt is reserved.
func (v *Verifier) Verify(h Header, requiredFee decimal.Decimal, wallet common.Address, now time.Time) Verification {
	d := h.Domain
	a := h.Authorization

	if d.ChainID != v.cfg.ChainID {
		return rejected("domain chain id mismatch: got %d want %d", d.ChainID, v.cfg.ChainID)
	}
	if d.VerifyingContract != v.cfg.TokenAddress {
		return rejected("domain verifying contract mismatch: got %s want %s", d.VerifyingContract.Hex(), v.cfg.TokenAddress.Hex())
	}
	if d.Name != v.cfg.DomainName {
		return rejected("domain name mismatch: got %q want %q", d.Name, v.cfg.DomainName)
	}
	if d.Version != v.cfg.DomainVersion {
		return rejected("domain version mismatch: got %q want %q", d.Version, v.cfg.DomainVersion)
	}

	if a.To != v.cfg.RecipientAddress {
		return rejected("recipient mismatch: authorization to %s does not match settlement address %s", a.To.Hex(), v.cfg.RecipientAddress.Hex())
	}

	// common.Address compares bytes, so checksum casing never matters here.
	if a.From != wallet {
		return rejected("payer wallet mismatch: authorization from %s does not match agent wallet %s", a.From.Hex(), wallet.Hex())
	}

	exact := money.FromBaseUnits(a.Value, v.cfg.TokenDecimals)
	if exact.LessThan(requiredFee) {
		return rejected("authorized value %s below required fee %s", money.Format(exact), money.Format(requiredFee))
	}
	if !money.Storable(exact) {
		return rejected("authorized value %s exceeds maximum %s", exact.String(), money.Format(money.Max))
	}
	amount := money.Normalize(exact)

	if a.ValidBefore < a.ValidAfter {
		return rejected("empty validity window: validBefore %d precedes validAfter %d", a.ValidBefore, a.ValidAfter)
	}
	nowUnix := now.Unix()
	if nowUnix < 0 {
		nowUnix = 0
	}
	ts := uint64(nowUnix)
	if ts > a.ValidBefore {
		return rejected("authorization expired: validBefore %d is before now %d", a.ValidBefore, ts)
	}

	if h.AuthorizationNonce != a.Nonce {
		return rejected("authorization nonce mismatch: payload %s authorization %s", h.AuthorizationNonce.Hex(), a.Nonce.Hex())
	}
	signer, err := RecoverSigner(Digest(d, a), a.Signature)
	if err != nil {
		return rejected("signature invalid: %v", err)
	}
	if signer != a.From {
		return Verification{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf("signer mismatch: recovered %s expected %s", signer.Hex(), a.From.Hex()),
			Signer:  signer,
		}
	}

	if ts < a.ValidAfter {
		return Verification{
			Outcome: OutcomePending,
			Reason:  fmt.Sprintf("authorization not yet valid: validAfter %d is after now %d", a.ValidAfter, ts),
			Amount:  amount,
			Signer:  signer,
		}
	}

	return Verification{
		Outcome: OutcomeAuthorized,
		Amount:  amount,
		Signer:  signer,
	}
}

func rejected(format string, args ...any) Verification {
	return Verification{Outcome: OutcomeRejected, Reason: fmt.Sprintf(format, args...)}
}
