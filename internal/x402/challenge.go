package x402

import (
	"fmt"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/shopspring/decimal"
)

// ProtocolVersion is the x402 protocol version advertised in challenges.
const ProtocolVersion = 1

// Challenge is the 402 response body telling a client how to pay.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra"`
}

// Challenge builds the payment requirements for fee on resource.
func (v *Verifier) Challenge(network, resource, description string, fee decimal.Decimal, ttl time.Duration) (Challenge, error) {
	units, err := money.ToBaseUnits(money.Normalize(fee), v.cfg.TokenDecimals)
	if err != nil {
		return Challenge{}, fmt.Errorf("x402: challenge amount: %w", err)
	}
	return Challenge{
		X402Version: ProtocolVersion,
		Error:       HeaderName + " header is required",
		Accepts: []Requirements{{
			Scheme:            "exact",
			Network:           network,
			MaxAmountRequired: units.Dec(),
			Resource:          resource,
			Description:       description,
			MimeType:          "application/json",
			PayTo:             v.cfg.RecipientAddress.Hex(),
			MaxTimeoutSeconds: int64(ttl / time.Second),
			Asset:             v.cfg.TokenAddress.Hex(),
			Extra: map[string]string{
				"name":    v.cfg.DomainName,
				"version": v.cfg.DomainVersion,
			},
		}},
	}, nil
}
