package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/clawgic/arena/internal/x402"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain signs a TransferWithAuthorization for an entry fee and prints the X-PAYMENT
// header value. It is a development tool; the payer key never leaves the process.
func runMain(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("x402-header", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyHex := fs.String("key-hex", "", "payer private key hex")
	keyFile := fs.String("key-file", "", "file containing the payer private key hex")
	recipient := fs.String("recipient", "", "settlement address (required)")
	token := fs.String("token", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "token contract address")
	chainID := fs.Uint64("chain-id", 84532, "EIP-712 domain chain id")
	domainName := fs.String("domain-name", "USDC", "EIP-712 domain name")
	domainVersion := fs.String("domain-version", "2", "EIP-712 domain version")
	decimals := fs.Uint("decimals", 6, "token decimals")
	amount := fs.String("amount-usdc", "5.00", "authorized amount in USDC")
	validAfter := fs.Duration("valid-after", -time.Minute, "validAfter offset from now")
	validFor := fs.Duration("valid-for", 5*time.Minute, "validBefore offset from now")
	requestNonce := fs.String("request-nonce", "", "request nonce (random when empty)")
	idemKey := fs.String("idempotency-key", "", "idempotency key (random when empty)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	hexKey := strings.TrimSpace(*keyHex)
	if path := strings.TrimSpace(*keyFile); path != "" {
		if hexKey != "" {
			return errors.New("use only one of --key-hex or --key-file")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		hexKey = strings.TrimSpace(string(b))
	}
	if hexKey == "" {
		return errors.New("--key-hex or --key-file is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	if !common.IsHexAddress(*recipient) {
		return errors.New("--recipient must be a hex address")
	}
	if !common.IsHexAddress(*token) {
		return errors.New("--token must be a hex address")
	}
	if *decimals > 36 {
		return errors.New("--decimals must be <= 36")
	}
	if *validFor <= *validAfter {
		return errors.New("--valid-for must be after --valid-after")
	}
	fee, err := money.Parse(*amount)
	if err != nil {
		return fmt.Errorf("--amount-usdc: %w", err)
	}
	value, err := money.ToBaseUnits(fee, uint8(*decimals))
	if err != nil {
		return fmt.Errorf("--amount-usdc: %w", err)
	}

	if strings.TrimSpace(*requestNonce) == "" {
		*requestNonce = uuid.NewString()
	}
	if strings.TrimSpace(*idemKey) == "" {
		*idemKey = uuid.NewString()
	}

	t := now().UTC()
	after := t.Add(*validAfter).Unix()
	if after < 0 {
		after = 0
	}
	h, err := x402.SignHeader(key, x402.SignRequest{
		RequestNonce:   *requestNonce,
		IdempotencyKey: *idemKey,
		Domain: x402.Domain{
			Name:              *domainName,
			Version:           *domainVersion,
			ChainID:           *chainID,
			VerifyingContract: common.HexToAddress(*token),
		},
		To:          common.HexToAddress(*recipient),
		Value:       value,
		ValidAfter:  uint64(after),
		ValidBefore: uint64(t.Add(*validFor).Unix()),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, h.Raw)
	return err
}
