package admission

import (
	"errors"
	"fmt"

	"github.com/clawgic/arena/internal/x402"
)

var ErrInvalidConfig = errors.New("admission: invalid config")

// Kind classifies an admission failure for the transport layer.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindMalformedInput
	KindPaymentRequired
	KindUnavailable
	KindMisconfigured
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindMalformedInput:
		return "malformed_input"
	case KindPaymentRequired:
		return "payment_required"
	case KindUnavailable:
		return "unavailable"
	case KindMisconfigured:
		return "misconfigured"
	default:
		return "internal"
	}
}

const (
	CodeTournamentNotFound = "tournament_not_found"
	CodeTournamentNotOpen  = "tournament_not_open"
	CodeEntryWindowClosed  = "entry_window_closed"
	CodeAlreadyEntered     = "already_entered"
	CodeCapacityReached    = "capacity_reached"
	CodeInvalidAgent       = "invalid_agent"
	CodeMalformedHeader    = "x402_malformed_payment_header"
	CodePaymentRequired    = "x402_payment_required"
	CodePaymentPending     = "x402_payment_pending"
	CodePaymentRejected    = "x402_payment_rejected"
	CodeReplayRejected     = "x402_replay_rejected"
	CodeDevBypassDisabled  = "x402_dev_bypass_disabled"
	CodeMisconfigured      = "misconfigured"
)

// Error is a refused admission that committed nothing.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Challenge is set for KindPaymentRequired.
	Challenge *x402.Challenge
}

func (e *Error) Error() string {
	return fmt.Sprintf("admission: %s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}
