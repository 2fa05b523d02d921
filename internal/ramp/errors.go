package ramp

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the pipeline can surface to a user.
type Kind string

const (
	KindRateUnavailable   Kind = "RATE_UNAVAILABLE"
	KindInvalidFormat     Kind = "INVALID_FORMAT"
	KindChainSwitchFailed Kind = "CHAIN_SWITCH_FAILED"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindUserRejected      Kind = "USER_REJECTED"
	KindTransferReverted  Kind = "TRANSFER_REVERTED"
	KindTransferFailed    Kind = "TRANSFER_FAILED"
	KindRouteUnsupported  Kind = "ROUTE_UNSUPPORTED"
	KindValidationFailed  Kind = "VALIDATION_FAILED"
	KindAmountOutOfRange  Kind = "AMOUNT_OUT_OF_RANGE"
	KindTransient         Kind = "TRANSIENT"
	KindPollTimeout       Kind = "POLL_TIMEOUT"

	// KindDisbursementFailed is a provider-reported terminal failure after funds moved.
	KindDisbursementFailed Kind = "DISBURSEMENT_FAILED"
)

// Kinds lists every Kind in display order.
var Kinds = []Kind{
	KindRateUnavailable,
	KindInvalidFormat,
	KindChainSwitchFailed,
	KindInsufficientFunds,
	KindUserRejected,
	KindTransferReverted,
	KindTransferFailed,
	KindRouteUnsupported,
	KindValidationFailed,
	KindAmountOutOfRange,
	KindTransient,
	KindPollTimeout,
	KindDisbursementFailed,
}

// Error is a classified pipeline failure. TransferReference is set once funds
// have left the wallet so support can trace the on-chain transaction.
type Error struct {
	Kind              Kind
	Op                string
	Message           string
	TransferReference string
	Err               error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry with the same inputs.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// E builds a classified error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithTransfer returns a copy of err carrying the transfer reference. An
// unclassified err becomes KindTransferFailed, which is never retryable.
func WithTransfer(err error, transferRef string) error {
	var re *Error
	if !errors.As(err, &re) {
		return &Error{Kind: KindTransferFailed, Message: err.Error(), TransferReference: transferRef, Err: err}
	}
	cp := *re
	cp.TransferReference = transferRef
	return &cp
}

// KindOf extracts the Kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
