package q402

import (
	"errors"
	"fmt"
)

// Code is a machine-readable outcome of the payment protocol
type Code string

// Protocol codes. PAYMENT_REQUIRED is a protocol step, not a failure.
const (
	CodePaymentRequired    Code = "PAYMENT_REQUIRED"
	CodeMalformedPayment   Code = "MALFORMED_PAYMENT"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeExpiredWitness     Code = "EXPIRED_WITNESS"
	CodeWitnessMismatch    Code = "WITNESS_MISMATCH"
	CodePaymentReplayed    Code = "PAYMENT_REPLAYED"
	CodeSettlementPolicy   Code = "SETTLEMENT_POLICY_VIOLATION"
	CodeSettlementFailed   Code = "SETTLEMENT_FAILED"
	CodeUnknownNetwork     Code = "UNKNOWN_NETWORK"
	CodeReplayGuardFailure Code = "REPLAY_GUARD_UNAVAILABLE"
)

// Error carries a Code, a short message safe to show to clients and an
// optional internal cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMalformedPayment = &Error{Code: CodeMalformedPayment, Msg: "payment header is malformed"}
	ErrInvalidSignature = &Error{Code: CodeInvalidSignature, Msg: "witness signature is invalid"}
	ErrExpiredWitness   = &Error{Code: CodeExpiredWitness, Msg: "payment witness expired"}
	ErrWitnessMismatch  = &Error{Code: CodeWitnessMismatch, Msg: "payment witness does not match this request"}
	ErrPaymentReplayed  = &Error{Code: CodePaymentReplayed, Msg: "payment witness was already used"}
	ErrSettlementPolicy = &Error{Code: CodeSettlementPolicy, Msg: "settlement amount exceeds policy limit"}
	ErrSettlementFailed = &Error{Code: CodeSettlementFailed, Msg: "settlement failed"}
	ErrUnknownNetwork   = &Error{Code: CodeUnknownNetwork, Msg: "unknown network"}
)

// wrapErr attaches cause to a copy of sentinel.
func wrapErr(sentinel *Error, cause error) error {
	return &Error{Code: sentinel.Code, Msg: sentinel.Msg, Err: cause}
}

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the client-safe message carried by err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "payment error"
}
