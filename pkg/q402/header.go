package q402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header names used by the protocol
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentRequiredHeader = "PAYMENT-REQUIRED"
	PaymentVerifiedHeader = "X-Payment-Verified"
	PaymentTimeHeader     = "X-Payment-Timestamp"
	SettlementRefHeader   = "X-Settlement-Reference"
)

// maxHeaderBytes bounds the encoded X-PAYMENT value
const maxHeaderBytes = 16 << 10

// EncodePaymentHeader renders a signed payment as base64 JSON
func EncodePaymentHeader(sp *SignedPayment) (string, error) {
	raw, err := json.Marshal(sp)
	if err != nil {
		return "", fmt.Errorf("encode payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader parses an X-PAYMENT value. Any failure is
// reported as ErrMalformedPayment.
func DecodePaymentHeader(value string) (*SignedPayment, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, wrapErr(ErrMalformedPayment, errors.New("empty header"))
	}
	if len(value) > maxHeaderBytes {
		return nil, wrapErr(ErrMalformedPayment, errors.New("header too large"))
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		// some clients send unpadded or url-safe base64
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
		if err != nil {
			return nil, wrapErr(ErrMalformedPayment, err)
		}
	}
	var sp SignedPayment
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, wrapErr(ErrMalformedPayment, err)
	}
	if sp.WitnessSignature == "" {
		return nil, wrapErr(ErrMalformedPayment, errors.New("missing witnessSignature"))
	}
	if sp.Witness() == nil {
		return nil, wrapErr(ErrMalformedPayment, errors.New("missing paymentDetails.witness"))
	}
	return &sp, nil
}

// encodeDetailsHeader renders payment details for the PAYMENT-REQUIRED header
func encodeDetailsHeader(details *PaymentDetails) string {
	raw, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
