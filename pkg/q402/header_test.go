package q402

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestPaymentHeader_RoundTrip(t *testing.T) {
	key := mustKey(t)
	sp := signedPayment(t, key, testIssuer(facilitatorAddr), "audit")

	header, err := EncodePaymentHeader(sp)
	if err != nil {
		t.Fatalf("EncodePaymentHeader: %v", err)
	}
	back, err := DecodePaymentHeader(header)
	if err != nil {
		t.Fatalf("DecodePaymentHeader: %v", err)
	}
	if back.WitnessSignature != sp.WitnessSignature {
		t.Errorf("Expected signature %s, got %s", sp.WitnessSignature, back.WitnessSignature)
	}
	if !NewVerifier().Verify(back) {
		t.Error("Expected decoded payment to verify")
	}
}

func TestPaymentHeader_UnpaddedBase64(t *testing.T) {
	sp := signedPayment(t, mustKey(t), testIssuer(facilitatorAddr), "audit")
	header, _ := EncodePaymentHeader(sp)
	raw, _ := base64.StdEncoding.DecodeString(header)

	if _, err := DecodePaymentHeader(base64.RawURLEncoding.EncodeToString(raw)); err != nil {
		t.Errorf("Expected raw url base64 to decode, got %v", err)
	}
}

func TestDecodePaymentHeader_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty":             "",
		"not base64":        "%%%",
		"not json":          base64.StdEncoding.EncodeToString([]byte("hello")),
		"missing signature": base64.StdEncoding.EncodeToString([]byte(`{"paymentDetails":{"witness":{}}}`)),
		"missing witness":   base64.StdEncoding.EncodeToString([]byte(`{"witnessSignature":"0x00","paymentDetails":{}}`)),
		"too large":         strings.Repeat("A", maxHeaderBytes+4),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePaymentHeader(header)
			if !errors.Is(err, ErrMalformedPayment) {
				t.Errorf("Expected ErrMalformedPayment, got %v", err)
			}
		})
	}
}
