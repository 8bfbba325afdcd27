package q402

import (
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/siddimore/q402-agent-gate/pkg/units"
)

var (
	auditPrice  = units.MustParseEther("0.001")
	deployPrice = units.MustParseEther("0.01")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func addressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func testNetwork() Network {
	return DefaultNetworks()[0] // bsc-testnet
}

func testIssuer(payTo string) *Issuer {
	return NewIssuer(IssuerConfig{
		PayTo: payTo,
		Prices: map[string]*big.Int{
			"audit":  auditPrice,
			"deploy": deployPrice,
		},
	})
}

// signWitness signs w the way a wallet does, with a 27/28 recovery id
func signWitness(t *testing.T, key *ecdsa.PrivateKey, w *Witness) string {
	t.Helper()
	hash, err := w.SigningHash()
	if err != nil {
		t.Fatalf("SigningHash: %v", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func signedPayment(t *testing.T, key *ecdsa.PrivateKey, issuer *Issuer, action string) *SignedPayment {
	t.Helper()
	w, err := issuer.Issue(action, addressOf(key), testNetwork())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &SignedPayment{
		WitnessSignature: signWitness(t, key, w),
		PaymentDetails:   issuer.Details(testNetwork(), w),
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}
