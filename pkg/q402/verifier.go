package q402

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks witness signatures and expiry
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a Verifier using the wall clock
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// Verify reports whether the payment carries a valid, unexpired witness
// signed by its owner. It never panics and fails closed on any error.
func (v *Verifier) Verify(sp *SignedPayment) bool {
	return v.Check(sp) == nil
}

// Check is Verify with the reason for rejection. The error is
// ErrExpiredWitness for an expired deadline and ErrInvalidSignature
// for everything else.
func (v *Verifier) Check(sp *SignedPayment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapErr(ErrInvalidSignature, fmt.Errorf("panic: %v", r))
		}
	}()

	w := sp.Witness()
	if w == nil {
		return wrapErr(ErrInvalidSignature, errors.New("missing witness"))
	}
	hash, err := w.SigningHash()
	if err != nil {
		return wrapErr(ErrInvalidSignature, err)
	}
	owner, err := w.OwnerAddress()
	if err != nil {
		return wrapErr(ErrInvalidSignature, err)
	}
	signer, err := RecoverSigner(hash, sp.WitnessSignature)
	if err != nil {
		return wrapErr(ErrInvalidSignature, err)
	}
	if signer != owner {
		return wrapErr(ErrInvalidSignature, fmt.Errorf("signed by %s, owner is %s", signer.Hex(), owner.Hex()))
	}
	if d := w.Message.Deadline; d != 0 && v.now().Unix() > d {
		return wrapErr(ErrExpiredWitness, fmt.Errorf("deadline %d passed", d))
	}
	return nil
}

// RecoverSigner recovers the address that produced a 65-byte hex signature
// over hash. Both 27/28 and 0/1 recovery ids are accepted; high-s
// signatures are rejected.
func RecoverSigner(hash []byte, signature string) (common.Address, error) {
	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, errors.New("signature values out of range")
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
