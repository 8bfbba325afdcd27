package q402

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/siddimore/q402-agent-gate/pkg/units"
)

// DefaultMaxSettlementWei is the per-settlement ceiling, 0.1 native units
var DefaultMaxSettlementWei = units.MustParseEther("0.1")

// Attester is the facilitator identity that signs settlement references.
// Implementations must be safe for concurrent use.
type Attester interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
}

// KeyAttester signs with an in-memory secp256k1 key
type KeyAttester struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeyAttester wraps a private key
func NewKeyAttester(key *ecdsa.PrivateKey) *KeyAttester {
	return &KeyAttester{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKeyAttester parses a hex private key, with or without 0x
func ParseKeyAttester(hexKey string) (*KeyAttester, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("facilitator key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// never echo key material
		return nil, errors.New("facilitator key is not a valid secp256k1 key")
	}
	return NewKeyAttester(key), nil
}

func (a *KeyAttester) Address() common.Address { return a.addr }

func (a *KeyAttester) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, a.key)
}

// SettlementProof is the facilitator's record of a settled payment
type SettlementProof struct {
	PaymentID   string    `json:"paymentId"`
	Payer       string    `json:"payer"`
	Amount      string    `json:"amount"`
	Facilitator string    `json:"facilitator"`
	Timestamp   time.Time `json:"timestamp"`
	Reference   string    `json:"reference"`
	Attestation string    `json:"attestation"`
}

// SettlerConfig configures the settlement executor
type SettlerConfig struct {
	// MaxAmountWei caps a single settlement. Defaults to DefaultMaxSettlementWei.
	MaxAmountWei *big.Int
}

// Settler executes verified payments on behalf of the facilitator
type Settler struct {
	attester Attester
	max      *big.Int
	logger   *slog.Logger
	now      func() time.Time
}

// NewSettler creates a Settler
func NewSettler(cfg SettlerConfig, attester Attester, logger *slog.Logger) *Settler {
	ceiling := cfg.MaxAmountWei
	if ceiling == nil {
		ceiling = DefaultMaxSettlementWei
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		attester: attester,
		max:      new(big.Int).Set(ceiling),
		logger:   logger,
		now:      time.Now,
	}
}

// Facilitator returns the address that receives and attests payments
func (s *Settler) Facilitator() common.Address { return s.attester.Address() }

// MaxAmount returns the per-settlement ceiling in wei
func (s *Settler) MaxAmount() *big.Int { return new(big.Int).Set(s.max) }

// Settle executes a verified payment. It checks the amount against the
// ceiling before any signing, and is never retried.
func (s *Settler) Settle(ctx context.Context, sp *SignedPayment) (*SettlementProof, error) {
	w := sp.Witness()
	if w == nil {
		return nil, wrapErr(ErrSettlementFailed, errors.New("missing witness"))
	}

	amount, err := units.ParseWei(w.Message.Amount)
	if err != nil {
		return nil, wrapErr(ErrSettlementPolicy, fmt.Errorf("amount: %w", err))
	}
	if amount.Cmp(s.max) > 0 {
		s.logger.WarnContext(ctx, "settlement rejected by ceiling",
			"payment_id", w.Message.PaymentID,
			"amount", units.FormatEther(amount, 6),
			"max", units.FormatEther(s.max, 6))
		return nil, wrapErr(ErrSettlementPolicy, fmt.Errorf("amount %s exceeds %s", amount, s.max))
	}

	if err := ctx.Err(); err != nil {
		return nil, wrapErr(ErrSettlementFailed, err)
	}

	witnessHash, err := w.SigningHash()
	if err != nil {
		return nil, wrapErr(ErrSettlementFailed, err)
	}

	ts := s.now().UTC()
	facilitator := s.attester.Address()
	salt := uuid.New()
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(ts.UnixNano()))
	reference := crypto.Keccak256(witnessHash, facilitator.Bytes(), tsBytes[:], salt[:])

	sig, err := s.attester.SignHash(reference)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement signing failed",
			"payment_id", w.Message.PaymentID,
			"error", err)
		return nil, wrapErr(ErrSettlementFailed, err)
	}

	proof := &SettlementProof{
		PaymentID:   w.Message.PaymentID,
		Payer:       w.Message.Owner,
		Amount:      amount.String(),
		Facilitator: facilitator.Hex(),
		Timestamp:   ts,
		Reference:   hexutil.Encode(reference),
		Attestation: hexutil.Encode(sig),
	}
	s.logger.InfoContext(ctx, "payment settled",
		"payment_id", proof.PaymentID,
		"payer", proof.Payer,
		"amount", units.FormatEther(amount, 6),
		"reference", proof.Reference)
	return proof, nil
}

type proofKey struct{}

// WithProof returns a context carrying proof
func WithProof(ctx context.Context, proof *SettlementProof) context.Context {
	return context.WithValue(ctx, proofKey{}, proof)
}

// ProofFromContext returns the settlement proof attached by the gate
func ProofFromContext(ctx context.Context) (*SettlementProof, bool) {
	p, ok := ctx.Value(proofKey{}).(*SettlementProof)
	return p, ok && p != nil
}
