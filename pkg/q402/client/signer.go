package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

var (
	// ErrSignatureDeclined means the key custodian refused to sign. It is terminal.
	ErrSignatureDeclined = errors.New("signature declined")

	// ErrUnknownNetwork means the signer cannot switch to the requested chain
	ErrUnknownNetwork = errors.New("network unknown to signer")
)

// Signer is the end user's key custodian, typically a wallet
type Signer interface {
	// Address is the wallet address the signer signs for
	Address() string

	ActiveChainID(ctx context.Context) (int64, error)

	// SwitchChain changes the active chain, returning ErrUnknownNetwork
	// when the chain is not configured.
	SwitchChain(ctx context.Context, chainID int64) error

	// SignTypedData returns a 65-byte hex signature over the witness, or
	// ErrSignatureDeclined.
	SignTypedData(ctx context.Context, w *q402.Witness) (string, error)
}

// KeySigner is a Signer backed by a local private key
type KeySigner struct {
	key   *ecdsa.PrivateKey
	addr  string
	known map[int64]bool

	mu     sync.Mutex
	active int64

	// Approve is consulted before every signature. Nil approves everything.
	Approve func(w *q402.Witness) bool
}

// NewKeySigner creates a signer active on activeChain that can also switch
// to any of otherChains.
func NewKeySigner(key *ecdsa.PrivateKey, activeChain int64, otherChains ...int64) *KeySigner {
	known := map[int64]bool{activeChain: true}
	for _, id := range otherChains {
		known[id] = true
	}
	return &KeySigner{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		known:  known,
		active: activeChain,
	}
}

// ParseKeySigner parses a hex private key, with or without 0x
func ParseKeySigner(hexKey string, activeChain int64, otherChains ...int64) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.New("private key is not a valid secp256k1 key")
	}
	return NewKeySigner(key, activeChain, otherChains...), nil
}

func (s *KeySigner) Address() string { return s.addr }

func (s *KeySigner) ActiveChainID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *KeySigner) SwitchChain(_ context.Context, chainID int64) error {
	if !s.known[chainID] {
		return fmt.Errorf("chain %d: %w", chainID, ErrUnknownNetwork)
	}
	s.mu.Lock()
	s.active = chainID
	s.mu.Unlock()
	return nil
}

func (s *KeySigner) SignTypedData(ctx context.Context, w *q402.Witness) (string, error) {
	active, _ := s.ActiveChainID(ctx)
	if w.Domain.ChainID != active {
		return "", fmt.Errorf("witness chain %d does not match active chain %d", w.Domain.ChainID, active)
	}
	if s.Approve != nil && !s.Approve(w) {
		return "", ErrSignatureDeclined
	}
	hash, err := w.SigningHash()
	if err != nil {
		return "", fmt.Errorf("hash witness: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
