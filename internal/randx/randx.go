// Package randx generates unpredictable identifiers from crypto/rand.
package randx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Bytes returns n bytes read from the operating system CSPRNG.
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("randx: read %d random bytes: %w", n, err)
	}
	return b, nil
}

// Hex32 returns a 0x-prefixed hex encoding of 32 random bytes, the shape of
// an EIP-712 bytes32 value.
func Hex32() (string, error) {
	b, err := Bytes(32)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}
