// Package wallet parses account private keys and produces EIP-191 signatures.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKey is returned when a private key string cannot be decoded
var ErrInvalidKey = errors.New("invalid private key")

// Signer signs messages on behalf of one account
type Signer interface {
	// Address returns the account address derived from the signing key
	Address() ethcommon.Address
	// SignText signs msg with the EIP-191 personal message prefix
	SignText(msg []byte) ([]byte, error)
}

// Wallet is a Signer backed by an in-memory secp256k1 key
type Wallet struct {
	key     *ecdsa.PrivateKey
	address ethcommon.Address
}

// FromHex decodes a hex private key, with or without 0x prefix
func FromHex(s string) (*Wallet, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// AddressOf returns the checksummed address for a key, or "" when the key is malformed
func AddressOf(s string) string {
	w, err := FromHex(s)
	if err != nil {
		return ""
	}
	return w.Address().Hex()
}

// Address implements Signer
func (w *Wallet) Address() ethcommon.Address {
	return w.address
}

// SignText implements Signer. The recovery id is shifted to 27/28 as wallets expect.
func (w *Wallet) SignText(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverText returns the address that produced an EIP-191 signature over msg
func RecoverText(msg, sig []byte) (ethcommon.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return ethcommon.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Work on a copy so the caller's signature keeps its 27/28 recovery id
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
