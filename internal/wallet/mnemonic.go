// Package wallet implements BIP-39/BIP-44 HD wallets and the encrypted
// keystore backing stakenet-cli.
package wallet

import (
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic rejects phrases with a bad word count, unknown words,
// or a failed checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

const (
	// MnemonicEntropyBits yields 24-word phrases.
	MnemonicEntropyBits = 256

	// SeedSize is the BIP-39 seed length in bytes (512 bits).
	SeedSize = 64
)

// GenerateMnemonic creates a fresh 24-word BIP-39 phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether the phrase is well-formed per BIP-39.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// SeedFromMnemonic stretches a phrase (plus optional passphrase) into the
// 512-bit seed all key derivation starts from.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}
