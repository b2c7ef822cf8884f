package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const vectorPhrase12 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
const vectorPhrase24 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

func TestGenerateMnemonic(t *testing.T) {
	m1, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if got := len(strings.Fields(m1)); got != 24 {
		t.Errorf("word count = %d, want 24", got)
	}
	if !ValidateMnemonic(m1) {
		t.Error("generated phrase fails validation")
	}

	m2, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if m1 == m2 {
		t.Error("consecutive phrases are identical")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		valid    bool
	}{
		{"24-word vector", vectorPhrase24, true},
		{"12-word vector", vectorPhrase12, true},
		{"empty", "", false},
		{"non-wordlist words", "not a valid mnemonic phrase at all", false},
		{"bad checksum", strings.Repeat("abandon ", 23) + "abandon", false},
		{"single word", "abandon", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.mnemonic); got != tt.valid {
				t.Errorf("ValidateMnemonic(%q) = %v, want %v", tt.mnemonic, got, tt.valid)
			}
		})
	}
}

func TestSeedFromMnemonic_KnownVector(t *testing.T) {
	// BIP-39 reference vector for the 12-word phrase with passphrase "TREZOR".
	seed, err := SeedFromMnemonic(vectorPhrase12, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	if len(seed) != SeedSize {
		t.Fatalf("seed length = %d, want %d", len(seed), SeedSize)
	}

	want, _ := hex.DecodeString("c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04")
	if !bytes.Equal(seed, want) {
		t.Errorf("seed = %x, want %x", seed, want)
	}
}

func TestSeedFromMnemonic_PassphraseSeparatesSeeds(t *testing.T) {
	plain, err := SeedFromMnemonic(vectorPhrase12, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	salted, err := SeedFromMnemonic(vectorPhrase12, "my passphrase")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	if bytes.Equal(plain, salted) {
		t.Error("passphrase did not change the seed")
	}

	again, _ := SeedFromMnemonic(vectorPhrase12, "my passphrase")
	if !bytes.Equal(salted, again) {
		t.Error("same inputs produced different seeds")
	}
}

func TestSeedFromMnemonic_Rejections(t *testing.T) {
	for _, phrase := range []string{"", "not valid words here"} {
		if _, err := SeedFromMnemonic(phrase, ""); !errors.Is(err, ErrInvalidMnemonic) {
			t.Errorf("SeedFromMnemonic(%q) error = %v, want ErrInvalidMnemonic", phrase, err)
		}
	}
}
