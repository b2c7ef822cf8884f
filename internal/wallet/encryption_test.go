package wallet

import (
	"bytes"
	"errors"
	"testing"
)

// fastParams keeps Argon2 cheap so tests stay quick.
func fastParams() EncryptionParams {
	return EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	passphrase := []byte("strong-password-123")

	cases := []struct {
		name string
		data []byte
	}{
		{"short", []byte("secret wallet data")},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte{0xa5, 0x5a}, 5000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := Encrypt(tc.data, passphrase, fastParams())
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			opened, err := Decrypt(sealed, passphrase)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(opened, tc.data) {
				t.Errorf("roundtrip mismatch: got %d bytes, want %d", len(opened), len(tc.data))
			}
		})
	}
}

func TestDecrypt_Failures(t *testing.T) {
	sealed, err := Encrypt([]byte("secret data"), []byte("correct"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(sealed, []byte("wrong")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong passphrase: error = %v, want ErrDecrypt", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff // flips a tag byte
	if _, err := Decrypt(tampered, []byte("correct")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("tampered ciphertext: error = %v, want ErrDecrypt", err)
	}

	if _, err := Decrypt([]byte("too short"), []byte("correct")); err == nil {
		t.Error("truncated input accepted")
	}
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	data := []byte("same data")
	passphrase := []byte("same pass")

	first, err := Encrypt(data, passphrase, fastParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := Encrypt(data, passphrase, fastParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two seals of the same plaintext are identical")
	}

	// Both still open.
	for i, sealed := range [][]byte{first, second} {
		if opened, err := Decrypt(sealed, passphrase); err != nil || !bytes.Equal(opened, data) {
			t.Errorf("seal %d does not open cleanly: %v", i, err)
		}
	}
}

func TestEncrypt_ParamsTravelInHeader(t *testing.T) {
	// Seal with non-default costs, then decrypt without being told them.
	params := EncryptionParams{Memory: 128, Iterations: 2, Parallelism: 2}
	seed, err := SeedFromMnemonic(vectorPhrase12, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}

	sealed, err := Encrypt(seed, []byte("wallet-password"), params)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(sealed) < headerSize+24+len(seed)+16 {
		t.Errorf("sealed length = %d, shorter than header+nonce+ciphertext", len(sealed))
	}

	opened, err := Decrypt(sealed, []byte("wallet-password"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, seed) {
		t.Error("seed roundtrip through non-default params failed")
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Memory != 64*1024 || p.Iterations != 3 || p.Parallelism != 4 {
		t.Errorf("DefaultParams() = %+v", p)
	}
}
