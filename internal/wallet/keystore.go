package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Keystore errors.
var (
	ErrWalletExists   = errors.New("wallet already exists")
	ErrWalletNotFound = errors.New("wallet not found")
)

const walletExt = ".wallet"

// walletFile is the on-disk JSON format for an encrypted wallet.
type walletFile struct {
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	EncryptedSeed     []byte         `json:"encrypted_seed"`
	Accounts          []AccountEntry `json:"accounts"`
	NextChangeIndex   uint32         `json:"next_change_index"`   // BIP-44 internal chain index.
	NextExternalIndex uint32         `json:"next_external_index"` // BIP-44 external chain index.
}

// AccountEntry stores metadata for a derived account.
type AccountEntry struct {
	Index   uint32 `json:"index"`
	Change  uint32 `json:"change"` // 0=external (deposit), 1=internal (change)
	Name    string `json:"name"`
	Address string `json:"address"` // hex-encoded
}

// Derivation returns the BIP-44 (change, index) pair for this account entry.
func (a AccountEntry) Derivation() (change uint32, index uint32) {
	return a.Change, a.Index
}

// Keystore manages encrypted wallet files in one directory. Seeds never
// touch disk unencrypted; only account metadata is stored in the clear.
type Keystore struct {
	path string
}

// NewKeystore opens (creating if needed) a keystore directory.
func NewKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{path: path}, nil
}

func (ks *Keystore) walletPath(name string) string {
	return filepath.Join(ks.path, name+walletExt)
}

// load reads and validates one wallet file.
func (ks *Keystore) load(name string) (*walletFile, error) {
	data, err := os.ReadFile(ks.walletPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if wf.Version != 1 {
		return nil, fmt.Errorf("unsupported wallet version: %d", wf.Version)
	}
	return &wf, nil
}

// save writes a wallet file atomically (tmp + rename, 0600).
func (ks *Keystore) save(name string, wf *walletFile) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	path := ks.walletPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}

// mutate applies fn to a loaded wallet and writes the result back.
func (ks *Keystore) mutate(name string, fn func(*walletFile) error) error {
	wf, err := ks.load(name)
	if err != nil {
		return err
	}
	if err := fn(wf); err != nil {
		return err
	}
	return ks.save(name, wf)
}

// Create encrypts the seed and writes a fresh wallet file.
func (ks *Keystore) Create(name string, seed, password []byte, params EncryptionParams) error {
	if _, err := os.Stat(ks.walletPath(name)); err == nil {
		return fmt.Errorf("%w: %q", ErrWalletExists, name)
	}

	sealed, err := Encrypt(seed, password, params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	return ks.save(name, &walletFile{
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: sealed,
		Accounts:      []AccountEntry{},
	})
}

// Load decrypts a wallet and returns the seed bytes.
func (ks *Keystore) Load(name string, password []byte) ([]byte, error) {
	wf, err := ks.load(name)
	if err != nil {
		return nil, err
	}
	seed, err := Decrypt(wf.EncryptedSeed, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet: %w", err)
	}
	return seed, nil
}

// AddAccount records a derived account in the wallet metadata. Re-adding
// an entry that resolves to the same address is a no-op; reusing a
// derivation path for a different address is an error.
func (ks *Keystore) AddAccount(walletName string, acct AccountEntry) error {
	return ks.mutate(walletName, func(wf *walletFile) error {
		for _, existing := range wf.Accounts {
			if existing.Change == acct.Change && existing.Index == acct.Index {
				if existing.Address == acct.Address {
					return nil
				}
				return fmt.Errorf("account path change=%d index=%d already exists", acct.Change, acct.Index)
			}
			if existing.Address != "" && existing.Address == acct.Address {
				return nil
			}
		}
		wf.Accounts = append(wf.Accounts, acct)
		return nil
	})
}

// ListAccounts returns the account entries for a wallet.
func (ks *Keystore) ListAccounts(walletName string) ([]AccountEntry, error) {
	wf, err := ks.load(walletName)
	if err != nil {
		return nil, err
	}
	return wf.Accounts, nil
}

// List returns the names of all wallets in the keystore.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), walletExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), walletExt))
	}
	return names, nil
}

// GetChangeIndex returns the next change address index for a wallet.
func (ks *Keystore) GetChangeIndex(name string) (uint32, error) {
	wf, err := ks.load(name)
	if err != nil {
		return 0, err
	}
	return wf.NextChangeIndex, nil
}

// IncrementChangeIndex advances the change address index by 1.
func (ks *Keystore) IncrementChangeIndex(name string) error {
	return ks.mutate(name, func(wf *walletFile) error {
		wf.NextChangeIndex++
		return nil
	})
}

// GetExternalIndex returns the next external address index for a wallet.
func (ks *Keystore) GetExternalIndex(name string) (uint32, error) {
	wf, err := ks.load(name)
	if err != nil {
		return 0, err
	}
	return wf.NextExternalIndex, nil
}

// IncrementExternalIndex advances the external address index by 1.
func (ks *Keystore) IncrementExternalIndex(name string) error {
	return ks.mutate(name, func(wf *walletFile) error {
		wf.NextExternalIndex++
		return nil
	})
}

// SetExternalIndex sets the next external address index.
func (ks *Keystore) SetExternalIndex(name string, idx uint32) error {
	return ks.mutate(name, func(wf *walletFile) error {
		wf.NextExternalIndex = idx
		return nil
	})
}

// SetChangeIndex sets the next change address index.
func (ks *Keystore) SetChangeIndex(name string, idx uint32) error {
	return ks.mutate(name, func(wf *walletFile) error {
		wf.NextChangeIndex = idx
		return nil
	})
}

// Delete removes a wallet file.
func (ks *Keystore) Delete(name string) error {
	path := ks.walletPath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	return os.Remove(path)
}
