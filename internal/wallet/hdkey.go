package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"

	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// Account keys live at m/44'/7575'/account'/change/index.
const (
	// PurposeBIP44 is the hardened BIP-44 purpose level.
	PurposeBIP44 = bip32.FirstHardenedChild + 44

	// CoinTypeStakenet is the hardened coin type level.
	CoinTypeStakenet = bip32.FirstHardenedChild + 7575

	// ChangeExternal selects the receiving chain, ChangeInternal the
	// change chain.
	ChangeExternal = 0
	ChangeInternal = 1
)

// HDKey is a node in a BIP-32 key tree. A private HDKey can derive both
// chains and produce a Signer; a neutered one only follows the public
// side of non-hardened derivation.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey roots a key tree in a BIP-39 seed. Only full-size seeds
// are accepted so a truncated seed cannot silently root a wallet.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DeriveChild steps one level down the tree. Indexes at or above
// bip32.FirstHardenedChild derive hardened children.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath walks the given indexes in order, one DeriveChild per level.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	node := k
	for _, index := range indices {
		next, err := node.DeriveChild(index)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// DeriveAddress resolves the full BIP-44 path for an address slot.
func (k *HDKey) DeriveAddress(account, change, index uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinTypeStakenet, bip32.FirstHardenedChild+account, change, index)
}

// AddressPath renders the BIP-44 path DeriveAddress walks, for display.
func AddressPath(account, change, index uint32) string {
	return fmt.Sprintf("m/44'/7575'/%d'/%d/%d", account, change, index)
}

// IsPrivate reports whether the key carries private material.
func (k *HDKey) IsPrivate() bool { return k.key.IsPrivate }

// Depth is the number of derivation levels below the master key.
func (k *HDKey) Depth() uint8 { return k.key.Depth }

// PrivateKeyBytes returns the 32-byte private scalar, or nil for a
// watch-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	raw := k.key.Key
	// The bip32 library pads private keys to 33 bytes with a zero byte.
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the 33-byte compressed public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// Signer turns the key into a crypto.PrivateKey for transaction and
// block signing. Fails on watch-only keys.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("cannot create signer from public key")
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// Address is the account address bound to this key's public key.
func (k *HDKey) Address() types.Address {
	return crypto.AddressFromPubKey(k.PublicKeyBytes())
}

// Neuter strips the private material, leaving a watch-only key.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}
