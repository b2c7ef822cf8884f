package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stakenet-io/stakenet-chain/config"
	"github.com/stakenet-io/stakenet-chain/internal/chain"
	"github.com/stakenet-io/stakenet-chain/internal/validator"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

// loadValidatorKey reads a hex-encoded private key from disk.
func loadValidatorKey(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key hex: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	// Scrub the intermediate copy.
	for i := range raw {
		raw[i] = 0
	}
	return key, nil
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// seedGenesisValidators populates an empty registry from the genesis set.
func seedGenesisValidators(registry *validator.Registry, genesis *config.Genesis) error {
	for _, gv := range genesis.Validators {
		addr, err := types.HexToAddress(gv.Address)
		if err != nil {
			return fmt.Errorf("genesis validator %s: %w", gv.Address, err)
		}
		if err := registry.Add(addr, gv.PublicKey, gv.Stake); err != nil {
			return fmt.Errorf("register genesis validator %s: %w", gv.Address, err)
		}
	}
	return nil
}

// isBehindErr reports whether an append failed because the block is ahead
// of the local tip rather than invalid.
func isBehindErr(err error) bool {
	return errors.Is(err, chain.ErrIndexGap)
}
