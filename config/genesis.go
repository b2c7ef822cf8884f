package config

// GenesisValidator is an initial validator allocation.
type GenesisValidator struct {
	Address   string `json:"address"`    // 0x-hex account address.
	PublicKey string `json:"public_key"` // Compressed pubkey hex.
	Stake     uint64 `json:"stake"`      // Base units.
}

// Genesis describes the immutable chain bootstrap state. All nodes on a
// network must agree on these values; they are not read from the .conf file.
type Genesis struct {
	ChainID    string             `json:"chain_id"`
	NetworkID  string             `json:"network_id"`
	Timestamp  int64              `json:"timestamp"`
	Validators []GenesisValidator `json:"validators"`

	// Allocation is the initial coin supply granted at genesis, by address.
	Allocation map[string]uint64 `json:"allocation"`
}

// TotalAllocation returns the sum of all genesis grants in base units.
func (g *Genesis) TotalAllocation() uint64 {
	var total uint64
	for _, amount := range g.Allocation {
		total += amount
	}
	return total
}

// GenesisFor returns the built-in genesis for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return &Genesis{
			ChainID:   "stakenet-testnet-1",
			NetworkID: "testnet",
			Timestamp: 1717200000,
		}
	default:
		return &Genesis{
			ChainID:   "stakenet-mainnet-1",
			NetworkID: "mainnet",
			Timestamp: 1717200000,
		}
	}
}
