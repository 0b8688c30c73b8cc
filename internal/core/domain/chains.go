package domain

import "strconv"

// ChainID is an EVM chain id (EIP-155).
type ChainID uint64

type ChainName string

const (
	// Chain IDs
	ChainIDEthereum ChainID = 1
	ChainIDOptimism ChainID = 10
	ChainIDPolygon  ChainID = 137
	ChainIDBase     ChainID = 8453
	ChainIDArbitrum ChainID = 42161

	// Chain Names (Internal Codes)
	ChainNameEthereum ChainName = "ETHEREUM_MAINNET"
	ChainNameOptimism ChainName = "OPTIMISM_MAINNET"
	ChainNamePolygon  ChainName = "POLYGON_MAINNET"
	ChainNameBase     ChainName = "BASE_MAINNET"
	ChainNameArbitrum ChainName = "ARBITRUM_MAINNET"
)

// ChainIDToName maps ChainID to its human-readable InternalCode/Name.
var ChainIDToName = map[ChainID]ChainName{
	ChainIDEthereum: ChainNameEthereum,
	ChainIDOptimism: ChainNameOptimism,
	ChainIDPolygon:  ChainNamePolygon,
	ChainIDBase:     ChainNameBase,
	ChainIDArbitrum: ChainNameArbitrum,
}

// String returns the decimal chain id, as used in metric labels and keys.
func (id ChainID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ChainNameFromID returns the internal code for a chain, falling back to
// the decimal id for chains without one.
func ChainNameFromID(id ChainID) (string, bool) {
	name, ok := ChainIDToName[id]
	if !ok {
		return id.String(), false
	}
	return string(name), true
}
