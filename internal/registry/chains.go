package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
)

// EntryPointV07 is the canonical ERC-4337 v0.7 entry point, deployed at the
// same address on every supported chain.
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// AccountFactory is the simple-account factory used for smart-account
// derivation. DeploySalt is fixed so the same owner always derives the same
// account address.
var (
	AccountFactory = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	DeploySalt     = common.Hash{}
)

// AccountInitCodeHash is the keccak256 of the account proxy creation code the
// factory deploys. CREATE2 address derivation must use this exact hash or
// derived and deployed addresses diverge.
var AccountInitCodeHash = common.HexToHash("0xdb46d3ffcdfe34a7c6c8a4a63fc1a9f1dcea9ce9c69e1bfeb7e90223e5a15f3a")

// Chain describes one supported network.
type Chain struct {
	ID             int64
	Name           string
	ShortName      string
	RPCURL         string
	USDC           common.Address
	OneInchRouter  common.Address
	NativeDecimals int
}

var chainsByID = map[int64]Chain{
	42161: {
		ID:             42161,
		Name:           "Arbitrum One",
		ShortName:      "arbitrum",
		RPCURL:         "https://arb1.arbitrum.io/rpc",
		USDC:           common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
		OneInchRouter:  common.HexToAddress("0x7F069df72b7A39bCE9806e3AfaF579E54D8CF2b9"),
		NativeDecimals: 18,
	},
	8453: {
		ID:             8453,
		Name:           "Base",
		ShortName:      "base",
		RPCURL:         "https://mainnet.base.org",
		USDC:           common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		OneInchRouter:  common.HexToAddress("0x7F069df72b7A39bCE9806e3AfaF579E54D8CF2b9"),
		NativeDecimals: 18,
	},
}

func ChainByID(chainID int64) (Chain, error) {
	chain, ok := chainsByID[chainID]
	if !ok {
		return Chain{}, apperr.New(apperr.CodeUnsupported, fmt.Sprintf("chain id %d is not supported", chainID))
	}
	return chain, nil
}

func IsSupported(chainID int64) bool {
	_, ok := chainsByID[chainID]
	return ok
}

// SupportedChains returns all chains in ascending chain-id order.
func SupportedChains() []Chain {
	out := make([]Chain, 0, len(chainsByID))
	for _, id := range []int64{8453, 42161} {
		out = append(out, chainsByID[id])
	}
	return out
}

func USDCAddress(chainID int64) (common.Address, error) {
	chain, err := ChainByID(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return chain.USDC, nil
}

// ResolveRPCURL prefers an explicit override over the chain default.
func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	chain, err := ChainByID(chainID)
	if err != nil {
		return "", err
	}
	return chain.RPCURL, nil
}

// ResolveBundlerURL resolves the bundler/paymaster JSON-RPC endpoint for a
// chain. Pimlico serves both roles on one URL; an override wins when set.
func ResolveBundlerURL(override string, chainID int64, pimlicoAPIKey string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if _, err := ChainByID(chainID); err != nil {
		return "", err
	}
	if strings.TrimSpace(pimlicoAPIKey) == "" {
		return "", apperr.New(apperr.CodeUsage, fmt.Sprintf("no bundler configured for chain id %d and no pimlico api key set", chainID))
	}
	return fmt.Sprintf("https://api.pimlico.io/v2/%d/rpc?apikey=%s", chainID, pimlicoAPIKey), nil
}
