package session

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ggonzalez94/dustpan/internal/registry"
)

const factoryABI = `[
	{"type":"function","name":"createAccount","inputs":[
		{"name":"owner","type":"address"},
		{"name":"salt","type":"bytes32"}
	],"outputs":[{"name":"account","type":"address"}]}
]`

var parsedFactoryABI, _ = abi.JSON(strings.NewReader(factoryABI))

// accountSalt mixes the owner into the fixed deploy salt so each owner gets a
// distinct CREATE2 slot under the shared factory. The factory passes the salt
// straight through to CREATE2.
func accountSalt(owner common.Address) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(owner.Bytes(), 32), registry.DeploySalt.Bytes())
}

// DeriveAccountAddress computes the smart-account address for an owner:
// CREATE2 over the factory, the owner-mixed salt and the account proxy
// initcode hash. The same owner always derives the same address, which is
// what makes session reuse idempotent across restarts. Must stay in lockstep
// with DeployCalldata: the factory deploys at exactly this address.
func DeriveAccountAddress(owner common.Address) common.Address {
	return crypto.CreateAddress2(registry.AccountFactory, accountSalt(owner), registry.AccountInitCodeHash.Bytes())
}

// DeployCalldata encodes the factory createAccount call that deploys the
// owner's account at the derived address. Attached as factoryData on the
// first user operation of an undeployed sender.
func DeployCalldata(owner common.Address) ([]byte, error) {
	data, err := parsedFactoryABI.Pack("createAccount", owner, accountSalt(owner))
	if err != nil {
		return nil, fmt.Errorf("pack createAccount: %w", err)
	}
	return data, nil
}
