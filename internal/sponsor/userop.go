package sponsor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the unpacked v0.7 request shape accepted by the bundler.
type UserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes32, _ = abi.NewType("bytes32", "", nil)

	// Inner hash layout mandated by EntryPoint v0.7: dynamic byte fields are
	// pre-hashed, gas pairs are packed into single words.
	packedOpArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	envelopeArgs = abi.Arguments{
		{Type: typeBytes32}, // inner hash
		{Type: typeAddress}, // entry point
		{Type: typeUint256}, // chain id
	}
)

// Hash computes the v0.7 userOpHash the account signs.
func (op *UserOperation) Hash(entryPoint common.Address, chainID int64) (common.Hash, error) {
	inner, err := packedOpArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		common.Hash(crypto.Keccak256Hash(op.initCode())),
		common.Hash(crypto.Keccak256Hash(op.CallData)),
		packGasPair(bigOrZero(op.VerificationGasLimit), bigOrZero(op.CallGasLimit)),
		bigOrZero(op.PreVerificationGas),
		packGasPair(bigOrZero(op.MaxPriorityFeePerGas), bigOrZero(op.MaxFeePerGas)),
		common.Hash(crypto.Keccak256Hash(op.paymasterAndData())),
	)
	if err != nil {
		return common.Hash{}, err
	}
	envelope, err := envelopeArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, big.NewInt(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(envelope), nil
}

func (op *UserOperation) initCode() []byte {
	if op.Factory == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	out = append(out, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

func (op *UserOperation) paymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, packUint128(bigOrZero(op.PaymasterVerificationGasLimit))...)
	out = append(out, packUint128(bigOrZero(op.PaymasterPostOpGasLimit))...)
	return append(out, op.PaymasterData...)
}

// packGasPair packs two uint128 values into one 32-byte word, high first.
func packGasPair(high, low *big.Int) common.Hash {
	var out common.Hash
	copy(out[:16], packUint128(high))
	copy(out[16:], packUint128(low))
	return out
}

func packUint128(v *big.Int) []byte {
	out := make([]byte, 16)
	v.FillBytes(out)
	return out
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}
