package oneinch

import (
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SwapOrderTypedData builds the EIP-712 payload the maker signs for a gasless
// swap order. The verifying contract is the chain's aggregation router, so a
// signature is only valid for the chain it was produced on.
func SwapOrderTypedData(chainID int64, verifyingContract, maker, makerAsset, takerAsset, makingAmount, takingAmount string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "maker", Type: "address"},
				{Name: "makerAsset", Type: "address"},
				{Name: "takerAsset", Type: "address"},
				{Name: "makingAmount", Type: "uint256"},
				{Name: "takingAmount", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "1inch Aggregation Router",
			Version:           "6",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"maker":        maker,
			"makerAsset":   makerAsset,
			"takerAsset":   takerAsset,
			"makingAmount": makingAmount,
			"takingAmount": takingAmount,
		},
	}
}
