package session

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func testTypedData() apitypes.TypedData {
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
				{Name: "makingAmount", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "1inch Limit Order Protocol",
			Version:           "4",
			ChainId:           math.NewHexOrDecimal256(42161),
			VerifyingContract: "0x7F069df72b7A39bCE9806e3AfaF579E54D8CF2b9",
		},
		Message: apitypes.TypedDataMessage{
			"maker":        "0x3333333333333333333333333333333333333333",
			"makingAmount": "1000000",
		},
	}
}

func TestSignTypedDataRecoversSessionKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	handle := &Handle{
		ChainID:   42161,
		ExpiresAt: time.Now().Add(time.Hour),
		key:       key,
	}

	data := testTypedData()
	sig, err := handle.SignTypedData(data)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("expected recovery id 27 or 28, got %d", v)
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	recoverSig[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverSig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != handle.SessionKeyAddress() {
		t.Fatal("recovered signer does not match session key")
	}
}

func TestSignTypedDataStableDigest(t *testing.T) {
	d1, _, err := apitypes.TypedDataAndHash(testTypedData())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	d2, _, err := apitypes.TypedDataAndHash(testTypedData())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if new(big.Int).SetBytes(d1).Cmp(new(big.Int).SetBytes(d2)) != 0 {
		t.Fatal("typed data digest must be stable")
	}
}
