package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/registry"
	"github.com/ggonzalez94/dustpan/internal/sponsor"
)

// Sponsor submits sponsored operations and answers deployment checks. The
// concrete implementation is sponsor.Client; tests substitute fakes.
type Sponsor interface {
	SendSponsored(ctx context.Context, chainID int64, account sponsor.Account, calls []sponsor.Call) sponsor.Result
	CodeAt(ctx context.Context, chainID int64, account common.Address) ([]byte, error)
}

// Handle is the in-memory signing and execution capability for one chain's
// smart-account session. It holds live key material and is never persisted.
type Handle struct {
	ChainID    int64
	Address    common.Address
	Owner      common.Address
	IsDeployed bool
	ExpiresAt  time.Time

	key     *ecdsa.PrivateKey
	sponsor Sponsor
}

// NewHandle builds a handle from loose parts. The manager is the usual
// constructor; this exists for callers that already hold session key
// material.
func NewHandle(chainID int64, account, owner common.Address, key *ecdsa.PrivateKey, sp Sponsor, deployed bool, expiresAt time.Time) *Handle {
	return &Handle{
		ChainID:    chainID,
		Address:    account,
		Owner:      owner,
		IsDeployed: deployed,
		ExpiresAt:  expiresAt,
		key:        key,
		sponsor:    sp,
	}
}

func (h *Handle) SessionKeyAddress() common.Address {
	return SessionKeyAddress(h.key)
}

// SignHash signs a 32-byte digest with the session key, recovery id shifted
// to the 27/28 convention contracts expect.
func (h *Handle) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), h.key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSession, "sign digest", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTypedData signs an EIP-712 payload on behalf of the smart account.
// The signature is produced by the session key; verification happens through
// the account's contract-signature path, never against the owner EOA.
func (h *Handle) SignTypedData(data apitypes.TypedData) (hexutil.Bytes, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSession, "hash typed data", err)
	}
	sig, err := h.SignHash(common.BytesToHash(digest))
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Execute runs a single call as a sponsored user operation.
func (h *Handle) Execute(ctx context.Context, to common.Address, data []byte, value *big.Int) sponsor.Result {
	return h.ExecuteBatch(ctx, []sponsor.Call{{To: to, Value: value, Data: data}})
}

// ExecuteBatch runs calls as one sponsored user operation. Mirrors the
// sponsor client's no-throw contract.
func (h *Handle) ExecuteBatch(ctx context.Context, calls []sponsor.Call) sponsor.Result {
	if time.Now().After(h.ExpiresAt) {
		return sponsor.Result{Success: false, Error: fmt.Sprintf("session for chain %d expired at %s", h.ChainID, h.ExpiresAt.UTC().Format(time.RFC3339))}
	}
	account := sponsor.Account{Address: h.Address, Sign: h.SignHash}
	if !h.IsDeployed {
		// First operation from an undeployed account must carry the initCode.
		factoryData, err := DeployCalldata(h.Owner)
		if err != nil {
			return sponsor.Result{Success: false, Error: fmt.Sprintf("build factory calldata: %v", err)}
		}
		factory := registry.AccountFactory
		account.Factory = &factory
		account.FactoryData = factoryData
	}
	return h.sponsor.SendSponsored(ctx, h.ChainID, account, calls)
}
