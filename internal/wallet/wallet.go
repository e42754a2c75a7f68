// Package wallet provides a local EOA backed by a raw secp256k1 key. It
// stands in for a browser wallet when running from the command line.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
)

// Local holds the owner key in memory. The key never leaves the process;
// only signatures and the derived address do.
type Local struct {
	key *ecdsa.PrivateKey

	mu    sync.Mutex
	chain int64
}

// NewLocal parses a hex-encoded private key. A leading 0x is accepted.
func NewLocal(hexKey string) (*Local, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, apperr.New(apperr.CodeUsage, "wallet private key is required (set DUSTPAN_WALLET_KEY)")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUsage, "parse wallet private key", err)
	}
	return &Local{key: key}, nil
}

func (w *Local) Address() (common.Address, error) {
	return crypto.PubkeyToAddress(w.key.PublicKey), nil
}

func (w *Local) ActiveChain() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chain
}

// SwitchChain always succeeds for a local key; it only records the active
// chain so session setup sees a consistent view.
func (w *Local) SwitchChain(ctx context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chain = chainID
	return nil
}
