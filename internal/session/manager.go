package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/registry"
	"github.com/ggonzalez94/dustpan/internal/sponsor"
)

// Wallet is the connected EOA. SwitchChain may suspend awaiting approval.
type Wallet interface {
	Address() (common.Address, error)
	ActiveChain() int64
	SwitchChain(ctx context.Context, chainID int64) error
}

// Manager produces one working Handle per chain. Handles are cached on the
// manager instance, not globally, so concurrent managers stay isolated.
type Manager struct {
	store   *Store
	sponsor Sponsor
	wallet  Wallet
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	handles map[int64]*Handle
}

func NewManager(store *Store, sp Sponsor, wallet Wallet, ttl time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Manager{
		store:   store,
		sponsor: sp,
		wallet:  wallet,
		ttl:     ttl,
		log:     log,
		now:     time.Now,
		handles: map[int64]*Handle{},
	}
}

// InitializeSession creates or reuses the chain's session and returns a
// working handle. Deployment failure is non-fatal: the handle comes back with
// IsDeployed=false so a later call can retry the sponsored deployment.
func (m *Manager) InitializeSession(ctx context.Context, chainID int64) (*Handle, error) {
	if !registry.IsSupported(chainID) {
		return nil, apperr.New(apperr.CodeUnsupported, fmt.Sprintf("chain id %d is not supported", chainID))
	}

	owner, err := m.connectedOwner(ctx, chainID)
	if err != nil {
		return nil, err
	}

	key, persisted, err := m.loadOrGenerateKey(chainID)
	if err != nil {
		return nil, err
	}

	account := DeriveAccountAddress(owner)
	deployed := m.isDeployed(ctx, chainID, account)

	data := model.SessionData{
		ChainID:           chainID,
		AccountAddress:    account.Hex(),
		SessionKeyAddress: SessionKeyAddress(key).Hex(),
		IsEnabled:         true,
		IsDeployed:        deployed,
		ExpiresAt:         m.now().Add(m.ttl).Unix(),
	}
	if persisted != nil {
		data.ExpiresAt = persisted.ExpiresAt
		data.DeploymentHash = persisted.DeploymentHash
	}

	handle := &Handle{
		ChainID:    chainID,
		Address:    account,
		Owner:      owner,
		IsDeployed: deployed,
		ExpiresAt:  time.Unix(data.ExpiresAt, 0),
		key:        key,
		sponsor:    m.sponsor,
	}

	if !deployed {
		// A sponsored self-call with the factory initCode attached deploys the
		// account through the bundler; without initCode the entry point rejects
		// an undeployed sender outright.
		result := m.deploy(ctx, chainID, account, owner, handle)
		if result.Success {
			handle.IsDeployed = true
			data.IsDeployed = true
			data.DeploymentHash = result.TransactionHash
			if data.DeploymentHash == "" {
				data.DeploymentHash = result.UserOpHash
			}
			m.log.Info("smart account deployment submitted",
				zap.Int64("chain_id", chainID),
				zap.String("account", account.Hex()),
				zap.String("hash", data.DeploymentHash))
		} else {
			m.log.Warn("smart account deployment failed, session continues undeployed",
				zap.Int64("chain_id", chainID),
				zap.String("account", account.Hex()),
				zap.String("error", result.Error))
		}
	}

	if err := m.store.Save(chainID, EncodeSessionKey(key), data); err != nil {
		return nil, apperr.Wrap(apperr.CodeSession, "persist session", err)
	}

	m.mu.Lock()
	m.handles[chainID] = handle
	m.mu.Unlock()

	return handle, nil
}

func (m *Manager) deploy(ctx context.Context, chainID int64, account, owner common.Address, handle *Handle) sponsor.Result {
	factoryData, err := DeployCalldata(owner)
	if err != nil {
		return sponsor.Result{Success: false, Error: fmt.Sprintf("build factory calldata: %v", err)}
	}
	factory := registry.AccountFactory
	return m.sponsor.SendSponsored(ctx, chainID, sponsor.Account{
		Address:     account,
		Factory:     &factory,
		FactoryData: factoryData,
		Sign:        handle.SignHash,
	}, []sponsor.Call{{To: account}})
}

// GetSession returns the resident handle, reconstructing it from the store
// when possible. A nil handle with nil error means no valid session exists.
func (m *Manager) GetSession(ctx context.Context, chainID int64) (*Handle, error) {
	m.mu.Lock()
	handle, ok := m.handles[chainID]
	if ok && !m.now().Before(handle.ExpiresAt) {
		// Expired resident handles are evicted so the cache never answers
		// for a session the store no longer backs.
		delete(m.handles, chainID)
		ok = false
	}
	m.mu.Unlock()
	if ok {
		return handle, nil
	}

	keyHex, data, found, err := m.store.Get(chainID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSession, "load session", err)
	}
	if !found {
		return nil, nil
	}

	owner, err := m.connectedOwner(ctx, chainID)
	if err != nil {
		return nil, err
	}
	key, err := DecodeSessionKey(keyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSession, "reconstruct session", err)
	}

	account := DeriveAccountAddress(owner)
	if account.Hex() != data.AccountAddress {
		// Stored session belongs to a different owner; treat as no session.
		return nil, nil
	}

	handle = &Handle{
		ChainID:    chainID,
		Address:    account,
		Owner:      owner,
		IsDeployed: m.isDeployed(ctx, chainID, account),
		ExpiresAt:  time.Unix(data.ExpiresAt, 0),
		key:        key,
		sponsor:    m.sponsor,
	}

	m.mu.Lock()
	m.handles[chainID] = handle
	m.mu.Unlock()

	return handle, nil
}

// HasSession reports whether a usable persisted session exists. Pure store
// lookup, no network.
func (m *Manager) HasSession(chainID int64) bool {
	_, _, found, err := m.store.Get(chainID)
	return err == nil && found
}

// RevokeSession disables the chain's session and drops the resident handle.
func (m *Manager) RevokeSession(chainID int64) error {
	m.mu.Lock()
	delete(m.handles, chainID)
	m.mu.Unlock()
	if err := m.store.Delete(chainID); err != nil {
		return apperr.Wrap(apperr.CodeSession, "revoke session", err)
	}
	m.log.Info("session revoked", zap.Int64("chain_id", chainID))
	return nil
}

func (m *Manager) connectedOwner(ctx context.Context, chainID int64) (common.Address, error) {
	if m.wallet == nil {
		return common.Address{}, apperr.New(apperr.CodeSession, "no wallet connected")
	}
	owner, err := m.wallet.Address()
	if err != nil {
		return common.Address{}, apperr.Wrap(apperr.CodeSession, "wallet not connected", err)
	}
	if m.wallet.ActiveChain() != chainID {
		if err := m.wallet.SwitchChain(ctx, chainID); err != nil {
			return common.Address{}, apperr.Wrap(apperr.CodeSession, fmt.Sprintf("switch to chain %d", chainID), err)
		}
	}
	return owner, nil
}

func (m *Manager) loadOrGenerateKey(chainID int64) (*ecdsa.PrivateKey, *model.SessionData, error) {
	keyHex, data, found, err := m.store.Get(chainID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeSession, "load session key", err)
	}
	if found {
		key, err := DecodeSessionKey(keyHex)
		if err == nil {
			return key, &data, nil
		}
		m.log.Warn("stored session key unreadable, generating fresh key",
			zap.Int64("chain_id", chainID), zap.Error(err))
	}
	key, err := GenerateSessionKey()
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeSession, "generate session key", err)
	}
	return key, nil, nil
}

func (m *Manager) isDeployed(ctx context.Context, chainID int64, account common.Address) bool {
	code, err := m.sponsor.CodeAt(ctx, chainID, account)
	if err != nil {
		m.log.Debug("bytecode check failed, assuming undeployed",
			zap.Int64("chain_id", chainID), zap.Error(err))
		return false
	}
	return len(code) > 0
}
