package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/registry"
)

// fallbackGasPrice is 1.5 gwei, used when the gas-price oracle call fails.
var fallbackGasPrice = big.NewInt(1_500_000_000)

const accountABI = `[
	{"type":"function","name":"executeBatch","inputs":[
		{"name":"dest","type":"address[]"},
		{"name":"value","type":"uint256[]"},
		{"name":"func","type":"bytes[]"}
	]},
	{"type":"function","name":"execute","inputs":[
		{"name":"dest","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"func","type":"bytes"}
	]}
]`

const entryPointABI = `[
	{"type":"function","name":"getNonce","inputs":[
		{"name":"sender","type":"address"},
		{"name":"key","type":"uint192"}
	],"outputs":[{"name":"nonce","type":"uint256"}],"stateMutability":"view"}
]`

var (
	parsedAccountABI, _    = abi.JSON(strings.NewReader(accountABI))
	parsedEntryPointABI, _ = abi.JSON(strings.NewReader(entryPointABI))
)

// Call is one inner call of a sponsored batch.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Account identifies the smart account submitting the operation. Sign is
// invoked with the userOpHash and must return a 65-byte secp256k1 signature.
// Factory and FactoryData form the initCode for a sender with no on-chain
// code yet; a nil Factory means the account is already deployed.
type Account struct {
	Address     common.Address
	Factory     *common.Address
	FactoryData hexutil.Bytes
	Sign        func(hash common.Hash) ([]byte, error)
}

// Result is the outcome of a sponsored submission. SendSponsored never
// returns a Go error; callers check Success.
type Result struct {
	UserOpHash      string `json:"userOpHash,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// Receipt is the bundler's view of a mined user operation.
type Receipt struct {
	UserOpHash      string `json:"userOpHash"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Success         bool   `json:"success"`
	ActualGasUsed   string `json:"actualGasUsed"`
	Reason          string `json:"reason,omitempty"`
}

type gasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type gasPriceResponse struct {
	Slow     gasPriceTier `json:"slow"`
	Standard gasPriceTier `json:"standard"`
	Fast     gasPriceTier `json:"fast"`
}

type sponsorResponse struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
}

type rpcCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

type evmBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	PimlicoAPIKey    string
	PolicyID         string
	BundlerOverrides map[int64]string
	RPCOverrides     map[int64]string
}

// Client wraps a bundler + paymaster pair per chain.
type Client struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	bundlers map[int64]rpcCaller
	backends map[int64]evmBackend

	receiptPollInterval time.Duration
	receiptPollBudget   time.Duration
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:                 cfg,
		log:                 log,
		bundlers:            map[int64]rpcCaller{},
		backends:            map[int64]evmBackend{},
		receiptPollInterval: 2 * time.Second,
		receiptPollBudget:   30 * time.Second,
	}
}

func (c *Client) bundlerFor(ctx context.Context, chainID int64) (rpcCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller, ok := c.bundlers[chainID]; ok {
		return caller, nil
	}
	url, err := registry.ResolveBundlerURL(c.cfg.BundlerOverrides[chainID], chainID, c.cfg.PimlicoAPIKey)
	if err != nil {
		return nil, err
	}
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler for chain %d: %w", chainID, err)
	}
	c.bundlers[chainID] = client
	return client, nil
}

func (c *Client) backendFor(ctx context.Context, chainID int64) (evmBackend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if backend, ok := c.backends[chainID]; ok {
		return backend, nil
	}
	url, err := registry.ResolveRPCURL(c.cfg.RPCOverrides[chainID], chainID)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc for chain %d: %w", chainID, err)
	}
	c.backends[chainID] = client
	return client, nil
}

// SendSponsored submits calls as one paymaster-funded user operation. It does
// not return an error; failures are reported through Result so the caller can
// treat them as retryable conditions.
func (c *Client) SendSponsored(ctx context.Context, chainID int64, account Account, calls []Call) Result {
	fail := func(stage string, err error) Result {
		msg := fmt.Sprintf("%s: %v", stage, err)
		c.log.Warn("sponsored user operation failed",
			zap.Int64("chain_id", chainID),
			zap.String("account", account.Address.Hex()),
			zap.String("stage", stage),
			zap.Error(err))
		return Result{Success: false, Error: msg}
	}

	if len(calls) == 0 {
		return fail("build", fmt.Errorf("no calls provided"))
	}

	bundler, err := c.bundlerFor(ctx, chainID)
	if err != nil {
		return fail("bundler", err)
	}
	backend, err := c.backendFor(ctx, chainID)
	if err != nil {
		return fail("rpc", err)
	}

	callData, err := BatchCallData(calls)
	if err != nil {
		return fail("build", err)
	}

	nonce, err := c.accountNonce(ctx, backend, account.Address)
	if err != nil {
		return fail("nonce", err)
	}

	maxFee, maxPriority := c.gasPrice(ctx, bundler, chainID)

	op := &UserOperation{
		Sender:               account.Address,
		Nonce:                (*hexutil.Big)(nonce),
		Factory:              account.Factory,
		FactoryData:          account.FactoryData,
		CallData:             callData,
		MaxFeePerGas:         (*hexutil.Big)(maxFee),
		MaxPriorityFeePerGas: (*hexutil.Big)(maxPriority),
		// Dummy signature sized for estimation; replaced after sponsorship.
		Signature: make(hexutil.Bytes, 65),
	}

	var sponsored sponsorResponse
	params := []any{op, registry.EntryPointV07}
	if c.cfg.PolicyID != "" {
		params = append(params, map[string]string{"sponsorshipPolicyId": c.cfg.PolicyID})
	}
	if err := bundler.CallContext(ctx, &sponsored, "pm_sponsorUserOperation", params...); err != nil {
		return fail("sponsorship", err)
	}
	op.Paymaster = sponsored.Paymaster
	op.PaymasterData = sponsored.PaymasterData
	op.PaymasterVerificationGasLimit = sponsored.PaymasterVerificationGasLimit
	op.PaymasterPostOpGasLimit = sponsored.PaymasterPostOpGasLimit
	op.CallGasLimit = sponsored.CallGasLimit
	op.VerificationGasLimit = sponsored.VerificationGasLimit
	op.PreVerificationGas = sponsored.PreVerificationGas

	hash, err := op.Hash(registry.EntryPointV07, chainID)
	if err != nil {
		return fail("hash", err)
	}
	sig, err := account.Sign(hash)
	if err != nil {
		return fail("sign", err)
	}
	op.Signature = sig

	var userOpHash common.Hash
	if err := bundler.CallContext(ctx, &userOpHash, "eth_sendUserOperation", op, registry.EntryPointV07); err != nil {
		return fail("submit", err)
	}

	c.log.Info("user operation submitted",
		zap.Int64("chain_id", chainID),
		zap.String("account", account.Address.Hex()),
		zap.String("user_op_hash", userOpHash.Hex()))

	txHash := c.awaitReceipt(ctx, bundler, userOpHash)
	return Result{UserOpHash: userOpHash.Hex(), TransactionHash: txHash, Success: true}
}

// Call proxies one JSON-RPC method to the chain's bundler. Only the
// bundler/paymaster surface is allowed through.
func (c *Client) Call(ctx context.Context, chainID int64, method string, params []any) (json.RawMessage, error) {
	if !allowedBundlerMethods[method] {
		return nil, apperr.New(apperr.CodeUsage, fmt.Sprintf("method %s is not allowed", method))
	}
	bundler, err := c.bundlerFor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := bundler.CallContext(ctx, &result, method, params...); err != nil {
		return nil, apperr.Wrap(apperr.CodeSponsor, fmt.Sprintf("bundler call %s", method), err)
	}
	return result, nil
}

var allowedBundlerMethods = map[string]bool{
	"eth_sendUserOperation":            true,
	"eth_getUserOperationReceipt":      true,
	"eth_estimateUserOperationGas":     true,
	"pm_sponsorUserOperation":          true,
	"pimlico_getUserOperationGasPrice": true,
}

// UserOperationReceipt polls the bundler once for a mined receipt. A nil
// receipt with nil error means the operation is still pending.
func (c *Client) UserOperationReceipt(ctx context.Context, chainID int64, userOpHash common.Hash) (*Receipt, error) {
	bundler, err := c.bundlerFor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var receipt *Receipt
	if err := bundler.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", userOpHash); err != nil {
		return nil, fmt.Errorf("get user operation receipt: %w", err)
	}
	return receipt, nil
}

// CodeAt reports the deployed bytecode at an address, for deployment checks.
func (c *Client) CodeAt(ctx context.Context, chainID int64, account common.Address) ([]byte, error) {
	backend, err := c.backendFor(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return backend.CodeAt(ctx, account, nil)
}

// gasPrice asks the bundler's fee oracle, falling back to a fixed 1.5 gwei
// on any failure so sponsorship can proceed.
func (c *Client) gasPrice(ctx context.Context, bundler rpcCaller, chainID int64) (maxFee, maxPriority *big.Int) {
	var resp gasPriceResponse
	if err := bundler.CallContext(ctx, &resp, "pimlico_getUserOperationGasPrice"); err != nil {
		c.log.Debug("gas price oracle unavailable, using fallback",
			zap.Int64("chain_id", chainID), zap.Error(err))
		return new(big.Int).Set(fallbackGasPrice), new(big.Int).Set(fallbackGasPrice)
	}
	tier := resp.Fast
	if tier.MaxFeePerGas == nil || tier.MaxPriorityFeePerGas == nil {
		tier = resp.Standard
	}
	if tier.MaxFeePerGas == nil || tier.MaxPriorityFeePerGas == nil {
		return new(big.Int).Set(fallbackGasPrice), new(big.Int).Set(fallbackGasPrice)
	}
	return (*big.Int)(tier.MaxFeePerGas), (*big.Int)(tier.MaxPriorityFeePerGas)
}

func (c *Client) accountNonce(ctx context.Context, backend evmBackend, account common.Address) (*big.Int, error) {
	input, err := parsedEntryPointABI.Pack("getNonce", account, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("pack getNonce: %w", err)
	}
	entryPoint := registry.EntryPointV07
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getNonce: %w", err)
	}
	values, err := parsedEntryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("decode getNonce: %w", err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode getNonce: unexpected type %T", values[0])
	}
	return nonce, nil
}

// awaitReceipt polls for the bundling transaction hash within a bounded
// window. An empty string means the operation was accepted but not yet mined.
func (c *Client) awaitReceipt(ctx context.Context, bundler rpcCaller, userOpHash common.Hash) string {
	deadline := time.Now().Add(c.receiptPollBudget)
	for time.Now().Before(deadline) {
		var receipt *Receipt
		if err := bundler.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", userOpHash); err == nil && receipt != nil {
			return receipt.TransactionHash
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(c.receiptPollInterval):
		}
	}
	return ""
}

// BatchCallData encodes calls as an executeBatch invocation on the account.
func BatchCallData(calls []Call) (hexutil.Bytes, error) {
	dests := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, call := range calls {
		dests[i] = call.To
		values[i] = call.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		data[i] = call.Data
		if data[i] == nil {
			data[i] = []byte{}
		}
	}
	packed, err := parsedAccountABI.Pack("executeBatch", dests, values, data)
	if err != nil {
		return nil, fmt.Errorf("pack executeBatch: %w", err)
	}
	return packed, nil
}
