package executor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/oneinch"
	"github.com/ggonzalez94/dustpan/internal/registry"
	"github.com/ggonzalez94/dustpan/internal/session"
)

const maxRetries = 3

// minOrderUSD rejects positions too small to be worth a sponsored swap.
const minOrderUSD = 0.01

// Aggregator is the slice of the 1inch client the executor needs.
type Aggregator interface {
	GetQuote(ctx context.Context, chainID int64, fromToken, amount string) (model.Quote, error)
	CheckLiquidity(ctx context.Context, chainID int64, tokenAddress, amount string) model.LiquidityCheck
	SubmitGaslessSwap(ctx context.Context, req oneinch.SwapRequest) (oneinch.SwapOutcome, error)
}

// Executor drives every dumped token to a terminal order status with bounded
// retries and per-token failure isolation. The backoff sleep is injected so
// tests run without waiting.
type Executor struct {
	book  *OrderBook
	agg   Aggregator
	log   *zap.Logger
	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

func New(book *OrderBook, agg Aggregator, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		book: book,
		agg:  agg,
		log:  log,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		now: time.Now,
	}
}

// ExecuteSweep processes the dumped tokens. Tokens are grouped by chain; a
// chain without a session handle is skipped whole, logged, and produces no
// orders. Within one chain tokens run strictly sequentially so operations
// against a single smart account never race at the bundler.
func (e *Executor) ExecuteSweep(ctx context.Context, handles map[int64]*session.Handle, tokens []model.Token) ([]model.OrderIntent, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	e.advisoryLiquidityPass(ctx, tokens)

	groups := map[int64][]model.Token{}
	for _, tok := range tokens {
		groups[tok.ChainID] = append(groups[tok.ChainID], tok)
	}
	chainIDs := make([]int64, 0, len(groups))
	for chainID := range groups {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	var orders []model.OrderIntent
	for _, chainID := range chainIDs {
		handle := handles[chainID]
		if handle == nil || !registry.IsSupported(chainID) {
			e.log.Warn("skipping chain group without session handle",
				zap.Int64("chain_id", chainID),
				zap.Int("tokens", len(groups[chainID])))
			continue
		}
		for _, tok := range groups[chainID] {
			order := e.processToken(ctx, handle, tok)
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// advisoryLiquidityPass logs low-liquidity tokens before execution starts.
// It never blocks a token: shortfall is telemetry, not a gate.
func (e *Executor) advisoryLiquidityPass(ctx context.Context, tokens []model.Token) {
	for _, tok := range tokens {
		check := e.agg.CheckLiquidity(ctx, tok.ChainID, tok.Address, tok.Balance)
		if !check.HasLiquidity {
			e.log.Warn("low liquidity for token, proceeding anyway",
				zap.Int64("chain_id", tok.ChainID),
				zap.String("token", tok.Symbol),
				zap.String("reason", check.Error))
		}
	}
}

// RetryOrder re-enters the execution path for a single failed order. It
// produces a fresh order id rather than resurrecting the old record.
func (e *Executor) RetryOrder(ctx context.Context, handle *session.Handle, orderID string) (model.OrderIntent, error) {
	previous, ok, err := e.book.Get(orderID)
	if err != nil {
		return model.OrderIntent{}, err
	}
	if !ok {
		return model.OrderIntent{}, fmt.Errorf("order %s not found", orderID)
	}
	if previous.Status != model.StatusFailed {
		return model.OrderIntent{}, fmt.Errorf("order %s is %s, only failed orders can be retried", orderID, previous.Status)
	}
	if handle == nil || handle.ChainID != previous.ChainID {
		return model.OrderIntent{}, fmt.Errorf("no session handle for chain %d", previous.ChainID)
	}
	tok := model.Token{
		ChainID: previous.ChainID,
		Address: previous.TokenAddress,
		Symbol:  previous.TokenSymbol,
		Balance: previous.TokenAmount,
		// USD value unknown on retry; validation only rejects zero balances.
		BalanceUSD: minOrderUSD,
	}
	return e.processToken(ctx, handle, tok), nil
}

// processToken runs one token's full retry sequence to a terminal status.
func (e *Executor) processToken(ctx context.Context, handle *session.Handle, tok model.Token) model.OrderIntent {
	order := model.OrderIntent{
		ID:           uuid.NewString(),
		ChainID:      tok.ChainID,
		TokenAddress: strings.ToLower(tok.Address),
		TokenSymbol:  tok.Symbol,
		TokenAmount:  tok.Balance,
		Status:       model.StatusPending,
		Timestamp:    e.now(),
	}
	if err := e.book.Create(order); err != nil {
		e.log.Error("order creation failed", zap.String("token", tok.Symbol), zap.Error(err))
		order.Status = model.StatusFailed
		order.Error = err.Error()
		return order
	}
	e.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("chain_id", order.ChainID),
		zap.String("token", order.TokenSymbol))

	if err := validateOrder(tok); err != nil {
		e.transition(&order, model.StatusFailed, err.Error())
		return order
	}

	for {
		outcome, err := e.attempt(ctx, handle, tok, &order)
		if err == nil {
			order.EstimatedUSDC = outcome.estimatedUSDC
			order.OrderHash = outcome.orderHash
			e.transition(&order, model.StatusExecuted, "")
			e.log.Info("order executed",
				zap.String("order_id", order.ID),
				zap.String("token", order.TokenSymbol),
				zap.String("estimated_usdc", order.EstimatedUSDC),
				zap.String("order_hash", order.OrderHash))
			return order
		}

		if order.Retries >= maxRetries {
			e.transition(&order, model.StatusFailed, err.Error())
			e.log.Warn("order failed, retries exhausted",
				zap.String("order_id", order.ID),
				zap.String("token", order.TokenSymbol),
				zap.Int("retries", order.Retries),
				zap.String("error", order.Error))
			return order
		}

		order.Retries++
		e.transition(&order, model.StatusPending, err.Error())
		backoff := time.Duration(1<<uint(order.Retries-1)) * time.Second
		e.log.Info("order attempt failed, backing off",
			zap.String("order_id", order.ID),
			zap.Int("retry", order.Retries),
			zap.Duration("backoff", backoff),
			zap.String("error", err.Error()))
		e.sleep(ctx, backoff)
	}
}

type attemptOutcome struct {
	estimatedUSDC string
	orderHash     string
}

// attempt runs one quote -> build -> submit sequence. Each attempt re-quotes
// so retried orders never submit against stale pricing.
func (e *Executor) attempt(ctx context.Context, handle *session.Handle, tok model.Token, order *model.OrderIntent) (attemptOutcome, error) {
	e.transition(order, model.StatusSigning, "")

	quote, err := e.agg.GetQuote(ctx, tok.ChainID, tok.Address, tok.Balance)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("quote: %w", err)
	}

	verifying := quote.ProtocolAddress
	if verifying == "" {
		if chain, cerr := registry.ChainByID(tok.ChainID); cerr == nil {
			verifying = chain.OneInchRouter.Hex()
		}
	}
	typed := oneinch.SwapOrderTypedData(tok.ChainID, verifying,
		handle.Address.Hex(), tok.Address, quote.ToToken, tok.Balance, quote.ToAmountMin)
	sig, err := handle.SignTypedData(typed)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("sign order: %w", err)
	}

	req := oneinch.SwapRequest{
		ChainID:          tok.ChainID,
		FromTokenAddress: tok.Address,
		ToTokenAddress:   quote.ToToken,
		Amount:           tok.Balance,
		FromAddress:      handle.Address.Hex(),
		Signature:        sig.String(),
		DisableEstimate:  true,
	}

	e.transition(order, model.StatusSubmitted, "")

	swap, err := e.agg.SubmitGaslessSwap(ctx, req)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("submit: %w", err)
	}

	// Aggregator acceptance is treated as settlement; the receipt endpoint
	// exists for callers who want on-chain confirmation.
	estimated := swap.ToAmount
	if estimated == "" {
		estimated = quote.ToAmountMin
	}
	orderHash := swap.OrderHash
	if orderHash == "" {
		orderHash = fmt.Sprintf("gasless-swap-%d", e.now().Unix())
	}
	return attemptOutcome{estimatedUSDC: FormatUSDC(estimated), orderHash: orderHash}, nil
}

func (e *Executor) transition(order *model.OrderIntent, status model.OrderStatus, errMsg string) {
	order.Status = status
	order.Error = errMsg
	order.Timestamp = e.now()
	if err := e.book.Update(*order); err != nil {
		e.log.Error("order update failed",
			zap.String("order_id", order.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// validateOrder rejects orders that can never succeed, before any network
// call.
func validateOrder(tok model.Token) error {
	if !registry.IsSupported(tok.ChainID) {
		return fmt.Errorf("chain id %d is not supported", tok.ChainID)
	}
	balance, ok := new(big.Int).SetString(tok.Balance, 10)
	if !ok || balance.Sign() <= 0 {
		return fmt.Errorf("token %s has no balance to swap", tok.Symbol)
	}
	usdc, _ := registry.USDCAddress(tok.ChainID)
	if strings.EqualFold(tok.Address, usdc.Hex()) {
		return fmt.Errorf("token %s is already USDC", tok.Symbol)
	}
	if tok.BalanceUSD > 0 && tok.BalanceUSD < minOrderUSD {
		return fmt.Errorf("position worth $%.4f is below the $%.2f order minimum", tok.BalanceUSD, minOrderUSD)
	}
	return nil
}

// FormatUSDC renders a raw 6-decimal USDC amount in dollars, truncated to
// cents.
func FormatUSDC(raw string) string {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return "0.00"
	}
	micro := big.NewInt(1_000_000)
	dollars := new(big.Int).Quo(value, micro)
	remainder := new(big.Int).Mod(value, micro)
	cents := new(big.Int).Quo(remainder, big.NewInt(10_000))
	return fmt.Sprintf("%s.%02d", dollars.String(), cents.Int64())
}
