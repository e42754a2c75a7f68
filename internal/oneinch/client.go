package oneinch

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ggonzalez94/dustpan/internal/cache"
	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/httpx"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/registry"
)

const (
	defaultBaseURL = "https://api.1inch.dev"
	quoteTTL       = 300 // seconds a quote stays valid

	tokenCacheTTL = time.Hour
	priceCacheTTL = time.Minute
)

// Client talks to the 1inch aggregator APIs: quotes, swaps, balances, token
// metadata and spot prices.
type Client struct {
	http        *httpx.Client
	cache       *cache.Store
	log         *zap.Logger
	baseURL     string
	apiKey      string
	slippageBps int64
	maxStale    time.Duration
	now         func() time.Time
}

type Config struct {
	BaseURL     string
	APIKey      string
	SlippageBps int
	MaxStale    time.Duration
}

func NewClient(httpClient *httpx.Client, store *cache.Store, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	slippage := int64(cfg.SlippageBps)
	if slippage <= 0 || slippage >= 10000 {
		slippage = 100
	}
	return &Client{
		http:        httpClient,
		cache:       store,
		log:         log,
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		slippageBps: slippage,
		maxStale:    cfg.MaxStale,
		now:         time.Now,
	}
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

type quoteResponse struct {
	DstAmount string `json:"dstAmount"`
	Gas       int64  `json:"gas"`
}

// GetQuote returns the destination estimate plus the slippage-adjusted
// minimum, computed with integer arithmetic so large raw amounts never pass
// through a float.
func (c *Client) GetQuote(ctx context.Context, chainID int64, fromToken, amount string) (model.Quote, error) {
	chain, err := registry.ChainByID(chainID)
	if err != nil {
		return model.Quote{}, err
	}

	endpoint := fmt.Sprintf("%s/swap/v6.0/%d/quote", c.baseURL, chainID)
	query := url.Values{}
	query.Set("src", fromToken)
	query.Set("dst", chain.USDC.Hex())
	query.Set("amount", amount)
	query.Set("includeGas", "true")

	var resp quoteResponse
	if _, err := c.http.GetJSON(ctx, endpoint+"?"+query.Encode(), c.headers(), &resp); err != nil {
		return model.Quote{}, apperr.Wrap(apperr.CodeUnavailable, "fetch quote", err)
	}

	toAmountMin, err := ApplySlippage(resp.DstAmount, c.slippageBps)
	if err != nil {
		return model.Quote{}, apperr.Wrap(apperr.CodeInternal, "compute minimum receive", err)
	}

	return model.Quote{
		ChainID:         chainID,
		FromToken:       fromToken,
		ToToken:         chain.USDC.Hex(),
		Amount:          amount,
		ToAmount:        resp.DstAmount,
		ToAmountMin:     toAmountMin,
		EstimatedGas:    resp.Gas,
		ProtocolAddress: chain.OneInchRouter.Hex(),
		ExpiresAt:       c.now().Unix() + quoteTTL,
	}, nil
}

// ApplySlippage computes amount * (10000 - bps) / 10000, truncating.
func ApplySlippage(amount string, bps int64) (string, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", amount)
	}
	value.Mul(value, big.NewInt(10000-bps))
	value.Quo(value, big.NewInt(10000))
	return value.String(), nil
}

// CheckLiquidity probes order-book depth for the token against USDC. It
// never returns an error; any fault degrades to hasLiquidity=false with the
// failure recorded. Liquidity shortfall is advisory for the executor.
func (c *Client) CheckLiquidity(ctx context.Context, chainID int64, tokenAddress, amount string) model.LiquidityCheck {
	quote, err := c.GetQuote(ctx, chainID, tokenAddress, amount)
	if err != nil {
		return model.LiquidityCheck{HasLiquidity: false, Error: err.Error()}
	}
	toAmount, ok := new(big.Int).SetString(quote.ToAmount, 10)
	if !ok || toAmount.Sign() <= 0 {
		return model.LiquidityCheck{HasLiquidity: false, Error: fmt.Sprintf("no route for token %s on chain %d", tokenAddress, chainID)}
	}
	return model.LiquidityCheck{
		HasLiquidity:    true,
		AvailableAmount: quote.ToAmount,
		MinimumAmount:   quote.ToAmountMin,
	}
}

// SwapRequest parameterizes a gasless swap submission. Signature is the
// session key's EIP-712 signature over the order, verified against the smart
// account contract-signature path.
type SwapRequest struct {
	ChainID          int64
	FromTokenAddress string
	ToTokenAddress   string
	Amount           string
	FromAddress      string
	Signature        string
	SlippageBps      int64
	DisableEstimate  bool
	AllowPartialFill bool
}

// TxPayload is the transaction the aggregator built for the swap.
type TxPayload struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   int64  `json:"gas"`
}

// SwapOutcome is the aggregator's swap response: the built transaction plus
// the expected destination amount.
type SwapOutcome struct {
	Transaction *TxPayload `json:"transaction,omitempty"`
	OrderHash   string     `json:"orderHash,omitempty"`
	ToAmount    string     `json:"toAmount"`
	Status      string     `json:"status"`
}

type swapResponse struct {
	DstAmount string     `json:"dstAmount"`
	OrderHash string     `json:"orderHash"`
	Tx        *TxPayload `json:"tx"`
}

// SubmitGaslessSwap submits the swap intent. The aggregator response is
// treated as authoritative for order status.
func (c *Client) SubmitGaslessSwap(ctx context.Context, req SwapRequest) (SwapOutcome, error) {
	if _, err := registry.ChainByID(req.ChainID); err != nil {
		return SwapOutcome{}, err
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = c.slippageBps
	}

	endpoint := fmt.Sprintf("%s/swap/v6.0/%d/swap", c.baseURL, req.ChainID)
	query := url.Values{}
	query.Set("src", req.FromTokenAddress)
	query.Set("dst", req.ToTokenAddress)
	query.Set("amount", req.Amount)
	query.Set("from", req.FromAddress)
	if req.Signature != "" {
		query.Set("signature", req.Signature)
	}
	query.Set("slippage", fmt.Sprintf("%g", float64(slippage)/100))
	if req.DisableEstimate {
		query.Set("disableEstimate", "true")
	}
	if req.AllowPartialFill {
		query.Set("allowPartialFill", "true")
	}

	var resp swapResponse
	if _, err := c.http.GetJSON(ctx, endpoint+"?"+query.Encode(), c.headers(), &resp); err != nil {
		return SwapOutcome{}, apperr.Wrap(apperr.CodeUnavailable, "submit gasless swap", err)
	}

	c.log.Info("gasless swap submitted",
		zap.Int64("chain_id", req.ChainID),
		zap.String("from_token", req.FromTokenAddress),
		zap.String("to_amount", resp.DstAmount))

	return SwapOutcome{
		Transaction: resp.Tx,
		OrderHash:   resp.OrderHash,
		ToAmount:    resp.DstAmount,
		Status:      "success",
	}, nil
}

// Balances fetches raw token balances for one address, zero balances
// filtered out.
func (c *Client) Balances(ctx context.Context, chainID int64, address string) (map[string]string, error) {
	if _, err := registry.ChainByID(chainID); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/balance/v1.2/%d/balances/%s", c.baseURL, chainID, address)

	var raw map[string]string
	if _, err := c.http.GetJSON(ctx, endpoint, c.headers(), &raw); err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "fetch balances", err)
	}

	out := make(map[string]string, len(raw))
	for token, amount := range raw {
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok || value.Sign() <= 0 {
			continue
		}
		out[strings.ToLower(token)] = amount
	}
	return out, nil
}

// TokenInfo is token metadata from the aggregator's token API.
type TokenInfo struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Decimals int      `json:"decimals"`
	LogoURI  string   `json:"logoURI"`
	Tags     []string `json:"tags"`
}

// Tokens fetches metadata for specific token addresses, served from cache
// when fresh.
func (c *Client) Tokens(ctx context.Context, chainID int64, addresses []string) ([]TokenInfo, error) {
	if _, err := registry.ChainByID(chainID); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	key := cache.TokenListKey(chainID, addresses)
	var cached []TokenInfo
	if hit, _ := c.cache.GetJSON(key, c.maxStale, &cached); hit {
		return cached, nil
	}

	endpoint := fmt.Sprintf("%s/token/v1.2/%d/custom", c.baseURL, chainID)
	query := url.Values{}
	query.Set("addresses", strings.Join(addresses, ","))

	var raw map[string]TokenInfo
	if _, err := c.http.GetJSON(ctx, endpoint+"?"+query.Encode(), c.headers(), &raw); err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "fetch token metadata", err)
	}

	out := make([]TokenInfo, 0, len(raw))
	for address, info := range raw {
		if info.Address == "" {
			info.Address = address
		}
		info.Address = strings.ToLower(info.Address)
		out = append(out, info)
	}
	if err := c.cache.SetJSON(key, out, tokenCacheTTL); err != nil {
		c.log.Debug("token metadata cache write failed", zap.Error(err))
	}
	return out, nil
}

// SpotPrices fetches USD prices for a token batch. If the batch call fails
// it degrades to per-token requests; tokens that still fail price as nil.
func (c *Client) SpotPrices(ctx context.Context, chainID int64, tokens []string) (map[string]*float64, error) {
	if _, err := registry.ChainByID(chainID); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return map[string]*float64{}, nil
	}

	key := cache.PriceKey(chainID, tokens)
	var cached map[string]*float64
	if hit, _ := c.cache.GetJSON(key, c.maxStale, &cached); hit {
		return cached, nil
	}

	prices, err := c.batchPrices(ctx, chainID, tokens)
	if err != nil {
		c.log.Warn("batch price request failed, falling back to per-token requests",
			zap.Int64("chain_id", chainID), zap.Error(err))
		prices = c.perTokenPrices(ctx, chainID, tokens)
	}

	if err := c.cache.SetJSON(key, prices, priceCacheTTL); err != nil {
		c.log.Debug("price cache write failed", zap.Error(err))
	}
	return prices, nil
}

func (c *Client) batchPrices(ctx context.Context, chainID int64, tokens []string) (map[string]*float64, error) {
	endpoint := fmt.Sprintf("%s/price/v1.1/%d", c.baseURL, chainID)
	body := map[string]any{"tokens": tokens, "currency": "USD"}

	var raw map[string]string
	if _, err := c.http.PostJSON(ctx, endpoint, body, c.headers(), &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*float64, len(tokens))
	for _, token := range tokens {
		out[strings.ToLower(token)] = parsePrice(raw[strings.ToLower(token)])
	}
	return out, nil
}

func (c *Client) perTokenPrices(ctx context.Context, chainID int64, tokens []string) map[string]*float64 {
	out := make(map[string]*float64, len(tokens))
	for _, token := range tokens {
		lower := strings.ToLower(token)
		endpoint := fmt.Sprintf("%s/price/v1.1/%d/%s?currency=USD", c.baseURL, chainID, lower)
		var raw map[string]string
		if _, err := c.http.GetJSON(ctx, endpoint, c.headers(), &raw); err != nil {
			out[lower] = nil
			continue
		}
		out[lower] = parsePrice(raw[lower])
	}
	return out
}

func parsePrice(raw string) *float64 {
	if raw == "" {
		return nil
	}
	value, ok := new(big.Float).SetString(raw)
	if !ok {
		return nil
	}
	price, _ := value.Float64()
	return &price
}
