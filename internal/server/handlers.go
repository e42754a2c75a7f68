package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/executor"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/oneinch"
	"github.com/ggonzalez94/dustpan/internal/registry"
	"github.com/ggonzalez94/dustpan/internal/sponsor"
)

// Aggregator is the 1inch client surface the handlers proxy.
type Aggregator interface {
	GetQuote(ctx context.Context, chainID int64, fromToken, amount string) (model.Quote, error)
	CheckLiquidity(ctx context.Context, chainID int64, tokenAddress, amount string) model.LiquidityCheck
	SubmitGaslessSwap(ctx context.Context, req oneinch.SwapRequest) (oneinch.SwapOutcome, error)
	Balances(ctx context.Context, chainID int64, address string) (map[string]string, error)
	Tokens(ctx context.Context, chainID int64, addresses []string) ([]oneinch.TokenInfo, error)
	SpotPrices(ctx context.Context, chainID int64, tokens []string) (map[string]*float64, error)
}

// Sponsorship is the bundler/paymaster surface the handlers proxy.
type Sponsorship interface {
	Call(ctx context.Context, chainID int64, method string, params []any) (json.RawMessage, error)
	UserOperationReceipt(ctx context.Context, chainID int64, userOpHash common.Hash) (*sponsor.Receipt, error)
}

// Sessions covers the session operations exposed over HTTP.
type Sessions interface {
	HasSession(chainID int64) bool
	RevokeSession(chainID int64) error
}

type Server struct {
	agg      Aggregator
	sponsor  Sponsorship
	sessions Sessions
	metadata MetadataStore
	book     *executor.OrderBook
	log      *zap.Logger
}

func New(agg Aggregator, sp Sponsorship, sessions Sessions, metadata MetadataStore, book *executor.OrderBook, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{agg: agg, sponsor: sp, sessions: sessions, metadata: metadata, book: book, log: log}
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(apperr.CodeOf(err)), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

func validChain(c *gin.Context, chainID int64) bool {
	if !registry.IsSupported(chainID) {
		badRequest(c, "chain id %d is not supported", chainID)
		return false
	}
	return true
}

func validAddress(c *gin.Context, field, address string) bool {
	if !common.IsHexAddress(address) {
		badRequest(c, "%s is not a valid address", field)
		return false
	}
	return true
}

type quoteRequest struct {
	ChainID   int64  `json:"chainId"`
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
	Amount    string `json:"amount"`
}

func (s *Server) Quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) || !validAddress(c, "fromToken", req.FromToken) {
		return
	}
	if req.Amount == "" {
		badRequest(c, "amount is required")
		return
	}

	quote, err := s.agg.GetQuote(c.Request.Context(), req.ChainID, req.FromToken, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"toAmount":        quote.ToAmount,
		"toAmountMin":     quote.ToAmountMin,
		"estimatedGas":    quote.EstimatedGas,
		"protocolAddress": quote.ProtocolAddress,
		"expiresAt":       quote.ExpiresAt,
	})
}

type swapSubmitRequest struct {
	ChainID          int64  `json:"chainId"`
	FromTokenAddress string `json:"fromTokenAddress"`
	ToTokenAddress   string `json:"toTokenAddress"`
	Amount           string `json:"amount"`
	FromAddress      string `json:"fromAddress"`
	Slippage         int64  `json:"slippage"`
	DisableEstimate  bool   `json:"disableEstimate"`
	AllowPartialFill bool   `json:"allowPartialFill"`
}

func (s *Server) SubmitSwap(c *gin.Context) {
	var req swapSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) ||
		!validAddress(c, "fromTokenAddress", req.FromTokenAddress) ||
		!validAddress(c, "toTokenAddress", req.ToTokenAddress) ||
		!validAddress(c, "fromAddress", req.FromAddress) {
		return
	}

	outcome, err := s.agg.SubmitGaslessSwap(c.Request.Context(), oneinch.SwapRequest{
		ChainID:          req.ChainID,
		FromTokenAddress: req.FromTokenAddress,
		ToTokenAddress:   req.ToTokenAddress,
		Amount:           req.Amount,
		FromAddress:      req.FromAddress,
		SlippageBps:      req.Slippage,
		DisableEstimate:  req.DisableEstimate,
		AllowPartialFill: req.AllowPartialFill,
	})
	if err != nil {
		code := apperr.HTTPStatus(apperr.CodeOf(err))
		c.JSON(code, gin.H{"error": "swap submission failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": outcome.Transaction,
		"toAmount":    outcome.ToAmount,
		"status":      outcome.Status,
	})
}

func (s *Server) Balance(c *gin.Context) {
	var query struct {
		ChainID int64  `form:"chainId"`
		Address string `form:"address"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "invalid query: %v", err)
		return
	}
	if !validChain(c, query.ChainID) || !validAddress(c, "address", query.Address) {
		return
	}

	balances, err := s.agg.Balances(c.Request.Context(), query.ChainID, query.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   query.Address,
		"chainId":   query.ChainID,
		"balances":  balances,
		"timestamp": time.Now().Unix(),
	})
}

type tokensRequest struct {
	ChainID   int64    `json:"chainId"`
	Addresses []string `json:"addresses"`
}

func (s *Server) Tokens(c *gin.Context) {
	var req tokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) {
		return
	}
	for _, addr := range req.Addresses {
		if !validAddress(c, "addresses", addr) {
			return
		}
	}

	tokens, err := s.agg.Tokens(c.Request.Context(), req.ChainID, req.Addresses)
	if err != nil {
		writeError(c, err)
		return
	}
	if tokens == nil {
		tokens = []oneinch.TokenInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

type priceRequest struct {
	ChainID int64    `json:"chainId"`
	Tokens  []string `json:"tokens"`
}

func (s *Server) Prices(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) {
		return
	}

	prices, err := s.agg.SpotPrices(c.Request.Context(), req.ChainID, req.Tokens)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chainId":   req.ChainID,
		"prices":    prices,
		"currency":  "USD",
		"timestamp": time.Now().Unix(),
	})
}

type liquidityRequest struct {
	ChainID       int64  `json:"chainId"`
	TokenAddress  string `json:"tokenAddress"`
	TargetAddress string `json:"targetAddress"`
	Amount        string `json:"amount"`
}

// Liquidity always answers 200: callers read hasLiquidity, never the status
// code. Upstream faults surface as hasLiquidity=false with an error field.
func (s *Server) Liquidity(c *gin.Context) {
	var req liquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, model.LiquidityCheck{HasLiquidity: false, Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if !registry.IsSupported(req.ChainID) {
		c.JSON(http.StatusOK, model.LiquidityCheck{HasLiquidity: false, Error: fmt.Sprintf("chain id %d is not supported", req.ChainID)})
		return
	}

	check := s.agg.CheckLiquidity(c.Request.Context(), req.ChainID, req.TokenAddress, req.Amount)
	c.JSON(http.StatusOK, check)
}

type bundlerRequest struct {
	ChainID int64  `json:"chainId"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (s *Server) BundlerCall(c *gin.Context) {
	var req bundlerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) {
		return
	}

	result, err := s.sponsor.Call(c.Request.Context(), req.ChainID, req.Method, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) BundlerReceipt(c *gin.Context) {
	var query struct {
		ChainID    int64  `form:"chainId"`
		UserOpHash string `form:"userOpHash"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "invalid query: %v", err)
		return
	}
	if !validChain(c, query.ChainID) {
		return
	}
	if query.UserOpHash == "" {
		badRequest(c, "userOpHash is required")
		return
	}

	receipt, err := s.sponsor.UserOperationReceipt(c.Request.Context(), query.ChainID, common.HexToHash(query.UserOpHash))
	if err != nil {
		writeError(c, err)
		return
	}
	if receipt == nil {
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type sponsorRequest struct {
	ChainID int64 `json:"chainId"`
	Params  []any `json:"params"`
}

func (s *Server) Sponsor(c *gin.Context) {
	var req sponsorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) {
		return
	}

	result, err := s.sponsor.Call(c.Request.Context(), req.ChainID, "pm_sponsorUserOperation", req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type metadataRequest struct {
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

func (s *Server) PutSessionMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if req.SessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	if err := s.metadata.Put(c.Request.Context(), req.SessionID, req.Data); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": req.SessionID, "status": "stored"})
}

func (s *Server) GetSessionMetadata(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	data, ok, err := s.metadata.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session metadata not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "data": data})
}

func (s *Server) DeleteSessionMetadata(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	if err := s.metadata.Delete(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "deleted"})
}

type pingRequest struct {
	SessionID string `json:"sessionId"`
}

// PingSession stamps the session's last-used time, creating the record when
// absent. Last write wins.
func (s *Server) PingSession(c *gin.Context) {
	var req pingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if req.SessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	data, ok, err := s.metadata.Get(c.Request.Context(), req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		data = map[string]any{}
	}
	data["lastUsed"] = time.Now().Unix()
	if err := s.metadata.Put(c.Request.Context(), req.SessionID, data); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": req.SessionID, "lastUsed": data["lastUsed"]})
}

type revokeRequest struct {
	ChainID int64 `json:"chainId"`
}

func (s *Server) RevokeSession(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if !validChain(c, req.ChainID) {
		return
	}
	if !s.sessions.HasSession(req.ChainID) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no session for chain %d", req.ChainID)})
		return
	}
	if err := s.sessions.RevokeSession(req.ChainID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chainId": req.ChainID, "status": "revoked"})
}

func (s *Server) ListOrders(c *gin.Context) {
	orders, err := s.book.List()
	if err != nil {
		writeError(c, err)
		return
	}
	if orders == nil {
		orders = []model.OrderIntent{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GetOrder resolves an order by aggregator hash, falling back to the order
// id for synthetic hashes.
func (s *Server) GetOrder(c *gin.Context) {
	ref := c.Param("orderHash")
	order, ok, err := s.book.GetByHash(ref)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		order, ok, err = s.book.Get(ref)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) Chains(c *gin.Context) {
	chains := registry.SupportedChains()
	out := make([]gin.H, 0, len(chains))
	for _, chain := range chains {
		out = append(out, gin.H{
			"chainId": chain.ID,
			"name":    chain.Name,
			"usdc":    chain.USDC.Hex(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chains": out})
}
