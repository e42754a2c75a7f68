package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Token is one dust position discovered during a scan. Immutable once built.
type Token struct {
	ChainID    int64   `json:"chainId"`
	Address    string  `json:"address"`
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	LogoURL    string  `json:"logoUrl,omitempty"`
	Decimals   int     `json:"decimals"`
	Balance    string  `json:"balance"`
	BalanceUSD float64 `json:"balanceUsd"`
	Price      float64 `json:"price"`
	Change24h  float64 `json:"change24h"`
}

// ID is the token's stable identity within a scan result.
func (t Token) ID() string {
	return fmt.Sprintf("%d:%s", t.ChainID, strings.ToLower(t.Address))
}

// SwipeDirection records a user decision on a token.
type SwipeDirection string

const (
	SwipeDump SwipeDirection = "dump"
	SwipeKeep SwipeDirection = "keep"
)

// SwipeAction is an append-only record of one swipe decision.
type SwipeAction struct {
	TokenID   string         `json:"tokenId"`
	Direction SwipeDirection `json:"direction"`
	Timestamp time.Time      `json:"timestamp"`
}

// PartitionSwipes splits scanned tokens into dump and keep sets based on the
// swipe log. The latest swipe per token wins; unswiped tokens land in neither.
func PartitionSwipes(tokens []Token, swipes []SwipeAction) (dump, keep []Token) {
	latest := make(map[string]SwipeAction, len(swipes))
	for _, s := range swipes {
		prev, ok := latest[s.TokenID]
		if !ok || s.Timestamp.After(prev.Timestamp) {
			latest[s.TokenID] = s
		}
	}
	for _, tok := range tokens {
		s, ok := latest[tok.ID()]
		if !ok {
			continue
		}
		switch s.Direction {
		case SwipeDump:
			dump = append(dump, tok)
		case SwipeKeep:
			keep = append(keep, tok)
		}
	}
	return dump, keep
}

// SessionData is the persisted per-chain session record. At most one active
// row per chain.
type SessionData struct {
	ChainID           int64  `json:"chainId"`
	AccountAddress    string `json:"accountAddress"`
	SessionKeyAddress string `json:"sessionKeyAddress,omitempty"`
	IsEnabled         bool   `json:"isEnabled"`
	IsDeployed        bool   `json:"isDeployed"`
	DeploymentHash    string `json:"deploymentHash,omitempty"`
	ExpiresAt         int64  `json:"expiresAt"`
}

// Usable reports whether the session can back new orders at the given time.
func (s SessionData) Usable(now time.Time) bool {
	return s.IsEnabled && now.Unix() < s.ExpiresAt
}

// OrderStatus is the order state machine. Valid paths:
//
//	pending -> signing -> submitted -> executed
//	pending -> signing -> submitted -> pending (retryable failure)
//	pending -> ... -> failed (retry budget exhausted)
type OrderStatus string

const (
	StatusNone      OrderStatus = "none"
	StatusPending   OrderStatus = "pending"
	StatusSigning   OrderStatus = "signing"
	StatusSubmitted OrderStatus = "submitted"
	StatusExecuted  OrderStatus = "executed"
	StatusFailed    OrderStatus = "failed"
)

var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusSigning, StatusFailed},
	StatusSigning:   {StatusSubmitted, StatusPending, StatusFailed},
	StatusSubmitted: {StatusExecuted, StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is a legal state-machine edge.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// OrderIntent is one liquidation attempt for one token.
type OrderIntent struct {
	ID            string      `json:"id"`
	ChainID       int64       `json:"chainId"`
	TokenAddress  string      `json:"tokenAddress"`
	TokenSymbol   string      `json:"tokenSymbol"`
	TokenAmount   string      `json:"tokenAmount"`
	EstimatedUSDC string      `json:"estimatedUSDC,omitempty"`
	Status        OrderStatus `json:"status"`
	OrderHash     string      `json:"orderHash,omitempty"`
	Error         string      `json:"error,omitempty"`
	Retries       int         `json:"retries"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Matches reports whether the order refers to the given token. Matching is by
// value equality on chain id and lowercased address, not a foreign key.
func (o OrderIntent) Matches(tok Token) bool {
	return o.ChainID == tok.ChainID && strings.EqualFold(o.TokenAddress, tok.Address)
}

// TokenOrderStatus projects a token's current status from the order list:
// most recent matching order wins, ties broken by order id for determinism.
func TokenOrderStatus(tok Token, orders []OrderIntent) OrderStatus {
	matched := make([]OrderIntent, 0, 2)
	for _, o := range orders {
		if o.Matches(tok) {
			matched = append(matched, o)
		}
	}
	if len(matched) == 0 {
		return StatusNone
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched[len(matched)-1].Status
}

// Quote is a slippage-adjusted swap quote.
type Quote struct {
	ChainID         int64  `json:"chainId"`
	FromToken       string `json:"fromToken"`
	ToToken         string `json:"toToken"`
	Amount          string `json:"amount"`
	ToAmount        string `json:"toAmount"`
	ToAmountMin     string `json:"toAmountMin"`
	EstimatedGas    int64  `json:"estimatedGas"`
	ProtocolAddress string `json:"protocolAddress"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// LiquidityCheck is the advisory pre-trade depth result. Never treated as a
// hard gate by the executor.
type LiquidityCheck struct {
	HasLiquidity    bool   `json:"hasLiquidity"`
	AvailableAmount string `json:"availableAmount,omitempty"`
	MinimumAmount   string `json:"minimumAmount,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SwapResult is the aggregator's gasless swap response.
type SwapResult struct {
	OrderHash string `json:"orderHash,omitempty"`
	ToAmount  string `json:"toAmount,omitempty"`
	Status    string `json:"status"`
}
