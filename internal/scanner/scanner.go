package scanner

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/oneinch"
	"github.com/ggonzalez94/dustpan/internal/registry"
)

// Aggregator is the slice of the 1inch client the scanner needs.
type Aggregator interface {
	Balances(ctx context.Context, chainID int64, address string) (map[string]string, error)
	Tokens(ctx context.Context, chainID int64, addresses []string) ([]oneinch.TokenInfo, error)
	SpotPrices(ctx context.Context, chainID int64, tokens []string) (map[string]*float64, error)
}

// Scanner discovers dust positions across the supported chains.
type Scanner struct {
	agg Aggregator
	log *zap.Logger
}

func New(agg Aggregator, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{agg: agg, log: log}
}

// Scan walks every supported chain for every address and returns positions
// worth less than thresholdUSD. Unpriced tokens are excluded: without a USD
// value there is no way to call them dust. A failure on one chain/address
// pair degrades to skipping that pair.
func (s *Scanner) Scan(ctx context.Context, addresses []string, thresholdUSD float64) ([]model.Token, error) {
	var out []model.Token
	for _, chain := range registry.SupportedChains() {
		for _, address := range addresses {
			tokens, err := s.scanOne(ctx, chain.ID, address)
			if err != nil {
				s.log.Warn("scan failed for address, skipping",
					zap.Int64("chain_id", chain.ID),
					zap.String("address", address),
					zap.Error(err))
				continue
			}
			for _, tok := range tokens {
				if tok.BalanceUSD > 0 && tok.BalanceUSD < thresholdUSD {
					out = append(out, tok)
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].BalanceUSD > out[j].BalanceUSD
	})
	return out, nil
}

func (s *Scanner) scanOne(ctx context.Context, chainID int64, address string) ([]model.Token, error) {
	balances, err := s.agg.Balances(ctx, chainID, address)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, nil
	}

	tokenAddresses := make([]string, 0, len(balances))
	for addr := range balances {
		tokenAddresses = append(tokenAddresses, addr)
	}
	sort.Strings(tokenAddresses)

	infos, err := s.agg.Tokens(ctx, chainID, tokenAddresses)
	if err != nil {
		return nil, err
	}
	infoByAddress := make(map[string]oneinch.TokenInfo, len(infos))
	for _, info := range infos {
		infoByAddress[strings.ToLower(info.Address)] = info
	}

	prices, err := s.agg.SpotPrices(ctx, chainID, tokenAddresses)
	if err != nil {
		s.log.Warn("price lookup failed, tokens will be unpriced",
			zap.Int64("chain_id", chainID), zap.Error(err))
		prices = map[string]*float64{}
	}

	out := make([]model.Token, 0, len(balances))
	for _, addr := range tokenAddresses {
		info, ok := infoByAddress[addr]
		if !ok {
			continue
		}
		price := prices[addr]
		tok := model.Token{
			ChainID:  chainID,
			Address:  addr,
			Symbol:   info.Symbol,
			Name:     info.Name,
			LogoURL:  info.LogoURI,
			Decimals: info.Decimals,
			Balance:  balances[addr],
		}
		if price != nil {
			tok.Price = *price
			tok.BalanceUSD = usdValue(balances[addr], info.Decimals, *price)
		}
		out = append(out, tok)
	}
	return out, nil
}

// usdValue converts a raw balance to USD. Precision loss here only affects
// dust classification, never on-chain amounts.
func usdValue(rawBalance string, decimals int, price float64) float64 {
	raw, ok := new(big.Float).SetString(rawBalance)
	if !ok {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units := new(big.Float).Quo(raw, scale)
	value, _ := new(big.Float).Mul(units, big.NewFloat(price)).Float64()
	return value
}
