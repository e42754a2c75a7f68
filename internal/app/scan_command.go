package app

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/executor"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/scanner"
	"github.com/ggonzalez94/dustpan/internal/session"
	"github.com/ggonzalez94/dustpan/internal/wallet"
)

func validateAddresses(addresses []string) error {
	if len(addresses) == 0 {
		return apperr.New(apperr.CodeUsage, "at least one --address is required")
	}
	for _, addr := range addresses {
		if !common.IsHexAddress(addr) {
			return apperr.New(apperr.CodeUsage, fmt.Sprintf("%s is not a valid address", addr))
		}
	}
	return nil
}

func (s *runtimeState) newScanCommand() *cobra.Command {
	var addresses []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find dust tokens under the USD threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateAddresses(addresses); err != nil {
				return err
			}

			sc := scanner.New(s.newAggregator(), s.logger)
			tokens, err := sc.Scan(cmd.Context(), addresses, s.settings.ThresholdUSD)
			if err != nil {
				return err
			}
			if tokens == nil {
				tokens = []model.Token{}
			}
			return s.emit(map[string]any{
				"tokens":       tokens,
				"count":        len(tokens),
				"thresholdUsd": s.settings.ThresholdUSD,
				"timestamp":    s.runner.now().Unix(),
			})
		},
	}
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "Wallet address to scan (repeatable)")
	return cmd
}

func (s *runtimeState) newSweepCommand() *cobra.Command {
	var addresses []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Liquidate dust tokens into USDC via gasless batch swaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateAddresses(addresses); err != nil {
				return err
			}
			w, err := wallet.NewLocal(s.settings.WalletKeyHex)
			if err != nil {
				return err
			}

			sc := scanner.New(s.newAggregator(), s.logger)
			tokens, err := sc.Scan(cmd.Context(), addresses, s.settings.ThresholdUSD)
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				return s.emit(map[string]any{"orders": []model.OrderIntent{}, "message": "no dust tokens found"})
			}

			store, err := session.OpenStore(s.settings.SessionStorePath, s.settings.SessionLockPath)
			if err != nil {
				return apperr.Wrap(apperr.CodeInternal, "open session store", err)
			}
			defer func() { _ = store.Close() }()

			book, err := executor.OpenOrderBook(s.settings.OrderStorePath, s.settings.OrderLockPath)
			if err != nil {
				return apperr.Wrap(apperr.CodeInternal, "open order book", err)
			}
			defer func() { _ = book.Close() }()
			if err := book.Prune(); err != nil {
				s.logger.Warn("order pruning failed", zap.Error(err))
			}

			manager := session.NewManager(store, s.newSponsor(), w, s.settings.SessionTTL, s.logger)
			handles := map[int64]*session.Handle{}
			for _, chainID := range chainsOf(tokens) {
				handle, err := manager.InitializeSession(cmd.Context(), chainID)
				if err != nil {
					s.logger.Warn("session setup failed, skipping chain",
						zap.Int64("chain_id", chainID), zap.Error(err))
					continue
				}
				handles[chainID] = handle
			}

			exec := executor.New(book, s.newAggregator(), s.logger)
			orders, err := exec.ExecuteSweep(cmd.Context(), handles, tokens)
			if err != nil {
				return err
			}

			counts := executor.StatusCounts(orders)
			earned, err := book.TotalEarned()
			if err != nil {
				s.logger.Warn("earnings lookup failed", zap.Error(err))
				earned = "0.00"
			}
			return s.emit(map[string]any{
				"orders": orders,
				"summary": map[string]any{
					"executed":       counts[model.StatusExecuted],
					"failed":         counts[model.StatusFailed],
					"totalEarnedUsd": earned,
				},
			})
		},
	}
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "Wallet address to sweep (repeatable)")
	return cmd
}

func chainsOf(tokens []model.Token) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, tok := range tokens {
		if !seen[tok.ChainID] {
			seen[tok.ChainID] = true
			out = append(out, tok.ChainID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
