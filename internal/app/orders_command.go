package app

import (
	"fmt"

	"github.com/spf13/cobra"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/executor"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/session"
	"github.com/ggonzalez94/dustpan/internal/wallet"
)

func (s *runtimeState) openOrderBook() (*executor.OrderBook, error) {
	book, err := executor.OpenOrderBook(s.settings.OrderStorePath, s.settings.OrderLockPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "open order book", err)
	}
	return book, nil
}

func (s *runtimeState) newOrdersCommand() *cobra.Command {
	root := &cobra.Command{Use: "orders", Short: "Liquidation order history"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			book, err := s.openOrderBook()
			if err != nil {
				return err
			}
			defer func() { _ = book.Close() }()

			orders, err := book.List()
			if err != nil {
				return err
			}
			if orders == nil {
				orders = []model.OrderIntent{}
			}
			earned, err := book.TotalEarned()
			if err != nil {
				earned = "0.00"
			}
			counts := executor.StatusCounts(orders)
			return s.emit(map[string]any{
				"orders": orders,
				"summary": map[string]any{
					"total":          len(orders),
					"executed":       counts[model.StatusExecuted],
					"failed":         counts[model.StatusFailed],
					"totalEarnedUsd": earned,
				},
			})
		},
	}
	root.AddCommand(list)

	var orderID string
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-run a failed order as a fresh attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.NewLocal(s.settings.WalletKeyHex)
			if err != nil {
				return err
			}
			book, err := s.openOrderBook()
			if err != nil {
				return err
			}
			defer func() { _ = book.Close() }()

			order, found, err := book.Get(orderID)
			if err != nil {
				return err
			}
			if !found {
				return apperr.New(apperr.CodeUsage, fmt.Sprintf("order %s not found", orderID))
			}

			store, err := s.openSessionStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			manager := session.NewManager(store, s.newSponsor(), w, s.settings.SessionTTL, s.logger)
			handle, err := manager.GetSession(cmd.Context(), order.ChainID)
			if err != nil {
				return err
			}
			if handle == nil {
				handle, err = manager.InitializeSession(cmd.Context(), order.ChainID)
				if err != nil {
					return err
				}
			}

			exec := executor.New(book, s.newAggregator(), s.logger)
			replay, err := exec.RetryOrder(cmd.Context(), handle, orderID)
			if err != nil {
				return err
			}
			return s.emit(replay)
		},
	}
	retry.Flags().StringVar(&orderID, "id", "", "Order id to retry")
	_ = retry.MarkFlagRequired("id")
	root.AddCommand(retry)

	return root
}
