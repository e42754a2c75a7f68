package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/executor"
	"github.com/ggonzalez94/dustpan/internal/server"
	"github.com/ggonzalez94/dustpan/internal/session"
)

func (s *runtimeState) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := s.serverLogger()
			defer func() { _ = logger.Sync() }()
			s.logger = logger

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
				logger.Warn("order pruning failed", zap.Error(err))
			}

			sp := s.newSponsor()
			manager := session.NewManager(store, sp, nil, s.settings.SessionTTL, logger)
			metadata := s.metadataStore(logger)

			srv := server.New(s.newAggregator(), sp, manager, metadata, book, logger)
			router := server.NewRouter(logger, srv)

			addr := fmt.Sprintf(":%d", s.settings.Port)
			logger.Info("listening", zap.String("addr", addr))
			if err := router.Run(addr); err != nil {
				return apperr.Wrap(apperr.CodeInternal, "http server", err)
			}
			return nil
		},
	}
	return cmd
}

// metadataStore prefers redis when configured and reachable, and falls back
// to the in-process map otherwise.
func (s *runtimeState) metadataStore(logger *zap.Logger) server.MetadataStore {
	if s.settings.RedisAddr == "" {
		return server.NewMemoryMetadataStore()
	}
	client := redis.NewClient(&redis.Options{Addr: s.settings.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-memory session metadata",
			zap.String("addr", s.settings.RedisAddr), zap.Error(err))
		_ = client.Close()
		return server.NewMemoryMetadataStore()
	}
	return server.NewRedisMetadataStore(client)
}
