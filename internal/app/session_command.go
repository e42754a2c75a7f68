package app

import (
	"fmt"

	"github.com/spf13/cobra"

	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/registry"
	"github.com/ggonzalez94/dustpan/internal/session"
)

func (s *runtimeState) openSessionStore() (*session.Store, error) {
	store, err := session.OpenStore(s.settings.SessionStorePath, s.settings.SessionLockPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "open session store", err)
	}
	return store, nil
}

func (s *runtimeState) newSessionCommand() *cobra.Command {
	root := &cobra.Command{Use: "session", Short: "Smart account session management"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show stored sessions per chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openSessionStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.List()
			if err != nil {
				return apperr.Wrap(apperr.CodeSession, "list sessions", err)
			}
			if sessions == nil {
				sessions = []model.SessionData{}
			}
			now := s.runner.now()
			out := make([]map[string]any, 0, len(sessions))
			for _, data := range sessions {
				entry := map[string]any{
					"chainId":        data.ChainID,
					"accountAddress": data.AccountAddress,
					"isDeployed":     data.IsDeployed,
					"expiresAt":      data.ExpiresAt,
					"usable":         data.Usable(now),
				}
				if chain, err := registry.ChainByID(data.ChainID); err == nil {
					entry["chainName"] = chain.Name
				}
				out = append(out, entry)
			}
			return s.emit(map[string]any{"sessions": out})
		},
	}
	root.AddCommand(status)

	var chainID int64
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the chain's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !registry.IsSupported(chainID) {
				return apperr.New(apperr.CodeUnsupported, fmt.Sprintf("chain id %d is not supported", chainID))
			}
			store, err := s.openSessionStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			_, _, found, err := store.Get(chainID)
			if err != nil {
				return apperr.Wrap(apperr.CodeSession, "load session", err)
			}
			if !found {
				return apperr.New(apperr.CodeSession, fmt.Sprintf("no session for chain %d", chainID))
			}
			if err := store.Delete(chainID); err != nil {
				return apperr.Wrap(apperr.CodeSession, "revoke session", err)
			}
			return s.emit(map[string]any{"chainId": chainID, "status": "revoked"})
		},
	}
	revoke.Flags().Int64Var(&chainID, "chain", 0, "Chain id")
	_ = revoke.MarkFlagRequired("chain")
	root.AddCommand(revoke)

	return root
}
