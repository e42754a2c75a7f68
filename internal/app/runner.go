package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ggonzalez94/dustpan/internal/cache"
	"github.com/ggonzalez94/dustpan/internal/config"
	apperr "github.com/ggonzalez94/dustpan/internal/errors"
	"github.com/ggonzalez94/dustpan/internal/httpx"
	"github.com/ggonzalez94/dustpan/internal/oneinch"
	"github.com/ggonzalez94/dustpan/internal/sponsor"
	"github.com/ggonzalez94/dustpan/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	verbose  bool
	settings config.Settings
	logger   *zap.Logger

	httpClient *httpx.Client
	cacheStore *cache.Store
	aggregator *oneinch.Client
	sponsorCli *sponsor.Client
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if state.cacheStore != nil {
		_ = state.cacheStore.Close()
	}
	if err == nil {
		return 0
	}

	payload := map[string]any{"error": err.Error(), "code": int(apperr.CodeOf(err))}
	enc := json.NewEncoder(r.stderr)
	_ = enc.Encode(payload)
	return apperr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Gasless dust token liquidation for EVM wallets",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return apperr.Wrap(apperr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = s.newLogger()
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperr.Wrap(apperr.CodeUsage, "parse flags", err)
	})
	cmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Upstream request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per upstream request")
	cmd.PersistentFlags().IntVar(&s.flags.Port, "port", 0, "HTTP listen port")
	cmd.PersistentFlags().Float64Var(&s.flags.ThresholdUSD, "threshold", 0, "Dust threshold in USD")
	cmd.PersistentFlags().IntVar(&s.flags.SlippageBps, "slippage-bps", 0, "Swap slippage in basis points")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().BoolVar(&s.verbose, "verbose", false, "Log progress to stderr")

	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newScanCommand())
	cmd.AddCommand(s.newSweepCommand())
	cmd.AddCommand(s.newSessionCommand())
	cmd.AddCommand(s.newOrdersCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newLogger() *zap.Logger {
	if !s.verbose {
		return zap.NewNop()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// serverLogger always logs, regardless of --verbose. Used by serve.
func (s *runtimeState) serverLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (s *runtimeState) newAggregator() *oneinch.Client {
	if s.aggregator != nil {
		return s.aggregator
	}
	if s.httpClient == nil {
		s.httpClient = httpx.New(s.settings.Timeout, s.settings.Retries)
	}
	if s.settings.CacheEnabled && s.cacheStore == nil {
		store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
		if err != nil {
			s.logger.Warn("cache unavailable, continuing without it", zap.Error(err))
		} else {
			s.cacheStore = store
		}
	}
	s.aggregator = oneinch.NewClient(s.httpClient, s.cacheStore, oneinch.Config{
		BaseURL:     s.settings.OneInchBaseURL,
		APIKey:      s.settings.OneInchAPIKey,
		SlippageBps: s.settings.SlippageBps,
		MaxStale:    s.settings.MaxStale,
	}, s.logger)
	return s.aggregator
}

func (s *runtimeState) newSponsor() *sponsor.Client {
	if s.sponsorCli != nil {
		return s.sponsorCli
	}
	s.sponsorCli = sponsor.NewClient(sponsor.Config{
		PimlicoAPIKey:    s.settings.PimlicoAPIKey,
		PolicyID:         s.settings.SponsorPolicyID,
		BundlerOverrides: s.settings.BundlerOverrides,
		RPCOverrides:     s.settings.RPCOverrides,
	}, s.logger)
	return s.sponsorCli
}

func (s *runtimeState) emit(data any) error {
	enc := json.NewEncoder(s.runner.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
