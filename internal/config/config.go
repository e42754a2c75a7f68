package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath   string
	Timeout      string
	Retries      int
	Port         int
	ThresholdUSD float64
	SlippageBps  int
	NoCache      bool
}

type Settings struct {
	Port             int
	Timeout          time.Duration
	Retries          int
	ThresholdUSD     float64
	SlippageBps      int
	SessionTTL       time.Duration
	SessionStorePath string
	SessionLockPath  string
	OrderStorePath   string
	OrderLockPath    string
	CacheEnabled     bool
	CachePath        string
	CacheLockPath    string
	MaxStale         time.Duration
	OneInchAPIKey    string
	OneInchBaseURL   string
	PimlicoAPIKey    string
	SponsorPolicyID  string
	RedisAddr        string
	WalletKeyHex     string
	RPCOverrides     map[int64]string
	BundlerOverrides map[int64]string
}

// envConfig carries the environment layer. Applied between the YAML file and
// command-line flags.
type envConfig struct {
	Port            int     `env:"DUSTPAN_PORT"`
	Timeout         string  `env:"DUSTPAN_TIMEOUT"`
	Retries         int     `env:"DUSTPAN_RETRIES" envDefault:"-1"`
	ThresholdUSD    float64 `env:"DUSTPAN_THRESHOLD_USD" envDefault:"-1"`
	SlippageBps     int     `env:"DUSTPAN_SLIPPAGE_BPS" envDefault:"-1"`
	SessionTTL      string  `env:"DUSTPAN_SESSION_TTL"`
	SessionPath     string  `env:"DUSTPAN_SESSIONS_PATH"`
	SessionLockPath string  `env:"DUSTPAN_SESSIONS_LOCK_PATH"`
	OrderPath       string  `env:"DUSTPAN_ORDERS_PATH"`
	OrderLockPath   string  `env:"DUSTPAN_ORDERS_LOCK_PATH"`
	CachePath       string  `env:"DUSTPAN_CACHE_PATH"`
	CacheLockPath   string  `env:"DUSTPAN_CACHE_LOCK_PATH"`
	NoCache         bool    `env:"DUSTPAN_NO_CACHE"`
	MaxStale        string  `env:"DUSTPAN_MAX_STALE"`
	OneInchAPIKey   string  `env:"DUSTPAN_1INCH_API_KEY"`
	OneInchBaseURL  string  `env:"DUSTPAN_1INCH_BASE_URL"`
	PimlicoAPIKey   string  `env:"DUSTPAN_PIMLICO_API_KEY"`
	SponsorPolicyID string  `env:"DUSTPAN_SPONSOR_POLICY_ID"`
	RedisAddr       string  `env:"DUSTPAN_REDIS_ADDR"`
	WalletKey       string  `env:"DUSTPAN_WALLET_KEY"`
}

type fileConfig struct {
	Port      *int   `yaml:"port"`
	Timeout   string `yaml:"timeout"`
	Retries   *int   `yaml:"retries"`
	Threshold struct {
		USD *float64 `yaml:"usd"`
	} `yaml:"threshold"`
	Slippage struct {
		Bps *int `yaml:"bps"`
	} `yaml:"slippage"`
	Session struct {
		TTL      string `yaml:"ttl"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"session"`
	Orders struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"orders"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Providers struct {
		OneInch struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
			BaseURL   string `yaml:"base_url"`
		} `yaml:"oneinch"`
		Pimlico struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
			PolicyID  string `yaml:"policy_id"`
		} `yaml:"pimlico"`
	} `yaml:"providers"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Wallet struct {
		KeyEnv string `yaml:"key_env"`
	} `yaml:"wallet"`
	Chains map[int64]struct {
		RPCURL     string `yaml:"rpc_url"`
		BundlerURL string `yaml:"bundler_url"`
	} `yaml:"chains"`
}

// Load resolves settings from defaults, the YAML config file, environment
// variables, and flags, in that order of increasing precedence.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 15 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 2
	}
	if settings.SlippageBps <= 0 || settings.SlippageBps >= 10000 {
		settings.SlippageBps = 100
	}
	if settings.ThresholdUSD <= 0 {
		settings.ThresholdUSD = 5
	}
	if settings.SessionTTL <= 0 {
		settings.SessionTTL = 7 * 24 * time.Hour
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Port:             8080,
		Timeout:          15 * time.Second,
		Retries:          2,
		ThresholdUSD:     5,
		SlippageBps:      100,
		SessionTTL:       7 * 24 * time.Hour,
		SessionStorePath: filepath.Join(dataDir, "sessions.db"),
		SessionLockPath:  filepath.Join(dataDir, "sessions.lock"),
		OrderStorePath:   filepath.Join(dataDir, "orders.db"),
		OrderLockPath:    filepath.Join(dataDir, "orders.lock"),
		CacheEnabled:     true,
		CachePath:        filepath.Join(dataDir, "cache.db"),
		CacheLockPath:    filepath.Join(dataDir, "cache.lock"),
		MaxStale:         5 * time.Minute,
		OneInchBaseURL:   "https://api.1inch.dev",
		RPCOverrides:     map[int64]string{},
		BundlerOverrides: map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dustpan", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "dustpan"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Port != nil {
		settings.Port = *cfg.Port
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Threshold.USD != nil {
		settings.ThresholdUSD = *cfg.Threshold.USD
	}
	if cfg.Slippage.Bps != nil {
		settings.SlippageBps = *cfg.Slippage.Bps
	}
	if cfg.Session.TTL != "" {
		d, err := time.ParseDuration(cfg.Session.TTL)
		if err != nil {
			return fmt.Errorf("config session.ttl: %w", err)
		}
		settings.SessionTTL = d
	}
	if cfg.Session.Path != "" {
		settings.SessionStorePath = cfg.Session.Path
	}
	if cfg.Session.LockPath != "" {
		settings.SessionLockPath = cfg.Session.LockPath
	}
	if cfg.Orders.Path != "" {
		settings.OrderStorePath = cfg.Orders.Path
	}
	if cfg.Orders.LockPath != "" {
		settings.OrderLockPath = cfg.Orders.LockPath
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Providers.OneInch.APIKey != "" {
		settings.OneInchAPIKey = cfg.Providers.OneInch.APIKey
	}
	if cfg.Providers.OneInch.APIKeyEnv != "" {
		settings.OneInchAPIKey = os.Getenv(cfg.Providers.OneInch.APIKeyEnv)
	}
	if cfg.Providers.OneInch.BaseURL != "" {
		settings.OneInchBaseURL = cfg.Providers.OneInch.BaseURL
	}
	if cfg.Providers.Pimlico.APIKey != "" {
		settings.PimlicoAPIKey = cfg.Providers.Pimlico.APIKey
	}
	if cfg.Providers.Pimlico.APIKeyEnv != "" {
		settings.PimlicoAPIKey = os.Getenv(cfg.Providers.Pimlico.APIKeyEnv)
	}
	if cfg.Providers.Pimlico.PolicyID != "" {
		settings.SponsorPolicyID = cfg.Providers.Pimlico.PolicyID
	}
	if cfg.Redis.Addr != "" {
		settings.RedisAddr = cfg.Redis.Addr
	}
	if cfg.Wallet.KeyEnv != "" {
		settings.WalletKeyHex = os.Getenv(cfg.Wallet.KeyEnv)
	}
	for chainID, chain := range cfg.Chains {
		if chain.RPCURL != "" {
			settings.RPCOverrides[chainID] = chain.RPCURL
		}
		if chain.BundlerURL != "" {
			settings.BundlerOverrides[chainID] = chain.BundlerURL
		}
	}

	return nil
}

func applyEnv(settings *Settings) error {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if ec.Port > 0 {
		settings.Port = ec.Port
	}
	if ec.Timeout != "" {
		if d, err := time.ParseDuration(ec.Timeout); err == nil {
			settings.Timeout = d
		}
	}
	if ec.Retries >= 0 {
		settings.Retries = ec.Retries
	}
	if ec.ThresholdUSD >= 0 {
		settings.ThresholdUSD = ec.ThresholdUSD
	}
	if ec.SlippageBps >= 0 {
		settings.SlippageBps = ec.SlippageBps
	}
	if ec.SessionTTL != "" {
		if d, err := time.ParseDuration(ec.SessionTTL); err == nil {
			settings.SessionTTL = d
		}
	}
	if ec.SessionPath != "" {
		settings.SessionStorePath = ec.SessionPath
	}
	if ec.SessionLockPath != "" {
		settings.SessionLockPath = ec.SessionLockPath
	}
	if ec.OrderPath != "" {
		settings.OrderStorePath = ec.OrderPath
	}
	if ec.OrderLockPath != "" {
		settings.OrderLockPath = ec.OrderLockPath
	}
	if ec.CachePath != "" {
		settings.CachePath = ec.CachePath
	}
	if ec.CacheLockPath != "" {
		settings.CacheLockPath = ec.CacheLockPath
	}
	if ec.NoCache {
		settings.CacheEnabled = false
	}
	if ec.MaxStale != "" {
		if d, err := time.ParseDuration(ec.MaxStale); err == nil {
			settings.MaxStale = d
		}
	}
	if ec.OneInchAPIKey != "" {
		settings.OneInchAPIKey = ec.OneInchAPIKey
	}
	if ec.OneInchBaseURL != "" {
		settings.OneInchBaseURL = ec.OneInchBaseURL
	}
	if ec.PimlicoAPIKey != "" {
		settings.PimlicoAPIKey = ec.PimlicoAPIKey
	}
	if ec.SponsorPolicyID != "" {
		settings.SponsorPolicyID = ec.SponsorPolicyID
	}
	if ec.RedisAddr != "" {
		settings.RedisAddr = ec.RedisAddr
	}
	if ec.WalletKey != "" {
		settings.WalletKeyHex = ec.WalletKey
	}

	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.Port > 0 {
		settings.Port = flags.Port
	}
	if flags.ThresholdUSD > 0 {
		settings.ThresholdUSD = flags.ThresholdUSD
	}
	if flags.SlippageBps > 0 {
		settings.SlippageBps = flags.SlippageBps
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	return nil
}
