package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/retry"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/wallet"
)

// EnvPrefix is the prefix of environment overrides, e.g. X402_MINT_URL
const EnvPrefix = "X402"

// EnvConfigPath names the variable holding the config file location
const EnvConfigPath = "X402_CONFIG"

// Config holds all application configuration
type Config struct {
	Mint          MintConfig          `toml:"mint" yaml:"mint"`
	Accounts      AccountsConfig      `toml:"accounts" yaml:"accounts"`
	Run           RunConfig           `toml:"run" yaml:"run"`
	Retry         RetryConfig         `toml:"retry" yaml:"retry"`
	Logging       LoggingConfig       `toml:"logging" yaml:"logging"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
	Metrics       MetricsConfig       `toml:"metrics" yaml:"metrics"`
	Schedule      ScheduleConfig      `toml:"schedule" yaml:"schedule"`
}

// MintConfig describes the mint endpoint and payment protocol
type MintConfig struct {
	URL              string   `toml:"url" yaml:"url"`
	AmountPerAccount int      `toml:"amount_per_account" yaml:"amount_per_account" split_words:"true"`
	Network          string   `toml:"network" yaml:"network"`
	Scheme           string   `toml:"scheme" yaml:"scheme"`
	X402Version      int      `toml:"x402_version" yaml:"x402_version"`
	RequestTimeout   Duration `toml:"request_timeout" yaml:"request_timeout" split_words:"true"`
	ValidFor         Duration `toml:"valid_for" yaml:"valid_for" split_words:"true"`
	// RateLimit caps requests per second across all accounts; 0 disables it
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit" split_words:"true"`
}

// AccountsConfig lists the signing keys, inline or in a file
type AccountsConfig struct {
	PrivateKeys []string `toml:"private_keys" yaml:"private_keys" split_words:"true"`
	KeysFile    string   `toml:"keys_file" yaml:"keys_file" split_words:"true"`
}

// RunConfig holds settings for one orchestrated run
type RunConfig struct {
	MaxConcurrency int      `toml:"max_concurrency" yaml:"max_concurrency" split_words:"true"`
	MaxDuration    Duration `toml:"max_duration" yaml:"max_duration" split_words:"true"`
	OutputDir      string   `toml:"output_dir" yaml:"output_dir" split_words:"true"`
}

// RetryConfig holds the backoff parameters
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts" yaml:"max_attempts" split_words:"true"`
	BaseDelay   Duration `toml:"base_delay" yaml:"base_delay" split_words:"true"`
	MaxDelay    Duration `toml:"max_delay" yaml:"max_delay" split_words:"true"`
	Jitter      float64  `toml:"jitter" yaml:"jitter"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook" split_words:"true"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	// Port of the /metrics listener; 0 disables it
	Port int `toml:"port" yaml:"port"`
}

// ScheduleConfig holds settings for repeated runs
type ScheduleConfig struct {
	Cron string `toml:"cron" yaml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Mint: MintConfig{
			AmountPerAccount: 1,
			Network:          "base",
			Scheme:           "exact",
			X402Version:      1,
			RequestTimeout:   Duration(10 * time.Second),
			ValidFor:         Duration(15 * time.Minute),
		},
		Run: RunConfig{
			MaxConcurrency: 10,
			OutputDir:      ".",
		},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   Duration(retry.DefaultBaseDelay),
			MaxDelay:    Duration(retry.DefaultMaxDelay),
			Jitter:      retry.DefaultJitter,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to defaults,
// then applies X402_* environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	// Expand paths
	cfg.Accounts.KeysFile = ExpandPath(cfg.Accounts.KeysFile)
	cfg.Run.OutputDir = ExpandPath(cfg.Run.OutputDir)

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// ResolvePath picks the config file: the flag value, then X402_CONFIG, then the default location
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandPath(flag)
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return ExpandPath(env)
	}
	return DefaultConfigPath()
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Mint.URL == "" {
		errs = append(errs, errors.New("mint.url is required"))
	} else if u, err := url.Parse(c.Mint.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("mint.url %q is not an http(s) URL", c.Mint.URL))
	}
	if c.Mint.AmountPerAccount <= 0 {
		errs = append(errs, fmt.Errorf("mint.amount_per_account must be positive, got %d", c.Mint.AmountPerAccount))
	}
	if c.Mint.RequestTimeout.D() <= 0 {
		errs = append(errs, fmt.Errorf("mint.request_timeout must be positive, got %s", c.Mint.RequestTimeout))
	}
	if c.Mint.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("mint.rate_limit must not be negative, got %g", c.Mint.RateLimit))
	}

	if accounts, err := c.ResolveAccounts(); err != nil {
		errs = append(errs, err)
	} else if len(accounts) == 0 {
		errs = append(errs, errors.New("no accounts configured: set accounts.private_keys or accounts.keys_file"))
	}

	if c.Run.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("run.max_concurrency must be positive, got %d", c.Run.MaxConcurrency))
	}
	if c.Run.MaxDuration.D() < 0 {
		errs = append(errs, fmt.Errorf("run.max_duration must not be negative, got %s", c.Run.MaxDuration))
	}

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ResolveAccounts resolves the ordered account list from inline keys followed by the keys file.
// Malformed keys are kept; their tasks fail with invalid_credential.
func (c *Config) ResolveAccounts() ([]domain.Account, error) {
	keys := make([]string, 0, len(c.Accounts.PrivateKeys))
	for _, k := range c.Accounts.PrivateKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	if c.Accounts.KeysFile != "" {
		fileKeys, err := readKeysFile(c.Accounts.KeysFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}

	accounts := make([]domain.Account, len(keys))
	for i, k := range keys {
		accounts[i] = domain.NewAccount(i, k, wallet.AddressOf(k))
	}
	return accounts, nil
}

// readKeysFile reads one key per line, skipping blank lines and # comments
func readKeysFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts.keys_file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading accounts.keys_file: %w", err)
	}
	return keys, nil
}

// Endpoint returns the shared endpoint configuration for tasks
func (c *Config) Endpoint() domain.Endpoint {
	return domain.Endpoint{
		URL:              c.Mint.URL,
		Network:          c.Mint.Network,
		Scheme:           c.Mint.Scheme,
		X402Version:      c.Mint.X402Version,
		AmountPerAccount: c.Mint.AmountPerAccount,
		RequestTimeout:   c.Mint.RequestTimeout.D(),
		ValidFor:         c.Mint.ValidFor.D(),
	}
}

// Policy returns the retry policy
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.D(),
		MaxDelay:    c.Retry.MaxDelay.D(),
		Jitter:      c.Retry.Jitter,
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "x402-mint", "config.toml")
}
