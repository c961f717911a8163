// Package config loads orderpay.Config for the binaries.
//
// Sources are applied in order, later ones winning:
//
//  1. a YAML file (optional)
//  2. a .env file, which only fills variables not already set
//  3. ORDERPAY_* environment variables
//
// Defaults are applied last and the result is validated.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	orderpay "github.com/x402-foundation/orderpay"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ORDERPAY_"

// Environment variable names
const (
	EnvConfirmations     = EnvPrefix + "CONFIRMATIONS"
	EnvSettlementTimeout = EnvPrefix + "SETTLEMENT_TIMEOUT"
	EnvPollInterval      = EnvPrefix + "POLL_INTERVAL"
	EnvMaxBackoff        = EnvPrefix + "MAX_BACKOFF"
	EnvContractAddress   = EnvPrefix + "CONTRACT_ADDRESS"
	EnvRPCURL            = EnvPrefix + "RPC_URL"
	EnvChainID           = EnvPrefix + "CHAIN_ID"
	EnvRPCRateLimit      = EnvPrefix + "RPC_RATE_LIMIT"
	EnvOrderStoreURL     = EnvPrefix + "ORDER_STORE_URL"
	EnvStoreDriver       = EnvPrefix + "STORE_DRIVER"
	EnvStoreDSN          = EnvPrefix + "STORE_DSN"
	EnvListenAddr        = EnvPrefix + "LISTEN_ADDR"
	EnvDecisionCacheTTL  = EnvPrefix + "DECISION_CACHE_TTL"
	EnvRedeliverInterval = EnvPrefix + "REDELIVER_INTERVAL"
	EnvDev               = EnvPrefix + "DEV"

	// EnvPayerKey holds the payer private key for the CLI; it is never read
	// from YAML.
	EnvPayerKey = EnvPrefix + "PAYER_KEY"
)

type options struct {
	envFile  string
	lookup   func(string) (string, bool)
	validate bool
}

// Option configures Load
type Option func(*options)

// WithEnvFile loads variables from the given file instead of ./.env
func WithEnvFile(path string) Option {
	return func(o *options) {
		o.envFile = path
	}
}

// WithLookup replaces os.LookupEnv, mainly for tests
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(o *options) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

// WithoutValidation skips Config.Validate, for tools that only need part of
// the configuration
func WithoutValidation() Option {
	return func(o *options) {
		o.validate = false
	}
}

// Load reads the configuration. path may be empty to skip the YAML file.
func Load(path string, opts ...Option) (orderpay.Config, error) {
	o := options{envFile: ".env", lookup: os.LookupEnv, validate: true}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg orderpay.Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %q: %w", o.envFile, err)
		}
	}

	if err := applyEnv(&cfg, o.lookup); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()
	if o.validate {
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// applyEnv overrides cfg with every ORDERPAY_* variable that is set
func applyEnv(cfg *orderpay.Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	integer(EnvConfirmations, &cfg.ConfirmationsRequired)
	duration(EnvSettlementTimeout, &cfg.SettlementTimeout)
	duration(EnvPollInterval, &cfg.PollInterval)
	duration(EnvMaxBackoff, &cfg.MaxBackoff)
	str(EnvContractAddress, &cfg.ContractAddress)
	str(EnvRPCURL, &cfg.RPCURL)
	str(EnvOrderStoreURL, &cfg.OrderStoreURL)
	str(EnvStoreDriver, &cfg.StoreDriver)
	str(EnvStoreDSN, &cfg.StoreDSN)
	str(EnvListenAddr, &cfg.ListenAddr)
	duration(EnvDecisionCacheTTL, &cfg.DecisionCacheTTL)
	duration(EnvRedeliverInterval, &cfg.RedeliverInterval)

	if v, ok := lookup(EnvChainID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvChainID, err))
		} else {
			cfg.ChainID = id
		}
	}
	if v, ok := lookup(EnvRPCRateLimit); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRPCRateLimit, err))
		} else {
			cfg.RPCRateLimit = rate
		}
	}
	if v, ok := lookup(EnvDev); ok {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDev, err))
		} else {
			cfg.Dev = dev
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}
