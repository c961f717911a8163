package orderpay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Defaults applied by ApplyDefaults
const (
	DefaultConfirmationsRequired = 12
	DefaultSettlementTimeout     = 30 * time.Minute
	DefaultPollInterval          = 4 * time.Second
	DefaultMaxBackoff            = time.Minute
	DefaultRPCRateLimit          = 20 // requests per second across all settlements
	DefaultDecisionCacheTTL      = 10 * time.Minute
	DefaultRedeliverInterval     = time.Minute
	DefaultListenAddr            = ":4021"
	DefaultStoreDriver           = "sqlite"
)

// Config validation errors
var (
	ErrInvalidConfirmations = errors.New("orderpay: confirmations required must be at least 1")
	ErrInvalidTimeout       = errors.New("orderpay: settlement timeout must be positive")
	ErrInvalidPollInterval  = errors.New("orderpay: poll interval must be positive and below the settlement timeout")
	ErrMissingContract      = errors.New("orderpay: contract address is required")
	ErrMissingRPCURL        = errors.New("orderpay: rpc url is required")
)

// Config holds operator-facing settlement settings
type Config struct {
	ConfirmationsRequired int           `yaml:"confirmationsRequired"`
	SettlementTimeout     time.Duration `yaml:"settlementTimeout"`
	PollInterval          time.Duration `yaml:"pollInterval"`
	MaxBackoff            time.Duration `yaml:"maxBackoff"`

	// Chain
	ContractAddress string  `yaml:"contractAddress"`
	RPCURL          string  `yaml:"rpcUrl"`
	ChainID         int64   `yaml:"chainId"`
	RPCRateLimit    float64 `yaml:"rpcRateLimit"`

	// Collaborators
	OrderStoreURL string `yaml:"orderStoreUrl"`
	StoreDriver   string `yaml:"storeDriver"` // memory, sqlite, postgres, redis
	StoreDSN      string `yaml:"storeDsn"`

	ListenAddr       string        `yaml:"listenAddr"`
	DecisionCacheTTL time.Duration `yaml:"decisionCacheTtl"`

	// RedeliverInterval paces background redelivery of decisions the order
	// store has not acknowledged
	RedeliverInterval time.Duration `yaml:"redeliverInterval"`

	// Dev runs against the in-process chain; chain settings are not required
	Dev bool `yaml:"dev"`
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.ConfirmationsRequired == 0 {
		c.ConfirmationsRequired = DefaultConfirmationsRequired
	}
	if c.SettlementTimeout == 0 {
		c.SettlementTimeout = DefaultSettlementTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.RPCRateLimit == 0 {
		c.RPCRateLimit = DefaultRPCRateLimit
	}
	if c.DecisionCacheTTL == 0 {
		c.DecisionCacheTTL = DefaultDecisionCacheTTL
	}
	if c.RedeliverInterval == 0 {
		c.RedeliverInterval = DefaultRedeliverInterval
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.StoreDriver == "" {
		c.StoreDriver = DefaultStoreDriver
	}
}

// Validate checks the config for startup. It does not apply defaults.
func (c *Config) Validate() error {
	if err := c.ValidateSettlement(); err != nil {
		return err
	}

	switch c.StoreDriver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("orderpay: unsupported store driver %q", c.StoreDriver)
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("orderpay: rpc rate limit must not be negative")
	}
	if c.StoreDriver != "memory" && c.StoreDSN == "" {
		return fmt.Errorf("orderpay: store dsn is required for driver %q", c.StoreDriver)
	}

	if c.OrderStoreURL != "" {
		u, err := url.Parse(c.OrderStoreURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("orderpay: invalid order store url %q", c.OrderStoreURL)
		}
	}

	if c.Dev {
		return nil
	}
	if c.ContractAddress == "" {
		return ErrMissingContract
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("orderpay: invalid contract address %q", c.ContractAddress)
	}
	if common.HexToAddress(c.ContractAddress) == (common.Address{}) {
		return fmt.Errorf("orderpay: contract address must not be the zero address")
	}
	if strings.TrimSpace(c.RPCURL) == "" {
		return ErrMissingRPCURL
	}
	if c.ChainID < 0 {
		return fmt.Errorf("orderpay: invalid chain id %d", c.ChainID)
	}
	return nil
}

// ValidateSettlement checks only the settings the reconciler itself uses
func (c *Config) ValidateSettlement() error {
	if c.ConfirmationsRequired < 1 {
		return ErrInvalidConfirmations
	}
	if c.SettlementTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.PollInterval <= 0 || c.PollInterval >= c.SettlementTimeout {
		return ErrInvalidPollInterval
	}
	if c.MaxBackoff < c.PollInterval {
		return fmt.Errorf("orderpay: max backoff %s is below poll interval %s", c.MaxBackoff, c.PollInterval)
	}
	if c.RedeliverInterval < 0 {
		return fmt.Errorf("orderpay: redeliver interval must not be negative")
	}
	return nil
}
