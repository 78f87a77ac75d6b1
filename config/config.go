// Package config loads the facilitator configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// Environment variable names
const (
	EnvPrivateKey         = "EVM_PRIVATE_KEY"
	EnvDelegate           = "DELEGATE_CONTRACT_ADDRESS"
	EnvDelegatePrefix     = "DELEGATE_CONTRACT_ADDRESS_"
	EnvRPCURLsPrefix      = "RPC_URLS_"
	EnvLegacyRPCURL       = "EVM_RPC_URL"
	EnvLegacyChainID      = "EVM_CHAIN_ID"
	EnvHost               = "HOST"
	EnvPort               = "PORT"
	EnvLogLevel           = "LOG_LEVEL"
	EnvNonceStore         = "NONCE_STORE"
	EnvNonceDBPath        = "NONCE_DB_PATH"
	EnvSettlementCacheTTL = "SETTLEMENT_CACHE_TTL"
	EnvReceiptTimeout     = "RECEIPT_TIMEOUT"
)

// Nonce store kinds
const (
	NonceStoreMemory = "memory"
	NonceStoreSQLite = "sqlite"
)

// Config is the validated facilitator configuration
type Config struct {
	PrivateKey string `validate:"required,len=64,hexadecimal"`

	// GlobalDelegate applies to every chain without an override. Empty means unset.
	GlobalDelegate string `validate:"omitempty,eth_addr"`

	Chains []ChainConfig `validate:"required,min=1,dive"`

	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`

	NonceStore  string `validate:"oneof=memory sqlite"`
	NonceDBPath string `validate:"required_if=NonceStore sqlite"`

	// SettlementCacheTTL of zero disables the settlement cache
	SettlementCacheTTL time.Duration `validate:"gte=0"`
	ReceiptTimeout     time.Duration `validate:"gt=0"`
}

// ChainConfig describes one EVM chain the facilitator settles on
type ChainConfig struct {
	ChainID  uint64   `validate:"gt=0"`
	RPCURLs  []string `validate:"required,min=1,dive,url"`
	Delegate string   `validate:"omitempty,eth_addr"`
}

// ChainIDBig returns the chain id as a big.Int
func (c ChainConfig) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

var validate = validator.New()

// Load reads .env when present, then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return FromEnv(env)
}

// FromEnv builds and validates a Config from a set of environment variables
func FromEnv(env map[string]string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(env[key]); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		PrivateKey:     strings.TrimPrefix(get(EnvPrivateKey, ""), "0x"),
		GlobalDelegate: get(EnvDelegate, ""),
		Host:           get(EnvHost, "0.0.0.0"),
		LogLevel:       strings.ToLower(get(EnvLogLevel, "info")),
		NonceStore:     strings.ToLower(get(EnvNonceStore, NonceStoreMemory)),
		NonceDBPath:    get(EnvNonceDBPath, "nonces.db"),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(get(EnvPort, "4022")); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
	}
	if cfg.SettlementCacheTTL, err = time.ParseDuration(get(EnvSettlementCacheTTL, "10m")); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvSettlementCacheTTL, err)
	}
	if cfg.ReceiptTimeout, err = time.ParseDuration(get(EnvReceiptTimeout, evm.DefaultReceiptTimeout.String())); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvReceiptTimeout, err)
	}

	if cfg.Chains, err = chainsFromEnv(env); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// chainsFromEnv collects RPC_URLS_<chainId> entries plus the single-chain
// EVM_RPC_URL/EVM_CHAIN_ID form, then applies per-chain delegate overrides
func chainsFromEnv(env map[string]string) ([]ChainConfig, error) {
	byID := make(map[uint64]*ChainConfig)

	for key, value := range env {
		suffix, ok := strings.CutPrefix(key, EnvRPCURLsPrefix)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in %s", key)
		}
		urls := splitList(value)
		if len(urls) == 0 {
			continue
		}
		byID[id] = &ChainConfig{ChainID: id, RPCURLs: urls}
	}

	if url := strings.TrimSpace(env[EnvLegacyRPCURL]); url != "" {
		raw := strings.TrimSpace(env[EnvLegacyChainID])
		if raw == "" {
			return nil, fmt.Errorf("%s requires %s", EnvLegacyRPCURL, EnvLegacyChainID)
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvLegacyChainID, err)
		}
		if chain, ok := byID[id]; ok {
			chain.RPCURLs = append(chain.RPCURLs, url)
		} else {
			byID[id] = &ChainConfig{ChainID: id, RPCURLs: []string{url}}
		}
	}

	for key, value := range env {
		suffix, ok := strings.CutPrefix(key, EnvDelegatePrefix)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		id, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in %s", key)
		}
		chain, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%s set for chain %d which has no RPC endpoints", key, id)
		}
		chain.Delegate = strings.TrimSpace(value)
	}

	chains := make([]ChainConfig, 0, len(byID))
	for _, chain := range byID {
		chains = append(chains, *chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ChainID < chains[j].ChainID })
	return chains, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DelegateRegistry builds the delegate lookup for the configured chains. Every
// chain must resolve to a contract through its override, the global address or
// a known deployment.
func (c *Config) DelegateRegistry() (*evm.DelegateRegistry, error) {
	var global common.Address
	if c.GlobalDelegate != "" {
		global = common.HexToAddress(c.GlobalDelegate)
	}
	registry := evm.NewDelegateRegistry(global)

	for _, chain := range c.Chains {
		if chain.Delegate != "" {
			registry.SetOverride(chain.ChainIDBig(), common.HexToAddress(chain.Delegate))
		}
		if _, err := registry.Resolve(chain.ChainIDBig()); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
