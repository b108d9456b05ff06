// Package config loads the node configuration file.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"sigs.k8s.io/yaml"

	"jobnode/internal/adapters/ipfs"
	"jobnode/internal/coordinator"
	"jobnode/internal/heartbeat"
	"jobnode/internal/sandbox"
)

// maxWasmPages is the 4GiB limit of a 32-bit wasm address space.
const maxWasmPages = 65536

// Duration accepts either a Go duration string ("15m") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		if secs, err := strconv.ParseFloat(unq, 64); err == nil {
			*d = Duration(seconds(secs))
			return nil
		}
		parsed, err := time.ParseDuration(unq)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", unq, err)
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(seconds(secs))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Config mirrors the node configuration file.
type Config struct {
	WalletAddress   string `json:"wallet_address"`
	PrivateKey      string `json:"private_key"`
	NodeID          string `json:"node_id"`
	Country         string `json:"country"`
	Hardware        string `json:"hardware"`
	APIBase         string `json:"api_base"`
	APIKey          string `json:"api_key"`
	EthNodeURL      string `json:"eth_node_url"`
	ContractAddress string `json:"contract_address"`
	ABIPath         string `json:"abi_path"`
	ChainID         int64  `json:"chain_id"`
	PollLimit       int    `json:"poll_limit"`

	IPFSGateway    string `json:"ipfs_gateway"`
	SandboxDir     string `json:"sandbox_dir"`
	Interpreter    string `json:"interpreter"`
	EligibilityKey string `json:"eligibility_key"`

	// WasmMemoryPages caps wasm model memory in 64KiB pages; 0 keeps the runtime default.
	WasmMemoryPages uint32 `json:"wasm_memory_pages"`

	ExecTimeout     Duration `json:"exec_timeout"`
	PollMin         Duration `json:"poll_min"`
	PollMax         Duration `json:"poll_max"`
	ClaimMin        Duration `json:"claim_min"`
	ClaimMax        Duration `json:"claim_max"`
	HeartbeatPeriod Duration `json:"heartbeat_period"`
	ReceiptTimeout  Duration `json:"receipt_timeout"`

	JournalDir       string `json:"journal_dir"`
	JournalRedisAddr string `json:"journal_redis_addr"`
	StatusAddr       string `json:"status_addr"`
}

// Defaults returns a Config with every optional key at its default.
func Defaults() Config {
	return Config{
		Country:         "N/A",
		Hardware:        "N/A",
		IPFSGateway:     ipfs.DefaultGateway,
		SandboxDir:      "sandbox",
		Interpreter:     sandbox.DefaultInterpreter,
		EligibilityKey:  "wallet",
		ExecTimeout:     Duration(sandbox.DefaultTimeout),
		PollMin:         Duration(5 * time.Second),
		PollMax:         Duration(11 * time.Second),
		ClaimMin:        0,
		ClaimMax:        Duration(3 * time.Second),
		HeartbeatPeriod: Duration(heartbeat.DefaultPeriod),
		ReceiptTimeout:  Duration(5 * time.Minute),
		JournalDir:      ".node-state",
	}
}

// Load reads path (YAML or JSON) over the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data over the defaults; lookup supplies environment overrides.
func Parse(data []byte, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	secs := map[string]*Duration{
		"RANDOM_POLL_MIN":  &c.PollMin,
		"RANDOM_POLL_MAX":  &c.PollMax,
		"RANDOM_CLAIM_MIN": &c.ClaimMin,
		"RANDOM_CLAIM_MAX": &c.ClaimMax,
	}
	for name, dst := range secs {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number of seconds", name, v)
		}
		*dst = Duration(seconds(f))
	}
	strs := map[string]*string{
		"NODE_API_BASE":     &c.APIBase,
		"NODE_ETH_URL":      &c.EthNodeURL,
		"NODE_IPFS_GATEWAY": &c.IPFSGateway,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.WalletAddress = strings.TrimSpace(c.WalletAddress)
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if c.NodeID == "" {
		c.NodeID = c.WalletAddress
	}
	if c.Country == "" {
		c.Country = "N/A"
	}
	if c.Hardware == "" {
		c.Hardware = "N/A"
	}
	c.EligibilityKey = strings.ToLower(strings.TrimSpace(c.EligibilityKey))
}

// Validate checks required keys. A dry run needs only the backend and may
// omit the wallet and key, in which case an ephemeral key is generated.
func (c *Config) Validate(dryRun bool) error {
	var errs []error
	if c.APIBase == "" {
		errs = append(errs, errors.New("api_base is required"))
	}
	if !dryRun {
		for key, v := range map[string]string{
			"wallet_address":   c.WalletAddress,
			"private_key":      c.PrivateKey,
			"eth_node_url":     c.EthNodeURL,
			"contract_address": c.ContractAddress,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required", key))
			}
		}
		if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
			errs = append(errs, fmt.Errorf("contract_address %q is not a hex address", c.ContractAddress))
		}
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		errs = append(errs, fmt.Errorf("wallet_address %q is not a hex address", c.WalletAddress))
	}
	if c.PrivateKey != "" {
		key, err := c.Key()
		switch {
		case err != nil:
			errs = append(errs, err)
		case c.WalletAddress != "" && crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(c.WalletAddress):
			errs = append(errs, fmt.Errorf("private_key does not belong to wallet_address %s", c.WalletAddress))
		}
	}
	if c.PollMin < 0 || c.PollMin > c.PollMax {
		errs = append(errs, fmt.Errorf("poll delay range [%s, %s] is invalid", c.PollMin.D(), c.PollMax.D()))
	}
	if c.ClaimMin < 0 || c.ClaimMin > c.ClaimMax {
		errs = append(errs, fmt.Errorf("claim delay range [%s, %s] is invalid", c.ClaimMin.D(), c.ClaimMax.D()))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, errors.New("exec_timeout must be positive"))
	}
	if c.WasmMemoryPages > maxWasmPages {
		errs = append(errs, fmt.Errorf("wasm_memory_pages must be at most %d, got %d", maxWasmPages, c.WasmMemoryPages))
	}
	if c.PollLimit < 0 {
		errs = append(errs, errors.New("poll_limit must not be negative"))
	}
	if c.EligibilityKey != "wallet" && c.EligibilityKey != "node_id" {
		errs = append(errs, fmt.Errorf("eligibility_key must be wallet or node_id, got %q", c.EligibilityKey))
	}
	return errors.Join(errs...)
}

// Key parses the hex private key, with or without a 0x prefix.
func (c *Config) Key() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(c.PrivateKey, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("private_key: %w", err)
	}
	return key, nil
}

// Executor builds the sandboxed executor from the execution keys.
func (c *Config) Executor() *sandbox.Executor {
	e := sandbox.NewExecutor(c.ExecTimeout.D(), c.Interpreter)
	e.WasmMemoryPages = c.WasmMemoryPages
	return e
}

// Coordinator maps the file onto coordinator tunables.
func (c *Config) Coordinator(log coordinator.Logger) coordinator.Config {
	return coordinator.Config{
		SandboxRoot:    c.SandboxDir,
		PollDelay:      coordinator.Range{Min: c.PollMin.D(), Max: c.PollMax.D()},
		ClaimDelay:     coordinator.Range{Min: c.ClaimMin.D(), Max: c.ClaimMax.D()},
		PollLimit:      c.PollLimit,
		EligibilityKey: c.EligibilityKey,
		Log:            log,
	}
}
