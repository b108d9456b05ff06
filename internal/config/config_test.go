package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testWallet(t *testing.T) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func noEnv(string) (string, bool) { return "", false }

func TestParseDefaultsAndDurations(t *testing.T) {
	wallet := testWallet(t)
	raw := `
wallet_address: "` + wallet + `"
private_key: "0x` + testKey + `"
api_base: https://api.example.org/
eth_node_url: http://127.0.0.1:8545
contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
exec_timeout: 15m
poll_min: 2
poll_max: "4.5"
poll_limit: 10
`
	cfg, err := Parse([]byte(raw), noEnv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.APIBase != "https://api.example.org" {
		t.Fatalf("api_base not trimmed: %s", cfg.APIBase)
	}
	if cfg.NodeID != wallet || cfg.Country != "N/A" || cfg.Hardware != "N/A" {
		t.Fatalf("identity defaults wrong: %+v", cfg)
	}
	if cfg.ExecTimeout.D() != 15*time.Minute {
		t.Fatalf("exec_timeout = %s", cfg.ExecTimeout.D())
	}
	if cfg.PollMin.D() != 2*time.Second || cfg.PollMax.D() != 4500*time.Millisecond {
		t.Fatalf("poll range = [%s, %s]", cfg.PollMin.D(), cfg.PollMax.D())
	}
	if cfg.ClaimMin.D() != 0 || cfg.ClaimMax.D() != 3*time.Second {
		t.Fatalf("claim range = [%s, %s]", cfg.ClaimMin.D(), cfg.ClaimMax.D())
	}
	if cfg.JournalDir != ".node-state" || cfg.Interpreter != "python" || cfg.EligibilityKey != "wallet" {
		t.Fatalf("defaults wrong: %+v", cfg)
	}

	cc := cfg.Coordinator(nil)
	if cc.PollLimit != 10 || cc.PollDelay.Max != 4500*time.Millisecond || cc.SandboxRoot != "sandbox" {
		t.Fatalf("coordinator config = %+v", cc)
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"api_base": "http://b", "node_id": "n-1", "claim_max": 1}`), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeID != "n-1" || cfg.ClaimMax.D() != time.Second {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"RANDOM_POLL_MIN":  "1",
		"RANDOM_POLL_MAX":  "2.5",
		"RANDOM_CLAIM_MAX": "0.5",
		"NODE_API_BASE":    "http://override",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := Parse([]byte(`api_base: http://file`), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIBase != "http://override" {
		t.Fatalf("api_base = %s", cfg.APIBase)
	}
	if cfg.PollMin.D() != time.Second || cfg.PollMax.D() != 2500*time.Millisecond || cfg.ClaimMax.D() != 500*time.Millisecond {
		t.Fatalf("env ranges not applied: %+v", cfg)
	}

	env["RANDOM_POLL_MIN"] = "soon"
	if _, err := Parse([]byte(`api_base: http://file`), lookup); err == nil {
		t.Fatal("expected error for non-numeric override")
	}
}

func TestValidate(t *testing.T) {
	wallet := testWallet(t)
	base := func() Config {
		c := Defaults()
		c.WalletAddress = wallet
		c.PrivateKey = testKey
		c.APIBase = "http://b"
		c.EthNodeURL = "http://e"
		c.ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
		return c
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		dryRun  bool
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing rpc", mutate: func(c *Config) { c.EthNodeURL = "" }, wantErr: "eth_node_url"},
		{name: "dry run without chain settings", mutate: func(c *Config) {
			c.EthNodeURL, c.ContractAddress, c.PrivateKey, c.WalletAddress = "", "", "", ""
		}, dryRun: true},
		{name: "dry run still needs backend", mutate: func(c *Config) { c.APIBase = "" }, dryRun: true, wantErr: "api_base"},
		{name: "key mismatch", mutate: func(c *Config) { c.WalletAddress = "0x0000000000000000000000000000000000000001" }, wantErr: "does not belong"},
		{name: "bad key", mutate: func(c *Config) { c.PrivateKey = "zz" }, wantErr: "private_key"},
		{name: "inverted poll range", mutate: func(c *Config) { c.PollMin = Duration(20 * time.Second) }, wantErr: "poll delay"},
		{name: "bad eligibility key", mutate: func(c *Config) { c.EligibilityKey = "email" }, wantErr: "eligibility_key"},
		{name: "wasm memory over 4GiB", mutate: func(c *Config) { c.WasmMemoryPages = 65537 }, wantErr: "wasm_memory_pages"},
		{name: "bad contract", mutate: func(c *Config) { c.ContractAddress = "JobLogger" }, wantErr: "contract_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate(tt.dryRun)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("api_base: http://b\nstatus_addr: 127.0.0.1:9102\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StatusAddr != "127.0.0.1:9102" {
		t.Fatalf("status_addr = %q", cfg.StatusAddr)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExecutorFromConfig(t *testing.T) {
	cfg, err := Parse([]byte("api_base: http://b\nexec_timeout: 30\ninterpreter: python3\nwasm_memory_pages: 256\n"), noEnv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := cfg.Executor()
	if e.WasmMemoryPages != 256 {
		t.Fatalf("WasmMemoryPages = %d, want 256", e.WasmMemoryPages)
	}
	if e.Timeout != 30*time.Second || e.Interpreter != "python3" {
		t.Fatalf("executor = %+v", e)
	}

	if def := Defaults(); def.Executor().WasmMemoryPages != 0 {
		t.Fatal("default config must keep the runtime memory limit")
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte(`exec_timeout: forever`), noEnv); err == nil {
		t.Fatal("expected error")
	}
}
