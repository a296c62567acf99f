package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const testChain = `
native: BNB
wrapped_native: WBNB
tokens:
  WBNB:
    address: "0x00000000000000000000000000000000000000b1"
    decimals: 18
    pricing: {strategy: oracle, address: "0x00000000000000000000000000000000000000f1"}
  USDT:
    address: "0x00000000000000000000000000000000000000b2"
    decimals: 18
    pricing: {strategy: oracle, address: "0x00000000000000000000000000000000000000f2"}
  CAKE:
    address: "0x00000000000000000000000000000000000000b3"
    decimals: 18
    pricing:
      strategy: pool-ratio
      address: "0x00000000000000000000000000000000000000e1"
      quote: BNB
      index: 1
  XVS:
    address: "0x00000000000000000000000000000000000000b4"
    decimals: 18
    pricing:
      strategy: pool-ratio
      address: "0x00000000000000000000000000000000000000e2"
      quote: CAKE
lending:
  venus:
    comptroller: "0x00000000000000000000000000000000000000c1"
    lens: "0x00000000000000000000000000000000000000c2"
    reward_token: XVS
    pools:
      USDT: "0x00000000000000000000000000000000000000d1"
      BNB: "0x00000000000000000000000000000000000000d2"
liquidity:
  pancakeswap:
    master_chef: "0x00000000000000000000000000000000000000a1"
    reward_token: CAKE
    pairs:
      CAKE-WBNB: {address: "0x00000000000000000000000000000000000000e1", pid: 2}
    staking_pools:
      CAKE-XVS: "0x00000000000000000000000000000000000000a2"
`

func mustParse(t *testing.T, src string) *Chain {
	t.Helper()
	c, err := ParseChain([]byte(src))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

// --- Chain config tests ---

func TestParseChain(t *testing.T) {
	c := mustParse(t, testChain)

	if len(c.Tokens) != 4 {
		t.Errorf("expected 4 tokens, got %d", len(c.Tokens))
	}
	if got := c.Liquidity["pancakeswap"].Pairs["CAKE-WBNB"].PID; got != 2 {
		t.Errorf("expected pid 2, got %d", got)
	}
	names := c.ProtocolNames()
	if len(names) != 2 || names[0] != "pancakeswap" || names[1] != "venus" {
		t.Errorf("unexpected protocol names %v", names)
	}
}

func TestChain_NativeUsesWrappedConfig(t *testing.T) {
	c := mustParse(t, testChain)

	bnb, ok := c.Token("BNB")
	if !ok {
		t.Fatal("native token should resolve")
	}
	if bnb != c.Tokens["WBNB"] {
		t.Error("native token should use the wrapped token config")
	}

	strategies := c.Strategies()
	if strategies["BNB"] != StrategyOracle {
		t.Errorf("BNB strategy: expected oracle, got %q", strategies["BNB"])
	}
	if strategies["CAKE"] != StrategyPoolRatio {
		t.Errorf("CAKE strategy: expected pool-ratio, got %q", strategies["CAKE"])
	}
	if len(strategies) != 5 {
		t.Errorf("expected 5 priceable symbols, got %d", len(strategies))
	}
}

func TestParseChain_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(string) string
		wantErr error
	}{
		{
			name:    "unknown strategy",
			edit:    func(s string) string { return strings.Replace(s, "strategy: oracle", "strategy: chainlink", 1) },
			wantErr: ErrUnknownStrategy,
		},
		{
			name:    "unknown quote",
			edit:    func(s string) string { return strings.Replace(s, "quote: CAKE", "quote: DOGE", 1) },
			wantErr: ErrUnknownToken,
		},
		{
			name:    "unknown lending pool",
			edit:    func(s string) string { return strings.Replace(s, "      USDT: \"0x", "      DAI: \"0x", 1) },
			wantErr: ErrUnknownToken,
		},
		{
			name:    "bad pair key",
			edit:    func(s string) string { return strings.Replace(s, "CAKE-WBNB:", "CAKEWBNB:", 1) },
			wantErr: ErrBadPairSymbol,
		},
		{
			name:    "pair with itself",
			edit:    func(s string) string { return strings.Replace(s, "CAKE-WBNB:", "CAKE-CAKE:", 1) },
			wantErr: ErrBadPairSymbol,
		},
		{
			name:    "bad address",
			edit:    func(s string) string { return strings.Replace(s, "0x00000000000000000000000000000000000000c1", "nope", 1) },
			wantErr: ErrInvalidChain,
		},
		{
			name:    "unknown field",
			edit:    func(s string) string { return s + "extra: true\n" },
			wantErr: ErrInvalidChain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChain([]byte(tt.edit(testChain)))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseChain_PricingCycle(t *testing.T) {
	// CAKE quotes BNB (via WBNB); make WBNB quote XVS, which quotes CAKE.
	src := strings.Replace(testChain,
		`pricing: {strategy: oracle, address: "0x00000000000000000000000000000000000000f1"}`,
		`pricing: {strategy: pool-ratio, address: "0x00000000000000000000000000000000000000e3", quote: XVS}`,
		1)

	_, err := ParseChain([]byte(src))
	if !errors.Is(err, ErrPricingCycle) {
		t.Fatalf("expected ErrPricingCycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "CAKE -> WBNB -> XVS -> CAKE") {
		t.Errorf("cycle should be named in the error, got %q", err)
	}
}

func TestParseChain_SelfQuote(t *testing.T) {
	src := strings.Replace(testChain, "quote: CAKE", "quote: XVS", 1)
	if _, err := ParseChain([]byte(src)); !errors.Is(err, ErrPricingCycle) {
		t.Errorf("expected ErrPricingCycle, got %v", err)
	}
}

func TestLoadChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(testChain), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChain(path); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := LoadChain(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSplitPair(t *testing.T) {
	a, b, err := SplitPair("CAKE-WBNB")
	if err != nil || a != "CAKE" || b != "WBNB" {
		t.Errorf("got %q %q %v", a, b, err)
	}
	for _, bad := range []string{"CAKE", "-WBNB", "CAKE-", "A-B-C"} {
		if _, _, err := SplitPair(bad); !errors.Is(err, ErrBadPairSymbol) {
			t.Errorf("%q: expected ErrBadPairSymbol, got %v", bad, err)
		}
	}
}

// --- Environment tests ---

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for _, k := range []string{"PORT", "RPC_URL", "FUND_ADDRESS", "CHAIN_CONFIG", "REDIS_URL", "RESOLVE_TIMEOUT", "REPORT_CACHE_TTL", "LOG_LEVEL"} {
		t.Setenv(k, kv[k])
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{
		"RPC_URL":      "http://localhost:8545",
		"FUND_ADDRESS": "0x00000000000000000000000000000000000000f0",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.ResolveTimeout != 10*time.Second {
		t.Errorf("expected 10s resolve timeout, got %s", cfg.ResolveTimeout)
	}
	if cfg.ReportCacheTTL != 0 {
		t.Errorf("report cache should be off by default, got %s", cfg.ReportCacheTTL)
	}
	if cfg.FundAddress != common.HexToAddress("0xf0") {
		t.Errorf("unexpected fund address %s", cfg.FundAddress.Hex())
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"PORT":             "9000",
		"RPC_URL":          "http://localhost:8545",
		"FUND_ADDRESS":     "0x00000000000000000000000000000000000000f0",
		"RESOLVE_TIMEOUT":  "250ms",
		"REPORT_CACHE_TTL": "15s",
		"LOG_LEVEL":        "debug",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9000" || cfg.ResolveTimeout != 250*time.Millisecond || cfg.ReportCacheTTL != 15*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel.String() != "DEBUG" {
		t.Errorf("expected DEBUG level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing rpc", map[string]string{"FUND_ADDRESS": "0x00000000000000000000000000000000000000f0"}},
		{"missing fund", map[string]string{"RPC_URL": "http://x"}},
		{"bad fund", map[string]string{"RPC_URL": "http://x", "FUND_ADDRESS": "fund"}},
		{"bad timeout", map[string]string{"RPC_URL": "http://x", "FUND_ADDRESS": "0x00000000000000000000000000000000000000f0", "RESOLVE_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
