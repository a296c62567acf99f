package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Pricing strategy ids.
const (
	StrategyOracle    = "oracle"
	StrategyPoolRatio = "pool-ratio"
)

const maxTokenDecimals = 77

var (
	ErrInvalidChain    = errors.New("config: invalid chain config")
	ErrUnknownToken    = errors.New("config: unknown token")
	ErrUnknownStrategy = errors.New("config: unknown pricing strategy")
	ErrPricingCycle    = errors.New("config: circular pricing dependency")
	ErrBadPairSymbol   = errors.New("config: pair key must be SYMBOL-SYMBOL")

	knownStrategies = map[string]bool{StrategyOracle: true, StrategyPoolRatio: true}
)

func invalidAddress(field, v string) error {
	return fmt.Errorf("%w: %s %q is not an address", ErrInvalidChain, field, v)
}

// Pricing selects and parameterises a token's pricing strategy.
//
// For "oracle", Address is the price feed aggregator. For "pool-ratio",
// Address is the AMM pair, Quote the symbol the pair prices against and
// Index the token's position (0 or 1) in the pair.
type Pricing struct {
	Strategy string `yaml:"strategy"`
	Address  string `yaml:"address"`
	Quote    string `yaml:"quote,omitempty"`
	Index    int    `yaml:"index,omitempty"`
}

// Token is one ERC-20 token.
type Token struct {
	Address  string  `yaml:"address"`
	Decimals int     `yaml:"decimals"`
	Pricing  Pricing `yaml:"pricing"`
}

// Addr returns the token address.
func (t Token) Addr() common.Address { return common.HexToAddress(t.Address) }

// Lending configures a Compound-style lending protocol.
type Lending struct {
	Comptroller string            `yaml:"comptroller"`
	Lens        string            `yaml:"lens"`
	RewardToken string            `yaml:"reward_token"`
	Pools       map[string]string `yaml:"pools"` // underlying symbol → market address
}

// Pair is an AMM pair and its farm pool id in the master chef.
type Pair struct {
	Address string `yaml:"address"`
	PID     int64  `yaml:"pid"`
}

// Liquidity configures an AMM with LP farming and staking pools.
type Liquidity struct {
	MasterChef   string            `yaml:"master_chef"`
	RewardToken  string            `yaml:"reward_token"`
	Pairs        map[string]Pair   `yaml:"pairs"`         // "A-B" → pair
	StakingPools map[string]string `yaml:"staking_pools"` // "STAKED-REWARD" → pool address
}

// Chain is the chain configuration file.
type Chain struct {
	// Native is the symbol of the gas token. It is priced and sized with the
	// WrappedNative token's configuration.
	Native        string               `yaml:"native"`
	WrappedNative string               `yaml:"wrapped_native"`
	Tokens        map[string]Token     `yaml:"tokens"`
	Lending       map[string]Lending   `yaml:"lending"`
	Liquidity     map[string]Liquidity `yaml:"liquidity"`
}

// LoadChain reads and validates the chain configuration at path.
func LoadChain(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read chain config: %w", err)
	}
	return ParseChain(data)
}

// ParseChain decodes and validates a chain configuration. Unknown fields
// are rejected.
func ParseChain(data []byte) (*Chain, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Chain
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Token returns the configuration of symbol. The native symbol resolves to
// its wrapped token.
func (c *Chain) Token(symbol string) (Token, bool) {
	if c.Native != "" && symbol == c.Native {
		symbol = c.WrappedNative
	}
	t, ok := c.Tokens[symbol]
	return t, ok
}

// Symbols returns every priceable symbol, native included, sorted.
func (c *Chain) Symbols() []string {
	symbols := make([]string, 0, len(c.Tokens)+1)
	for s := range c.Tokens {
		symbols = append(symbols, s)
	}
	if c.Native != "" {
		if _, ok := c.Tokens[c.Native]; !ok {
			symbols = append(symbols, c.Native)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Strategies maps every symbol to its pricing strategy id.
func (c *Chain) Strategies() map[string]string {
	out := make(map[string]string, len(c.Tokens)+1)
	for _, s := range c.Symbols() {
		t, _ := c.Token(s)
		out[s] = t.Pricing.Strategy
	}
	return out
}

// ProtocolNames returns the names of every configured protocol, sorted.
func (c *Chain) ProtocolNames() []string {
	names := make([]string, 0, len(c.Lending)+len(c.Liquidity))
	for n := range c.Lending {
		names = append(names, n)
	}
	for n := range c.Liquidity {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SplitPair splits a "A-B" key into its two symbols.
func SplitPair(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, "-")
	if !ok || a == "" || b == "" || strings.Contains(b, "-") {
		return "", "", fmt.Errorf("%w: %q", ErrBadPairSymbol, key)
	}
	return a, b, nil
}

// Validate checks addresses, token references and pricing strategies, and
// rejects pool-ratio quote chains that loop back on themselves. Such loops
// would otherwise only surface as resolve timeouts at request time.
func (c *Chain) Validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("%w: no tokens", ErrInvalidChain)
	}
	if c.Native != "" {
		if _, ok := c.Tokens[c.WrappedNative]; !ok {
			return fmt.Errorf("%w: wrapped native %q for %s", ErrUnknownToken, c.WrappedNative, c.Native)
		}
	}

	for symbol, t := range c.Tokens {
		if err := c.validateToken(symbol, t); err != nil {
			return err
		}
	}
	if err := c.checkCycles(); err != nil {
		return err
	}

	for name, l := range c.Lending {
		if err := c.validateLending(name, l); err != nil {
			return err
		}
	}
	for name, l := range c.Liquidity {
		if _, dup := c.Lending[name]; dup {
			return fmt.Errorf("%w: protocol %q configured twice", ErrInvalidChain, name)
		}
		if err := c.validateLiquidity(name, l); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) validateToken(symbol string, t Token) error {
	if !common.IsHexAddress(t.Address) {
		return invalidAddress(symbol+".address", t.Address)
	}
	if t.Decimals < 0 || t.Decimals > maxTokenDecimals {
		return fmt.Errorf("%w: %s.decimals %d out of range", ErrInvalidChain, symbol, t.Decimals)
	}

	p := t.Pricing
	if !knownStrategies[p.Strategy] {
		return fmt.Errorf("%w: %s uses %q", ErrUnknownStrategy, symbol, p.Strategy)
	}
	if !common.IsHexAddress(p.Address) {
		return invalidAddress(symbol+".pricing.address", p.Address)
	}
	if p.Strategy == StrategyPoolRatio {
		if _, ok := c.Token(p.Quote); !ok {
			return fmt.Errorf("%w: %s is quoted in %q", ErrUnknownToken, symbol, p.Quote)
		}
		if p.Index != 0 && p.Index != 1 {
			return fmt.Errorf("%w: %s.pricing.index must be 0 or 1", ErrInvalidChain, symbol)
		}
	}
	return nil
}

// checkCycles walks the quote graph depth first. Symbols are visited in
// sorted order so the reported cycle is deterministic.
func (c *Chain) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Tokens))
	var path []string

	var visit func(symbol string) error
	visit = func(symbol string) error {
		switch state[symbol] {
		case visiting:
			start := 0
			for i, s := range path {
				if s == symbol {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), symbol)
			return fmt.Errorf("%w: %s", ErrPricingCycle, strings.Join(cycle, " -> "))
		case done:
			return nil
		}

		state[symbol] = visiting
		path = append(path, symbol)
		if t, ok := c.Token(symbol); ok && t.Pricing.Strategy == StrategyPoolRatio {
			quote := t.Pricing.Quote
			if quote == c.Native {
				quote = c.WrappedNative
			}
			if err := visit(quote); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[symbol] = done
		return nil
	}

	symbols := make([]string, 0, len(c.Tokens))
	for s := range c.Tokens {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) requireToken(protocol, field, symbol string) error {
	if _, ok := c.Token(symbol); !ok {
		return fmt.Errorf("%w: %s.%s %q", ErrUnknownToken, protocol, field, symbol)
	}
	return nil
}

func (c *Chain) validateLending(name string, l Lending) error {
	if !common.IsHexAddress(l.Comptroller) {
		return invalidAddress(name+".comptroller", l.Comptroller)
	}
	if !common.IsHexAddress(l.Lens) {
		return invalidAddress(name+".lens", l.Lens)
	}
	if err := c.requireToken(name, "reward_token", l.RewardToken); err != nil {
		return err
	}
	for symbol, market := range l.Pools {
		if err := c.requireToken(name, "pools", symbol); err != nil {
			return err
		}
		if !common.IsHexAddress(market) {
			return invalidAddress(name+".pools."+symbol, market)
		}
	}
	return nil
}

func (c *Chain) validateLiquidity(name string, l Liquidity) error {
	if !common.IsHexAddress(l.MasterChef) {
		return invalidAddress(name+".master_chef", l.MasterChef)
	}
	if err := c.requireToken(name, "reward_token", l.RewardToken); err != nil {
		return err
	}
	for key, pair := range l.Pairs {
		a, b, err := SplitPair(key)
		if err != nil {
			return err
		}
		if a == b {
			return fmt.Errorf("%w: %q pairs a token with itself", ErrBadPairSymbol, key)
		}
		for _, s := range []string{a, b} {
			if err := c.requireToken(name, "pairs", s); err != nil {
				return err
			}
		}
		if !common.IsHexAddress(pair.Address) {
			return invalidAddress(name+".pairs."+key, pair.Address)
		}
	}
	for key, pool := range l.StakingPools {
		staked, reward, err := SplitPair(key)
		if err != nil {
			return err
		}
		for _, s := range []string{staked, reward} {
			if err := c.requireToken(name, "staking_pools", s); err != nil {
				return err
			}
		}
		if !common.IsHexAddress(pool) {
			return invalidAddress(name+".staking_pools."+key, pool)
		}
	}
	return nil
}
