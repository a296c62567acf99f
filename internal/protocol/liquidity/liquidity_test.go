package liquidity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/chain/chaintest"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/pricing/pool"
)

var (
	fund       = chaintest.Addr("f0")
	masterChef = chaintest.Addr("a1")
	smartChef  = chaintest.Addr("a2")
	cakePair   = chaintest.Addr("e1")
	usdtPair   = chaintest.Addr("e2")

	wbnb = chaintest.Addr("b1")
	usdt = chaintest.Addr("b2")
	cake = chaintest.Addr("b3")
	xvs  = chaintest.Addr("b4")
)

func testChain() *config.Chain {
	oracle := config.Pricing{Strategy: config.StrategyOracle, Address: chaintest.Addr("f1").Hex()}
	return &config.Chain{
		Native:        "BNB",
		WrappedNative: "WBNB",
		Tokens: map[string]config.Token{
			"WBNB": {Address: wbnb.Hex(), Decimals: 18, Pricing: oracle},
			"USDT": {Address: usdt.Hex(), Decimals: 6, Pricing: oracle},
			"CAKE": {Address: cake.Hex(), Decimals: 18, Pricing: oracle},
			"XVS":  {Address: xvs.Hex(), Decimals: 18, Pricing: oracle},
		},
	}
}

func testConfig() config.Liquidity {
	return config.Liquidity{
		MasterChef:  masterChef.Hex(),
		RewardToken: "CAKE",
		Pairs: map[string]config.Pair{
			"CAKE-WBNB": {Address: cakePair.Hex(), PID: 2},
			"USDT-WBNB": {Address: usdtPair.Hex(), PID: 3},
		},
		StakingPools: map[string]string{
			"CAKE-XVS": smartChef.Hex(),
		},
	}
}

// e18 encodes n whole tokens of an 18-decimal token.
func e18(n int64) chain.Word {
	return chaintest.Big(number.New(n, 0).Rescale(18).Value().String())
}

// testFake: the CAKE-WBNB pair holds 100 WBNB and 10000 CAKE against 1000
// LP tokens. The fund holds 10 LP, farms 40 and has 3 CAKE pending. It
// stakes 20 CAKE in the smart chef with 2 XVS pending. Nothing in USDT-WBNB.
// With wbnbFirst the pair lists WBNB as token0.
func testFake(wbnbFirst bool) *chaintest.Fake {
	fake := chaintest.New()
	f := chain.AddressWord(fund)

	fake.Set(cakePair, balanceOf, chaintest.Args(f), e18(10))
	fake.Set(masterChef, farmUserInfo, chaintest.Args(chaintest.Uint(2), f), e18(40), e18(7), chaintest.Uint(0))
	fake.Set(masterChef, pendingCake, chaintest.Args(chaintest.Uint(2), f), e18(3))
	fake.Set(cakePair, totalSupply, nil, e18(1000))
	if wbnbFirst {
		fake.Set(cakePair, token0, nil, chain.AddressWord(wbnb))
		fake.Set(cakePair, pool.GetReserves, nil, e18(100), e18(10000), chaintest.Uint(1700000000))
	} else {
		fake.Set(cakePair, token0, nil, chain.AddressWord(cake))
		fake.Set(cakePair, pool.GetReserves, nil, e18(10000), e18(100), chaintest.Uint(1700000000))
	}

	fake.Set(usdtPair, balanceOf, chaintest.Args(f), chaintest.Uint(0))
	fake.Set(masterChef, farmUserInfo, chaintest.Args(chaintest.Uint(3), f), chaintest.Uint(0), chaintest.Uint(0), chaintest.Uint(0))

	fake.Set(smartChef, stakeUserInfo, chaintest.Args(f), e18(20), e18(1))
	fake.Set(smartChef, pendingReward, chaintest.Args(f), e18(2))
	return fake
}

func newReader(fake *chaintest.Fake) *Reader {
	return NewReader("pancakeswap", fake, testChain(), testConfig(), fund, nil)
}

// fixedSource prices every symbol from a table.
type fixedSource map[string]number.Number

func (fixedSource) Strategy() string { return config.StrategyOracle }

func (s fixedSource) Price(_ context.Context, symbol string, _ number.LongShort, _ pricing.Resolver) (number.Number, error) {
	p, ok := s[symbol]
	if !ok {
		return number.Number{}, errors.New("no price for " + symbol)
	}
	return p, nil
}

func newResolver() pricing.Resolver {
	src := fixedSource{
		"WBNB": number.MustParse("300.00000000"),
		"CAKE": number.MustParse("3.00000000"),
		"XVS":  number.MustParse("5.00000000"),
	}
	return pricing.NewLazyResolver(pricing.NewRouter(testChain().Strategies(), src), 1, pricing.WithTimeout(time.Second))
}

func amount(s string) number.Number {
	return number.MustParse(s).Rescale(model.PositionDecimals)
}

// --- Report tests ---

func TestReport_Positions(t *testing.T) {
	report, err := newReader(testFake(true)).Report(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// CAKE: 500 from the pair, 3 pending, 20 staked.
	want := map[string]string{"WBNB": "5", "CAKE": "523", "XVS": "2"}
	if len(report.Positions) != len(want) {
		t.Fatalf("expected %d symbols, got %v", len(want), report.Positions.Symbols())
	}
	for symbol, a := range want {
		if got := report.Positions.Get(symbol); !got.Equal(number.Held(amount(a))) {
			t.Errorf("%s: expected %s, got %s", symbol, a, got.Net)
		}
	}
}

func TestReport_PairOrientation(t *testing.T) {
	for _, wbnbFirst := range []bool{true, false} {
		report, err := newReader(testFake(wbnbFirst)).Report(context.Background())
		if err != nil {
			t.Fatalf("wbnbFirst=%v: unexpected error: %v", wbnbFirst, err)
		}
		pair := report.Details.(*Details).Pairs["CAKE-WBNB"]
		if pair == nil {
			t.Fatalf("wbnbFirst=%v: missing pair", wbnbFirst)
		}

		checks := []struct {
			name string
			got  number.Number
			want string
		}{
			{"holding lp", pair.Holding[LPToken], "10"},
			{"holding WBNB", pair.Holding["WBNB"], "1"},
			{"holding CAKE", pair.Holding["CAKE"], "100"},
			{"farming WBNB", pair.Farming["WBNB"], "4"},
			{"farming CAKE", pair.Farming["CAKE"], "400"},
			{"total lp", pair.Total[LPToken], "50"},
			{"total WBNB", pair.Total["WBNB"], "5"},
			{"total CAKE", pair.Total["CAKE"], "500"},
			{"pending reward", pair.AccruedRewards, "3"},
		}
		for _, c := range checks {
			if c.got.Cmp(number.MustParse(c.want)) != 0 {
				t.Errorf("wbnbFirst=%v: %s: expected %s, got %s", wbnbFirst, c.name, c.want, c.got)
			}
		}
	}
}

func TestReport_SkipsEmpty(t *testing.T) {
	fake := testFake(true)
	fake.Set(smartChef, stakeUserInfo, chaintest.Args(chain.AddressWord(fund)), chaintest.Uint(0), chaintest.Uint(0))
	fake.Set(smartChef, pendingReward, chaintest.Args(chain.AddressWord(fund)), chaintest.Uint(0))

	report, err := newReader(fake).Report(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	details := report.Details.(*Details)
	if _, ok := details.Pairs["USDT-WBNB"]; ok {
		t.Error("pairs without LP tokens should be left out")
	}
	if len(details.StakingPools) != 0 {
		t.Errorf("empty staking pools should be left out, got %v", details.StakingPools)
	}
	if _, ok := report.Positions["XVS"]; ok {
		t.Error("no XVS position expected")
	}
}

func TestReport_ReadFailure(t *testing.T) {
	boom := errors.New("header not found")
	fake := testFake(true)
	fake.Fail(cakePair, totalSupply, nil, boom)

	if _, err := newReader(fake).Report(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected read error, got %v", err)
	}
}

// --- Priced report tests ---

func TestPricedReport(t *testing.T) {
	report, err := newReader(testFake(true)).PricedReport(context.Background(), newResolver())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 5×300 + 523×3 + 2×5
	if report.Value.Net.Cmp(number.MustParse("3079")) != 0 {
		t.Errorf("expected value 3079, got %s", report.Value.Net)
	}

	d := report.Details.(*PricedDetails)
	pair := d.Pairs["CAKE-WBNB"]
	stake := d.StakingPools["CAKE-XVS"]
	if pair == nil || stake == nil {
		t.Fatalf("missing priced details: %+v", d)
	}

	checks := []struct {
		name string
		got  number.Number
		want string
	}{
		{"total WBNB", pair.Total["WBNB"].Value, "1500.00000000"},
		{"total CAKE", pair.Total["CAKE"].Value, "1500.00000000"},
		{"total lp", pair.Total[LPToken].Value, "3000.00000000"},
		{"holding lp", pair.Holding[LPToken].Value, "600.00000000"},
		{"farming lp", pair.Farming[LPToken].Value, "2400.00000000"},
		{"pending reward", pair.AccruedRewards.Value, "9.00000000"},
		{"staked", stake.Staked.Value, "60.00000000"},
		{"staking reward", stake.Reward.Value, "10.00000000"},
	}
	for _, c := range checks {
		if c.got.String() != c.want {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, c.got)
		}
	}
	if got := pair.Total[LPToken].Amount; got.Cmp(number.New(50, 0)) != 0 {
		t.Errorf("lp amount should be kept, got %s", got)
	}
}
