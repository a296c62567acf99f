// Package liquidity reads an AMM with LP farming: liquidity-pool shares held
// in the wallet or farmed in a master chef, the reward token pending on each
// farm, and single-asset staking pools.
package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/amm"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/pricing/pool"
	"github.com/atmx/portfolio-engine/internal/protocol"
)

// LPToken keys the liquidity token amount in Balances.
const LPToken = "lp_token"

// LP tokens are minted with 18 decimals.
const lpDecimals = 18

var (
	token0        = chain.NewMethod("token0()")
	totalSupply   = chain.NewMethod("totalSupply()")
	balanceOf     = chain.NewMethod("balanceOf(address)")
	pendingCake   = chain.NewMethod("pendingCake(uint256,address)")
	farmUserInfo  = chain.NewMethod("userInfo(uint256,address)")
	stakeUserInfo = chain.NewMethod("userInfo(address)")
	pendingReward = chain.NewMethod("pendingReward(address)")
)

// Balances holds an LP token amount under LPToken and the underlying amount
// of each pair token under its symbol.
type Balances map[string]number.Number

// Pair is the fund's position in one LP pair.
type Pair struct {
	AccruedRewards number.Number `json:"accrued_rewards"`
	Holding        Balances      `json:"holding"`
	Farming        Balances      `json:"farming"`
	Total          Balances      `json:"total"`
}

// Stake is the fund's position in one staking pool.
type Stake struct {
	StakedToken string        `json:"staked_token"`
	Staked      number.Number `json:"staked"`
	RewardToken string        `json:"reward_token"`
	Reward      number.Number `json:"reward"`
}

// Details are the unpriced protocol details.
type Details struct {
	RewardToken  string            `json:"reward_token"`
	Pairs        map[string]*Pair  `json:"pairs"`
	StakingPools map[string]*Stake `json:"staking_pools"`
}

// PricedBalances tags every entry of a Balances with its value. The LP token
// is worth the sum of its underlying values.
type PricedBalances map[string]model.PricedNetPosition

// PricedPair is a Pair with values.
type PricedPair struct {
	AccruedRewards model.PricedNetPosition `json:"accrued_rewards"`
	Holding        PricedBalances          `json:"holding"`
	Farming        PricedBalances          `json:"farming"`
	Total          PricedBalances          `json:"total"`
}

// PricedStake is a Stake with values.
type PricedStake struct {
	StakedToken string                  `json:"staked_token"`
	Staked      model.PricedNetPosition `json:"staked"`
	RewardToken string                  `json:"reward_token"`
	Reward      model.PricedNetPosition `json:"reward"`
}

// PricedDetails are the priced protocol details.
type PricedDetails struct {
	RewardToken  string                  `json:"reward_token"`
	Pairs        map[string]*PricedPair  `json:"pairs"`
	StakingPools map[string]*PricedStake `json:"staking_pools"`
}

// Reader implements protocol.Reader for one AMM.
type Reader struct {
	name   string
	caller chain.Caller
	chain  *config.Chain
	cfg    config.Liquidity
	fund   common.Address
	logger *slog.Logger
}

// NewReader creates a reader for the AMM cfg, reported under name.
func NewReader(name string, caller chain.Caller, c *config.Chain, cfg config.Liquidity, fund common.Address, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{name: name, caller: caller, chain: c, cfg: cfg, fund: fund, logger: logger}
}

var _ protocol.Reader = (*Reader)(nil)

// Report reads every pair and staking pool concurrently. Pairs and pools in
// which the fund has nothing are left out.
func (r *Reader) Report(ctx context.Context) (*model.ProtocolReport, error) {
	var mu sync.Mutex
	positions := make(model.Positions)
	details := &Details{
		RewardToken:  r.cfg.RewardToken,
		Pairs:        make(map[string]*Pair),
		StakingPools: make(map[string]*Stake),
	}

	g, gctx := errgroup.WithContext(ctx)
	for key, pair := range r.cfg.Pairs {
		g.Go(func() error {
			p, pos, err := r.readPair(gctx, key, pair)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", r.name, key, err)
			}
			if p == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			details.Pairs[key] = p
			positions.Merge(pos)
			return nil
		})
	}
	for key, addr := range r.cfg.StakingPools {
		g.Go(func() error {
			s, err := r.readStake(gctx, key, common.HexToAddress(addr))
			if err != nil {
				return fmt.Errorf("%s: %s: %w", r.name, key, err)
			}
			if s == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			details.StakingPools[key] = s
			if !s.Staked.IsZero() {
				positions.Merge(model.Positions{s.StakedToken: number.Held(s.Staked)})
			}
			if !s.Reward.IsZero() {
				positions.Merge(model.Positions{s.RewardToken: number.Held(s.Reward)})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.logger.Debug("liquidity report read", "protocol", r.name,
		"pairs", len(details.Pairs), "staking_pools", len(details.StakingPools))
	return &model.ProtocolReport{Positions: positions, Details: details}, nil
}

// readPair returns a nil Pair when the fund neither holds nor farms the LP
// token.
func (r *Reader) readPair(ctx context.Context, key string, cfg config.Pair) (*Pair, model.Positions, error) {
	symbol0, symbol1, err := config.SplitPair(key)
	if err != nil {
		return nil, nil, err
	}
	addr := common.HexToAddress(cfg.Address)
	chef := common.HexToAddress(r.cfg.MasterChef)
	pid := chain.UintWord(big.NewInt(cfg.PID))
	fund := chain.AddressWord(r.fund)

	held, err := balanceOf.CallUint(ctx, r.caller, addr, fund)
	if err != nil {
		return nil, nil, err
	}
	raw, err := farmUserInfo.Call(ctx, r.caller, chef, pid, fund)
	if err != nil {
		return nil, nil, err
	}
	farmed, err := chain.DecodeUint(raw, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("userInfo: %w", err)
	}
	if held.Sign() == 0 && farmed.Sign() == 0 {
		return nil, nil, nil
	}

	first, err := token0.CallAddress(ctx, r.caller, addr)
	if err != nil {
		return nil, nil, err
	}
	token, ok := r.chain.Token(symbol0)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", config.ErrUnknownToken, symbol0)
	}
	if token.Addr() != first {
		symbol0, symbol1 = symbol1, symbol0
	}

	reserves, err := r.readReserves(ctx, addr, symbol0, symbol1)
	if err != nil {
		return nil, nil, err
	}
	supply, err := totalSupply.CallUint(ctx, r.caller, addr)
	if err != nil {
		return nil, nil, err
	}
	pending, err := pendingCake.CallUint(ctx, r.caller, chef, pid, fund)
	if err != nil {
		return nil, nil, err
	}
	reward, err := r.amount(r.cfg.RewardToken, pending)
	if err != nil {
		return nil, nil, err
	}

	lpSupply := number.NewFromBigInt(supply, lpDecimals)
	holding, err := share(reserves, number.NewFromBigInt(held, lpDecimals), lpSupply, symbol0, symbol1)
	if err != nil {
		return nil, nil, err
	}
	farming, err := share(reserves, number.NewFromBigInt(farmed, lpDecimals), lpSupply, symbol0, symbol1)
	if err != nil {
		return nil, nil, err
	}
	total := make(Balances, 3)
	for k := range holding {
		total[k] = holding[k].Add(farming[k])
	}

	positions := model.Positions{
		symbol0: number.Held(total[symbol0]),
		symbol1: number.Held(total[symbol1]),
	}
	if !reward.IsZero() {
		positions.Merge(model.Positions{r.cfg.RewardToken: number.Held(reward)})
	}
	return &Pair{AccruedRewards: reward, Holding: holding, Farming: farming, Total: total}, positions, nil
}

// readReserves reads the pair reserves as symbol0/symbol1, both at
// model.PositionDecimals.
func (r *Reader) readReserves(ctx context.Context, addr common.Address, symbol0, symbol1 string) (*amm.Pool, error) {
	raw, err := pool.GetReserves.Call(ctx, r.caller, addr)
	if err != nil {
		return nil, err
	}
	r0, err := chain.DecodeUint(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("getReserves: %w", err)
	}
	r1, err := chain.DecodeUint(raw, 1)
	if err != nil {
		return nil, fmt.Errorf("getReserves: %w", err)
	}
	reserve0, err := r.amount(symbol0, r0)
	if err != nil {
		return nil, err
	}
	reserve1, err := r.amount(symbol1, r1)
	if err != nil {
		return nil, err
	}
	return amm.NewPool(reserve0, reserve1)
}

func share(p *amm.Pool, balance, supply number.Number, symbol0, symbol1 string) (Balances, error) {
	a0, a1, err := p.Share(balance.Rescale(model.PositionDecimals), supply.Rescale(model.PositionDecimals))
	if err != nil {
		return nil, err
	}
	return Balances{LPToken: balance.Rescale(model.PositionDecimals), symbol0: a0, symbol1: a1}, nil
}

// readStake returns nil when the fund has nothing staked and nothing pending.
func (r *Reader) readStake(ctx context.Context, key string, addr common.Address) (*Stake, error) {
	staked, rewarded, err := config.SplitPair(key)
	if err != nil {
		return nil, err
	}
	fund := chain.AddressWord(r.fund)

	raw, err := stakeUserInfo.Call(ctx, r.caller, addr, fund)
	if err != nil {
		return nil, err
	}
	stakedInt, err := chain.DecodeUint(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("userInfo: %w", err)
	}
	pendingInt, err := pendingReward.CallUint(ctx, r.caller, addr, fund)
	if err != nil {
		return nil, err
	}
	if stakedInt.Sign() == 0 && pendingInt.Sign() == 0 {
		return nil, nil
	}

	stakedAmount, err := r.amount(staked, stakedInt)
	if err != nil {
		return nil, err
	}
	rewardAmount, err := r.amount(rewarded, pendingInt)
	if err != nil {
		return nil, err
	}
	return &Stake{StakedToken: staked, Staked: stakedAmount, RewardToken: rewarded, Reward: rewardAmount}, nil
}

// amount converts a raw token amount of symbol to model.PositionDecimals.
func (r *Reader) amount(symbol string, raw *big.Int) (number.Number, error) {
	token, ok := r.chain.Token(symbol)
	if !ok {
		return number.Number{}, fmt.Errorf("%w: %s", config.ErrUnknownToken, symbol)
	}
	return number.NewFromBigInt(raw, token.Decimals).Rescale(model.PositionDecimals), nil
}

// PricedReport prices the report and tags every detail amount with its
// value.
func (r *Reader) PricedReport(ctx context.Context, res pricing.Resolver) (*model.ProtocolPricedReport, error) {
	report, err := r.Report(ctx)
	if err != nil {
		return nil, err
	}
	priced, prices, err := protocol.Price(ctx, res, report)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	details, err := priceDetails(report.Details.(*Details), prices)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	return &model.ProtocolPricedReport{
		PricedReport: model.NewPricedReport(priced),
		Details:      details,
	}, nil
}

func priceDetails(d *Details, prices map[string]number.Number) (*PricedDetails, error) {
	out := &PricedDetails{
		RewardToken:  d.RewardToken,
		Pairs:        make(map[string]*PricedPair, len(d.Pairs)),
		StakingPools: make(map[string]*PricedStake, len(d.StakingPools)),
	}
	for key, p := range d.Pairs {
		rewards, err := priceAmount(prices, d.RewardToken, p.AccruedRewards)
		if err != nil {
			return nil, err
		}
		pp := &PricedPair{AccruedRewards: rewards}
		if pp.Holding, err = priceBalances(p.Holding, prices); err != nil {
			return nil, err
		}
		if pp.Farming, err = priceBalances(p.Farming, prices); err != nil {
			return nil, err
		}
		if pp.Total, err = priceBalances(p.Total, prices); err != nil {
			return nil, err
		}
		out.Pairs[key] = pp
	}
	for key, s := range d.StakingPools {
		staked, err := priceAmount(prices, s.StakedToken, s.Staked)
		if err != nil {
			return nil, err
		}
		reward, err := priceAmount(prices, s.RewardToken, s.Reward)
		if err != nil {
			return nil, err
		}
		out.StakingPools[key] = &PricedStake{
			StakedToken: s.StakedToken,
			Staked:      staked,
			RewardToken: s.RewardToken,
			Reward:      reward,
		}
	}
	return out, nil
}

// priceAmount values amount of symbol. Zero amounts are worth zero whether
// or not symbol was priced.
func priceAmount(prices map[string]number.Number, symbol string, amount number.Number) (model.PricedNetPosition, error) {
	if amount.IsZero() {
		return model.PricedNetPosition{Amount: amount, Value: number.Zero(model.PriceDecimals)}, nil
	}
	price, err := protocol.PriceOf(prices, symbol)
	if err != nil {
		return model.PricedNetPosition{}, err
	}
	return protocol.PriceAmount(amount, price), nil
}

func priceBalances(b Balances, prices map[string]number.Number) (PricedBalances, error) {
	out := make(PricedBalances, len(b))
	lpValue := number.Zero(model.PriceDecimals)
	for symbol, amount := range b {
		if symbol == LPToken {
			continue
		}
		priced, err := priceAmount(prices, symbol, amount)
		if err != nil {
			return nil, err
		}
		out[symbol] = priced
		lpValue = lpValue.Add(priced.Value)
	}
	out[LPToken] = model.PricedNetPosition{Amount: b[LPToken], Value: lpValue}
	return out, nil
}
