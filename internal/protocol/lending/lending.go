// Package lending reads a Compound-style lending protocol: supplied and
// borrowed balances per market, market rates, collateral factors and the
// reward token accrued by the fund.
package lending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/protocol"
)

// Mantissas (rates and collateral factors) are 18-decimal fixed point.
const mantissaDecimals = 18

var (
	getAssetsIn           = chain.NewMethod("getAssetsIn(address)")
	markets               = chain.NewMethod("markets(address)")
	balanceOfUnderlying   = chain.NewMethod("balanceOfUnderlying(address)")
	borrowBalanceStored   = chain.NewMethod("borrowBalanceStored(address)")
	supplyRatePerBlock    = chain.NewMethod("supplyRatePerBlock()")
	borrowRatePerBlock    = chain.NewMethod("borrowRatePerBlock()")
	rewardBalanceFromLens = chain.NewMethod("getXVSBalanceMetadataExt(address,address,address)")
)

// Pool is the fund's position in one market.
type Pool struct {
	Market             string        `json:"market"`
	Supply             number.Number `json:"supply"`
	Borrow             number.Number `json:"borrow"`
	SupplyRatePerBlock number.Number `json:"supply_rate_per_block"`
	BorrowRatePerBlock number.Number `json:"borrow_rate_per_block"`
	CollateralFactor   number.Number `json:"collateral_factor"`
	IsCollateral       bool          `json:"is_collateral"`
}

// Details are the unpriced protocol details.
type Details struct {
	RewardToken    string           `json:"reward_token"`
	AccruedRewards number.Number    `json:"accrued_rewards"`
	Pools          map[string]*Pool `json:"pools"`
}

// PricedPool is a Pool with the values of its supply and borrow.
type PricedPool struct {
	Pool
	SupplyValue number.Number `json:"supply_value"`
	BorrowValue number.Number `json:"borrow_value"`
}

// PricedDetails adds account health figures to the details. Ratios are
// fractions at model.PercentDecimals and read zero when their denominator is
// zero.
type PricedDetails struct {
	RewardToken          string                  `json:"reward_token"`
	AccruedRewards       model.PricedNetPosition `json:"accrued_rewards"`
	TotalSupplyValue     number.Number           `json:"total_supply_value"`
	TotalBorrowValue     number.Number           `json:"total_borrow_value"`
	TotalCollateralValue number.Number           `json:"total_collateral_value"`
	BorrowLimit          number.Number           `json:"borrow_limit"`
	MaxLoanToCollateral  number.Number           `json:"max_loan_to_collateral"`
	LoanToValue          number.Number           `json:"loan_to_value"`
	LoanToLiquidation    number.Number           `json:"loan_to_liquidation"`
	Pools                map[string]*PricedPool  `json:"pools"`
}

// Reader implements protocol.Reader for one lending protocol.
type Reader struct {
	name   string
	caller chain.Caller
	chain  *config.Chain
	cfg    config.Lending
	fund   common.Address
	logger *slog.Logger
}

// NewReader creates a reader for the lending protocol cfg, reported under
// name.
func NewReader(name string, caller chain.Caller, c *config.Chain, cfg config.Lending, fund common.Address, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{name: name, caller: caller, chain: c, cfg: cfg, fund: fund, logger: logger}
}

var _ protocol.Reader = (*Reader)(nil)

// Report reads every configured market concurrently. Markets where the fund
// neither supplies nor borrows are left out.
func (r *Reader) Report(ctx context.Context) (*model.ProtocolReport, error) {
	var (
		mu      sync.Mutex
		pools   = make(map[string]*Pool)
		assets  map[common.Address]bool
		rewards number.Number
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		assets, err = r.assetsIn(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		rewards, err = r.accruedRewards(gctx)
		return err
	})
	for symbol, market := range r.cfg.Pools {
		g.Go(func() error {
			pool, err := r.readPool(gctx, symbol, common.HexToAddress(market))
			if err != nil {
				return fmt.Errorf("%s: %s: %w", r.name, symbol, err)
			}
			if pool != nil {
				mu.Lock()
				pools[symbol] = pool
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	positions := make(model.Positions)
	for symbol, pool := range pools {
		pool.IsCollateral = assets[common.HexToAddress(pool.Market)]
		positions.Merge(model.Positions{symbol: number.Lent(
			pool.Supply.Rescale(model.PositionDecimals),
			pool.Borrow.Rescale(model.PositionDecimals),
		)})
	}
	if !rewards.IsZero() {
		positions.Merge(model.Positions{r.cfg.RewardToken: number.Held(rewards.Rescale(model.PositionDecimals))})
	}

	r.logger.Debug("lending report read", "protocol", r.name, "pools", len(pools))
	return &model.ProtocolReport{
		Positions: positions,
		Details: &Details{
			RewardToken:    r.cfg.RewardToken,
			AccruedRewards: rewards,
			Pools:          pools,
		},
	}, nil
}

func (r *Reader) assetsIn(ctx context.Context) (map[common.Address]bool, error) {
	raw, err := getAssetsIn.Call(ctx, r.caller, common.HexToAddress(r.cfg.Comptroller), chain.AddressWord(r.fund))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	addrs, err := chain.DecodeAddressArray(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: getAssetsIn: %w", r.name, err)
	}
	out := make(map[common.Address]bool, len(addrs))
	for _, a := range addrs {
		out[a] = true
	}
	return out, nil
}

// accruedRewards reads the reward token allocated to the fund, the last
// field of the lens balance metadata.
func (r *Reader) accruedRewards(ctx context.Context) (number.Number, error) {
	token, ok := r.chain.Token(r.cfg.RewardToken)
	if !ok {
		return number.Number{}, fmt.Errorf("%s: %w: %s", r.name, config.ErrUnknownToken, r.cfg.RewardToken)
	}
	raw, err := rewardBalanceFromLens.Call(ctx, r.caller, common.HexToAddress(r.cfg.Lens),
		chain.AddressWord(token.Addr()),
		chain.AddressWord(common.HexToAddress(r.cfg.Comptroller)),
		chain.AddressWord(r.fund),
	)
	if err != nil {
		return number.Number{}, fmt.Errorf("%s: %w", r.name, err)
	}
	allocated, err := chain.DecodeUint(raw, 3)
	if err != nil {
		return number.Number{}, fmt.Errorf("%s: reward metadata: %w", r.name, err)
	}
	return number.NewFromBigInt(allocated, token.Decimals), nil
}

// readPool returns nil when the fund has no position in the market.
func (r *Reader) readPool(ctx context.Context, symbol string, market common.Address) (*Pool, error) {
	token, ok := r.chain.Token(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownToken, symbol)
	}
	fund := chain.AddressWord(r.fund)
	decimals := token.Decimals

	supply, err := balanceOfUnderlying.CallUint(ctx, r.caller, market, fund)
	if err != nil {
		return nil, err
	}
	borrow, err := borrowBalanceStored.CallUint(ctx, r.caller, market, fund)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 && borrow.Sign() == 0 {
		return nil, nil
	}

	raw, err := markets.Call(ctx, r.caller, common.HexToAddress(r.cfg.Comptroller), chain.AddressWord(market))
	if err != nil {
		return nil, err
	}
	cf, err := chain.DecodeUint(raw, 1)
	if err != nil {
		return nil, fmt.Errorf("markets: %w", err)
	}
	supplyRate, err := supplyRatePerBlock.CallUint(ctx, r.caller, market)
	if err != nil {
		return nil, err
	}
	borrowRate, err := borrowRatePerBlock.CallUint(ctx, r.caller, market)
	if err != nil {
		return nil, err
	}

	return &Pool{
		Market:             market.Hex(),
		Supply:             number.NewFromBigInt(supply, decimals),
		Borrow:             number.NewFromBigInt(borrow, decimals),
		SupplyRatePerBlock: number.NewFromBigInt(supplyRate, mantissaDecimals),
		BorrowRatePerBlock: number.NewFromBigInt(borrowRate, mantissaDecimals),
		CollateralFactor:   number.NewFromBigInt(cf, mantissaDecimals).Rescale(model.PercentDecimals),
	}, nil
}

// PricedReport prices the report and derives the account's borrow limit and
// loan ratios.
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
		RewardToken: d.RewardToken,
		AccruedRewards: model.PricedNetPosition{
			Amount: d.AccruedRewards,
			Value:  number.Zero(model.PriceDecimals),
		},
		Pools: make(map[string]*PricedPool, len(d.Pools)),
	}
	if !d.AccruedRewards.IsZero() {
		price, err := protocol.PriceOf(prices, d.RewardToken)
		if err != nil {
			return nil, err
		}
		out.AccruedRewards = protocol.PriceAmount(d.AccruedRewards, price)
	}

	totalSupply := number.Zero(mantissaDecimals)
	totalBorrow := number.Zero(mantissaDecimals)
	totalCollateral := number.Zero(mantissaDecimals)
	borrowLimit := number.Zero(mantissaDecimals)

	for symbol, pool := range d.Pools {
		price, err := protocol.PriceOf(prices, symbol)
		if err != nil {
			return nil, err
		}
		supplyValue := pool.Supply.Rescale(mantissaDecimals).Mul(price)
		borrowValue := pool.Borrow.Rescale(mantissaDecimals).Mul(price)

		totalSupply = totalSupply.Add(supplyValue)
		totalBorrow = totalBorrow.Add(borrowValue)
		if pool.IsCollateral {
			totalCollateral = totalCollateral.Add(supplyValue)
			borrowLimit = borrowLimit.Add(supplyValue.Mul(pool.CollateralFactor.Rescale(mantissaDecimals)))
		}

		out.Pools[symbol] = &PricedPool{
			Pool:        *pool,
			SupplyValue: supplyValue.Rescale(model.PriceDecimals),
			BorrowValue: borrowValue.Rescale(model.PriceDecimals),
		}
	}

	out.TotalSupplyValue = totalSupply.Rescale(model.PriceDecimals)
	out.TotalBorrowValue = totalBorrow.Rescale(model.PriceDecimals)
	out.TotalCollateralValue = totalCollateral.Rescale(model.PriceDecimals)
	out.BorrowLimit = borrowLimit.Rescale(model.PriceDecimals)
	out.MaxLoanToCollateral = ratio(borrowLimit, totalCollateral)
	out.LoanToValue = ratio(totalBorrow, totalSupply)
	out.LoanToLiquidation = ratio(totalBorrow, borrowLimit)
	return out, nil
}

// ratio returns a / b at model.PercentDecimals, or zero when b is zero.
func ratio(a, b number.Number) number.Number {
	q, err := a.Div(b)
	if err != nil {
		return number.Zero(model.PercentDecimals)
	}
	return q.Rescale(model.PercentDecimals)
}
