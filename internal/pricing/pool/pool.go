// Package pool prices tokens from the reserves of a constant-product AMM
// pair against a quote token.
//
// The price is the average price the whole aggregated position would get if
// it were sold into the pair, so large holdings are marked below spot. A flat
// position is priced at the reserve ratio.
package pool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/amm"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
)

// GetReserves is the pair's reserve getter, shared with the liquidity reader.
var GetReserves = chain.NewMethod("getReserves()")

// Source implements pricing.Source for the "pool-ratio" strategy.
type Source struct {
	caller chain.Caller
	chain  *config.Chain
}

// New creates a pool-ratio source.
func New(caller chain.Caller, c *config.Chain) *Source {
	return &Source{caller: caller, chain: c}
}

func (s *Source) Strategy() string { return config.StrategyPoolRatio }

// Price returns the liquidation price of position in symbol. The pair's
// quote token is priced through r, so the result is in the same reference
// currency as every other price of the request.
func (s *Source) Price(ctx context.Context, symbol string, position number.LongShort, r pricing.Resolver) (number.Number, error) {
	token, ok := s.chain.Token(symbol)
	if !ok || token.Pricing.Strategy != config.StrategyPoolRatio {
		return number.Number{}, fmt.Errorf("%w: %s is not priced by pool ratio", pricing.ErrUnknownSymbol, symbol)
	}
	quoteToken, ok := s.chain.Token(token.Pricing.Quote)
	if !ok {
		return number.Number{}, fmt.Errorf("%w: quote %s of %s", pricing.ErrUnknownSymbol, token.Pricing.Quote, symbol)
	}

	var (
		quotePrice number.Number
		pool       *amm.Pool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		quotePrice, err = r.ResolvePrice(gctx, token.Pricing.Quote)
		return err
	})
	g.Go(func() error {
		var err error
		pool, err = s.readPool(gctx, common.HexToAddress(token.Pricing.Address), token, quoteToken)
		return err
	})
	if err := g.Wait(); err != nil {
		return number.Number{}, err
	}

	price, err := pool.EffectivePrice(position.Net.Rescale(model.PositionDecimals))
	if err != nil {
		return number.Number{}, fmt.Errorf("pool: %s: %w", symbol, err)
	}
	return price.Rescale(model.PriceDecimals).Mul(quotePrice), nil
}

// readPool reads the pair reserves oriented as token/quote, both at
// model.PositionDecimals.
func (s *Source) readPool(ctx context.Context, pair common.Address, token, quote config.Token) (*amm.Pool, error) {
	raw, err := GetReserves.Call(ctx, s.caller, pair)
	if err != nil {
		return nil, err
	}
	r0, err := chain.DecodeUint(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("pool: getReserves on %s: %w", pair.Hex(), err)
	}
	r1, err := chain.DecodeUint(raw, 1)
	if err != nil {
		return nil, fmt.Errorf("pool: getReserves on %s: %w", pair.Hex(), err)
	}
	if token.Pricing.Index == 1 {
		r0, r1 = r1, r0
	}

	base := number.NewFromBigInt(r0, token.Decimals).Rescale(model.PositionDecimals)
	quoteReserve := number.NewFromBigInt(r1, quote.Decimals).Rescale(model.PositionDecimals)

	pool, err := amm.NewPool(base, quoteReserve)
	if err != nil {
		return nil, fmt.Errorf("pool: pair %s: %w", pair.Hex(), err)
	}
	return pool, nil
}
