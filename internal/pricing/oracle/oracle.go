// Package oracle prices tokens from on-chain price feed aggregators
// exposing decimals() and latestRoundData().
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
)

// ErrBadAnswer is returned when a feed reports a non-positive price.
var ErrBadAnswer = errors.New("oracle: feed answer is not positive")

var (
	decimalsMethod        = chain.NewMethod("decimals()")
	latestRoundDataMethod = chain.NewMethod("latestRoundData()")
)

// Source implements pricing.Source for the "oracle" strategy. The size of
// the position is ignored.
type Source struct {
	caller chain.Caller
	chain  *config.Chain

	// Feed decimals never change, so they are read once per feed.
	mu       sync.Mutex
	decimals map[common.Address]int
}

// New creates an oracle source.
func New(caller chain.Caller, c *config.Chain) *Source {
	return &Source{
		caller:   caller,
		chain:    c,
		decimals: make(map[common.Address]int),
	}
}

func (s *Source) Strategy() string { return config.StrategyOracle }

// Price returns the latest feed answer at model.PriceDecimals.
func (s *Source) Price(ctx context.Context, symbol string, _ number.LongShort, _ pricing.Resolver) (number.Number, error) {
	token, ok := s.chain.Token(symbol)
	if !ok || token.Pricing.Strategy != config.StrategyOracle {
		return number.Number{}, fmt.Errorf("%w: %s is not priced by oracle", pricing.ErrUnknownSymbol, symbol)
	}
	feed := common.HexToAddress(token.Pricing.Address)

	decimals, err := s.feedDecimals(ctx, feed)
	if err != nil {
		return number.Number{}, err
	}

	raw, err := latestRoundDataMethod.Call(ctx, s.caller, feed)
	if err != nil {
		return number.Number{}, err
	}
	answer, err := chain.DecodeInt(raw, 1)
	if err != nil {
		return number.Number{}, fmt.Errorf("oracle: latestRoundData on %s: %w", feed.Hex(), err)
	}
	if answer.Sign() <= 0 {
		return number.Number{}, fmt.Errorf("%w: %s answered %s", ErrBadAnswer, symbol, answer)
	}

	return number.NewFromBigInt(answer, decimals).Rescale(model.PriceDecimals), nil
}

func (s *Source) feedDecimals(ctx context.Context, feed common.Address) (int, error) {
	s.mu.Lock()
	d, ok := s.decimals[feed]
	s.mu.Unlock()
	if ok {
		return d, nil
	}

	v, err := decimalsMethod.CallUint(ctx, s.caller, feed)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() || v.Int64() > 77 {
		return 0, fmt.Errorf("oracle: feed %s reports %s decimals", feed.Hex(), v)
	}
	d = int(v.Int64())

	s.mu.Lock()
	s.decimals[feed] = d
	s.mu.Unlock()
	return d, nil
}
