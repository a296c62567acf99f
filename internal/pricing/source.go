// Package pricing resolves asset prices for one report request.
//
// A Source computes the price of one symbol and may ask the Resolver it is
// handed for the prices of other symbols (its quote currency, for instance).
// The LazyResolver coordinates every Source of a request: it waits until all
// report producers have registered their positions, computes each symbol's
// price at most once, and gives up with ErrResolveTimeout when a price does
// not arrive in time, which is how circular quote chains surface.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
)

var (
	// ErrUnknownSymbol is returned when a symbol has no pricing strategy or
	// no source is registered for its strategy.
	ErrUnknownSymbol = errors.New("pricing: unknown symbol")

	// ErrResolveTimeout is returned when a price is not computed before the
	// resolve deadline. A circular pricing dependency always ends here.
	ErrResolveTimeout = errors.New("pricing: price resolution timed out (circular pricing dependency?)")
)

// Source prices symbols for one pricing strategy.
type Source interface {
	// Strategy is the id that token configurations use to route to this
	// source, e.g. "oracle" or "pool-ratio".
	Strategy() string

	// Price returns the price of symbol in the quote currency. position is
	// the aggregated position held in symbol across the whole request, so
	// the source can price the actual size. Upstream prices must be read
	// through r.
	Price(ctx context.Context, symbol string, position number.LongShort, r Resolver) (number.Number, error)
}

// Resolver is the handle report producers and sources use to reach the
// request's price resolution engine.
type Resolver interface {
	// Register contributes a producer's positions. Prices are only computed
	// once every expected producer has registered.
	Register(positions model.Positions)

	// ResolvePrice returns the price of symbol.
	ResolvePrice(ctx context.Context, symbol string) (number.Number, error)

	// ResolvePrices resolves several symbols concurrently.
	ResolvePrices(ctx context.Context, symbols []string) (map[string]number.Number, error)
}

// Router maps each symbol to the Source of its configured strategy.
type Router struct {
	strategies map[string]string
	sources    map[string]Source
}

// NewRouter builds a router from symbol → strategy id assignments and the
// available sources. Unknown strategy ids are not rejected here; they fail
// when the symbol is resolved.
func NewRouter(strategies map[string]string, sources ...Source) *Router {
	r := &Router{
		strategies: make(map[string]string, len(strategies)),
		sources:    make(map[string]Source, len(sources)),
	}
	for symbol, strategy := range strategies {
		r.strategies[symbol] = strategy
	}
	for _, s := range sources {
		r.sources[s.Strategy()] = s
	}
	return r
}

// SourceFor returns the source pricing symbol.
func (r *Router) SourceFor(symbol string) (Source, error) {
	strategy, ok := r.strategies[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no pricing strategy", ErrUnknownSymbol, symbol)
	}
	src, ok := r.sources[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s uses unregistered strategy %q", ErrUnknownSymbol, symbol, strategy)
	}
	return src, nil
}

// Strategy returns the strategy id configured for symbol.
func (r *Router) Strategy(symbol string) (string, bool) {
	s, ok := r.strategies[symbol]
	return s, ok
}

// PricePositions registers positions with r, resolves a price for each of
// their symbols and values them. Report producers call it once their own
// positions are known.
func PricePositions(ctx context.Context, r Resolver, positions model.Positions) (model.PricedPositions, map[string]number.Number, error) {
	r.Register(positions)

	prices, err := r.ResolvePrices(ctx, positions.Symbols())
	if err != nil {
		return nil, nil, err
	}
	priced, err := model.PricePositions(positions, prices)
	if err != nil {
		return nil, nil, err
	}
	return priced, prices, nil
}
