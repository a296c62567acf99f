// Package amm implements constant-product (x·y = k) liquidity pool maths for
// pricing pool-quoted assets and splitting liquidity-pool shares.
//
// The effective price of a holding is what selling all of it into the pool
// would actually return, not the marginal pool ratio: large exits move the
// price. All arithmetic uses number.Number; results keep the scale of the
// quote reserve.
package amm

import (
	"errors"

	"github.com/atmx/portfolio-engine/internal/number"
)

var (
	// ErrEmptyReserve is returned when a pool reserve is not positive.
	ErrEmptyReserve = errors.New("amm: pool reserves must be positive")

	// ErrEmptySupply is returned when a pool has no liquidity tokens minted.
	ErrEmptySupply = errors.New("amm: pool total supply must be positive")
)

// Pool is a snapshot of a constant-product pool, oriented so that the base
// reserve holds the asset being priced and the quote reserve the asset it is
// priced in. It is stateless beyond the snapshot.
type Pool struct {
	base  number.Number
	quote number.Number
}

// NewPool creates a pool snapshot from its two reserves.
func NewPool(reserveBase, reserveQuote number.Number) (*Pool, error) {
	if reserveBase.Sign() <= 0 || reserveQuote.Sign() <= 0 {
		return nil, ErrEmptyReserve
	}
	return &Pool{base: reserveBase, quote: reserveQuote}, nil
}

// Base returns the base reserve.
func (p *Pool) Base() number.Number { return p.base }

// Quote returns the quote reserve.
func (p *Pool) Quote() number.Number { return p.quote }

// SpotPrice is the marginal price of one unit of base: quote / base.
func (p *Pool) SpotPrice() (number.Number, error) {
	return p.quote.Div(p.base)
}

// Output returns the quote units received for selling delta base units:
//
//	out = quote − k / (base + delta),  k = base · quote
//
// A negative delta (buying base) returns a negative output.
func (p *Pool) Output(delta number.Number) (number.Number, error) {
	k := p.base.Mul(p.quote)
	after, err := k.Div(p.base.Add(delta))
	if err != nil {
		return number.Number{}, err
	}
	return p.quote.Sub(after), nil
}

// EffectivePrice is the average price per unit when liquidating delta base
// units at once. With no position the spot price is returned.
func (p *Pool) EffectivePrice(delta number.Number) (number.Number, error) {
	if delta.IsZero() {
		return p.SpotPrice()
	}
	out, err := p.Output(delta)
	if err != nil {
		return number.Number{}, err
	}
	return out.Div(delta)
}

// Share returns the underlying base and quote amounts redeemable for balance
// liquidity tokens out of totalSupply.
func (p *Pool) Share(balance, totalSupply number.Number) (base, quote number.Number, err error) {
	if totalSupply.Sign() <= 0 {
		return number.Number{}, number.Number{}, ErrEmptySupply
	}
	share, err := balance.Div(totalSupply)
	if err != nil {
		return number.Number{}, number.Number{}, err
	}
	return p.base.Mul(share), p.quote.Mul(share), nil
}
