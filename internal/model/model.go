// Package model defines the ledgers and reports shared across the engine.
// All amounts and prices use number.Number, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/portfolio-engine/internal/number"
)

// Precisions used when normalising amounts, prices and ratios.
const (
	PositionDecimals = 18
	PriceDecimals    = 8
	PercentDecimals  = 4
)

// ErrMissingPrice is returned when a ledger is priced without a price for
// one of its symbols.
var ErrMissingPrice = errors.New("model: missing price for symbol")

// Positions is a ledger of directional positions keyed by asset symbol.
// A missing symbol reads as a flat position. Merging is associative and
// commutative with the empty ledger as identity, so protocol reports can be
// folded in any order.
type Positions map[string]number.LongShort

// Get returns the position for symbol, or a flat position.
func (p Positions) Get(symbol string) number.LongShort {
	return p[symbol]
}

// Merge adds every entry of other into p.
func (p Positions) Merge(other Positions) {
	for symbol, pos := range other {
		p[symbol] = p[symbol].Add(pos)
	}
}

// Add returns p + other without modifying either.
func (p Positions) Add(other Positions) Positions {
	out := make(Positions, len(p)+len(other))
	out.Merge(p)
	out.Merge(other)
	return out
}

// Symbols returns the ledger's symbols in sorted order.
func (p Positions) Symbols() []string {
	return sortedKeys(p)
}

// PricedPosition pairs a position's amounts with their values in the quote
// currency.
type PricedPosition struct {
	Amount number.LongShort `json:"amount"`
	Value  number.LongShort `json:"value"`
}

// Add sums amounts and values.
func (p PricedPosition) Add(other PricedPosition) PricedPosition {
	return PricedPosition{Amount: p.Amount.Add(other.Amount), Value: p.Value.Add(other.Value)}
}

// PricedPositions is a ledger of priced positions. It follows the same merge
// algebra as Positions.
type PricedPositions map[string]PricedPosition

// Get returns the priced position for symbol, or a zero one.
func (p PricedPositions) Get(symbol string) PricedPosition {
	return p[symbol]
}

// Merge adds every entry of other into p.
func (p PricedPositions) Merge(other PricedPositions) {
	for symbol, pos := range other {
		p[symbol] = p[symbol].Add(pos)
	}
}

// Add returns p + other without modifying either.
func (p PricedPositions) Add(other PricedPositions) PricedPositions {
	out := make(PricedPositions, len(p)+len(other))
	out.Merge(p)
	out.Merge(other)
	return out
}

// Symbols returns the ledger's symbols in sorted order.
func (p PricedPositions) Symbols() []string {
	return sortedKeys(p)
}

// Value sums the values of every position.
func (p PricedPositions) Value() number.LongShort {
	var total number.LongShort
	for _, symbol := range p.Symbols() {
		total = total.Add(p[symbol].Value)
	}
	return total
}

// PricePositions values every position of the ledger with its price.
func PricePositions(positions Positions, prices map[string]number.Number) (PricedPositions, error) {
	priced := make(PricedPositions, len(positions))
	for symbol, amount := range positions {
		price, ok := prices[symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPrice, symbol)
		}
		priced[symbol] = PricedPosition{Amount: amount, Value: amount.Mul(price)}
	}
	return priced, nil
}

// PricedNetPosition is a scalar amount and its value, used in protocol
// details where the long/short split carries no information.
type PricedNetPosition struct {
	Amount number.Number `json:"amount"`
	Value  number.Number `json:"value"`
}

// --- Reports ---

// ProtocolReport is one protocol's ledger plus protocol-specific details.
type ProtocolReport struct {
	Positions Positions `json:"positions"`
	Details   any       `json:"details"`
}

// ChainReport composes the holdings and every protocol of one chain.
type ChainReport struct {
	Total     Positions                  `json:"total"`
	Holdings  Positions                  `json:"holdings"`
	Protocols map[string]*ProtocolReport `json:"protocols"`
}

// PricedReport is a priced ledger with its aggregated value.
type PricedReport struct {
	Value     number.LongShort `json:"value"`
	Positions PricedPositions  `json:"positions"`
}

// NewPricedReport wraps positions and computes their total value.
func NewPricedReport(positions PricedPositions) PricedReport {
	if positions == nil {
		positions = PricedPositions{}
	}
	return PricedReport{Value: positions.Value(), Positions: positions}
}

// ProtocolPricedReport is a priced protocol report with priced details.
type ProtocolPricedReport struct {
	PricedReport
	Details any `json:"details"`
}

// ChainPricedReport composes the priced holdings and every priced protocol.
type ChainPricedReport struct {
	Total     PricedReport                     `json:"total"`
	Holdings  PricedReport                     `json:"holdings"`
	Protocols map[string]*ProtocolPricedReport `json:"protocols"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
