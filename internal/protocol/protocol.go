// Package protocol defines the report producer contract shared by every
// DeFi protocol reader.
package protocol

import (
	"context"
	"fmt"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
)

// Reader produces one protocol's report.
type Reader interface {
	// Report reads the protocol's positions and raw details.
	Report(ctx context.Context) (*model.ProtocolReport, error)

	// PricedReport reads the report, registers its positions with r exactly
	// once, and prices positions and details with the prices r resolves.
	PricedReport(ctx context.Context, r pricing.Resolver) (*model.ProtocolPricedReport, error)
}

// Price registers report's positions with r and prices them. It returns the
// resolved prices so readers can price their details too.
func Price(ctx context.Context, r pricing.Resolver, report *model.ProtocolReport) (model.PricedPositions, map[string]number.Number, error) {
	return pricing.PricePositions(ctx, r, report.Positions)
}

// PriceAmount values amount at price. The value is computed at
// model.PositionDecimals and returned at model.PriceDecimals.
func PriceAmount(amount, price number.Number) model.PricedNetPosition {
	value := amount.Rescale(model.PositionDecimals).Mul(price).Rescale(model.PriceDecimals)
	return model.PricedNetPosition{Amount: amount, Value: value}
}

// PriceOf looks symbol up in prices.
func PriceOf(prices map[string]number.Number, symbol string) (number.Number, error) {
	p, ok := prices[symbol]
	if !ok {
		return number.Number{}, fmt.Errorf("%w: %s", model.ErrMissingPrice, symbol)
	}
	return p, nil
}
