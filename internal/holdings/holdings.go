// Package holdings reads the fund's wallet balances: every configured ERC-20
// token plus the native gas token.
package holdings

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
)

// BalanceOf is the ERC-20 balance getter.
var BalanceOf = chain.NewMethod("balanceOf(address)")

// nativeDecimals is the precision of native balances in wei.
const nativeDecimals = 18

// Reader reads wallet holdings of one fund.
type Reader struct {
	caller chain.Caller
	chain  *config.Chain
	fund   common.Address
	logger *slog.Logger
}

// NewReader creates a holdings reader. A nil logger uses slog.Default().
func NewReader(caller chain.Caller, c *config.Chain, fund common.Address, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{caller: caller, chain: c, fund: fund, logger: logger}
}

// Positions returns every non-zero wallet balance at
// model.PositionDecimals. Balances are read concurrently; any failed read
// fails the whole ledger.
func (r *Reader) Positions(ctx context.Context) (model.Positions, error) {
	var mu sync.Mutex
	positions := make(model.Positions)
	add := func(symbol string, amount number.Number) {
		if amount.IsZero() {
			return
		}
		mu.Lock()
		positions[symbol] = number.Held(amount.Rescale(model.PositionDecimals))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for symbol, token := range r.chain.Tokens {
		g.Go(func() error {
			bal, err := BalanceOf.CallUint(gctx, r.caller, token.Addr(), chain.AddressWord(r.fund))
			if err != nil {
				return fmt.Errorf("holdings: %s: %w", symbol, err)
			}
			add(symbol, number.NewFromBigInt(bal, token.Decimals))
			return nil
		})
	}
	if r.chain.Native != "" {
		g.Go(func() error {
			wei, err := r.caller.Balance(gctx, r.fund)
			if err != nil {
				return fmt.Errorf("holdings: %s: %w", r.chain.Native, err)
			}
			add(r.chain.Native, number.NewFromBigInt(wei, nativeDecimals))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.logger.Debug("holdings read", "fund", r.fund.Hex(), "symbols", len(positions))
	return positions, nil
}

// PricedPositions reads the holdings, registers them with res and prices
// them.
func (r *Reader) PricedPositions(ctx context.Context, res pricing.Resolver) (model.PricedPositions, error) {
	positions, err := r.Positions(ctx)
	if err != nil {
		return nil, err
	}
	priced, _, err := pricing.PricePositions(ctx, res, positions)
	if err != nil {
		return nil, fmt.Errorf("holdings: %w", err)
	}
	return priced, nil
}
