// Package aggregator builds chain-wide portfolio reports. It runs the
// holdings reader and every protocol reader concurrently, gives priced
// requests a single price resolution engine shared by all producers, and
// folds the resulting ledgers into chain totals.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/protocol"
)

// ErrUnknownProtocol is returned for a protocol name that is not configured.
var ErrUnknownProtocol = errors.New("aggregator: unknown protocol")

// HoldingsReader reads the fund's wallet balances.
type HoldingsReader interface {
	Positions(ctx context.Context) (model.Positions, error)
	PricedPositions(ctx context.Context, r pricing.Resolver) (model.PricedPositions, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the per-price resolve timeout of every request.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

// WithLogger sets the logger for the aggregator and its resolvers.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Aggregator produces reports for one chain and one fund.
type Aggregator struct {
	holdings  HoldingsReader
	protocols map[string]protocol.Reader
	router    *pricing.Router
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an aggregator over holdings and the named protocol readers.
// Symbols are priced by the sources of router.
func New(holdings HoldingsReader, protocols map[string]protocol.Reader, router *pricing.Router, opts ...Option) *Aggregator {
	a := &Aggregator{
		holdings:  holdings,
		protocols: protocols,
		router:    router,
		timeout:   pricing.DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocols returns the configured protocol names, sorted.
func (a *Aggregator) Protocols() []string {
	names := make([]string, 0, len(a.protocols))
	for name := range a.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newResolver creates the price resolution engine of one request.
func (a *Aggregator) newResolver(contributors int) *pricing.LazyResolver {
	return pricing.NewLazyResolver(a.router, contributors,
		pricing.WithTimeout(a.timeout),
		pricing.WithLogger(a.logger),
	)
}

func (a *Aggregator) protocol(name string) (protocol.Reader, error) {
	p, ok := a.protocols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	return p, nil
}

// --- Chain reports ---

// ChainReport reads holdings and every protocol concurrently. The total is
// the merge of all their ledgers.
func (a *Aggregator) ChainReport(ctx context.Context) (report *model.ChainReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("chain", start, err) }()

	var mu sync.Mutex
	report = &model.ChainReport{
		Total:     make(model.Positions),
		Protocols: make(map[string]*model.ProtocolReport, len(a.protocols)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		positions, err := a.holdings.Positions(gctx)
		if err != nil {
			return err
		}
		mu.Lock()
		report.Holdings = positions
		mu.Unlock()
		return nil
	})
	for name, p := range a.protocols {
		g.Go(func() error {
			r, err := p.Report(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Protocols[name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("chain report failed", "err", err)
		return nil, err
	}

	report.Total.Merge(report.Holdings)
	for _, r := range report.Protocols {
		report.Total.Merge(r.Positions)
	}
	return report, nil
}

// ChainPricedReport prices holdings and every protocol against one resolver
// that waits for all of them to register before computing any price. The
// total merges the priced ledgers of the parts, so its value is the sum of
// theirs.
func (a *Aggregator) ChainPricedReport(ctx context.Context) (report *model.ChainPricedReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("chain_priced", start, err) }()

	res := a.newResolver(1 + len(a.protocols))
	logger := a.logger.With("request_id", res.ID())

	var mu sync.Mutex
	report = &model.ChainPricedReport{
		Protocols: make(map[string]*model.ProtocolPricedReport, len(a.protocols)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		priced, err := a.holdings.PricedPositions(gctx, res)
		if err != nil {
			return err
		}
		mu.Lock()
		report.Holdings = model.NewPricedReport(priced)
		mu.Unlock()
		return nil
	})
	for name, p := range a.protocols {
		g.Go(func() error {
			r, err := p.PricedReport(gctx, res)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Protocols[name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("chain priced report failed", "err", err)
		return nil, err
	}

	total := model.PricedPositions{}
	total.Merge(report.Holdings.Positions)
	for _, r := range report.Protocols {
		total.Merge(r.Positions)
	}
	report.Total = model.NewPricedReport(total)

	logger.Info("chain priced report",
		"symbols", len(total),
		"protocols", len(report.Protocols),
		"value", report.Total.Value.Net.String(),
		"duration", time.Since(start),
	)
	return report, nil
}

// --- Single producer reports ---

// HoldingsReport reads the wallet holdings.
func (a *Aggregator) HoldingsReport(ctx context.Context) (positions model.Positions, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("holdings", start, err) }()
	return a.holdings.Positions(ctx)
}

// HoldingsPricedReport prices the wallet holdings.
func (a *Aggregator) HoldingsPricedReport(ctx context.Context) (report model.PricedReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("holdings_priced", start, err) }()

	priced, err := a.holdings.PricedPositions(ctx, a.newResolver(1))
	if err != nil {
		return model.PricedReport{}, err
	}
	return model.NewPricedReport(priced), nil
}

// ProtocolReport reads one protocol.
func (a *Aggregator) ProtocolReport(ctx context.Context, name string) (report *model.ProtocolReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("protocol", start, err) }()

	p, err := a.protocol(name)
	if err != nil {
		return nil, err
	}
	return p.Report(ctx)
}

// ProtocolPricedReport prices one protocol on its own. Pool-priced symbols
// are sized by this protocol's positions only.
func (a *Aggregator) ProtocolPricedReport(ctx context.Context, name string) (report *model.ProtocolPricedReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("protocol_priced", start, err) }()

	p, err := a.protocol(name)
	if err != nil {
		return nil, err
	}
	return p.PricedReport(ctx, a.newResolver(1))
}

// --- Prices ---

// Price returns the price of one unit-less position in symbol, which is the
// spot price for pool-priced symbols.
func (a *Aggregator) Price(ctx context.Context, symbol string) (price number.Number, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("price", start, err) }()

	res := a.newResolver(1)
	res.Register(model.Positions{symbol: number.LongShort{}})
	return res.ResolvePrice(ctx, symbol)
}

// ConvertUnits expresses amount of from in units of to, at the prices of
// both in the common quote currency. The result keeps amount's decimals.
func (a *Aggregator) ConvertUnits(ctx context.Context, amount number.Number, from, to string) (converted number.Number, err error) {
	start := time.Now()
	defer func() { metrics.ObserveReport("convert", start, err) }()

	res := a.newResolver(1)
	res.Register(model.Positions{})
	prices, err := res.ResolvePrices(ctx, []string{from, to})
	if err != nil {
		return number.Number{}, err
	}
	return amount.Mul(prices[from]).Div(prices[to])
}
