package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
)

// DefaultTimeout bounds how long a caller waits for one price.
const DefaultTimeout = 10 * time.Second

// Option configures a LazyResolver.
type Option func(*LazyResolver)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(r *LazyResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for resolution events.
func WithLogger(l *slog.Logger) Option {
	return func(r *LazyResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithID tags the resolver (and its log lines) with a request id.
func WithID(id string) Option {
	return func(r *LazyResolver) {
		if id != "" {
			r.id = id
		}
	}
}

// call is one shared price computation.
type call struct {
	done  chan struct{}
	price number.Number
	err   error
}

// LazyResolver is the price resolution engine of one report request. It must
// not be reused across requests: its barrier and memoised prices belong to
// the request that created it.
//
// Prices are computed lazily, at most once per symbol, and only after every
// expected contributor has registered its positions, since some strategies
// price the final aggregated size of a holding.
type LazyResolver struct {
	router  *Router
	timeout time.Duration
	logger  *slog.Logger
	id      string

	mu        sync.Mutex
	expected  int
	arrived   int
	ready     chan struct{}
	positions model.Positions
	inFlight  map[string]*call
}

// NewLazyResolver creates the engine for one request that expects
// contributors calls to Register before pricing starts. Fewer than one
// contributor is treated as one.
func NewLazyResolver(router *Router, contributors int, opts ...Option) *LazyResolver {
	if contributors < 1 {
		contributors = 1
	}
	r := &LazyResolver{
		router:    router,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		id:        uuid.New().String(),
		expected:  contributors,
		ready:     make(chan struct{}),
		positions: make(model.Positions),
		inFlight:  make(map[string]*call),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the request id of this resolver.
func (r *LazyResolver) ID() string {
	return r.id
}

// Register merges one contributor's positions. The call that brings the
// count of contributors to the expected number opens the barrier.
func (r *LazyResolver) Register(positions model.Positions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions.Merge(positions)
	r.arrived++

	switch {
	case r.arrived == r.expected:
		close(r.ready)
		r.logger.Debug("price barrier open",
			"request_id", r.id,
			"contributors", r.arrived,
			"symbols", len(r.positions),
		)
	case r.arrived > r.expected:
		r.logger.Warn("unexpected price contributor after barrier opened",
			"request_id", r.id,
			"expected", r.expected,
			"arrived", r.arrived,
		)
	}
}

// Positions returns a copy of the positions registered so far.
func (r *LazyResolver) Positions() model.Positions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.Positions{}.Add(r.positions)
}

// ResolvePrice returns the price of symbol, computing it on first request.
// It blocks until every contributor has registered, then waits at most the
// resolver's timeout for the shared computation.
func (r *LazyResolver) ResolvePrice(ctx context.Context, symbol string) (number.Number, error) {
	src, err := r.router.SourceFor(symbol)
	if err != nil {
		return number.Number{}, err
	}

	select {
	case <-r.ready:
	case <-ctx.Done():
		return number.Number{}, ctx.Err()
	}

	c := r.start(ctx, symbol, src)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.price, c.err
	case <-timer.C:
		metrics.ResolveTimeouts.Inc()
		r.logger.Error("price resolution timed out",
			"request_id", r.id,
			"symbol", symbol,
			"timeout", r.timeout,
		)
		return number.Number{}, fmt.Errorf("%w: %s after %s", ErrResolveTimeout, symbol, r.timeout)
	case <-ctx.Done():
		return number.Number{}, ctx.Err()
	}
}

// start returns the in-flight computation for symbol, launching it if this
// is the first request.
func (r *LazyResolver) start(ctx context.Context, symbol string, src Source) *call {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.inFlight[symbol]; ok {
		return c
	}

	c := &call{done: make(chan struct{})}
	r.inFlight[symbol] = c
	position := r.positions.Get(symbol)

	// Shared by every waiter: detached from the starting request's
	// cancellation and bounded by the resolver timeout.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)

	go func() {
		defer close(c.done)
		defer cancel()
		start := time.Now()
		price, err := src.Price(cctx, symbol, position, r)
		metrics.PriceSourceCalls.WithLabelValues(src.Strategy(), metrics.Outcome(err)).Inc()
		metrics.PriceSourceLatency.WithLabelValues(src.Strategy()).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && cctx.Err() != nil {
				err = fmt.Errorf("%w: %s after %s", ErrResolveTimeout, symbol, r.timeout)
			}
			c.err = fmt.Errorf("price %s (%s): %w", symbol, src.Strategy(), err)
			return
		}
		c.price = price
		r.logger.Debug("price resolved",
			"request_id", r.id,
			"symbol", symbol,
			"strategy", src.Strategy(),
			"price", price.String(),
		)
	}()
	return c
}

// ResolvePrices resolves every symbol concurrently. The first failure
// aborts the others.
func (r *LazyResolver) ResolvePrices(ctx context.Context, symbols []string) (map[string]number.Number, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	prices := make(map[string]number.Number, len(symbols))

	for _, symbol := range symbols {
		g.Go(func() error {
			price, err := r.ResolvePrice(gctx, symbol)
			if err != nil {
				return err
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prices, nil
}
