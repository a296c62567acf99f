// Package api serves portfolio reports, prices and unit conversions over
// HTTP, and pushes priced chain report summaries to WebSocket clients.
//
// Amounts and prices are number.Number on the wire, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/portfolio-engine/internal/aggregator"
	"github.com/atmx/portfolio-engine/internal/amm"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/number"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/store"
)

// Reporter produces the reports the API serves.
type Reporter interface {
	Protocols() []string
	ChainReport(ctx context.Context) (*model.ChainReport, error)
	ChainPricedReport(ctx context.Context) (*model.ChainPricedReport, error)
	HoldingsReport(ctx context.Context) (model.Positions, error)
	HoldingsPricedReport(ctx context.Context) (model.PricedReport, error)
	ProtocolReport(ctx context.Context, name string) (*model.ProtocolReport, error)
	ProtocolPricedReport(ctx context.Context, name string) (*model.ProtocolPricedReport, error)
	Price(ctx context.Context, symbol string) (number.Number, error)
	ConvertUnits(ctx context.Context, amount number.Number, from, to string) (number.Number, error)
}

var _ Reporter = (*aggregator.Aggregator)(nil)

// Service handles report requests.
type Service struct {
	reports Reporter
	cache   *store.ReadThrough // optional read-through report cache
	wsHub   *WSHub             // optional WebSocket hub for report summaries
}

// NewService creates a report service. Pass nil for cache to compute every
// report on request, and nil for hub if WebSocket broadcasting is not
// needed.
func NewService(reports Reporter, cache *store.ReadThrough, hub *WSHub) *Service {
	return &Service{reports: reports, cache: cache, wsHub: hub}
}

// --- Response types ---

// PriceResponse is the JSON body of GET /prices/{symbol}.
type PriceResponse struct {
	Symbol  string        `json:"symbol"`
	Price   number.Number `json:"price"`
	Display string        `json:"display"`
}

// ConvertResponse is the JSON body of GET /convert.
type ConvertResponse struct {
	Amount  number.Number `json:"amount"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	Result  number.Number `json:"result"`
	Display string        `json:"display"`
}

// --- HTTP Handlers ---

// ListProtocols handles GET /api/v1/protocols
func (s *Service) ListProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reports.Protocols())
}

// GetReport handles GET /api/v1/report
func (s *Service) GetReport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "report", func(ctx context.Context) (any, error) {
		return s.reports.ChainReport(ctx)
	})
}

// GetPricedReport handles GET /api/v1/report/priced
// Freshly computed reports are also broadcast to WebSocket clients.
func (s *Service) GetPricedReport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "report:priced", func(ctx context.Context) (any, error) {
		report, err := s.reports.ChainPricedReport(ctx)
		if err != nil {
			return nil, err
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(summarize(report))
		}
		return report, nil
	})
}

// GetHoldings handles GET /api/v1/holdings
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "holdings", func(ctx context.Context) (any, error) {
		return s.reports.HoldingsReport(ctx)
	})
}

// GetPricedHoldings handles GET /api/v1/holdings/priced
func (s *Service) GetPricedHoldings(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "holdings:priced", func(ctx context.Context) (any, error) {
		return s.reports.HoldingsPricedReport(ctx)
	})
}

// GetProtocol handles GET /api/v1/protocols/{name}
func (s *Service) GetProtocol(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.serve(w, r, "protocols:"+name, func(ctx context.Context) (any, error) {
		return s.reports.ProtocolReport(ctx, name)
	})
}

// GetPricedProtocol handles GET /api/v1/protocols/{name}/priced
func (s *Service) GetPricedProtocol(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.serve(w, r, "protocols:"+name+":priced", func(ctx context.Context) (any, error) {
		return s.reports.ProtocolPricedReport(ctx, name)
	})
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	price, err := s.reports.Price(r.Context(), symbol)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Symbol: symbol, Price: price, Display: price.String()})
}

// ConvertUnits handles GET /api/v1/convert?amount=&from=&to=
// The amount is converted at model.PositionDecimals.
func (s *Service) ConvertUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeError(w, "from and to are required", http.StatusBadRequest)
		return
	}
	amount, err := number.Parse(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}
	amount = amount.Rescale(model.PositionDecimals)

	result, err := s.reports.ConvertUnits(r.Context(), amount, from, to)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConvertResponse{
		Amount:  amount,
		From:    from,
		To:      to,
		Result:  result,
		Display: result.String(),
	})
}

// serve writes the JSON encoding of load's result, through the report cache
// when one is configured.
func (s *Service) serve(w http.ResponseWriter, r *http.Request, key string, load func(context.Context) (any, error)) {
	encode := func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	var (
		data []byte
		err  error
	)
	if s.cache != nil {
		data, err = s.cache.Fetch(r.Context(), key, encode)
	} else {
		data, err = encode(r.Context())
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrUnknownProtocol), errors.Is(err, pricing.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrResolveTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, number.ErrDivisionByZero),
		errors.Is(err, amm.ErrEmptyReserve),
		errors.Is(err, amm.ErrEmptySupply):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	slog.Error("request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"err", err,
	)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// summarize condenses a priced chain report for WebSocket clients.
func summarize(report *model.ChainPricedReport) WSMessage {
	protocols := make(map[string]string, len(report.Protocols))
	for name, p := range report.Protocols {
		protocols[name] = p.Value.Net.String()
	}
	return WSMessage{
		Type:      "chain_priced_report",
		Value:     report.Total.Value.Net.String(),
		Long:      report.Total.Value.Long.String(),
		Short:     report.Total.Value.Short.String(),
		Holdings:  report.Holdings.Value.Net.String(),
		Protocols: protocols,
		Timestamp: time.Now().UTC(),
	}
}
