// Package ledgerhttp provides the HTTP handlers for applying swaps and
// querying positions, stats, and the leaderboard.
package ledgerhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/ledger"
	"github.com/memetrade/pnl-ledger/internal/metrics"
	"github.com/memetrade/pnl-ledger/internal/model"
	"github.com/memetrade/pnl-ledger/internal/pricing"
	"github.com/memetrade/pnl-ledger/internal/store"
)

// Service exposes the ledger engine over HTTP.
type Service struct {
	engine *ledger.Engine
	prices *pricing.Cache // optional; nil disables re-pricing
	wsHub  *WSHub         // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for prices or hub if
// price refresh / WebSocket broadcasting are not needed.
func NewService(engine *ledger.Engine, prices *pricing.Cache, hub *WSHub) *Service {
	return &Service{
		engine: engine,
		prices: prices,
		wsHub:  hub,
	}
}

// Routes mounts the service's endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
	r.Post("/swaps", s.ApplySwap)
	r.Get("/portfolio/{account}", s.GetPortfolio)
	r.Get("/stats/{account}", s.GetStats)
	r.Get("/trades/{account}", s.GetTrades)
	r.Get("/leaderboard", s.GetLeaderboard)
}

// --- Request/Response types ---

// SwapRequest is the JSON body for POST /swaps: one normalized swap
// event from the trade feed.
type SwapRequest struct {
	Account     string          `json:"account"`
	AssetIn     string          `json:"asset_in"`
	AssetOut    string          `json:"asset_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	PriceInUSD  decimal.Decimal `json:"price_in_usd"`
	PriceOutUSD decimal.Decimal `json:"price_out_usd"`
	TxRef       string          `json:"tx_ref"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PortfolioResponse is the account's re-priced open positions with
// portfolio-level totals.
type PortfolioResponse struct {
	Account            string                 `json:"account"`
	Positions          []model.PortfolioEntry `json:"positions"`
	TotalMarketValue   decimal.Decimal        `json:"total_market_value"`
	TotalCostBasis     decimal.Decimal        `json:"total_cost_basis"`
	TotalUnrealizedPnL decimal.Decimal        `json:"total_unrealized_pnl"`
	PricesAsOf         time.Time              `json:"prices_as_of,omitempty"`
}

// --- HTTP Handlers ---

// ApplySwap handles POST /api/v1/swaps.
// Applies both legs of a swap atomically; replays are no-op successes.
func (s *Service) ApplySwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := s.engine.ApplySwap(r.Context(), model.Swap(req))
	if err != nil {
		switch {
		case isValidationErr(err):
			metrics.SwapsRejected.WithLabelValues("validation").Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrLockTimeout):
			metrics.LockTimeouts.Inc()
			writeError(w, "position busy, retry the swap", http.StatusConflict)
		case errors.Is(err, store.ErrDuplicateTrade):
			metrics.SwapsRejected.WithLabelValues("concurrent_replay").Inc()
			writeError(w, "swap already being applied, retry", http.StatusConflict)
		default:
			metrics.SwapsRejected.WithLabelValues("persistence").Inc()
			writeError(w, "failed to apply swap", http.StatusInternalServerError)
		}
		return
	}
	metrics.SwapLatency.Observe(time.Since(start).Seconds())

	if res.Duplicate {
		metrics.SwapsDuplicate.Inc()
	} else {
		metrics.SwapsApplied.Inc()
		if res.SellLeg != nil {
			metrics.TradeLegsTotal.WithLabelValues(string(model.SideSell)).Inc()
		}
		if res.BuyLeg != nil {
			metrics.TradeLegsTotal.WithLabelValues(string(model.SideBuy)).Inc()
		}

		slog.Info("swap applied",
			"account", req.Account,
			"tx_ref", req.TxRef,
			"realized_pnl", res.RealizedPnL.String(),
			"trade_value", res.TradeValue.String(),
		)

		if s.prices != nil {
			s.prices.Track(req.AssetIn, req.AssetOut)
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:        "swap_applied",
				Account:     req.Account,
				TxRef:       req.TxRef,
				AssetIn:     req.AssetIn,
				AssetOut:    req.AssetOut,
				RealizedPnL: res.RealizedPnL.String(),
				TradeValue:  res.TradeValue.String(),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// GetPortfolio handles GET /api/v1/portfolio/{account}.
// Open positions re-priced against the latest price snapshot.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	var src ledger.PriceSource
	var asOf time.Time
	if s.prices != nil {
		snap := s.prices.Snapshot()
		src = snap
		asOf = snap.TakenAt
	}

	entries, err := s.engine.Portfolio(r.Context(), account, src)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.PortfolioEntry{}
	}

	resp := PortfolioResponse{
		Account:    account,
		Positions:  entries,
		PricesAsOf: asOf,
	}
	for _, e := range entries {
		resp.TotalMarketValue = resp.TotalMarketValue.Add(e.MarketValue)
		resp.TotalCostBasis = resp.TotalCostBasis.Add(e.CostBasis)
		resp.TotalUnrealizedPnL = resp.TotalUnrealizedPnL.Add(e.Position.UnrealizedPnL)
		if s.prices != nil {
			s.prices.Track(e.Asset)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetStats handles GET /api/v1/stats/{account}.
// Returns zeroed counters for accounts that never traded.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	st, err := s.engine.Stats(r.Context(), account)
	if err != nil {
		writeError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// GetTrades handles GET /api/v1/trades/{account}.
// The account's ledger entries, newest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	legs, err := s.engine.Trades(r.Context(), account)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if legs == nil {
		legs = []model.TradeLeg{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(legs)
}

// GetLeaderboard handles GET /api/v1/leaderboard?metric=&limit=.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	metric, err := model.ParseLeaderboardMetric(r.URL.Query().Get("metric"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.engine.Leaderboard(r.Context(), metric, limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.AccountStats{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// isValidationErr reports whether the error belongs to the ledger's
// validation taxonomy (rejected before any write).
func isValidationErr(err error) bool {
	return errors.Is(err, ledger.ErrInvalidAmount) ||
		errors.Is(err, ledger.ErrInvalidPrice) ||
		errors.Is(err, ledger.ErrMissingTxRef) ||
		errors.Is(err, ledger.ErrMissingAccount) ||
		errors.Is(err, ledger.ErrEmptySwap)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
