package ledgerhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/ledger"
	"github.com/memetrade/pnl-ledger/internal/ledgerhttp"
	"github.com/memetrade/pnl-ledger/internal/model"
	"github.com/memetrade/pnl-ledger/internal/pricing"
	"github.com/memetrade/pnl-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// staticOracle returns fixed prices for the portfolio tests.
type staticOracle map[string]decimal.Decimal

func (o staticOracle) TokenPrices(_ context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, a := range assets {
		if p, ok := o[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

// newTestEnv creates a Service over an in-memory store and mounts it on
// a chi router.
func newTestEnv(t *testing.T, prices *pricing.Cache) (*ledger.Engine, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore(time.Second)
	engine := ledger.NewEngine(ms)
	svc := ledgerhttp.NewService(engine, prices, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return engine, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func swapBody(txRef string) ledgerhttp.SwapRequest {
	return ledgerhttp.SwapRequest{
		Account:     "alice",
		AssetIn:     "USDC",
		AssetOut:    "MEME",
		AmountIn:    d(100),
		AmountOut:   d(50),
		PriceInUSD:  d(1),
		PriceOutUSD: d(2),
		TxRef:       txRef,
	}
}

func TestApplySwap_OK(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doJSON(t, router, "POST", "/api/v1/swaps", swapBody("tx1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.SwapResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Error("first application flagged duplicate")
	}
	if res.SellLeg == nil || res.BuyLeg == nil {
		t.Fatal("both legs expected in response")
	}
	if !res.TradeValue.Equal(d(100)) {
		t.Errorf("trade value = %s, want 100", res.TradeValue)
	}
}

func TestApplySwap_Replay(t *testing.T) {
	_, router := newTestEnv(t, nil)

	if w := doJSON(t, router, "POST", "/api/v1/swaps", swapBody("tx1")); w.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", w.Code)
	}

	w := doJSON(t, router, "POST", "/api/v1/swaps", swapBody("tx1"))
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.SwapResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Duplicate {
		t.Error("replay should be flagged duplicate")
	}
}

func TestApplySwap_Validation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	bad := swapBody("")
	w := doJSON(t, router, "POST", "/api/v1/swaps", bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing tx_ref: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/swaps", map[string]string{"amount_in": "not-a-number"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestGetPortfolio_RepricesAgainstSnapshot(t *testing.T) {
	prices := pricing.NewCache(staticOracle{"MEME": d(4)})
	prices.Track("MEME")
	if err := prices.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	engine, router := newTestEnv(t, prices)
	if _, err := engine.ApplyPurchase(context.Background(), "alice", "MEME", d(50), d(2), "tx1", time.Time{}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ledgerhttp.PortfolioResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(resp.Positions))
	}

	pos := resp.Positions[0]
	if !pos.CurrentPrice.Equal(d(4)) {
		t.Errorf("current price = %s, want snapshot price 4", pos.CurrentPrice)
	}
	if !pos.MarketValue.Equal(d(200)) {
		t.Errorf("market value = %s, want 200", pos.MarketValue)
	}
	if !resp.TotalUnrealizedPnL.Equal(d(100)) {
		t.Errorf("total unrealized pnl = %s, want 100", resp.TotalUnrealizedPnL)
	}
	if !resp.TotalCostBasis.Equal(d(100)) {
		t.Errorf("total cost basis = %s, want 100", resp.TotalCostBasis)
	}
}

func TestGetPortfolio_EmptyAccount(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ledgerhttp.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Positions) != 0 {
		t.Errorf("positions = %d, want 0", len(resp.Positions))
	}
}

func TestGetStats_ZeroedForUnknownAccount(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doJSON(t, router, "GET", "/api/v1/stats/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var st model.AccountStats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Account != "nobody" || st.TradeCount != 0 || !st.TotalVolume.IsZero() {
		t.Errorf("expected zeroed stats, got %+v", st)
	}
}

func TestGetTrades_NewestFirst(t *testing.T) {
	engine, router := newTestEnv(t, nil)
	ctx := context.Background()

	t0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := engine.ApplyPurchase(ctx, "alice", "MEME", d(10), d(1), "tx1", t0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.ApplySale(ctx, "alice", "MEME", d(5), d(2), "tx2", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, "GET", "/api/v1/trades/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var legs []model.TradeLeg
	if err := json.Unmarshal(w.Body.Bytes(), &legs); err != nil {
		t.Fatal(err)
	}
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(legs))
	}
	if legs[0].Side != model.SideSell || legs[1].Side != model.SideBuy {
		t.Errorf("not newest first: %s then %s", legs[0].Side, legs[1].Side)
	}
}

func TestGetLeaderboard(t *testing.T) {
	engine, router := newTestEnv(t, nil)
	ctx := context.Background()

	// bob flips for a profit, alice only accumulates.
	if _, err := engine.ApplyPurchase(ctx, "bob", "MEME", d(100), d(1), "b1", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := engine.ApplySale(ctx, "bob", "MEME", d(100), d(3), "b2", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.ApplyPurchase(ctx, "alice", "MEME", d(10), d(1), "a1", time.Time{}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, "GET", "/api/v1/leaderboard?metric=total_realized_pnl&limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rows []model.AccountStats
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Account != "bob" {
		t.Errorf("ranking = %+v, want bob first", rows)
	}
	if !rows[0].TotalRealizedPnL.Equal(d(200)) {
		t.Errorf("bob pnl = %s, want 200", rows[0].TotalRealizedPnL)
	}

	// Default metric when none given.
	if w := doJSON(t, router, "GET", "/api/v1/leaderboard", nil); w.Code != http.StatusOK {
		t.Errorf("default metric: expected 200, got %d", w.Code)
	}

	if w := doJSON(t, router, "GET", "/api/v1/leaderboard?metric=password", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown metric: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, router, "GET", "/api/v1/leaderboard?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}
