package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
	"github.com/memetrade/pnl-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func leg(account, asset, txHash string, side model.Side, amount, price float64) *model.TradeLeg {
	return &model.TradeLeg{
		ID:              txHash + "-" + string(side),
		TransactionHash: txHash,
		Account:         account,
		Asset:           asset,
		Side:            side,
		Amount:          d(amount),
		PriceUSD:        d(price),
		ValueUSD:        d(amount * price),
		Timestamp:       time.Now().UTC(),
	}
}

func TestExecTx_RollbackOnError(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPositionForUpdate(ctx, "alice", "MEME")
		if err != nil {
			return err
		}
		pos.Quantity = d(100)
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertTradeLeg(ctx, leg("alice", "MEME", "tx1", model.SideBuy, 100, 1)); err != nil {
			return err
		}
		if err := tx.ApplyStats(ctx, "alice", d(100), decimal.Zero); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the tx error back, got %v", err)
	}

	// Nothing from the failed transaction is visible.
	if _, err := ms.GetPosition(ctx, "alice", "MEME"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position leaked from rolled-back tx: %v", err)
	}
	if _, err := ms.GetStats(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stats leaked from rolled-back tx: %v", err)
	}
	legs, _ := ms.TradesByAccount(ctx, "alice")
	if len(legs) != 0 {
		t.Errorf("ledger entries leaked from rolled-back tx: %d", len(legs))
	}
}

func TestExecTx_LockTimeout(t *testing.T) {
	ms := store.NewMemoryStore(50 * time.Millisecond)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- ms.ExecTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetPositionForUpdate(ctx, "alice", "MEME"); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetPositionForUpdate(ctx, "alice", "MEME")
		return err
	})
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder tx failed: %v", err)
	}

	// Lock released after commit: the same row is acquirable again.
	err = ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetPositionForUpdate(ctx, "alice", "MEME")
		return err
	})
	if err != nil {
		t.Errorf("lock not released after commit: %v", err)
	}
}

func TestExecTx_DisjointPositionsDoNotContend(t *testing.T) {
	ms := store.NewMemoryStore(50 * time.Millisecond)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- ms.ExecTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetPositionForUpdate(ctx, "alice", "MEME"); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	// A different (account, asset) pair must not wait on alice/MEME.
	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetPositionForUpdate(ctx, "bob", "PEPE")
		return err
	})
	if err != nil {
		t.Errorf("disjoint position blocked: %v", err)
	}

	close(release)
	<-done
}

func TestInsertTradeLeg_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		return tx.InsertTradeLeg(ctx, leg("alice", "MEME", "tx1", model.SideBuy, 10, 1))
	})
	if err != nil {
		t.Fatal(err)
	}

	err = ms.ExecTx(ctx, func(tx store.Tx) error {
		return tx.InsertTradeLeg(ctx, leg("alice", "MEME", "tx1", model.SideBuy, 10, 1))
	})
	if !errors.Is(err, store.ErrDuplicateTrade) {
		t.Errorf("expected ErrDuplicateTrade, got %v", err)
	}

	// Same hash, other side is a distinct leg.
	err = ms.ExecTx(ctx, func(tx store.Tx) error {
		return tx.InsertTradeLeg(ctx, leg("alice", "USDC", "tx1", model.SideSell, 10, 1))
	})
	if err != nil {
		t.Errorf("other side of same hash rejected: %v", err)
	}

	exists := false
	_ = ms.ExecTx(ctx, func(tx store.Tx) error {
		var err error
		exists, err = tx.TradeLegExists(ctx, "tx1", model.SideBuy)
		return err
	})
	if !exists {
		t.Error("TradeLegExists should see the committed leg")
	}
}

func seedStats(t *testing.T, ms *store.MemoryStore, account string, pnl, volume float64, trades int) {
	t.Helper()
	ctx := context.Background()
	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		for i := 0; i < trades; i++ {
			if err := tx.ApplyStats(ctx, account, d(volume/float64(trades)), d(pnl/float64(trades))); err != nil {
				return err
			}
		}
		return tx.TouchStatsTimestamps(ctx, account, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("seed stats for %s: %v", account, err)
	}
}

func TestLeaderboard_OrderingAndTies(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()

	seedStats(t, ms, "carol", 50, 1000, 2)
	seedStats(t, ms, "alice", 200, 400, 4)
	seedStats(t, ms, "bob", 200, 900, 1)

	rows, err := ms.Leaderboard(ctx, model.MetricRealizedPnL, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = r.Account
	}
	// alice and bob tie at 200; account id breaks the tie.
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pnl ranking = %v, want %v", got, want)
		}
	}

	for i := 1; i < len(rows); i++ {
		if rows[i].TotalRealizedPnL.GreaterThan(rows[i-1].TotalRealizedPnL) {
			t.Errorf("ranking not non-increasing at %d", i)
		}
	}

	rows, err = ms.Leaderboard(ctx, model.MetricVolume, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Account != "carol" || rows[1].Account != "bob" {
		t.Errorf("volume top-2 wrong: %+v", rows)
	}

	if _, err := ms.Leaderboard(ctx, model.LeaderboardMetric("net_worth; DROP TABLE"), 10); err == nil {
		t.Error("unknown metric must be rejected")
	}
}

func TestStats_LargestTradeAndTimestamps(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		if err := tx.ApplyStats(ctx, "alice", d(500), d(10)); err != nil {
			return err
		}
		return tx.TouchStatsTimestamps(ctx, "alice", first)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = ms.ExecTx(ctx, func(tx store.Tx) error {
		if err := tx.ApplyStats(ctx, "alice", d(200), d(-5)); err != nil {
			return err
		}
		return tx.TouchStatsTimestamps(ctx, "alice", second)
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := ms.GetStats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !st.TotalVolume.Equal(d(700)) {
		t.Errorf("volume = %s, want 700", st.TotalVolume)
	}
	if !st.TotalRealizedPnL.Equal(d(5)) {
		t.Errorf("pnl = %s, want 5", st.TotalRealizedPnL)
	}
	if !st.LargestTradeValue.Equal(d(500)) {
		t.Errorf("largest trade = %s, want 500", st.LargestTradeValue)
	}
	if !st.FirstTradeAt.Equal(first) {
		t.Errorf("first trade at = %v, want %v", st.FirstTradeAt, first)
	}
	if !st.LastTradeAt.Equal(second) {
		t.Errorf("last trade at = %v, want %v", st.LastTradeAt, second)
	}
}

func TestListOpenPositions_ExcludesFlat(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		open, err := tx.GetPositionForUpdate(ctx, "alice", "MEME")
		if err != nil {
			return err
		}
		open.Quantity = d(10)
		if err := tx.UpsertPosition(ctx, open); err != nil {
			return err
		}

		flat, err := tx.GetPositionForUpdate(ctx, "alice", "DUST")
		if err != nil {
			return err
		}
		flat.AvgCostBasis = d(2) // sold out, history retained
		return tx.UpsertPosition(ctx, flat)
	})
	if err != nil {
		t.Fatal(err)
	}

	open, err := ms.ListOpenPositions(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Asset != "MEME" {
		t.Errorf("open positions = %+v, want only MEME", open)
	}

	// The flat record still exists for direct reads.
	if _, err := ms.GetPosition(ctx, "alice", "DUST"); err != nil {
		t.Errorf("flat position should persist: %v", err)
	}
}

func TestSavePriceRefresh(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, "alice", "MEME")
		if err != nil {
			return err
		}
		p.Quantity = d(10)
		p.AvgCostBasis = d(1)
		return tx.UpsertPosition(ctx, p)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := ms.SavePriceRefresh(ctx, "alice", "MEME", d(3), d(20)); err != nil {
		t.Fatal(err)
	}

	p, _ := ms.GetPosition(ctx, "alice", "MEME")
	if !p.LastPrice.Equal(d(3)) || !p.UnrealizedPnL.Equal(d(20)) {
		t.Errorf("refresh not persisted: last=%s upnl=%s", p.LastPrice, p.UnrealizedPnL)
	}

	if err := ms.SavePriceRefresh(ctx, "nobody", "MEME", d(1), d(0)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown position, got %v", err)
	}
}
