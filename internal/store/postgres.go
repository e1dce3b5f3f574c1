package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/memetrade/pnl-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Position row exclusivity uses SELECT ... FOR UPDATE with a per-
// transaction lock_timeout so a blocked swap fails fast and can be
// retried instead of queueing indefinitely.
type PostgresStore struct {
	pool     *pgxpool.Pool
	lockWait time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lockWait time.Duration) *PostgresStore {
	if lockWait <= 0 {
		lockWait = time.Second
	}
	return &PostgresStore{pool: pool, lockWait: lockWait}
}

// ExecTx runs fn inside one database transaction with a bounded row-lock
// wait. Lock-timeout and duplicate-key failures are mapped to the store
// sentinel errors.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	// Bounded wait on FOR UPDATE; lockWait is server-side config, never
	// user input.
	if _, err := dbtx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	if err := fn(&pgTx{tx: dbtx}); err != nil {
		return mapPgError(err)
	}
	// Constraint violations can surface at commit (deferred constraints,
	// server-side batching); map them the same as the fn path.
	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

// mapPgError translates PostgreSQL error codes to store sentinels.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, pgErr.ConstraintName)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const positionColumns = `account, asset,
        quantity::TEXT, avg_cost_basis::TEXT, total_cost_basis::TEXT,
        last_price::TEXT, unrealized_pnl::TEXT,
        asset_decimals, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, avg, total, last, upnl string

	if err := row.Scan(&p.Account, &p.Asset,
		&qty, &avg, &total, &last, &upnl,
		&p.AssetDecimals, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgCostBasis, _ = decimal.NewFromString(avg)
	p.TotalCostBasis, _ = decimal.NewFromString(total)
	p.LastPrice, _ = decimal.NewFromString(last)
	p.UnrealizedPnL, _ = decimal.NewFromString(upnl)

	return &p, nil
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, account, asset string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE account = $1 AND asset = $2
		 FOR UPDATE`, account, asset))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock position %s/%s: %w", account, asset, err)
	}

	// getOrCreate: insert the zeroed row inside the same transaction.
	// The insert itself holds the row lock until commit.
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO positions
		   (account, asset, quantity, avg_cost_basis, total_cost_basis,
		    last_price, unrealized_pnl, asset_decimals, updated_at)
		 VALUES ($1, $2, 0, 0, 0, 0, 0, 0, $3)`,
		account, asset, now); err != nil {
		return nil, fmt.Errorf("create position %s/%s: %w", account, asset, err)
	}

	return &model.Position{Account: account, Asset: asset, UpdatedAt: now}, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET quantity = $3::NUMERIC,
		     avg_cost_basis = $4::NUMERIC,
		     total_cost_basis = $5::NUMERIC,
		     last_price = $6::NUMERIC,
		     unrealized_pnl = $7::NUMERIC,
		     asset_decimals = $8,
		     updated_at = $9
		 WHERE account = $1 AND asset = $2`,
		p.Account, p.Asset,
		p.Quantity.String(), p.AvgCostBasis.String(), p.TotalCostBasis.String(),
		p.LastPrice.String(), p.UnrealizedPnL.String(),
		p.AssetDecimals, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertTradeLeg(ctx context.Context, e *model.TradeLeg) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades
		   (id, transaction_hash, account, asset, side,
		    amount, price_usd, value_usd, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.TransactionHash, e.Account, e.Asset, string(e.Side),
		e.Amount.String(), e.PriceUSD.String(), e.ValueUSD.String(), e.RealizedPnL.String(),
		e.Timestamp,
	)
	return mapPgError(err)
}

func (t *pgTx) TradeLegExists(ctx context.Context, txHash string, side model.Side) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trades WHERE transaction_hash = $1 AND side = $2)`,
		txHash, string(side)).Scan(&exists)
	return exists, err
}

// ApplyStats runs inside a savepoint. Callers treat stats as best-effort,
// but on PostgreSQL any failed statement aborts the enclosing transaction;
// rolling the savepoint back keeps the position and ledger writes
// committable when the stats write fails.
func (t *pgTx) ApplyStats(ctx context.Context, account string, tradeValue, realizedPnL decimal.Decimal) error {
	sp, err := t.tx.Begin(ctx) // SAVEPOINT
	if err != nil {
		return err
	}
	if err := applyStats(ctx, sp, account, tradeValue, realizedPnL); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func applyStats(ctx context.Context, tx pgx.Tx, account string, tradeValue, realizedPnL decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE account_stats
		 SET total_realized_pnl = total_realized_pnl + $2::NUMERIC,
		     total_volume = total_volume + $3::NUMERIC,
		     trade_count = trade_count + 1,
		     largest_trade_value = GREATEST(largest_trade_value, $3::NUMERIC)
		 WHERE account = $1`,
		account, realizedPnL.String(), tradeValue.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// First trade for this account: create the row explicitly inside
	// the transaction rather than relying on ON CONFLICT.
	_, err = tx.Exec(ctx,
		`INSERT INTO account_stats
		   (account, total_realized_pnl, total_volume, trade_count, largest_trade_value)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, 1, $3::NUMERIC)`,
		account, realizedPnL.String(), tradeValue.String())
	return err
}

// TouchStatsTimestamps uses the same savepoint discipline as ApplyStats:
// a partially migrated account_stats table (missing timestamp columns)
// must degrade to stale stats, never to a rolled-back swap.
func (t *pgTx) TouchStatsTimestamps(ctx context.Context, account string, at time.Time) error {
	sp, err := t.tx.Begin(ctx) // SAVEPOINT
	if err != nil {
		return err
	}
	if _, err := sp.Exec(ctx,
		`UPDATE account_stats
		 SET first_trade_at = COALESCE(first_trade_at, $2),
		     last_trade_at = $2
		 WHERE account = $1`,
		account, at); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// --- Reads (plain pool queries; no row locks) ---

func (s *PostgresStore) GetPosition(ctx context.Context, account, asset string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE account = $1 AND asset = $2`, account, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", account, asset, err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, account string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE account = $1 AND quantity > 0
		 ORDER BY asset`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SavePriceRefresh(ctx context.Context, account, asset string, lastPrice, unrealizedPnL decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET last_price = $3::NUMERIC,
		     unrealized_pnl = $4::NUMERIC,
		     updated_at = NOW()
		 WHERE account = $1 AND asset = $2`,
		account, asset, lastPrice.String(), unrealizedPnL.String())
	return err
}

const statsColumns = `account,
        total_realized_pnl::TEXT, total_volume::TEXT, trade_count,
        largest_trade_value::TEXT, first_trade_at, last_trade_at`

func scanStats(row pgx.Row) (*model.AccountStats, error) {
	var st model.AccountStats
	var pnl, vol, largest string
	var first, last *time.Time

	if err := row.Scan(&st.Account, &pnl, &vol, &st.TradeCount,
		&largest, &first, &last); err != nil {
		return nil, err
	}

	st.TotalRealizedPnL, _ = decimal.NewFromString(pnl)
	st.TotalVolume, _ = decimal.NewFromString(vol)
	st.LargestTradeValue, _ = decimal.NewFromString(largest)
	if first != nil {
		st.FirstTradeAt = *first
	}
	if last != nil {
		st.LastTradeAt = *last
	}
	return &st, nil
}

func (s *PostgresStore) GetStats(ctx context.Context, account string) (*model.AccountStats, error) {
	st, err := scanStats(s.pool.QueryRow(ctx,
		`SELECT `+statsColumns+` FROM account_stats WHERE account = $1`, account))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats %s: %w", account, err)
	}
	return st, nil
}

// leaderboardQueries maps each metric to a fixed query. The metric is
// validated against the closed enum before lookup; sort columns are
// never interpolated from caller input.
var leaderboardQueries = map[model.LeaderboardMetric]string{
	model.MetricRealizedPnL: `SELECT ` + statsColumns + ` FROM account_stats
		 ORDER BY total_realized_pnl DESC, account ASC LIMIT $1`,
	model.MetricVolume: `SELECT ` + statsColumns + ` FROM account_stats
		 ORDER BY total_volume DESC, account ASC LIMIT $1`,
	model.MetricTradeCount: `SELECT ` + statsColumns + ` FROM account_stats
		 ORDER BY trade_count DESC, account ASC LIMIT $1`,
	model.MetricLargestTrade: `SELECT ` + statsColumns + ` FROM account_stats
		 ORDER BY largest_trade_value DESC, account ASC LIMIT $1`,
}

func (s *PostgresStore) Leaderboard(ctx context.Context, metric model.LeaderboardMetric, limit int) ([]model.AccountStats, error) {
	q, ok := leaderboardQueries[metric]
	if !ok {
		return nil, fmt.Errorf("leaderboard: unknown metric %q", metric)
	}

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccountStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TradesByAccount(ctx context.Context, account string) ([]model.TradeLeg, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_hash, account, asset, side,
		        amount::TEXT, price_usd::TEXT, value_usd::TEXT, realized_pnl::TEXT,
		        timestamp
		 FROM trades WHERE account = $1
		 ORDER BY timestamp DESC, id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var legs []model.TradeLeg
	for rows.Next() {
		var e model.TradeLeg
		var side, amount, price, value, pnl string

		if err := rows.Scan(&e.ID, &e.TransactionHash, &e.Account, &e.Asset, &side,
			&amount, &price, &value, &pnl, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Side = model.Side(side)
		e.Amount, _ = decimal.NewFromString(amount)
		e.PriceUSD, _ = decimal.NewFromString(price)
		e.ValueUSD, _ = decimal.NewFromString(value)
		e.RealizedPnL, _ = decimal.NewFromString(pnl)

		legs = append(legs, e)
	}
	return legs, rows.Err()
}
