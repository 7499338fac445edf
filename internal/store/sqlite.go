package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database. Decimals are
// stored as text to avoid float drift; timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	portfolio_id    TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	limit_price     TEXT NOT NULL,
	stop_price      TEXT NOT NULL,
	time_in_force   TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	duration_ns     INTEGER NOT NULL,
	display_qty     TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	submitted_at    INTEGER NOT NULL,
	filled_at       INTEGER NOT NULL,
	cancelled_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_portfolio ON orders(portfolio_id);

CREATE TABLE IF NOT EXISTS child_orders (
	id              TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	qty             TEXT NOT NULL,
	limit_price     TEXT NOT NULL,
	scheduled_at    INTEGER NOT NULL,
	broker_order_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_children_parent ON child_orders(parent_id);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	child_id    TEXT NOT NULL,
	qty         TEXT NOT NULL,
	price       TEXT NOT NULL,
	venue       TEXT NOT NULL,
	commission  TEXT NOT NULL,
	fees        TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);

CREATE TABLE IF NOT EXISTS portfolios (
	id                 TEXT PRIMARY KEY,
	cash               TEXT NOT NULL,
	invested           TEXT NOT NULL,
	realized_pnl       TEXT NOT NULL,
	max_leverage       TEXT NOT NULL,
	max_position_pct   TEXT NOT NULL,
	max_sector_pct     TEXT NOT NULL,
	daily_notional_cap TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	portfolio_id  TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	qty           TEXT NOT NULL,
	avg_cost      TEXT NOT NULL,
	current_price TEXT NOT NULL,
	sector        TEXT NOT NULL,
	country       TEXT NOT NULL,
	currency      TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, symbol)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", dbPath, err)
	}
	// One writer at a time; the engine serializes mutations per portfolio
	// and per order above this layer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, portfolio_id, symbol, side, type, qty, limit_price,
			stop_price, time_in_force, strategy, duration_ns, display_qty, status,
			filled_qty, avg_fill_price, broker_order_id, created_at, submitted_at,
			filled_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.PortfolioID, o.Symbol, string(o.Side), string(o.Type),
		o.Qty.String(), o.LimitPrice.String(), o.StopPrice.String(),
		string(o.TimeInForce), string(o.Strategy), int64(o.Duration),
		o.DisplayQty.String(), string(o.Status), o.FilledQty.String(),
		o.AvgFillPrice.String(), o.BrokerOrderID,
		timeNS(o.CreatedAt), timeNS(o.SubmittedAt), timeNS(o.FilledAt), timeNS(o.CancelledAt))
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, portfolio_id, symbol, side, type, qty, limit_price, stop_price,
			time_in_force, strategy, duration_ns, display_qty, status, filled_qty,
			avg_fill_price, broker_order_id, created_at, submitted_at, filled_at,
			cancelled_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", id, err)
	}
	return o, nil
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?,
			broker_order_id = ?, submitted_at = ?, filled_at = ?, cancelled_at = ?
		WHERE id = ?`,
		string(o.Status), o.FilledQty.String(), o.AvgFillPrice.String(),
		o.BrokerOrderID, timeNS(o.SubmittedAt), timeNS(o.FilledAt),
		timeNS(o.CancelledAt), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// ListOrders returns orders matching the filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	query := `
		SELECT id, portfolio_id, symbol, side, type, qty, limit_price, stop_price,
			time_in_force, strategy, duration_ns, display_qty, status, filled_qty,
			avg_fill_price, broker_order_id, created_at, submitted_at, filled_at,
			cancelled_at
		FROM orders WHERE 1=1`
	var args []any
	if f.PortfolioID != "" {
		query += " AND portfolio_id = ?"
		args = append(args, f.PortfolioID)
	}
	if f.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// SaveChildren inserts a parent's planned child orders in one transaction.
func (s *SQLiteStore) SaveChildren(ctx context.Context, children []domain.ChildOrder) error {
	if len(children) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range children {
		c := &children[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO child_orders (id, parent_id, seq, qty, limit_price,
				scheduled_at, broker_order_id, status, filled_qty, avg_fill_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ParentID, c.Seq, c.Qty.String(), c.LimitPrice.String(),
			timeNS(c.ScheduledAt), c.BrokerOrderID, string(c.Status),
			c.FilledQty.String(), c.AvgFillPrice.String()); err != nil {
			return fmt.Errorf("inserting child %d of %s: %w", c.Seq, c.ParentID, err)
		}
	}
	return tx.Commit()
}

// UpdateChild persists changes to one child order.
func (s *SQLiteStore) UpdateChild(ctx context.Context, c *domain.ChildOrder) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE child_orders SET broker_order_id = ?, status = ?, filled_qty = ?,
			avg_fill_price = ?
		WHERE id = ?`,
		c.BrokerOrderID, string(c.Status), c.FilledQty.String(),
		c.AvgFillPrice.String(), c.ID)
	if err != nil {
		return fmt.Errorf("updating child %s: %w", c.ID, err)
	}
	return nil
}

// ListChildren returns a parent's children in sequence order.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]domain.ChildOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, seq, qty, limit_price, scheduled_at,
			broker_order_id, status, filled_qty, avg_fill_price
		FROM child_orders WHERE parent_id = ? ORDER BY seq ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var children []domain.ChildOrder
	for rows.Next() {
		var (
			c                               domain.ChildOrder
			qty, limit, filled, avg, status string
			scheduled                       int64
		)
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Seq, &qty, &limit, &scheduled,
			&c.BrokerOrderID, &status, &filled, &avg); err != nil {
			return nil, fmt.Errorf("scanning child: %w", err)
		}
		p := &decParser{}
		c.Qty = p.dec("qty", qty)
		c.LimitPrice = p.dec("limit_price", limit)
		c.FilledQty = p.dec("filled_qty", filled)
		c.AvgFillPrice = p.dec("avg_fill_price", avg)
		if p.err != nil {
			return nil, fmt.Errorf("child %s: %w", c.ID, p.err)
		}
		c.ScheduledAt = nsTime(scheduled)
		c.Status = domain.OrderStatus(status)
		children = append(children, c)
	}
	return children, rows.Err()
}

// ---------------------------------------------------------------------------
// ExecutionStore implementation
// ---------------------------------------------------------------------------

// SaveExecution appends a fill to the execution log.
func (s *SQLiteStore) SaveExecution(ctx context.Context, e *domain.Execution) error {
	return s.insertExecution(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertExecution(ctx context.Context, db execer, e *domain.Execution) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO executions (id, order_id, child_id, qty, price, venue,
			commission, fees, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.ChildID, e.Qty.String(), e.Price.String(), e.Venue,
		e.Commission.String(), e.Fees.String(), timeNS(e.ExecutedAt))
	if err != nil {
		return fmt.Errorf("inserting execution %s: %w", e.ID, err)
	}
	return nil
}

// HasExecution reports whether a fill with this ID was already recorded.
func (s *SQLiteStore) HasExecution(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking execution %s: %w", id, err)
	}
	return n > 0, nil
}

// ListExecutions returns an order's fills ordered by execution time.
func (s *SQLiteStore) ListExecutions(ctx context.Context, orderID string) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, child_id, qty, price, venue, commission, fees, executed_at
		FROM executions WHERE order_id = ? ORDER BY executed_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing executions of %s: %w", orderID, err)
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		var (
			e                               domain.Execution
			qty, price, commission, fees string
			executedAt                      int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.ChildID, &qty, &price, &e.Venue,
			&commission, &fees, &executedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		p := &decParser{}
		e.Qty = p.dec("qty", qty)
		e.Price = p.dec("price", price)
		e.Commission = p.dec("commission", commission)
		e.Fees = p.dec("fees", fees)
		if p.err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, p.err)
		}
		e.ExecutedAt = nsTime(executedAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ---------------------------------------------------------------------------
// PortfolioStore implementation
// ---------------------------------------------------------------------------

// GetPortfolio loads a portfolio and its positions.
func (s *SQLiteStore) GetPortfolio(ctx context.Context, id string) (*domain.Portfolio, error) {
	var (
		pf                                       domain.Portfolio
		cash, invested, pnl                      string
		leverage, posPct, sectorPct, dailyCap string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cash, invested, realized_pnl, max_leverage, max_position_pct,
			max_sector_pct, daily_notional_cap
		FROM portfolios WHERE id = ?`, id).
		Scan(&pf.ID, &cash, &invested, &pnl, &leverage, &posPct, &sectorPct, &dailyCap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading portfolio %s: %w", id, err)
	}
	p := &decParser{}
	pf.Cash = p.dec("cash", cash)
	pf.Invested = p.dec("invested", invested)
	pf.RealizedPnL = p.dec("realized_pnl", pnl)
	pf.Limits = domain.RiskLimits{
		MaxLeverage:      p.dec("max_leverage", leverage),
		MaxPositionPct:   p.dec("max_position_pct", posPct),
		MaxSectorPct:     p.dec("max_sector_pct", sectorPct),
		DailyNotionalCap: p.dec("daily_notional_cap", dailyCap),
	}
	if p.err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", id, p.err)
	}
	pf.Positions = make(map[string]*domain.Position)

	rows, err := s.db.QueryContext(ctx, `
		SELECT portfolio_id, symbol, qty, avg_cost, current_price, sector, country, currency
		FROM positions WHERE portfolio_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading positions of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pos                  domain.Position
			qty, avgCost, price string
		)
		if err := rows.Scan(&pos.PortfolioID, &pos.Symbol, &qty, &avgCost, &price,
			&pos.Sector, &pos.Country, &pos.Currency); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		pp := &decParser{}
		pos.Qty = pp.dec("qty", qty)
		pos.AvgCost = pp.dec("avg_cost", avgCost)
		pos.CurrentPrice = pp.dec("current_price", price)
		if pp.err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", id, pos.Symbol, pp.err)
		}
		pf.Positions[pos.Symbol] = &pos
	}
	return &pf, rows.Err()
}

// SavePortfolio upserts a portfolio and all its positions in one transaction.
func (s *SQLiteStore) SavePortfolio(ctx context.Context, pf *domain.Portfolio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertPortfolio(ctx, tx, pf); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE portfolio_id = ?`, pf.ID); err != nil {
		return fmt.Errorf("clearing positions of %s: %w", pf.ID, err)
	}
	for _, pos := range pf.Positions {
		if err := upsertPosition(ctx, tx, pos); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyFill records one reconciled fill atomically: execution row, order fill
// state, portfolio balances, and the position upsert or removal.
func (s *SQLiteStore) ApplyFill(ctx context.Context, order *domain.Order, exec *domain.Execution, pf *domain.Portfolio, pos *domain.Position, removePosition bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insertExecution(ctx, tx, exec); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, filled_at = ?
		WHERE id = ?`,
		string(order.Status), order.FilledQty.String(),
		order.AvgFillPrice.String(), timeNS(order.FilledAt), order.ID); err != nil {
		return fmt.Errorf("updating order %s fill state: %w", order.ID, err)
	}

	if err := upsertPortfolio(ctx, tx, pf); err != nil {
		return err
	}

	if removePosition {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE portfolio_id = ? AND symbol = ?`,
			pf.ID, pos.Symbol); err != nil {
			return fmt.Errorf("removing position %s/%s: %w", pf.ID, pos.Symbol, err)
		}
	} else if err := upsertPosition(ctx, tx, pos); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertPortfolio(ctx context.Context, tx *sql.Tx, pf *domain.Portfolio) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO portfolios (id, cash, invested, realized_pnl, max_leverage,
			max_position_pct, max_sector_pct, daily_notional_cap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cash = excluded.cash,
			invested = excluded.invested, realized_pnl = excluded.realized_pnl,
			max_leverage = excluded.max_leverage,
			max_position_pct = excluded.max_position_pct,
			max_sector_pct = excluded.max_sector_pct,
			daily_notional_cap = excluded.daily_notional_cap`,
		pf.ID, pf.Cash.String(), pf.Invested.String(), pf.RealizedPnL.String(),
		pf.Limits.MaxLeverage.String(), pf.Limits.MaxPositionPct.String(),
		pf.Limits.MaxSectorPct.String(), pf.Limits.DailyNotionalCap.String())
	if err != nil {
		return fmt.Errorf("upserting portfolio %s: %w", pf.ID, err)
	}
	return nil
}

func upsertPosition(ctx context.Context, tx *sql.Tx, pos *domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (portfolio_id, symbol, qty, avg_cost, current_price,
			sector, country, currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id, symbol) DO UPDATE SET qty = excluded.qty,
			avg_cost = excluded.avg_cost, current_price = excluded.current_price,
			sector = excluded.sector, country = excluded.country,
			currency = excluded.currency`,
		pos.PortfolioID, pos.Symbol, pos.Qty.String(), pos.AvgCost.String(),
		pos.CurrentPrice.String(), pos.Sector, pos.Country, pos.Currency)
	if err != nil {
		return fmt.Errorf("upserting position %s/%s: %w", pos.PortfolioID, pos.Symbol, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                                 domain.Order
		side, otype, tif, strategy, status                string
		qty, limit, stop, display, filled, avg            string
		durationNS, created, submitted, filledAt, cancAt int64
	)
	if err := row.Scan(&o.ID, &o.PortfolioID, &o.Symbol, &side, &otype, &qty,
		&limit, &stop, &tif, &strategy, &durationNS, &display, &status, &filled,
		&avg, &o.BrokerOrderID, &created, &submitted, &filledAt, &cancAt); err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Strategy = domain.StrategyKind(strategy)
	o.Status = domain.OrderStatus(status)
	p := &decParser{}
	o.Qty = p.dec("qty", qty)
	o.LimitPrice = p.dec("limit_price", limit)
	o.StopPrice = p.dec("stop_price", stop)
	o.DisplayQty = p.dec("display_qty", display)
	o.FilledQty = p.dec("filled_qty", filled)
	o.AvgFillPrice = p.dec("avg_fill_price", avg)
	if p.err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, p.err)
	}
	o.Duration = time.Duration(durationNS)
	o.CreatedAt = nsTime(created)
	o.SubmittedAt = nsTime(submitted)
	o.FilledAt = nsTime(filledAt)
	o.CancelledAt = nsTime(cancAt)
	return &o, nil
}

// decParser parses decimal TEXT columns and keeps the first failure. A value
// that does not parse must surface as an error, never as a silent zero that
// would corrupt cash and position math.
type decParser struct{ err error }

func (p *decParser) dec(column, s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = fmt.Errorf("column %s holds invalid decimal %q: %w", column, s, err)
		return decimal.Decimal{}
	}
	return d
}

func timeNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nsTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
