// Package statestore implements the durable StateStore port on SQLite in
// WAL mode, matching spec.md §4.5: every write survives a process crash,
// and RecordTick applies one tick's writes as a single transaction.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT NOT NULL,
	category TEXT NOT NULL,
	base TEXT NOT NULL,
	quote TEXT NOT NULL,
	side TEXT NOT NULL,
	owner TEXT NOT NULL,
	size TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (symbol, owner, side)
);

CREATE TABLE IF NOT EXISTS orders (
	client_id TEXT PRIMARY KEY,
	venue_id TEXT,
	symbol TEXT NOT NULL,
	category TEXT NOT NULL,
	side TEXT NOT NULL,
	kind TEXT NOT NULL,
	qty TEXT NOT NULL,
	limit_price TEXT,
	trigger_price TEXT,
	reduce_only INTEGER NOT NULL,
	post_only INTEGER NOT NULL,
	status TEXT NOT NULL,
	filled_qty TEXT NOT NULL,
	avg_fill_price TEXT NOT NULL,
	owner TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	venue_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	owner TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	equity_usd TEXT NOT NULL,
	available_usd TEXT NOT NULL,
	used_margin_usd TEXT NOT NULL,
	peak_equity_usd TEXT NOT NULL,
	realized_pnl_today TEXT NOT NULL,
	day_start_equity_usd TEXT NOT NULL,
	day_reset_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS circuit_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	level INTEGER NOT NULL,
	since TEXT NOT NULL,
	drawdown TEXT NOT NULL,
	kill_flag INTEGER NOT NULL,
	acked_for_level INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_meta (
	owner TEXT NOT NULL,
	symbol TEXT NOT NULL,
	intent TEXT NOT NULL,
	last_action_at TEXT NOT NULL,
	PRIMARY KEY (owner, symbol, intent)
);

CREATE TABLE IF NOT EXISTS ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL
);
`

// Store implements core.StateStore on a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite file at path, enabling
// WAL mode and foreign-key enforcement.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; the dispatcher is single-threaded anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func moneyStr(m money.Money) string {
	return m.Decimal().String() + "|" + m.Asset()
}

func parseMoney(s string) (money.Money, error) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return money.Money{}, fmt.Errorf("malformed money encoding %q", s)
	}
	return money.FromString(parts[0], parts[1])
}

func nullableMoneyStr(m *money.Money) interface{} {
	if m == nil {
		return nil
	}
	return moneyStr(*m)
}

func parseNullableMoney(s sql.NullString) (*money.Money, error) {
	if !s.Valid {
		return nil, nil
	}
	m, err := parseMoney(s.String)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- positions ---

func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, category, base, quote, side, owner, size, avg_entry_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, owner, side) DO UPDATE SET
			size = excluded.size, avg_entry_price = excluded.avg_entry_price, updated_at = excluded.updated_at
	`, p.Symbol.Name, string(p.Symbol.Category), p.Symbol.Base, p.Symbol.Quote, string(p.Side), p.Owner,
		moneyStr(p.Size), moneyStr(p.AvgEntryPrice), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) DeletePosition(ctx context.Context, symbol domain.Symbol, owner string, side domain.Side) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ? AND owner = ? AND side = ?`, symbol.Name, owner, string(side))
	return err
}

func (s *Store) LoadAllPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, category, base, quote, side, owner, size, avg_entry_price, updated_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var symbol, category, base, quote, side, owner, sizeStr, priceStr, updatedAt string
		if err := rows.Scan(&symbol, &category, &base, &quote, &side, &owner, &sizeStr, &priceStr, &updatedAt); err != nil {
			return nil, err
		}
		size, err := parseMoney(sizeStr)
		if err != nil {
			return nil, err
		}
		price, err := parseMoney(priceStr)
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Position{
			Symbol:        domain.Symbol{Name: symbol, Category: domain.Category(category), Base: base, Quote: quote},
			Side:          domain.Side(side),
			Size:          size,
			AvgEntryPrice: price,
			Owner:         owner,
			UpdatedAt:     ts,
		})
	}
	return out, rows.Err()
}

// --- orders ---

func (s *Store) RecordOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (client_id, venue_id, symbol, category, side, kind, qty, limit_price, trigger_price,
			reduce_only, post_only, status, filled_qty, avg_fill_price, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			venue_id = excluded.venue_id, status = excluded.status,
			filled_qty = excluded.filled_qty, avg_fill_price = excluded.avg_fill_price, updated_at = excluded.updated_at
	`, o.ClientID, o.VenueID, o.Symbol.Name, string(o.Symbol.Category), string(o.Side), string(o.Kind),
		moneyStr(o.Qty), nullableMoneyStr(o.LimitPrice), nullableMoneyStr(o.TriggerPrice),
		boolToInt(o.ReduceOnly), boolToInt(o.PostOnly), string(o.Status),
		moneyStr(o.FilledQty), moneyStr(o.AvgFillPrice), o.Owner,
		o.CreatedAt.UTC().Format(time.RFC3339Nano), o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, clientID string, status domain.OrderStatus, filledQty, avgFillPrice money.Money) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = ?
		WHERE client_id = ?
	`, string(status), moneyStr(filledQty), moneyStr(avgFillPrice), time.Now().UTC().Format(time.RFC3339Nano), clientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update order status: no order with client_id %q", clientID)
	}
	return nil
}

func (s *Store) LoadOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, venue_id, symbol, category, side, kind, qty, limit_price, trigger_price,
			reduce_only, post_only, status, filled_qty, avg_fill_price, owner, created_at, updated_at
		FROM orders WHERE status IN ('pending', 'live', 'partially_filled')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		var clientID, symbol, category, side, kind, qtyStr, status, filledStr, avgStr, owner, createdAt, updatedAt string
		var venueID sql.NullString
		var limitStr, triggerStr sql.NullString
		var reduceOnly, postOnly int
		if err := rows.Scan(&clientID, &venueID, &symbol, &category, &side, &kind, &qtyStr, &limitStr, &triggerStr,
			&reduceOnly, &postOnly, &status, &filledStr, &avgStr, &owner, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		qty, err := parseMoney(qtyStr)
		if err != nil {
			return nil, err
		}
		filled, err := parseMoney(filledStr)
		if err != nil {
			return nil, err
		}
		avg, err := parseMoney(avgStr)
		if err != nil {
			return nil, err
		}
		limit, err := parseNullableMoney(limitStr)
		if err != nil {
			return nil, err
		}
		trigger, err := parseNullableMoney(triggerStr)
		if err != nil {
			return nil, err
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		updated, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Order{
			ClientID:     clientID,
			VenueID:      venueID.String,
			Symbol:       domain.Symbol{Name: symbol, Category: domain.Category(category)},
			Side:         domain.Side(side),
			Kind:         domain.OrderKind(kind),
			Qty:          qty,
			LimitPrice:   limit,
			TriggerPrice: trigger,
			ReduceOnly:   reduceOnly != 0,
			PostOnly:     postOnly != 0,
			Status:       domain.OrderStatus(status),
			FilledQty:    filled,
			AvgFillPrice: avg,
			Owner:        owner,
			CreatedAt:    created,
			UpdatedAt:    updated,
		})
	}
	return out, rows.Err()
}

// --- fills ---

func (s *Store) RecordFill(ctx context.Context, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (client_id, venue_id, symbol, side, qty, price, owner, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ClientID, f.VenueID, f.Symbol.Name, string(f.Side), moneyStr(f.Qty), moneyStr(f.Price), f.Owner, f.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// --- portfolio snapshot ---

func (s *Store) SetPortfolioSnapshot(ctx context.Context, p domain.Portfolio) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshot (id, equity_usd, available_usd, used_margin_usd, peak_equity_usd, realized_pnl_today, day_start_equity_usd, day_reset_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			equity_usd = excluded.equity_usd, available_usd = excluded.available_usd, used_margin_usd = excluded.used_margin_usd,
			peak_equity_usd = excluded.peak_equity_usd, realized_pnl_today = excluded.realized_pnl_today,
			day_start_equity_usd = excluded.day_start_equity_usd, day_reset_at = excluded.day_reset_at
	`, moneyStr(p.EquityUSD), moneyStr(p.AvailableUSD), moneyStr(p.UsedMarginUSD), moneyStr(p.PeakEquityUSD),
		moneyStr(p.RealizedPnLToday), moneyStr(p.DayStartEquityUSD), p.DayResetAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetPortfolioSnapshot(ctx context.Context) (domain.Portfolio, error) {
	row := s.db.QueryRowContext(ctx, `SELECT equity_usd, available_usd, used_margin_usd, peak_equity_usd, realized_pnl_today, day_start_equity_usd, day_reset_at FROM portfolio_snapshot WHERE id = 1`)
	var equityStr, availStr, usedStr, peakStr, pnlStr, dayStartStr, dayResetStr string
	if err := row.Scan(&equityStr, &availStr, &usedStr, &peakStr, &pnlStr, &dayStartStr, &dayResetStr); err != nil {
		return domain.Portfolio{}, err
	}
	equity, err := parseMoney(equityStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	avail, err := parseMoney(availStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	used, err := parseMoney(usedStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	peak, err := parseMoney(peakStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	pnl, err := parseMoney(pnlStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	dayStart, err := parseMoney(dayStartStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	dayReset, err := time.Parse(time.RFC3339Nano, dayResetStr)
	if err != nil {
		return domain.Portfolio{}, err
	}
	return domain.Portfolio{
		EquityUSD:         equity,
		AvailableUSD:      avail,
		UsedMarginUSD:     used,
		PeakEquityUSD:     peak,
		RealizedPnLToday:  pnl,
		DayStartEquityUSD: dayStart,
		DayResetAt:        dayReset,
	}, nil
}

// --- circuit state ---

func (s *Store) SetCircuitState(ctx context.Context, cs domain.CircuitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_state (id, level, since, drawdown, kill_flag, acked_for_level)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level, since = excluded.since, drawdown = excluded.drawdown,
			kill_flag = excluded.kill_flag, acked_for_level = excluded.acked_for_level
	`, int(cs.Level), cs.Since.UTC().Format(time.RFC3339Nano), moneyStr(cs.Drawdown), boolToInt(cs.KillFlag), int(cs.AckedForLevel))
	return err
}

func (s *Store) GetCircuitState(ctx context.Context) (domain.CircuitState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT level, since, drawdown, kill_flag, acked_for_level FROM circuit_state WHERE id = 1`)
	var level, ackedLevel, killFlag int
	var sinceStr, drawdownStr string
	if err := row.Scan(&level, &sinceStr, &drawdownStr, &killFlag, &ackedLevel); err != nil {
		return domain.CircuitState{}, err
	}
	since, err := time.Parse(time.RFC3339Nano, sinceStr)
	if err != nil {
		return domain.CircuitState{}, err
	}
	drawdown, err := parseMoney(drawdownStr)
	if err != nil {
		return domain.CircuitState{}, err
	}
	return domain.CircuitState{
		Level:         domain.CircuitLevel(level),
		Since:         since,
		Drawdown:      drawdown,
		KillFlag:      killFlag != 0,
		AckedForLevel: domain.CircuitLevel(ackedLevel),
	}, nil
}

// --- strategy meta ---

func (s *Store) SetStrategyMeta(ctx context.Context, m domain.StrategyMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_meta (owner, symbol, intent, last_action_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, symbol, intent) DO UPDATE SET last_action_at = excluded.last_action_at
	`, m.Owner, m.Symbol, m.Intent, m.LastActionAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetStrategyMeta(ctx context.Context, owner, symbol, intent string) (domain.StrategyMeta, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_action_at FROM strategy_meta WHERE owner = ? AND symbol = ? AND intent = ?`, owner, symbol, intent)
	var lastActionStr string
	if err := row.Scan(&lastActionStr); err != nil {
		if err == sql.ErrNoRows {
			return domain.StrategyMeta{}, false, nil
		}
		return domain.StrategyMeta{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, lastActionStr)
	if err != nil {
		return domain.StrategyMeta{}, false, err
	}
	return domain.StrategyMeta{Owner: owner, Symbol: symbol, Intent: intent, LastActionAt: ts}, true, nil
}

// --- transactional tick ---

// RecordTick wraps fn in a single SQLite transaction so every write it
// performs through the handed StateStoreTx commits atomically.
func (s *Store) RecordTick(ctx context.Context, fn func(tx core.StateStoreTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick transaction: %w", err)
	}

	tx := &transaction{ctx: ctx, sqlTx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, `INSERT INTO ticks (recorded_at) VALUES (?)`, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("record tick marker: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tick transaction: %w", err)
	}
	return nil
}

type transaction struct {
	ctx   context.Context
	sqlTx *sql.Tx
}

func (t *transaction) UpsertPosition(p domain.Position) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO positions (symbol, category, base, quote, side, owner, size, avg_entry_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, owner, side) DO UPDATE SET
			size = excluded.size, avg_entry_price = excluded.avg_entry_price, updated_at = excluded.updated_at
	`, p.Symbol.Name, string(p.Symbol.Category), p.Symbol.Base, p.Symbol.Quote, string(p.Side), p.Owner,
		moneyStr(p.Size), moneyStr(p.AvgEntryPrice), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (t *transaction) DeletePosition(symbol domain.Symbol, owner string, side domain.Side) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `DELETE FROM positions WHERE symbol = ? AND owner = ? AND side = ?`, symbol.Name, owner, string(side))
	return err
}

func (t *transaction) RecordOrder(o domain.Order) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO orders (client_id, venue_id, symbol, category, side, kind, qty, limit_price, trigger_price,
			reduce_only, post_only, status, filled_qty, avg_fill_price, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			venue_id = excluded.venue_id, status = excluded.status,
			filled_qty = excluded.filled_qty, avg_fill_price = excluded.avg_fill_price, updated_at = excluded.updated_at
	`, o.ClientID, o.VenueID, o.Symbol.Name, string(o.Symbol.Category), string(o.Side), string(o.Kind),
		moneyStr(o.Qty), nullableMoneyStr(o.LimitPrice), nullableMoneyStr(o.TriggerPrice),
		boolToInt(o.ReduceOnly), boolToInt(o.PostOnly), string(o.Status),
		moneyStr(o.FilledQty), moneyStr(o.AvgFillPrice), o.Owner,
		o.CreatedAt.UTC().Format(time.RFC3339Nano), o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (t *transaction) UpdateOrderStatus(clientID string, status domain.OrderStatus, filledQty, avgFillPrice money.Money) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = ?
		WHERE client_id = ?
	`, string(status), moneyStr(filledQty), moneyStr(avgFillPrice), time.Now().UTC().Format(time.RFC3339Nano), clientID)
	return err
}

func (t *transaction) RecordFill(f domain.Fill) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO fills (client_id, venue_id, symbol, side, qty, price, owner, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ClientID, f.VenueID, f.Symbol.Name, string(f.Side), moneyStr(f.Qty), moneyStr(f.Price), f.Owner, f.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (t *transaction) SetStrategyMeta(m domain.StrategyMeta) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO strategy_meta (owner, symbol, intent, last_action_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, symbol, intent) DO UPDATE SET last_action_at = excluded.last_action_at
	`, m.Owner, m.Symbol, m.Intent, m.LastActionAt.UTC().Format(time.RFC3339Nano))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ core.StateStore   = (*Store)(nil)
	_ core.StateStoreTx = (*transaction)(nil)
)
