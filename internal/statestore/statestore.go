package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	broker_order_id TEXT NOT NULL UNIQUE,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT,
	order_type TEXT NOT NULL,
	status TEXT NOT NULL,
	filled_qty TEXT NOT NULL DEFAULT '0',
	verdict_code TEXT,
	domain TEXT,
	action TEXT,
	meta_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	fee_ntd TEXT NOT NULL,
	tax_ntd TEXT NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	open_ts TEXT NOT NULL,
	close_ts TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	entry TEXT NOT NULL,
	exit TEXT,
	pnl_ntd TEXT,
	pnl_fraction TEXT,
	reason_open TEXT,
	reason_close TEXT,
	meta_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_open ON trades(symbol, close_ts);
CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	side TEXT NOT NULL DEFAULT '',
	qty TEXT NOT NULL DEFAULT '0',
	avg_price TEXT NOT NULL DEFAULT '0',
	open_ts TEXT
);
CREATE TABLE IF NOT EXISTS safety_state (
	key TEXT PRIMARY KEY,
	value_json TEXT NOT NULL,
	ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS health_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	summary_json TEXT NOT NULL DEFAULT '{}'
);
`

// Store is the transactional State Store.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("statestore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a scoped transaction: every order/fill/trade/position write within
// a single intent commits atomically through one Tx.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a new transaction, committing on success and rolling
// back (wrapping the error as ErrTxFailed) on any failure.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTxFailed, err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("%w: %v", ErrTxFailed, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTxFailed, err)
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func decStr(d decimal.Decimal) string { return d.String() }

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InsertOrder persists a new order row (used for both accepted and rejected
// intents — every branch of the Gateway writes exactly one order row).
func (t *Tx) InsertOrder(ctx context.Context, o domain.Order) (int64, error) {
	return insertOrder(ctx, t.tx, o)
}

// InsertOrder is the non-transactional convenience wrapper.
func (s *Store) InsertOrder(ctx context.Context, o domain.Order) (int64, error) {
	return insertOrder(ctx, s.db, o)
}

func insertOrder(ctx context.Context, ex execer, o domain.Order) (int64, error) {
	metaBuf, err := json.Marshal(o.Meta)
	if err != nil {
		return 0, fmt.Errorf("statestore: marshal order meta: %w", err)
	}
	var priceStr any
	if o.Price != nil {
		priceStr = decStr(*o.Price)
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO orders
		(ts, broker_order_id, symbol, side, qty, price, order_type, status, filled_qty, verdict_code, domain, action, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(o.Ts), o.BrokerOrderID, o.Symbol, string(o.Side), decStr(o.Qty), priceStr,
		string(o.OrderType), string(o.Status), decStr(o.FilledQty), o.VerdictCode, string(o.Domain), string(o.Action), string(metaBuf))
	if err != nil {
		return 0, fmt.Errorf("%w: insert order: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}

// UpdateOrderStatus moves an order's status forward and merges newMeta keys
// into the existing meta_json rather than overwriting it, so fields written
// earlier in the lifecycle (stop price, market metrics snapshot, verdict
// envelope) survive subsequent transitions.
func (t *Tx) UpdateOrderStatus(ctx context.Context, brokerOrderID string, status domain.OrderStatus, filledQty decimal.Decimal, newMeta domain.Meta) error {
	return updateOrderStatus(ctx, t.tx, brokerOrderID, status, filledQty, newMeta)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, brokerOrderID string, status domain.OrderStatus, filledQty decimal.Decimal, newMeta domain.Meta) error {
	return updateOrderStatus(ctx, s.db, brokerOrderID, status, filledQty, newMeta)
}

func updateOrderStatus(ctx context.Context, ex execer, brokerOrderID string, status domain.OrderStatus, filledQty decimal.Decimal, newMeta domain.Meta) error {
	row := ex.QueryRowContext(ctx, `SELECT meta_json FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	var existingJSON string
	if err := row.Scan(&existingJSON); err != nil {
		return fmt.Errorf("%w: load order for status update: %v", ErrUnavailable, err)
	}
	var merged domain.Meta
	if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil || merged == nil {
		merged = domain.Meta{}
	}
	for k, v := range newMeta {
		merged[k] = v
	}
	mergedBuf, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("statestore: marshal merged meta: %w", err)
	}
	_, err = ex.ExecContext(ctx, `UPDATE orders SET status = ?, filled_qty = ?, meta_json = ? WHERE broker_order_id = ?`,
		string(status), decStr(filledQty), string(mergedBuf), brokerOrderID)
	if err != nil {
		return fmt.Errorf("%w: update order status: %v", ErrUnavailable, err)
	}
	return nil
}

// GetOrderByBrokerID fetches an order by its broker-assigned id.
func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (domain.Order, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, ts, broker_order_id, symbol, side, qty, price, order_type, status, filled_qty, verdict_code, domain, action, meta_json
		FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return o, true, nil
}

type rowLike interface {
	Scan(dest ...any) error
}

func scanOrder(row rowLike) (domain.Order, error) {
	var (
		id                                   int64
		tsStr, brokerID, symbol, side        string
		qtyStr                               string
		priceStr                             sql.NullString
		orderType, status, filledQtyStr      string
		verdictCode, domainStr, action       sql.NullString
		metaJSON                             string
	)
	if err := row.Scan(&id, &tsStr, &brokerID, &symbol, &side, &qtyStr, &priceStr, &orderType, &status, &filledQtyStr, &verdictCode, &domainStr, &action, &metaJSON); err != nil {
		return domain.Order{}, err
	}
	ts, _ := parseTime(tsStr)
	var meta domain.Meta
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	o := domain.Order{
		ID:            id,
		Ts:            ts,
		BrokerOrderID: brokerID,
		Symbol:        symbol,
		Side:          domain.Side(side),
		Qty:           parseDec(qtyStr),
		OrderType:     domain.OrderType(orderType),
		Status:        domain.OrderStatus(status),
		FilledQty:     parseDec(filledQtyStr),
		VerdictCode:   verdictCode.String,
		Domain:        domain.Domain(domainStr.String),
		Action:        domain.Action(action.String),
		Meta:          meta,
	}
	if priceStr.Valid {
		p := parseDec(priceStr.String)
		o.Price = &p
	}
	return o, nil
}

// InsertFill persists a fill row.
func (t *Tx) InsertFill(ctx context.Context, f domain.Fill) (int64, error) {
	return insertFill(ctx, t.tx, f)
}

func (s *Store) InsertFill(ctx context.Context, f domain.Fill) (int64, error) {
	return insertFill(ctx, s.db, f)
}

func insertFill(ctx context.Context, ex execer, f domain.Fill) (int64, error) {
	metaBuf, err := json.Marshal(f.Meta)
	if err != nil {
		return 0, fmt.Errorf("statestore: marshal fill meta: %w", err)
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO fills
		(ts, broker_order_id, symbol, side, qty, price, fee_ntd, tax_ntd, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(f.Ts), f.BrokerOrderID, f.Symbol, string(f.Side), decStr(f.Qty), decStr(f.Price), decStr(f.FeeNTD), decStr(f.TaxNTD), string(metaBuf))
	if err != nil {
		return 0, fmt.Errorf("%w: insert fill: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}

// SumFilledQty returns the sum of fill quantities for a broker order id, used
// to verify the FILLED invariant (sum of fills == order qty).
func (s *Store) SumFilledQty(ctx context.Context, brokerOrderID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT qty FROM fills WHERE broker_order_id = ?`, brokerOrderID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var qtyStr string
		if err := rows.Scan(&qtyStr); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total = total.Add(parseDec(qtyStr))
	}
	return total, nil
}

// GetPosition fetches the current position row for symbol.
func (t *Tx) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	return getPosition(ctx, t.tx, symbol)
}

func (s *Store) GetPosition(ctx context.Context, symbol string) (domain.Position, bool, error) {
	return getPosition(ctx, s.db, symbol)
}

func getPosition(ctx context.Context, ex execer, symbol string) (domain.Position, bool, error) {
	row := ex.QueryRowContext(ctx, `SELECT symbol, side, qty, avg_price, open_ts FROM positions WHERE symbol = ?`, symbol)
	var (
		sym, side, qtyStr, avgStr string
		openTsStr                 sql.NullString
	)
	err := row.Scan(&sym, &side, &qtyStr, &avgStr, &openTsStr)
	if err == sql.ErrNoRows {
		return domain.Position{Symbol: symbol, Side: domain.PositionFlat, Qty: decimal.Zero, AvgPrice: decimal.Zero}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p := domain.Position{
		Symbol:   sym,
		Side:     domain.PositionSide(side),
		Qty:      parseDec(qtyStr),
		AvgPrice: parseDec(avgStr),
	}
	if openTsStr.Valid {
		ts, terr := parseTime(openTsStr.String)
		if terr == nil {
			p.OpenTs = &ts
		}
	}
	return p, true, nil
}

// UpsertPosition replaces the position row for its symbol.
func (t *Tx) UpsertPosition(ctx context.Context, p domain.Position) error {
	return upsertPosition(ctx, t.tx, p)
}

func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	return upsertPosition(ctx, s.db, p)
}

func upsertPosition(ctx context.Context, ex execer, p domain.Position) error {
	var openTs any
	if p.OpenTs != nil {
		openTs = fmtTime(*p.OpenTs)
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO positions(symbol, side, qty, avg_price, open_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET side=excluded.side, qty=excluded.qty, avg_price=excluded.avg_price, open_ts=excluded.open_ts`,
		p.Symbol, string(p.Side), decStr(p.Qty), decStr(p.AvgPrice), openTs)
	if err != nil {
		return fmt.Errorf("%w: upsert position: %v", ErrUnavailable, err)
	}
	return nil
}

// InsertTrade opens a new trade row (round-trip entry).
func (t *Tx) InsertTrade(ctx context.Context, tr domain.Trade) (int64, error) {
	return insertTrade(ctx, t.tx, tr)
}

func (s *Store) InsertTrade(ctx context.Context, tr domain.Trade) (int64, error) {
	return insertTrade(ctx, s.db, tr)
}

func insertTrade(ctx context.Context, ex execer, tr domain.Trade) (int64, error) {
	metaBuf, err := json.Marshal(tr.Meta)
	if err != nil {
		return 0, fmt.Errorf("statestore: marshal trade meta: %w", err)
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO trades
		(open_ts, close_ts, symbol, side, qty, entry, exit, pnl_ntd, pnl_fraction, reason_open, reason_close, meta_json)
		VALUES (?, NULL, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL, ?)`,
		fmtTime(tr.OpenTs), tr.Symbol, string(tr.Side), decStr(tr.Qty), decStr(tr.Entry), tr.ReasonOpen, string(metaBuf))
	if err != nil {
		return 0, fmt.Errorf("%w: insert trade: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}

// GetOpenTrade returns the most recent still-open trade for a symbol.
// Expressed as a plain SELECT ... ORDER BY id DESC LIMIT 1 rather than the
// non-portable UPDATE ... ORDER BY ... LIMIT pattern, since the closing
// write is then a separate UPDATE by id.
func (t *Tx) GetOpenTrade(ctx context.Context, symbol string) (domain.Trade, bool, error) {
	return getOpenTrade(ctx, t.tx, symbol)
}

func (s *Store) GetOpenTrade(ctx context.Context, symbol string) (domain.Trade, bool, error) {
	return getOpenTrade(ctx, s.db, symbol)
}

func getOpenTrade(ctx context.Context, ex execer, symbol string) (domain.Trade, bool, error) {
	row := ex.QueryRowContext(ctx, `SELECT id, open_ts, symbol, side, qty, entry, reason_open, meta_json
		FROM trades WHERE symbol = ? AND close_ts IS NULL ORDER BY id DESC LIMIT 1`, symbol)
	var (
		id                           int64
		openTsStr, sym, side         string
		qtyStr, entryStr, reasonOpen string
		metaJSON                     string
	)
	err := row.Scan(&id, &openTsStr, &sym, &side, &qtyStr, &entryStr, &reasonOpen, &metaJSON)
	if err == sql.ErrNoRows {
		return domain.Trade{}, false, nil
	}
	if err != nil {
		return domain.Trade{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	openTs, _ := parseTime(openTsStr)
	var meta domain.Meta
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	return domain.Trade{
		ID:         id,
		OpenTs:     openTs,
		Symbol:     sym,
		Side:       domain.PositionSide(side),
		Qty:        parseDec(qtyStr),
		Entry:      parseDec(entryStr),
		ReasonOpen: reasonOpen,
		Meta:       meta,
	}, true, nil
}

// CloseTrade updates a trade row by id with its closing fields.
func (t *Tx) CloseTrade(ctx context.Context, tradeID int64, closeTs time.Time, exit, pnl, pnlFraction decimal.Decimal, reasonClose string) error {
	return closeTrade(ctx, t.tx, tradeID, closeTs, exit, pnl, pnlFraction, reasonClose)
}

func (s *Store) CloseTrade(ctx context.Context, tradeID int64, closeTs time.Time, exit, pnl, pnlFraction decimal.Decimal, reasonClose string) error {
	return closeTrade(ctx, s.db, tradeID, closeTs, exit, pnl, pnlFraction, reasonClose)
}

func closeTrade(ctx context.Context, ex execer, tradeID int64, closeTs time.Time, exit, pnl, pnlFraction decimal.Decimal, reasonClose string) error {
	_, err := ex.ExecContext(ctx, `UPDATE trades SET close_ts=?, exit=?, pnl_ntd=?, pnl_fraction=?, reason_close=? WHERE id=?`,
		fmtTime(closeTs), decStr(exit), decStr(pnl), decStr(pnlFraction), reasonClose, tradeID)
	if err != nil {
		return fmt.Errorf("%w: close trade: %v", ErrUnavailable, err)
	}
	return nil
}

// DailyRealizedPnL sums pnl_ntd over trades closed on the given YYYY-MM-DD day.
func (s *Store) DailyRealizedPnL(ctx context.Context, day string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pnl_ntd FROM trades WHERE close_ts IS NOT NULL AND close_ts LIKE ? AND pnl_ntd IS NOT NULL`, day+"%")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total = total.Add(parseDec(pnlStr))
	}
	return total, nil
}

// RecentClosedTrades returns the most recently closed trades, newest first,
// used to count a consecutive-loss streak.
func (s *Store) RecentClosedTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, open_ts, close_ts, symbol, side, qty, entry, exit, pnl_ntd, pnl_fraction, reason_open, reason_close, meta_json
		FROM trades WHERE close_ts IS NOT NULL ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, tr)
	}
	return out, nil
}

func scanTrade(rows *sql.Rows) (domain.Trade, error) {
	var (
		id                                         int64
		openTsStr                                  string
		closeTsStr, exitStr, pnlStr, pnlFracStr    sql.NullString
		symbol, side, qtyStr, entryStr              string
		reasonOpen, reasonClose                     sql.NullString
		metaJSON                                    string
	)
	if err := rows.Scan(&id, &openTsStr, &closeTsStr, &symbol, &side, &qtyStr, &entryStr, &exitStr, &pnlStr, &pnlFracStr, &reasonOpen, &reasonClose, &metaJSON); err != nil {
		return domain.Trade{}, err
	}
	openTs, _ := parseTime(openTsStr)
	var meta domain.Meta
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	tr := domain.Trade{
		ID:          id,
		OpenTs:      openTs,
		Symbol:      symbol,
		Side:        domain.PositionSide(side),
		Qty:         parseDec(qtyStr),
		Entry:       parseDec(entryStr),
		ReasonOpen:  reasonOpen.String,
		ReasonClose: reasonClose.String,
		Meta:        meta,
	}
	if closeTsStr.Valid {
		if ts, err := parseTime(closeTsStr.String); err == nil {
			tr.CloseTs = &ts
		}
	}
	if exitStr.Valid {
		v := parseDec(exitStr.String)
		tr.Exit = &v
	}
	if pnlStr.Valid {
		v := parseDec(pnlStr.String)
		tr.PnLNTD = &v
	}
	if pnlFracStr.Valid {
		v := parseDec(pnlFracStr.String)
		tr.PnLFraction = &v
	}
	return tr, nil
}

// GetCooldown reads the persisted `cooldown` safety-state key.
func (s *Store) GetCooldown(ctx context.Context) (domain.Cooldown, error) {
	v, ok, err := s.getSafetyState(ctx, "cooldown")
	if err != nil {
		return domain.Cooldown{}, err
	}
	if !ok {
		return domain.Cooldown{}, nil
	}
	c := domain.Cooldown{}
	if f, ok := v["until_epoch"].(float64); ok {
		c.UntilEpoch = int64(f)
	}
	if s, ok := v["code"].(string); ok {
		c.Code = s
	}
	if s, ok := v["reason"].(string); ok {
		c.Reason = s
	}
	if d, ok := v["details"].(map[string]any); ok {
		c.Details = domain.Meta(d)
	}
	return c, nil
}

// SetCooldown persists the `cooldown` safety-state key.
func (s *Store) SetCooldown(ctx context.Context, c domain.Cooldown) error {
	return s.setSafetyState(ctx, "cooldown", domain.Meta{
		"until_epoch": c.UntilEpoch,
		"code":        c.Code,
		"reason":      c.Reason,
		"details":     c.Details,
	})
}

// GetKill reads the persisted `kill` safety-state key.
func (s *Store) GetKill(ctx context.Context) (domain.KillState, error) {
	v, ok, err := s.getSafetyState(ctx, "kill")
	if err != nil {
		return domain.KillState{}, err
	}
	if !ok {
		return domain.KillState{}, nil
	}
	k := domain.KillState{}
	if b, ok := v["enabled"].(bool); ok {
		k.Enabled = b
	}
	if s, ok := v["code"].(string); ok {
		k.Code = s
	}
	if s, ok := v["reason"].(string); ok {
		k.Reason = s
	}
	if d, ok := v["details"].(map[string]any); ok {
		k.Details = domain.Meta(d)
	}
	return k, nil
}

// SetKill persists the `kill` safety-state key.
func (s *Store) SetKill(ctx context.Context, k domain.KillState) error {
	return s.setSafetyState(ctx, "kill", domain.Meta{
		"enabled": k.Enabled,
		"code":    k.Code,
		"reason":  k.Reason,
		"details": k.Details,
	})
}

func (s *Store) getSafetyState(ctx context.Context, key string) (domain.Meta, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value_json FROM safety_state WHERE key = ?`, key)
	var valueJSON string
	err := row.Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var v domain.Meta
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return nil, false, fmt.Errorf("statestore: unmarshal safety state %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setSafetyState(ctx context.Context, key string, value domain.Meta) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal safety state %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO safety_state(key, value_json, ts) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, ts=excluded.ts`,
		key, string(buf), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: set safety state %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// RecentOrders returns the most recently inserted orders, newest first, for
// the reconciler's daily report.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, broker_order_id, symbol, side, qty, price, order_type, status, filled_qty, verdict_code, domain, action, meta_json
		FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Positions returns every non-flat position row, for the reconciler's daily
// report.
func (s *Store) Positions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, side, qty, avg_price, open_ts FROM positions WHERE qty != '0'`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var sym, side, qtyStr, avgStr string
		var openTsStr sql.NullString
		if err := rows.Scan(&sym, &side, &qtyStr, &avgStr, &openTsStr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		p := domain.Position{Symbol: sym, Side: domain.PositionSide(side), Qty: parseDec(qtyStr), AvgPrice: parseDec(avgStr)}
		if openTsStr.Valid {
			if ts, err := parseTime(openTsStr.String); err == nil {
				p.OpenTs = &ts
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// RecentHealthChecks returns the most recent health-check rows, newest first.
func (s *Store) RecentHealthChecks(ctx context.Context, limit int) ([]domain.HealthCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, name, kind, status, summary_json FROM health_checks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.HealthCheck
	for rows.Next() {
		var id int64
		var tsStr, name, kind, status, summaryJSON string
		if err := rows.Scan(&id, &tsStr, &name, &kind, &status, &summaryJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ts, _ := parseTime(tsStr)
		var summary domain.Meta
		_ = json.Unmarshal([]byte(summaryJSON), &summary)
		out = append(out, domain.HealthCheck{ID: id, Ts: ts, Name: name, Kind: kind, Status: status, Summary: summary})
	}
	return out, nil
}

// InsertHealthCheck appends a health-check row.
func (s *Store) InsertHealthCheck(ctx context.Context, hc domain.HealthCheck) (int64, error) {
	buf, err := json.Marshal(hc.Summary)
	if err != nil {
		return 0, fmt.Errorf("statestore: marshal health summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO health_checks(ts, name, kind, status, summary_json) VALUES (?, ?, ?, ?, ?)`,
		fmtTime(hc.Ts), hc.Name, hc.Kind, hc.Status, string(buf))
	if err != nil {
		return 0, fmt.Errorf("%w: insert health check: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}
