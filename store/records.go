package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PositionRecord is one persisted trade, open or closed.
type PositionRecord struct {
	ID          int64
	Symbol      string
	Side        string
	Size        float64
	EntryPrice  float64
	ExitPrice   float64
	Leverage    int
	Exchange    string
	Strategy    string
	Status      string
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// PositionStore persists trades.
type PositionStore struct{ db *sql.DB }

// RecordOpen inserts a freshly opened position and returns its id.
func (ps *PositionStore) RecordOpen(rec *PositionRecord) (int64, error) {
	res, err := ps.db.Exec(
		`INSERT INTO positions (symbol, side, size, entry_price, leverage, exchange, strategy)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.Size, rec.EntryPrice, rec.Leverage, rec.Exchange, rec.Strategy)
	if err != nil {
		return 0, fmt.Errorf("record open: %w", err)
	}
	return res.LastInsertId()
}

// RecordClose marks the open position for symbol closed.
func (ps *PositionStore) RecordClose(symbol string, exitPrice, realizedPnL float64) error {
	_, err := ps.db.Exec(
		`UPDATE positions SET status = 'CLOSED', exit_price = ?, realized_pnl = ?,
		 closed_at = CURRENT_TIMESTAMP
		 WHERE symbol = ? AND status = 'OPEN'`,
		exitPrice, realizedPnL, symbol)
	if err != nil {
		return fmt.Errorf("record close: %w", err)
	}
	return nil
}

// History lists trades, newest first, optionally filtered by symbol.
func (ps *PositionStore) History(symbol string, limit int) ([]PositionRecord, error) {
	query := `SELECT id, symbol, side, size, entry_price, COALESCE(exit_price, 0),
		 leverage, exchange, strategy, status, realized_pnl, opened_at, closed_at
		 FROM positions`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ps.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var rec PositionRecord
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Side, &rec.Size, &rec.EntryPrice,
			&rec.ExitPrice, &rec.Leverage, &rec.Exchange, &rec.Strategy, &rec.Status,
			&rec.RealizedPnL, &rec.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			rec.ClosedAt = closedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SymbolStats aggregates closed-trade outcomes for one symbol.
type SymbolStats struct {
	Wins    int
	Losses  int
	AvgWin  float64
	AvgLoss float64 // positive magnitude
}

// Stats returns win/loss statistics for symbol's closed trades.
func (ps *PositionStore) Stats(symbol string) (*SymbolStats, error) {
	row := ps.db.QueryRow(
		`SELECT
		   COUNT(CASE WHEN realized_pnl > 0 THEN 1 END),
		   COUNT(CASE WHEN realized_pnl < 0 THEN 1 END),
		   COALESCE(AVG(CASE WHEN realized_pnl > 0 THEN realized_pnl END), 0),
		   COALESCE(AVG(CASE WHEN realized_pnl < 0 THEN -realized_pnl END), 0)
		 FROM positions WHERE symbol = ? AND status = 'CLOSED'`, symbol)
	var st SymbolStats
	if err := row.Scan(&st.Wins, &st.Losses, &st.AvgWin, &st.AvgLoss); err != nil {
		return nil, err
	}
	return &st, nil
}

// OrderStore persists order records.
type OrderStore struct{ db *sql.DB }

// OrderRecord mirrors exchange.Order for persistence.
type OrderRecord struct {
	OrderID     string
	LinkID      string
	Symbol      string
	Side        string
	Type        string
	Status      string
	Price       float64
	Quantity    float64
	ExecutedQty float64
	Exchange    string
	Strategy    string
	Inferred    bool
	CreatedAt   time.Time
}

// Insert appends an order record.
func (os *OrderStore) Insert(rec *OrderRecord) error {
	_, err := os.db.Exec(
		`INSERT INTO orders (order_id, link_id, symbol, side, type, status, price,
		 quantity, executed_qty, exchange, strategy, inferred)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, rec.LinkID, rec.Symbol, rec.Side, rec.Type, rec.Status, rec.Price,
		rec.Quantity, rec.ExecutedQty, rec.Exchange, rec.Strategy, rec.Inferred)
	return err
}

// UpdateStatus records a status transition observed during reconciliation.
func (os *OrderStore) UpdateStatus(orderID, status string, executedQty float64, inferred bool) error {
	_, err := os.db.Exec(
		`UPDATE orders SET status = ?, executed_qty = ?, inferred = ? WHERE order_id = ?`,
		status, executedQty, inferred, orderID)
	return err
}

// History lists orders newest first, optionally filtered by symbol.
func (os *OrderStore) History(symbol string, limit int) ([]OrderRecord, error) {
	query := `SELECT order_id, COALESCE(link_id, ''), symbol, side, type, status,
		 COALESCE(price, 0), quantity, executed_qty, exchange, COALESCE(strategy, ''),
		 inferred, created_at FROM orders`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := os.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(&rec.OrderID, &rec.LinkID, &rec.Symbol, &rec.Side, &rec.Type,
			&rec.Status, &rec.Price, &rec.Quantity, &rec.ExecutedQty, &rec.Exchange,
			&rec.Strategy, &rec.Inferred, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SignalStore persists evaluated signals.
type SignalStore struct{ db *sql.DB }

// SignalRecord captures one evaluation result.
type SignalRecord struct {
	ID         int64
	Symbol     string
	Side       string
	Tier       string
	Score      float64
	Breakout   bool
	Rejection  bool
	AIConfirms bool
}

// Insert appends a signal and returns its id.
func (ss *SignalStore) Insert(rec *SignalRecord) (int64, error) {
	res, err := ss.db.Exec(
		`INSERT INTO signals (symbol, side, tier, score, breakout, rejection, ai_confirms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.Tier, rec.Score, rec.Breakout, rec.Rejection, rec.AIConfirms)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PerformanceStore persists signal outcomes (append-only).
type PerformanceStore struct{ db *sql.DB }

// PerformanceRecord ties a signal to its trade outcome with the
// contributing factor scores.
type PerformanceRecord struct {
	SignalID       int64
	Symbol         string
	Outcome        string // WIN | LOSS | BREAKEVEN
	TechnicalScore float64
	SentimentScore float64
	AIScore        float64
}

// Insert appends an outcome record.
func (ps *PerformanceStore) Insert(rec *PerformanceRecord) error {
	_, err := ps.db.Exec(
		`INSERT INTO signal_performance (signal_id, symbol, outcome, technical_score,
		 sentiment_score, ai_score) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SignalID, rec.Symbol, rec.Outcome, rec.TechnicalScore, rec.SentimentScore, rec.AIScore)
	return err
}

// ComponentStats aggregates per-component average scores on wins.
type ComponentStats struct {
	Samples      int
	TechnicalWin float64
	SentimentWin float64
	AIWin        float64
}

// WinStats returns component score averages over winning signals.
func (ps *PerformanceStore) WinStats() (*ComponentStats, error) {
	row := ps.db.QueryRow(
		`SELECT COUNT(*),
		   COALESCE(AVG(technical_score), 0),
		   COALESCE(AVG(sentiment_score), 0),
		   COALESCE(AVG(ai_score), 0)
		 FROM signal_performance WHERE outcome = 'WIN'`)
	var st ComponentStats
	if err := row.Scan(&st.Samples, &st.TechnicalWin, &st.SentimentWin, &st.AIWin); err != nil {
		return nil, err
	}
	return &st, nil
}

// HedgeStore persists hedge positions.
type HedgeStore struct{ db *sql.DB }

// HedgeRecord is one persisted hedge.
type HedgeRecord struct {
	ID            int64
	PrimarySymbol string
	HedgeSymbol   string
	HedgeSide     string
	Ratio         float64
	Reason        string
	Type          string
	TriggerPrice  float64
	Active        bool
	CreatedAt     time.Time
}

// Insert appends a hedge and returns its id.
func (hs *HedgeStore) Insert(rec *HedgeRecord) (int64, error) {
	res, err := hs.db.Exec(
		`INSERT INTO hedges (primary_symbol, hedge_symbol, hedge_side, ratio, reason,
		 type, trigger_price) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PrimarySymbol, rec.HedgeSymbol, rec.HedgeSide, rec.Ratio, rec.Reason,
		rec.Type, rec.TriggerPrice)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Close deactivates a hedge.
func (hs *HedgeStore) Close(id int64) error {
	_, err := hs.db.Exec(
		`UPDATE hedges SET active = 0, closed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// Active lists active hedges.
func (hs *HedgeStore) Active() ([]HedgeRecord, error) {
	rows, err := hs.db.Query(
		`SELECT id, primary_symbol, hedge_symbol, hedge_side, ratio, reason, type,
		 trigger_price, active, created_at FROM hedges WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HedgeRecord
	for rows.Next() {
		var rec HedgeRecord
		if err := rows.Scan(&rec.ID, &rec.PrimarySymbol, &rec.HedgeSymbol, &rec.HedgeSide,
			&rec.Ratio, &rec.Reason, &rec.Type, &rec.TriggerPrice, &rec.Active,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
