// Package store persists trades, signals, performance records and hedges
// in sqlite. Sub-stores group the statements per entity; insertion order
// is the only ordering guarantee consumers rely on.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store owns the database handle and hands out sub-stores.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// sqlite allows one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL,
			leverage INTEGER NOT NULL DEFAULT 1,
			exchange TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN',
			realized_pnl REAL NOT NULL DEFAULT 0,
			opened_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			link_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			price REAL,
			quantity REAL NOT NULL,
			executed_qty REAL NOT NULL DEFAULT 0,
			exchange TEXT NOT NULL,
			strategy TEXT,
			inferred INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			tier TEXT NOT NULL,
			score REAL NOT NULL,
			breakout INTEGER NOT NULL DEFAULT 0,
			rejection INTEGER NOT NULL DEFAULT 0,
			ai_confirms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS signal_performance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			outcome TEXT NOT NULL,
			technical_score REAL NOT NULL DEFAULT 0,
			sentiment_score REAL NOT NULL DEFAULT 0,
			ai_score REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS hedges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			primary_symbol TEXT NOT NULL,
			hedge_symbol TEXT NOT NULL,
			hedge_side TEXT NOT NULL,
			ratio REAL NOT NULL,
			reason TEXT NOT NULL,
			type TEXT NOT NULL,
			trigger_price REAL NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			equity REAL NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Positions returns the position sub-store.
func (s *Store) Positions() *PositionStore { return &PositionStore{db: s.db} }

// Orders returns the order sub-store.
func (s *Store) Orders() *OrderStore { return &OrderStore{db: s.db} }

// Signals returns the signal sub-store.
func (s *Store) Signals() *SignalStore { return &SignalStore{db: s.db} }

// Performance returns the signal-performance sub-store.
func (s *Store) Performance() *PerformanceStore { return &PerformanceStore{db: s.db} }

// Hedges returns the hedge sub-store.
func (s *Store) Hedges() *HedgeStore { return &HedgeStore{db: s.db} }

// SaveEquitySnapshot appends one equity sample for the profit curve.
func (s *Store) SaveEquitySnapshot(equity float64) error {
	_, err := s.db.Exec(`INSERT INTO equity_snapshots (equity) VALUES (?)`, equity)
	return err
}
