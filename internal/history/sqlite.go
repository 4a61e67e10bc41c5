package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"metaapi-go/pkg/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLite is a disk-backed history storage. Reads are served from an in-memory
// mirror loaded by Initialize; writes are buffered and committed to the
// database in one transaction by UpdateStorage, which the history listener
// calls when a synchronization finishes.
//
// Money and volume columns are stored as decimal strings to keep exact
// values across the float boundary; the full record is kept as JSON alongside
// so no field is lost on round trip.
type SQLite struct {
	db     *sql.DB
	memory *Memory

	mu          sync.Mutex
	dirtyOrders map[string]types.Order
	dirtyDeals  map[string]types.Deal
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{
		db:          db,
		memory:      NewMemory(),
		dirtyOrders: make(map[string]types.Order),
		dirtyDeals:  make(map[string]types.Deal),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS history_orders (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			volume TEXT NOT NULL DEFAULT '0',
			open_price TEXT NOT NULL DEFAULT '0',
			done_time DATETIME,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_orders_done_time ON history_orders(done_time)`,

		`CREATE TABLE IF NOT EXISTS deals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			volume TEXT NOT NULL DEFAULT '0',
			profit TEXT NOT NULL DEFAULT '0',
			time DATETIME NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_time ON deals(time)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Initialize loads every persisted record into the in-memory mirror.
func (s *SQLite) Initialize() error {
	rows, err := s.db.Query(`SELECT payload FROM history_orders`)
	if err != nil {
		return fmt.Errorf("load history orders: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan history order: %w", err)
		}
		var order types.Order
		if err := json.Unmarshal([]byte(payload), &order); err != nil {
			return fmt.Errorf("decode history order: %w", err)
		}
		if err := s.memory.OnHistoryOrderAdded(order); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate history orders: %w", err)
	}

	dealRows, err := s.db.Query(`SELECT payload FROM deals`)
	if err != nil {
		return fmt.Errorf("load deals: %w", err)
	}
	defer func() { _ = dealRows.Close() }()
	for dealRows.Next() {
		var payload string
		if err := dealRows.Scan(&payload); err != nil {
			return fmt.Errorf("scan deal: %w", err)
		}
		var deal types.Deal
		if err := json.Unmarshal([]byte(payload), &deal); err != nil {
			return fmt.Errorf("decode deal: %w", err)
		}
		if err := s.memory.OnDealAdded(deal); err != nil {
			return err
		}
	}
	if err := dealRows.Err(); err != nil {
		return fmt.Errorf("iterate deals: %w", err)
	}
	return nil
}

// OnHistoryOrderAdded merges one history order and marks it for the next flush.
func (s *SQLite) OnHistoryOrderAdded(order types.Order) error {
	if err := s.memory.OnHistoryOrderAdded(order); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirtyOrders[order.ID] = order
	s.mu.Unlock()
	return nil
}

// OnDealAdded merges one deal and marks it for the next flush.
func (s *SQLite) OnDealAdded(deal types.Deal) error {
	if err := s.memory.OnDealAdded(deal); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirtyDeals[deal.ID] = deal
	s.mu.Unlock()
	return nil
}

// HistoryOrders returns the order log sorted by (doneTime, id).
func (s *SQLite) HistoryOrders() []types.Order { return s.memory.HistoryOrders() }

// Deals returns the deal log sorted by (time, id).
func (s *SQLite) Deals() []types.Deal { return s.memory.Deals() }

// LastHistoryOrderTime returns the order watermark.
func (s *SQLite) LastHistoryOrderTime() time.Time { return s.memory.LastHistoryOrderTime() }

// LastDealTime returns the deal watermark.
func (s *SQLite) LastDealTime() time.Time { return s.memory.LastDealTime() }

// Reset empties memory, the write buffer and both tables.
func (s *SQLite) Reset() error {
	if err := s.memory.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirtyOrders = make(map[string]types.Order)
	s.dirtyDeals = make(map[string]types.Deal)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM history_orders`); err != nil {
		return fmt.Errorf("clear history orders: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM deals`); err != nil {
		return fmt.Errorf("clear deals: %w", err)
	}
	return nil
}

// UpdateStorage commits the buffered records in one transaction. The buffer
// is only cleared after a successful commit, so a failed flush retries the
// same records next time.
func (s *SQLite) UpdateStorage() error {
	s.mu.Lock()
	orders := make([]types.Order, 0, len(s.dirtyOrders))
	for _, o := range s.dirtyOrders {
		orders = append(orders, o)
	}
	deals := make([]types.Deal, 0, len(s.dirtyDeals))
	for _, d := range s.dirtyDeals {
		deals = append(deals, d)
	}
	s.mu.Unlock()

	if len(orders) == 0 && len(deals) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, order := range orders {
		payload, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("encode history order %s: %w", order.ID, err)
		}
		var doneTime sql.NullTime
		if order.DoneTime != nil {
			doneTime = sql.NullTime{Time: *order.DoneTime, Valid: true}
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO history_orders (id, symbol, type, volume, open_price, done_time, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.Symbol, string(order.Type),
			decimal.NewFromFloat(order.Volume).String(),
			decimal.NewFromFloat(order.OpenPrice).String(),
			doneTime, string(payload),
		)
		if err != nil {
			return fmt.Errorf("store history order %s: %w", order.ID, err)
		}
	}

	for _, deal := range deals {
		payload, err := json.Marshal(deal)
		if err != nil {
			return fmt.Errorf("encode deal %s: %w", deal.ID, err)
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO deals (id, symbol, type, volume, profit, time, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			deal.ID, deal.Symbol, string(deal.Type),
			decimal.NewFromFloat(deal.Volume).String(),
			decimal.NewFromFloat(deal.Profit).String(),
			deal.Time, string(payload),
		)
		if err != nil {
			return fmt.Errorf("store deal %s: %w", deal.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}

	s.mu.Lock()
	for _, o := range orders {
		delete(s.dirtyOrders, o.ID)
	}
	for _, d := range deals {
		delete(s.dirtyDeals, d.ID)
	}
	s.mu.Unlock()
	return nil
}

// Close flushes pending records and closes the database.
func (s *SQLite) Close() error {
	if err := s.UpdateStorage(); err != nil {
		return err
	}
	return s.db.Close()
}
