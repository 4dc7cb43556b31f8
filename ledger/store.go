package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const historyRestoreLimit = 500

// Store persists positions and risk state in SQLite so a restart resumes
// without capital double-counting. One row per position keyed by id; a single
// risk_state row keyed by day.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database at path
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; the serialized section is the only
	// writer anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id           TEXT PRIMARY KEY,
		symbol       TEXT NOT NULL,
		bot          TEXT NOT NULL,
		status       TEXT NOT NULL,
		proposed_usd REAL NOT NULL DEFAULT 0,
		entry_price  REAL NOT NULL DEFAULT 0,
		quantity     REAL NOT NULL DEFAULT 0,
		invested_usd REAL NOT NULL DEFAULT 0,
		order_id     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP,
		opened_at    TIMESTAMP,
		exit_price   REAL NOT NULL DEFAULT 0,
		closed_at    TIMESTAMP,
		realized_pnl REAL NOT NULL DEFAULT 0,
		flags        TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

	CREATE TABLE IF NOT EXISTS risk_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		day        TEXT NOT NULL,
		daily_pnl  REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// SavePosition upserts one position row. Called after every transition.
func (s *Store) SavePosition(p *Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions
			(id, symbol, bot, status, proposed_usd, entry_price, quantity, invested_usd,
			 order_id, created_at, opened_at, exit_price, closed_at, realized_pnl, flags, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			invested_usd = excluded.invested_usd,
			order_id = excluded.order_id,
			opened_at = excluded.opened_at,
			exit_price = excluded.exit_price,
			closed_at = excluded.closed_at,
			realized_pnl = excluded.realized_pnl,
			flags = excluded.flags,
			close_reason = excluded.close_reason`,
		p.ID, p.Symbol, p.Bot, string(p.Status), p.ProposedUSD, p.EntryPrice, p.Quantity, p.InvestedUSD,
		p.OrderID, nullable(p.CreatedAt), nullable(p.OpenedAt), p.ExitPrice, nullable(p.ClosedAt),
		p.RealizedPnL, strings.Join(p.Flags, ","), p.CloseReason)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

// LoadActive returns all non-terminal positions
func (s *Store) LoadActive() ([]*Position, error) {
	rows, err := s.db.Query(selectPositions+` WHERE status NOT IN (?, ?, ?) ORDER BY created_at`,
		string(StatusClosed), string(StatusOpenRejected), string(StatusOrderFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// LoadHistory returns up to limit most recent terminal positions, oldest first
func (s *Store) LoadHistory(limit int) ([]*Position, error) {
	rows, err := s.db.Query(selectPositions+` WHERE status IN (?, ?, ?)
		ORDER BY closed_at DESC LIMIT ?`,
		string(StatusClosed), string(StatusOpenRejected), string(StatusOrderFailed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to oldest-first for append-style history
	for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
		positions[i], positions[j] = positions[j], positions[i]
	}
	return positions, nil
}

const selectPositions = `
	SELECT id, symbol, bot, status, proposed_usd, entry_price, quantity, invested_usd,
	       order_id, created_at, opened_at, exit_price, closed_at, realized_pnl, flags, close_reason
	FROM positions`

func scanPositions(rows *sql.Rows) ([]*Position, error) {
	var out []*Position
	for rows.Next() {
		var p Position
		var status, flags string
		var createdAt, openedAt, closedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Bot, &status, &p.ProposedUSD, &p.EntryPrice,
			&p.Quantity, &p.InvestedUSD, &p.OrderID, &createdAt, &openedAt, &p.ExitPrice,
			&closedAt, &p.RealizedPnL, &flags, &p.CloseReason); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		p.Status = Status(status)
		if createdAt.Valid {
			p.CreatedAt = createdAt.Time
		}
		if openedAt.Valid {
			p.OpenedAt = openedAt.Time
		}
		if closedAt.Valid {
			p.ClosedAt = closedAt.Time
		}
		if flags != "" {
			p.Flags = strings.Split(flags, ",")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SaveRiskState persists the daily realized PnL counter for the given UTC day
func (s *Store) SaveRiskState(day string, dailyPnL float64) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_state (id, day, daily_pnl, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, daily_pnl = excluded.daily_pnl, updated_at = excluded.updated_at`,
		day, dailyPnL, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the persisted daily PnL counter, or zero values when
// none exists yet
func (s *Store) LoadRiskState() (string, float64, error) {
	var day string
	var pnl float64
	err := s.db.QueryRow(`SELECT day, daily_pnl FROM risk_state WHERE id = 1`).Scan(&day, &pnl)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to load risk state: %w", err)
	}
	return day, pnl, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
