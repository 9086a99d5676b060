package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"vela/perf"
)

// ErrNoHistory means the database holds no committed cycles yet.
var ErrNoHistory = errors.New("no cycle history")

// Acknowledgement states for a persisted decision.
const (
	AckAcked   = "ACKED"   // venue confirmed the order
	AckPending = "PENDING" // order sent, ack timed out; reconciled later
	AckSkipped = "SKIPPED" // decision produced no order
	AckFailed  = "FAILED"  // venue rejected the order
)

// DecisionRow is one gate decision as persisted.
type DecisionRow struct {
	CycleNumber  int64     `json:"cycle_number"`
	StrategyID   string    `json:"strategy_id"`
	Asset        string    `json:"asset"`
	Action       string    `json:"action"`
	RequestedUSD float64   `json:"requested_usd"`
	ApprovedUSD  float64   `json:"approved_usd"`
	GateResult   string    `json:"gate_result"`
	Reason       string    `json:"reason"`
	AckStatus    string    `json:"ack_status"`
	OrderRef     string    `json:"order_ref"`
	CreatedAt    time.Time `json:"created_at"`
}

// EquityPoint is one equity observation.
type EquityPoint struct {
	CycleNumber int64     `json:"cycle_number"`
	AsOf        time.Time `json:"as_of"`
	Equity      float64   `json:"equity"`
}

// CycleRecord is everything one cycle commits: the audit row, its decisions,
// the outcomes recorded during the cycle, refreshed snapshots, and the equity
// point. CommitCycle writes it in a single transaction, which is what makes
// the cycle atomic.
type CycleRecord struct {
	CycleNumber  int64
	StartedAt    time.Time
	FinishedAt   time.Time
	StateVersion int
	StateJSON    string
	Success      bool
	ErrorMessage string

	Decisions []DecisionRow
	Outcomes  []perf.TradeOutcome
	Snapshots []perf.Snapshot
	Equity    float64
}

// RestoredState is the newest committed state document.
type RestoredState struct {
	CycleNumber  int64
	StateVersion int
	StateJSON    string
}

// Store persists cycles, decisions, outcomes and snapshots. SQLite by
// default; Postgres when a DATABASE_URL is configured and reachable.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// New wraps an existing database handle.
func New(db *sql.DB, isPostgres bool) *Store {
	return &Store{db: db, isPostgres: isPostgres}
}

// Open connects to Postgres when databaseURL is set and reachable, otherwise
// falls back to SQLite at sqlitePath. The schema is created if missing.
func Open(databaseURL, sqlitePath string) (*Store, error) {
	if databaseURL != "" {
		db, err := openPostgres(databaseURL)
		if err != nil {
			log.Printf("⚠️  Postgres unavailable (%v), falling back to SQLite", err)
		} else {
			s := New(db, true)
			if err := s.initSchema(); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
			}
			log.Printf("✅ Decision history on Postgres")
			return s, nil
		}
	}

	db, err := openSQLite(sqlitePath)
	if err != nil {
		return nil, err
	}
	s := New(db, false)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	log.Printf("✅ Decision history on SQLite: %s", sqlitePath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func openPostgres(databaseURL string) (*sql.DB, error) {
	connString := databaseURL
	if !strings.Contains(connString, "connect_timeout") {
		connString = appendConnParam(connString, "connect_timeout=10")
	}
	if !strings.Contains(connString, "sslmode") {
		connString = appendConnParam(connString, "sslmode=require")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func appendConnParam(connString, param string) string {
	sep := "?"
	if strings.Contains(connString, "?") {
		sep = "&"
	}
	return connString + sep + param
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite connection failed: %w", err)
	}
	return db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_number INTEGER NOT NULL UNIQUE,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	state_version INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	success BOOLEAN NOT NULL DEFAULT 1,
	error_message TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_number INTEGER NOT NULL,
	strategy_id TEXT NOT NULL,
	asset TEXT NOT NULL,
	action TEXT NOT NULL,
	requested_usd REAL NOT NULL,
	approved_usd REAL NOT NULL,
	gate_result TEXT NOT NULL,
	reason TEXT,
	ack_status TEXT NOT NULL,
	order_ref TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	pnl REAL NOT NULL,
	win BOOLEAN NOT NULL,
	source_ref TEXT,
	UNIQUE(strategy_id, occurred_at, pnl)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_number INTEGER NOT NULL,
	strategy_id TEXT NOT NULL,
	as_of DATETIME NOT NULL,
	trades INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	score REAL NOT NULL,
	max_drawdown REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_number INTEGER NOT NULL,
	as_of DATETIME NOT NULL,
	equity REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle_number);
CREATE INDEX IF NOT EXISTS idx_decisions_strategy ON decisions(strategy_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_strategy ON outcomes(strategy_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_cycle ON snapshots(cycle_number);
CREATE INDEX IF NOT EXISTS idx_equity_cycle ON equity_history(cycle_number);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id SERIAL PRIMARY KEY,
	cycle_number BIGINT NOT NULL UNIQUE,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	state_version INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	success BOOLEAN NOT NULL DEFAULT true,
	error_message TEXT,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS decisions (
	id SERIAL PRIMARY KEY,
	cycle_number BIGINT NOT NULL,
	strategy_id TEXT NOT NULL,
	asset TEXT NOT NULL,
	action TEXT NOT NULL,
	requested_usd REAL NOT NULL,
	approved_usd REAL NOT NULL,
	gate_result TEXT NOT NULL,
	reason TEXT,
	ack_status TEXT NOT NULL,
	order_ref TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id SERIAL PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	pnl REAL NOT NULL,
	win BOOLEAN NOT NULL,
	source_ref TEXT,
	UNIQUE(strategy_id, occurred_at, pnl)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id SERIAL PRIMARY KEY,
	cycle_number BIGINT NOT NULL,
	strategy_id TEXT NOT NULL,
	as_of TIMESTAMPTZ NOT NULL,
	trades INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	score REAL NOT NULL,
	max_drawdown REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_history (
	id SERIAL PRIMARY KEY,
	cycle_number BIGINT NOT NULL,
	as_of TIMESTAMPTZ NOT NULL,
	equity REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle_number);
CREATE INDEX IF NOT EXISTS idx_decisions_strategy ON decisions(strategy_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_strategy ON outcomes(strategy_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_cycle ON snapshots(cycle_number);
CREATE INDEX IF NOT EXISTS idx_equity_cycle ON equity_history(cycle_number);
`

func (s *Store) initSchema() error {
	schema := sqliteSchema
	if s.isPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CommitCycle writes one cycle and all its children in a single transaction.
// Outcome rows replayed from the venue are absorbed by the unique key.
func (s *Store) CommitCycle(record *CycleRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind(`
		INSERT INTO cycles (cycle_number, started_at, finished_at, state_version, state_json, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		record.CycleNumber, record.StartedAt, record.FinishedAt, record.StateVersion,
		record.StateJSON, record.Success, record.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert cycle %d: %w", record.CycleNumber, err)
	}

	for _, d := range record.Decisions {
		_, err = tx.Exec(s.rebind(`
			INSERT INTO decisions (cycle_number, strategy_id, asset, action, requested_usd, approved_usd, gate_result, reason, ack_status, order_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			record.CycleNumber, d.StrategyID, d.Asset, d.Action, d.RequestedUSD, d.ApprovedUSD,
			d.GateResult, d.Reason, d.AckStatus, d.OrderRef, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert decision for %s: %w", d.StrategyID, err)
		}
	}

	for _, o := range record.Outcomes {
		_, err = tx.Exec(s.rebind(`
			INSERT INTO outcomes (strategy_id, occurred_at, pnl, win, source_ref)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
			o.StrategyID, o.Timestamp, o.PnL, o.Win, o.SourceRef)
		if err != nil {
			return fmt.Errorf("failed to insert outcome for %s: %w", o.StrategyID, err)
		}
	}

	for _, snap := range record.Snapshots {
		_, err = tx.Exec(s.rebind(`
			INSERT INTO snapshots (cycle_number, strategy_id, as_of, trades, win_rate, score, max_drawdown)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			record.CycleNumber, snap.StrategyID, snap.AsOf, snap.TradeCount, snap.WinRate,
			snap.Score, snap.MaxDrawdown)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot for %s: %w", snap.StrategyID, err)
		}
	}

	_, err = tx.Exec(s.rebind(`
		INSERT INTO equity_history (cycle_number, as_of, equity) VALUES (?, ?, ?)`),
		record.CycleNumber, record.FinishedAt, record.Equity)
	if err != nil {
		return fmt.Errorf("failed to insert equity point: %w", err)
	}

	return tx.Commit()
}

// RestoreLatest returns the newest committed state document. A crash between
// cycles leaves the previous document intact, so this is always consistent.
func (s *Store) RestoreLatest() (*RestoredState, error) {
	row := s.db.QueryRow(`
		SELECT cycle_number, state_version, state_json FROM cycles
		ORDER BY cycle_number DESC LIMIT 1`)

	restored := &RestoredState{}
	err := row.Scan(&restored.CycleNumber, &restored.StateVersion, &restored.StateJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore latest state: %w", err)
	}
	return restored, nil
}

// StateForCycle returns the state document committed by one specific cycle.
func (s *Store) StateForCycle(cycleNumber int64) (*RestoredState, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT cycle_number, state_version, state_json FROM cycles
		WHERE cycle_number = ?`), cycleNumber)

	restored := &RestoredState{}
	err := row.Scan(&restored.CycleNumber, &restored.StateVersion, &restored.StateJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cycle %d not found", cycleNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for cycle %d: %w", cycleNumber, err)
	}
	return restored, nil
}

// EquityForCycle returns the equity the cycle traded against.
func (s *Store) EquityForCycle(cycleNumber int64) (float64, error) {
	var equity float64
	err := s.db.QueryRow(s.rebind(`
		SELECT equity FROM equity_history WHERE cycle_number = ?`), cycleNumber).Scan(&equity)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no equity point for cycle %d", cycleNumber)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load equity for cycle %d: %w", cycleNumber, err)
	}
	return equity, nil
}

// UpdateStateJSON rewrites the state document of one committed cycle. Used by
// the operator recovery script, never by the cycle loop.
func (s *Store) UpdateStateJSON(cycleNumber int64, stateJSON string) error {
	result, err := s.db.Exec(s.rebind(`UPDATE cycles SET state_json = ? WHERE cycle_number = ?`),
		stateJSON, cycleNumber)
	if err != nil {
		return fmt.Errorf("failed to update state for cycle %d: %w", cycleNumber, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("cycle %d not found", cycleNumber)
	}
	return nil
}

// MarkDecisionsAcked flips one strategy's PENDING decisions of a cycle to
// ACKED once a realized outcome proves the order filled.
func (s *Store) MarkDecisionsAcked(cycleNumber int64, strategyID string) (int64, error) {
	result, err := s.db.Exec(s.rebind(`
		UPDATE decisions SET ack_status = ? WHERE cycle_number = ? AND strategy_id = ? AND ack_status = ?`),
		AckAcked, cycleNumber, strategyID, AckPending)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile decisions for %s: %w", strategyID, err)
	}
	return result.RowsAffected()
}

// AllOutcomes returns the full trade history in chronological order.
func (s *Store) AllOutcomes() ([]perf.TradeOutcome, error) {
	rows, err := s.db.Query(`
		SELECT strategy_id, occurred_at, pnl, win, source_ref FROM outcomes
		ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []perf.TradeOutcome
	for rows.Next() {
		var o perf.TradeOutcome
		if err := rows.Scan(&o.StrategyID, &o.Timestamp, &o.PnL, &o.Win, &o.SourceRef); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// LatestDecisions returns the most recent n decisions in chronological order.
func (s *Store) LatestDecisions(n int) ([]DecisionRow, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT cycle_number, strategy_id, asset, action, requested_usd, approved_usd, gate_result, reason, ack_status, order_ref, created_at
		FROM decisions ORDER BY id DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}

	// Flip newest-first to oldest-first for display.
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	return decisions, nil
}

// DecisionsForCycle returns one cycle's decisions in insertion order.
func (s *Store) DecisionsForCycle(cycleNumber int64) ([]DecisionRow, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT cycle_number, strategy_id, asset, action, requested_usd, approved_usd, gate_result, reason, ack_status, order_ref, created_at
		FROM decisions WHERE cycle_number = ? ORDER BY id ASC`), cycleNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions for cycle %d: %w", cycleNumber, err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]DecisionRow, error) {
	var decisions []DecisionRow
	for rows.Next() {
		var d DecisionRow
		if err := rows.Scan(&d.CycleNumber, &d.StrategyID, &d.Asset, &d.Action, &d.RequestedUSD,
			&d.ApprovedUSD, &d.GateResult, &d.Reason, &d.AckStatus, &d.OrderRef, &d.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// EquityHistory returns the most recent n equity points in chronological order.
func (s *Store) EquityHistory(n int) ([]EquityPoint, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT cycle_number, as_of, equity FROM equity_history
		ORDER BY cycle_number DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity history: %w", err)
	}
	defer rows.Close()

	var points []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.CycleNumber, &p.AsOf, &p.Equity); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// PruneBefore deletes cycle audit rows older than the given cycle number.
// Outcome history is kept: performance scoring still needs it.
func (s *Store) PruneBefore(cycleNumber int64) (int64, error) {
	var total int64
	for _, table := range []string{"decisions", "snapshots", "equity_history", "cycles"} {
		result, err := s.db.Exec(s.rebind(
			fmt.Sprintf("DELETE FROM %s WHERE cycle_number < ?", table)), cycleNumber)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		affected, _ := result.RowsAffected()
		total += affected
	}
	if total > 0 {
		log.Printf("🗑️  Pruned %d rows before cycle %d", total, cycleNumber)
	}
	return total, nil
}
