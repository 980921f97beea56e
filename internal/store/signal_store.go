// Package store persists vetted signals in SQLite.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, default)
// and "sqlite3" (github.com/mattn/go-sqlite3, cgo). Each signal is keyed by
// its natural key ticker|source|date so repeated publications of the same
// document collapse into one row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"alphagate/internal/logging"
)

const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

var (
	// ErrDuplicate is returned by InsertSignal when the natural key exists.
	ErrDuplicate = errors.New("signal already exists")
	// ErrNotFound is returned by GetSignal for an unknown key.
	ErrNotFound = errors.New("signal not found")
)

// Signal is one row of the signals table.
type Signal struct {
	ID               string
	NaturalKey       string
	Ticker           string
	Source           string
	Date             string // YYYY-MM-DD
	DocumentID       string
	Title            string
	Verdict          string
	Blocked          bool
	BlockReason      string
	ReliabilityScore float64
	RiskScore        float64
	Sentiment        float64
	Setup            json.RawMessage // nil when no trade setup
	Warnings         []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// timeLayout sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// NaturalKey builds the unique key ticker|source|date.
func NaturalKey(ticker, source string, date time.Time) string {
	return naturalKey(ticker, source, date.UTC().Format("2006-01-02"))
}

func naturalKey(ticker, source, date string) string {
	return strings.ToUpper(strings.TrimSpace(ticker)) + "|" +
		strings.ToLower(strings.TrimSpace(source)) + "|" + date
}

// SignalStore is a SQLite-backed signal table.
type SignalStore struct {
	db     *sql.DB
	driver string
	path   string
}

// Open opens (creating if needed) the database at path with driver.
// An empty driver selects the pure-Go driver.
func Open(driver, path string) (*SignalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SignalStore{db: db, driver: driver, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("signal store ready at %s (driver=%s)", path, driver)
	return s, nil
}

func (s *SignalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		natural_key TEXT NOT NULL UNIQUE,
		ticker TEXT NOT NULL,
		source TEXT NOT NULL,
		signal_date TEXT NOT NULL,
		document_id TEXT,
		title TEXT,
		verdict TEXT NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT,
		reliability_score REAL,
		risk_score REAL,
		sentiment REAL,
		setup_json TEXT,
		warnings_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signals_ticker ON signals(ticker);
	CREATE INDEX IF NOT EXISTS idx_signals_updated ON signals(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create signals table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SignalStore) Close() error {
	return s.db.Close()
}

// Driver returns the driver name in use.
func (s *SignalStore) Driver() string { return s.driver }

const signalColumns = `id, natural_key, ticker, source, signal_date, document_id, title,
	verdict, blocked, block_reason, reliability_score, risk_score, sentiment,
	setup_json, warnings_json, created_at, updated_at`

const insertSQL = `INSERT INTO signals (` + signalColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpsertSignal inserts sig or, when its natural key exists, updates the
// existing row in place. The row keeps its original ID and created_at.
func (s *SignalStore) UpsertSignal(ctx context.Context, sig *Signal) error {
	args, err := s.prepare(sig)
	if err != nil {
		return err
	}

	query := insertSQL + `
	ON CONFLICT(natural_key) DO UPDATE SET
		document_id = excluded.document_id,
		title = excluded.title,
		verdict = excluded.verdict,
		blocked = excluded.blocked,
		block_reason = excluded.block_reason,
		reliability_score = excluded.reliability_score,
		risk_score = excluded.risk_score,
		sentiment = excluded.sentiment,
		setup_json = excluded.setup_json,
		warnings_json = excluded.warnings_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert signal %s: %w", sig.NaturalKey, err)
	}
	logging.StoreDebug("upserted signal %s (%s)", sig.NaturalKey, sig.Verdict)
	return nil
}

// InsertSignal inserts sig and returns ErrDuplicate if its natural key exists.
func (s *SignalStore) InsertSignal(ctx context.Context, sig *Signal) error {
	args, err := s.prepare(sig)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertSQL, args...); err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("insert signal %s: %w", sig.NaturalKey, ErrDuplicate)
		}
		return fmt.Errorf("insert signal %s: %w", sig.NaturalKey, err)
	}
	return nil
}

// prepare fills ID, key and timestamps, and returns the insert arguments.
func (s *SignalStore) prepare(sig *Signal) ([]any, error) {
	if sig == nil {
		return nil, errors.New("nil signal")
	}
	if sig.Ticker == "" || sig.Source == "" || sig.Date == "" {
		return nil, fmt.Errorf("signal needs ticker, source and date (got %q/%q/%q)", sig.Ticker, sig.Source, sig.Date)
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.NaturalKey == "" {
		sig.NaturalKey = naturalKey(sig.Ticker, sig.Source, sig.Date)
	}
	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now

	var setup any
	if len(sig.Setup) > 0 {
		setup = string(sig.Setup)
	}
	warnings, err := json.Marshal(sig.Warnings)
	if err != nil {
		return nil, fmt.Errorf("encode warnings: %w", err)
	}

	return []any{
		sig.ID, sig.NaturalKey, sig.Ticker, sig.Source, sig.Date, sig.DocumentID, sig.Title,
		sig.Verdict, boolToInt(sig.Blocked), sig.BlockReason, sig.ReliabilityScore, sig.RiskScore, sig.Sentiment,
		setup, string(warnings), sig.CreatedAt.UTC().Format(timeLayout), sig.UpdatedAt.Format(timeLayout),
	}, nil
}

// GetSignal loads the signal with the given natural key.
func (s *SignalStore) GetSignal(ctx context.Context, naturalKey string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE natural_key = ?`, naturalKey)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", naturalKey, err)
	}
	return sig, nil
}

// ListSignals returns up to limit signals, most recently updated first.
// limit <= 0 returns every row.
func (s *SignalStore) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals ORDER BY updated_at DESC, natural_key`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(r rowScanner) (*Signal, error) {
	var (
		sig                          Signal
		documentID, title, reason    sql.NullString
		setup, warnings              sql.NullString
		blocked                      int
		reliability, risk, sentiment sql.NullFloat64
		created, updated             string
	)
	err := r.Scan(&sig.ID, &sig.NaturalKey, &sig.Ticker, &sig.Source, &sig.Date, &documentID, &title,
		&sig.Verdict, &blocked, &reason, &reliability, &risk, &sentiment,
		&setup, &warnings, &created, &updated)
	if err != nil {
		return nil, err
	}

	sig.DocumentID = documentID.String
	sig.Title = title.String
	sig.BlockReason = reason.String
	sig.Blocked = blocked != 0
	sig.ReliabilityScore = reliability.Float64
	sig.RiskScore = risk.Float64
	sig.Sentiment = sentiment.Float64
	if setup.Valid && setup.String != "" {
		sig.Setup = json.RawMessage(setup.String)
	}
	if warnings.Valid && warnings.String != "" && warnings.String != "null" {
		if err := json.Unmarshal([]byte(warnings.String), &sig.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	sig.CreatedAt, _ = time.Parse(timeLayout, created)
	sig.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &sig, nil
}

// IsDuplicate reports whether err is a unique-key conflict from either driver
// or ErrDuplicate itself.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
