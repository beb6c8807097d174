package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var gooseInitMu sync.Mutex

const recordColumns = `id, run_id, layer_index, layer_name, attempt, recorded_at, family,
	metrics, composite, prior_id, delta, decision, rationale, failed_conditions`

// SQLiteLog stores records in a SQLite database migrated with goose.
type SQLiteLog struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, now: time.Now}, nil
}

func buildDSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	gooseInitMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseInitMu.Unlock()
	}()
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlite: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

// Append implements Log.
func (s *SQLiteLog) Append(ctx context.Context, rec Record) (Record, error) {
	rec, err := prepare(rec, s.now)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var last int
	row := tx.QueryRowContext(ctx,
		`SELECT layer_index FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, rec.RunID)
	switch err := row.Scan(&last); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Record{}, fmt.Errorf("sqlite: read last layer: %w", err)
	default:
		if err := checkOrder(last, true, rec); err != nil {
			return Record{}, err
		}
	}

	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: encode metrics: %w", err)
	}
	failed, err := json.Marshal(rec.FailedConditions)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: encode failed conditions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.LayerIndex, rec.LayerName, rec.Attempt,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Family, string(metrics),
		nullDecimal(rec.Composite), rec.PriorID, nullDecimal(rec.Delta),
		string(rec.Decision), rec.Rationale, string(failed),
	)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return rec.Clone(), nil
}

// Records implements Log.
func (s *SQLiteLog) Records(ctx context.Context, runID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM checkpoints`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter checkpoints: %w", err)
	}
	return out, nil
}

// Latest implements Log.
func (s *SQLiteLog) Latest(ctx context.Context, runID, family string, beforeLayer int) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM checkpoints
		WHERE run_id = ? AND family = ? AND layer_index < ?
		ORDER BY seq DESC LIMIT 1`, runID, family, beforeLayer)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Close implements Log.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		recordedAt string
		metrics    string
		failed     string
		decision   string
		composite  sql.NullString
		delta      sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.LayerIndex, &rec.LayerName, &rec.Attempt,
		&recordedAt, &rec.Family, &metrics, &composite, &rec.PriorID, &delta,
		&decision, &rec.Rationale, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: scan checkpoint: %w", err)
	}
	rec.Decision = Decision(decision)
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return Record{}, fmt.Errorf("sqlite: parse timestamp: %w", err)
	}
	if strings.TrimSpace(metrics) != "" && metrics != "null" {
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return Record{}, fmt.Errorf("sqlite: decode metrics: %w", err)
		}
	}
	if strings.TrimSpace(failed) != "" && failed != "null" {
		if err := json.Unmarshal([]byte(failed), &rec.FailedConditions); err != nil {
			return Record{}, fmt.Errorf("sqlite: decode failed conditions: %w", err)
		}
	}
	if rec.Composite, err = parseNullDecimal(composite); err != nil {
		return Record{}, err
	}
	if rec.Delta, err = parseNullDecimal(delta); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func nullDecimal(value *decimal.Decimal) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: value.String(), Valid: true}
}

func parseNullDecimal(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(value.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse decimal %q: %w", value.String, err)
	}
	return &parsed, nil
}
