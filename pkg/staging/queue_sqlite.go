package staging

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

	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

const queueSchema = `
CREATE TABLE IF NOT EXISTS staged_queue (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);`

// SQLiteQueue is a Queue stored in a local SQLite database.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLiteQueue opens (and creates if needed) the queue database at path.
//
// ":memory:" opens a private in-memory database.
func OpenSQLiteQueue(ctx context.Context, path string) (*SQLiteQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queue path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue store: %w", err)
	}
	if path != ":memory:" {
		if err := configureLocalSQLite(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Push implements Queue.
func (q *SQLiteQueue) Push(ctx context.Context, exps ...Experiment) error {
	if len(exps) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range exps {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode experiment: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO staged_queue (id, payload, created_at) VALUES (?, ?, ?)`,
			e.ID, string(payload), now,
		); err != nil {
			return fmt.Errorf("insert queued experiment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit push: %w", err)
	}
	return nil
}

// Drain implements Queue. Rows are read and deleted in one transaction.
func (q *SQLiteQueue) Drain(ctx context.Context) ([]Experiment, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT seq, payload FROM staged_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}

	var (
		out    []Experiment
		maxSeq int64
	)
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		var e Experiment
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode queued experiment %d: %w", seq, err)
		}
		out = append(out, e)
		maxSeq = seq
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_queue WHERE seq <= ?`, maxSeq); err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
