package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		orphan_returns INTEGER NOT NULL,
		overwritten_calls INTEGER NOT NULL,
		unfinished_calls INTEGER NOT NULL,
		truncated_paths INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_stats (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		path TEXT NOT NULL,
		open_count INTEGER NOT NULL,
		open_latency_ns INTEGER NOT NULL,
		close_count INTEGER NOT NULL,
		close_latency_ns INTEGER NOT NULL,
		read_count INTEGER NOT NULL,
		read_latency_ns INTEGER NOT NULL,
		bytes_read INTEGER NOT NULL,
		write_count INTEGER NOT NULL,
		write_latency_ns INTEGER NOT NULL,
		bytes_written INTEGER NOT NULL,
		PRIMARY KEY (run_id, path)
	);

	CREATE TABLE IF NOT EXISTS syscall_stats (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		number INTEGER NOT NULL,
		name TEXT NOT NULL,
		count INTEGER NOT NULL,
		latency_ns INTEGER NOT NULL,
		PRIMARY KEY (run_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_file_stats_path ON file_stats(path);
`

// SQLiteSink appends reports to a SQLite database so that runs can be
// compared with plain SQL.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append stores r as a new run and returns its id.
func (s *SQLiteSink) Append(ctx context.Context, r *Report) (runID int64, err error) {
	command, err := json.Marshal(r.Command)
	if err != nil {
		return 0, fmt.Errorf("encoding command: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (command, exit_code, started_at, finished_at, duration_ns, error,
			orphan_returns, overwritten_calls, unfinished_calls, truncated_paths)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(command), r.ExitCode, r.StartedAt, r.FinishedAt, toInt64(r.DurationNS), r.Error,
		toInt64(r.Quality.OrphanReturns), toInt64(r.Quality.OverwrittenCalls),
		toInt64(r.Quality.UnfinishedCalls), toInt64(r.Quality.TruncatedPaths))
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	if runID, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("reading run id: %w", err)
	}

	fileStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_stats (run_id, path, open_count, open_latency_ns, close_count,
			close_latency_ns, read_count, read_latency_ns, bytes_read, write_count,
			write_latency_ns, bytes_written)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing file insert: %w", err)
	}
	defer fileStmt.Close()

	for _, f := range r.Files {
		if _, err = fileStmt.ExecContext(ctx, runID, f.Path,
			toInt64(f.OpenCount), toInt64(f.OpenLatencyNS),
			toInt64(f.CloseCount), toInt64(f.CloseLatencyNS),
			toInt64(f.ReadCount), toInt64(f.ReadLatencyNS), toInt64(f.BytesRead),
			toInt64(f.WriteCount), toInt64(f.WriteLatencyNS), toInt64(f.BytesWritten),
		); err != nil {
			return 0, fmt.Errorf("inserting stats of %s: %w", f.Path, err)
		}
	}

	for _, sc := range r.Syscalls {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO syscall_stats (run_id, number, name, count, latency_ns)
			VALUES (?, ?, ?, ?, ?)`,
			runID, sc.Number, sc.Name, toInt64(sc.Count), toInt64(sc.LatencyNS),
		); err != nil {
			return 0, fmt.Errorf("inserting stats of %s: %w", sc.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// toInt64 saturates counters that do not fit a SQLite integer.
func toInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
