package changestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	date  TEXT NOT NULL,
	hash  TEXT NOT NULL,
	mtime TEXT NOT NULL,
	size  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS history_date ON history(date);
`

// HistoryFileName returns the per-host history database file name.
func HistoryFileName(host string) string {
	return host + ".sqlite"
}

// History is the durable record of every file that went into a backup.
// Rows are only ever appended by Commit and removed by DeleteDate.
type History struct {
	db   *sql.DB
	path string
}

// OpenHistory opens (and if needed creates) the history database at path.
func OpenHistory(path string) (*History, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve history path %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+absPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", absPath, err)
	}
	// One connection: a run is the only writer and sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise history schema in %s: %w", absPath, err)
	}
	return &History{db: db, path: absPath}, nil
}

func (h *History) Path() string { return h.path }

func (h *History) Close() error {
	return h.db.Close()
}

// LoadIndex reads every (hash, mtime, size) triple in the history.
func (h *History) LoadIndex(ctx context.Context) (Index, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT hash, mtime, size FROM history`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	idx := make(Index)
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Hash, &k.ModTime, &k.Size); err != nil {
			return nil, fmt.Errorf("failed to read history row: %w", err)
		}
		idx[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return idx, nil
}

// Commit appends one row per key, all dated date, in a single transaction.
// Nothing is written if any insert fails.
func (h *History) Commit(ctx context.Context, date string, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history commit: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO history(date, hash, mtime, size) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, date, k.Hash, k.ModTime, k.Size); err != nil {
			return fmt.Errorf("failed to insert history row for %s: %w", k.Hash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	plog.Log(plog.Success, "History committed", "date", date, "rows", len(keys))
	return nil
}

// DeleteDate removes every row dated date and returns how many were removed.
func (h *History) DeleteDate(ctx context.Context, date string) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM history WHERE date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history rows for %s: %w", date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted history rows for %s: %w", date, err)
	}
	return n, nil
}

// Counts returns the number of rows per date.
func (h *History) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT date, COUNT(*) FROM history GROUP BY date`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var date string
		var n int
		if err := rows.Scan(&date, &n); err != nil {
			return nil, fmt.Errorf("failed to read history count: %w", err)
		}
		counts[date] = n
	}
	return counts, rows.Err()
}
