package privacy

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Archive persists session mappings to a local SQLite file. It exists
// for operator recovery and compliance review only; the file must live
// on local disk and must never be replicated or exposed over a network
// share, because it contains real values alongside their tokens.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (and if needed creates) the mapping archive at
// dbPath.
func OpenArchive(ctx context.Context, dbPath string) (*Archive, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}

	if err := createArchiveTables(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create archive tables: %w", err)
	}

	return &Archive{db: db}, nil
}

func createArchiveTables(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS token_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		class TEXT NOT NULL,
		real_value TEXT NOT NULL,
		token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_token_mappings_session ON token_mappings(session_id);
	CREATE INDEX IF NOT EXISTS idx_token_mappings_created ON token_mappings(created_at);
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

// StoreMapping records one session mapping.
func (a *Archive) StoreMapping(ctx context.Context, sessionID, class, real, token string) error {
	query := `
	INSERT INTO token_mappings (session_id, class, real_value, token, created_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := a.db.ExecContext(ctx, query, sessionID, class, real, token, time.Now().UTC())
	return err
}

// SessionMappingCount returns how many mappings the archive holds for
// one session.
func (a *Archive) SessionMappingCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_mappings WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// Prune deletes archived mappings older than the given age and returns
// how many were removed.
func (a *Archive) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM token_mappings WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the archive file.
func (a *Archive) Close() error {
	return a.db.Close()
}
