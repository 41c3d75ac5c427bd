package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGConfig holds PostgreSQL connection settings for the audit sink.
type PGConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PGSink implements Sink on PostgreSQL.
type PGSink struct {
	db *sql.DB
}

// NewPGSink opens the audit database, verifies the connection and
// creates the audit table if it does not exist.
func NewPGSink(config PGConfig) (*PGSink, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if err := createAuditTable(db); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &PGSink{db: db}, nil
}

func createAuditTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		seq INTEGER NOT NULL,
		stage VARCHAR(40) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		input_hash VARCHAR(64) NOT NULL DEFAULT '',
		output_hash VARCHAR(64) NOT NULL DEFAULT '',
		anonymity_check VARCHAR(20) NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		prev_hash VARCHAR(64) NOT NULL DEFAULT '',
		entry_hash VARCHAR(64) NOT NULL,
		UNIQUE (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session_seq ON audit_entries(session_id, seq);
	`

	_, err := db.Exec(query)
	return err
}

func (p *PGSink) Append(ctx context.Context, e Entry) error {
	query := `
	INSERT INTO audit_entries (id, session_id, seq, stage, created_at, input_hash, output_hash, anonymity_check, detail, prev_hash, entry_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := p.db.ExecContext(ctx, query,
		e.ID, e.SessionID, e.Seq, e.Stage, e.Timestamp,
		e.InputHash, e.OutputHash, e.AnonymityCheck, e.Detail, e.PrevHash, e.EntryHash)
	return err
}

func (p *PGSink) BySession(ctx context.Context, sessionID string) ([]Entry, error) {
	query := `
	SELECT id, session_id, seq, stage, created_at, input_hash, output_hash, anonymity_check, detail, prev_hash, entry_hash
	FROM audit_entries
	WHERE session_id = $1
	ORDER BY seq
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Stage, &e.Timestamp,
			&e.InputHash, &e.OutputHash, &e.AnonymityCheck, &e.Detail, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (p *PGSink) Close() error {
	return p.db.Close()
}
