package records

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGConfig holds PostgreSQL connection settings for the record store.
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

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore opens the record database, verifies the connection and
// creates the record tables if they do not exist.
func NewPGStore(config PGConfig) (*PGStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping record database: %w", err)
	}

	if err := createRecordTables(db); err != nil {
		return nil, fmt.Errorf("failed to create record tables: %w", err)
	}

	return &PGStore{db: db}, nil
}

func createRecordTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS behavioral_incidents (
		id SERIAL PRIMARY KEY,
		subject_id VARCHAR(200) NOT NULL,
		category VARCHAR(100) NOT NULL,
		severity INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assessments (
		id SERIAL PRIMARY KEY,
		subject_id VARCHAR(200) NOT NULL,
		course VARCHAR(100) NOT NULL,
		score INTEGER NOT NULL,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS communications (
		id SERIAL PRIMARY KEY,
		subject_id VARCHAR(200) NOT NULL,
		source VARCHAR(100) NOT NULL,
		urgency VARCHAR(20) NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		safeguarding BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance_events (
		id SERIAL PRIMARY KEY,
		subject_id VARCHAR(200) NOT NULL,
		status VARCHAR(20) NOT NULL,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_behavioral_subject_time ON behavioral_incidents(subject_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_assessments_subject_time ON assessments(subject_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_communications_subject_time ON communications(subject_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_attendance_subject_time ON attendance_events(subject_id, occurred_at);
	`

	_, err := db.Exec(query)
	return err
}

// InsertIncident stores a behavioral incident.
func (p *PGStore) InsertIncident(ctx context.Context, r BehavioralIncident) error {
	query := `
	INSERT INTO behavioral_incidents (subject_id, category, severity, note, occurred_at)
	VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.db.ExecContext(ctx, query, r.SubjectID, r.Category, r.Severity, r.Note, r.OccurredAt)
	return err
}

// InsertAssessment stores an academic assessment.
func (p *PGStore) InsertAssessment(ctx context.Context, r Assessment) error {
	query := `
	INSERT INTO assessments (subject_id, course, score, occurred_at)
	VALUES ($1, $2, $3, $4)
	`
	_, err := p.db.ExecContext(ctx, query, r.SubjectID, r.Course, r.Score, r.OccurredAt)
	return err
}

// InsertCommunication stores a communication record.
func (p *PGStore) InsertCommunication(ctx context.Context, r Communication) error {
	query := `
	INSERT INTO communications (subject_id, source, urgency, note, safeguarding, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, query, r.SubjectID, r.Source, r.Urgency.String(), r.Note, r.Safeguarding, r.OccurredAt)
	return err
}

// InsertAttendance stores an attendance event.
func (p *PGStore) InsertAttendance(ctx context.Context, r AttendanceEvent) error {
	query := `
	INSERT INTO attendance_events (subject_id, status, occurred_at)
	VALUES ($1, $2, $3)
	`
	_, err := p.db.ExecContext(ctx, query, r.SubjectID, r.Status.String(), r.OccurredAt)
	return err
}

// Records returns the subject's records inside the window, each shape
// in chronological order.
func (p *PGStore) Records(ctx context.Context, subjectID string, w Window) (Set, error) {
	set := Set{SubjectID: subjectID}

	if err := p.loadIncidents(ctx, &set, subjectID, w); err != nil {
		return Set{}, fmt.Errorf("failed to load incidents: %w", err)
	}
	if err := p.loadAssessments(ctx, &set, subjectID, w); err != nil {
		return Set{}, fmt.Errorf("failed to load assessments: %w", err)
	}
	if err := p.loadCommunications(ctx, &set, subjectID, w); err != nil {
		return Set{}, fmt.Errorf("failed to load communications: %w", err)
	}
	if err := p.loadAttendance(ctx, &set, subjectID, w); err != nil {
		return Set{}, fmt.Errorf("failed to load attendance: %w", err)
	}

	return set, nil
}

func (p *PGStore) loadIncidents(ctx context.Context, set *Set, subjectID string, w Window) error {
	query := `
	SELECT category, severity, note, occurred_at FROM behavioral_incidents
	WHERE subject_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	ORDER BY occurred_at
	`
	rows, err := p.db.QueryContext(ctx, query, subjectID, w.From, w.To)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r := BehavioralIncident{SubjectID: subjectID}
		if err := rows.Scan(&r.Category, &r.Severity, &r.Note, &r.OccurredAt); err != nil {
			return err
		}
		set.Incidents = append(set.Incidents, r)
	}
	return rows.Err()
}

func (p *PGStore) loadAssessments(ctx context.Context, set *Set, subjectID string, w Window) error {
	query := `
	SELECT course, score, occurred_at FROM assessments
	WHERE subject_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	ORDER BY occurred_at
	`
	rows, err := p.db.QueryContext(ctx, query, subjectID, w.From, w.To)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r := Assessment{SubjectID: subjectID}
		if err := rows.Scan(&r.Course, &r.Score, &r.OccurredAt); err != nil {
			return err
		}
		set.Assessments = append(set.Assessments, r)
	}
	return rows.Err()
}

func (p *PGStore) loadCommunications(ctx context.Context, set *Set, subjectID string, w Window) error {
	query := `
	SELECT source, urgency, note, safeguarding, occurred_at FROM communications
	WHERE subject_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	ORDER BY occurred_at
	`
	rows, err := p.db.QueryContext(ctx, query, subjectID, w.From, w.To)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r := Communication{SubjectID: subjectID}
		var urgency string
		if err := rows.Scan(&r.Source, &urgency, &r.Note, &r.Safeguarding, &r.OccurredAt); err != nil {
			return err
		}
		u, err := ParseUrgency(urgency)
		if err != nil {
			return err
		}
		r.Urgency = u
		set.Communications = append(set.Communications, r)
	}
	return rows.Err()
}

func (p *PGStore) loadAttendance(ctx context.Context, set *Set, subjectID string, w Window) error {
	query := `
	SELECT status, occurred_at FROM attendance_events
	WHERE subject_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	ORDER BY occurred_at
	`
	rows, err := p.db.QueryContext(ctx, query, subjectID, w.From, w.To)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r := AttendanceEvent{SubjectID: subjectID}
		var status string
		if err := rows.Scan(&status, &r.OccurredAt); err != nil {
			return err
		}
		s, err := ParseAttendanceStatus(status)
		if err != nil {
			return err
		}
		r.Status = s
		set.Attendance = append(set.Attendance, r)
	}
	return rows.Err()
}

// Close closes the database connection.
func (p *PGStore) Close() error {
	return p.db.Close()
}
