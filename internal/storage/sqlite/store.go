package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/openmeet/session-engine/pkg/logger"
)

// Storage is the SQLite-backed Durable Store for sessions, segments,
// participants, and bookmarks
type Storage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStorage opens (or creates) the database at dbPath and initializes the schema
func NewStorage(dbPath string, log *logger.Logger) (*Storage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Create tables if they don't exist
	if err := initDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetDB returns the database connection
func (s *Storage) GetDB() *sql.DB {
	return s.db
}

// initDatabase initializes the database schema. Writes are replayed after
// crashes, so every table carries a natural-key uniqueness constraint.
func initDatabase(db *sql.DB) error {
	// Sessions table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			status TEXT NOT NULL,
			language TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			summary TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	// Transcript segments table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			speaker_id TEXT NOT NULL,
			content TEXT NOT NULL,
			start_offset REAL NOT NULL,
			end_offset REAL NOT NULL,
			confidence REAL NOT NULL,
			is_final BOOLEAN NOT NULL,
			supersedes TEXT,
			received_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create segments table: %w", err)
	}

	// Participants table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			display_name TEXT,
			joined_at TIMESTAMP NOT NULL,
			left_at TIMESTAMP,
			talk_time_seconds REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, participant_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create participants table: %w", err)
	}

	// Bookmarks table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS bookmarks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			nonce TEXT,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			timestamp_seconds REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create bookmarks table: %w", err)
	}

	// Create indexes
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_meeting ON sessions(meeting_id)`)
	if err != nil {
		return fmt.Errorf("failed to create meeting_id index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_segments_session_seq ON segments(session_id, seq)`)
	if err != nil {
		return fmt.Errorf("failed to create segments index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_bookmarks_session ON bookmarks(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create bookmarks session index: %w", err)
	}
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookmarks_nonce ON bookmarks(session_id, creator_id, nonce) WHERE nonce != ''`)
	if err != nil {
		return fmt.Errorf("failed to create bookmarks nonce index: %w", err)
	}

	return nil
}
