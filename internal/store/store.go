package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	if dbPath == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(1)&_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each new connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		section TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quizzes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		section_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		duration INTEGER NOT NULL DEFAULT 0,
		code TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quiz_questions (
		id TEXT PRIMARY KEY,
		quiz_id TEXT NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		marks INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quiz_attempts (
		id TEXT PRIMARY KEY,
		quiz_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		submitted_at DATETIME,
		score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		lockdown INTEGER NOT NULL DEFAULT 0,
		violations INTEGER NOT NULL DEFAULT 0,
		UNIQUE (quiz_id, student_id),
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quiz_responses (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL,
		quiz_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		selected_answer TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		is_correct INTEGER NOT NULL DEFAULT 0,
		UNIQUE (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES quiz_attempts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES quiz_attempts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS feedback_questions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feedback_sessions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		title TEXT NOT NULL,
		section TEXT NOT NULL,
		code TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		start_time DATETIME,
		end_time DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feedback_session_questions (
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES feedback_sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS feedback_responses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, student_id, question_id),
		FOREIGN KEY (session_id) REFERENCES feedback_sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS feedback_respondents (
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, student_id),
		FOREIGN KEY (session_id) REFERENCES feedback_sessions(id) ON DELETE CASCADE
	);

	INSERT OR IGNORE INTO feedback_respondents (session_id, student_id, created_at)
		SELECT session_id, student_id, MIN(created_at) FROM feedback_responses GROUP BY session_id, student_id;

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quizzes_section ON quizzes(section_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_code ON feedback_sessions(code);
	CREATE INDEX IF NOT EXISTS idx_responses_session ON feedback_responses(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func encodeOptions(opts []string) (string, error) {
	if opts == nil {
		opts = []string{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return string(b), nil
}

func decodeOptions(raw string) ([]string, error) {
	var opts []string
	if raw == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return opts, nil
}
