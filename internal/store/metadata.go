package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// DeleteMetadata removes a metadata key if present.
func (s *Store) DeleteMetadata(key string) error {
	_, err := s.db.Exec(`DELETE FROM metadata WHERE key = ?`, key)
	return err
}

// CachedSummary is a generated session summary kept with the number of
// respondents it was built from.
type CachedSummary struct {
	Text        string    `json:"text"`
	Respondents int       `json:"respondents"`
	CreatedAt   time.Time `json:"created_at"`
}

func summaryKey(sessionID string) string {
	return "summary:" + sessionID
}

// SetSummary caches the summary of a feedback session.
func (s *Store) SetSummary(sessionID string, sum CachedSummary) error {
	b, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return s.SetMetadata(summaryKey(sessionID), string(b))
}

// GetSummary returns the cached summary of a session, or nil.
func (s *Store) GetSummary(sessionID string) (*CachedSummary, error) {
	raw, err := s.GetMetadata(summaryKey(sessionID))
	if err != nil || raw == "" {
		return nil, err
	}
	var sum CachedSummary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// DeleteSummary drops the cached summary of a session.
func (s *Store) DeleteSummary(sessionID string) error {
	return s.DeleteMetadata(summaryKey(sessionID))
}
