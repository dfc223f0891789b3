package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/edufeed/internal/model"
)

const attemptColumns = `id, quiz_id, student_id, status, started_at, submitted_at, score, max_score, lockdown, violations`

func scanAttempt(row interface{ Scan(...any) error }) (model.QuizAttempt, error) {
	var a model.QuizAttempt
	err := row.Scan(&a.ID, &a.QuizID, &a.StudentID, &a.Status, &a.StartedAt, &a.SubmittedAt,
		&a.Score, &a.MaxScore, &a.Lockdown, &a.Violations)
	return a, err
}

// CreateAttempt starts an attempt for a student. A student has at most one
// attempt per quiz.
func (s *Store) CreateAttempt(quizID, studentID string) (model.QuizAttempt, error) {
	a := model.QuizAttempt{
		ID:        uuid.NewString(),
		QuizID:    quizID,
		StudentID: studentID,
		Status:    model.AttemptInProgress,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO quiz_attempts (id, quiz_id, student_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.QuizID, a.StudentID, a.Status, a.StartedAt,
	)
	if err != nil {
		return model.QuizAttempt{}, err
	}
	return a, nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(id string) (model.QuizAttempt, error) {
	return scanAttempt(s.db.QueryRow(`SELECT `+attemptColumns+` FROM quiz_attempts WHERE id = ?`, id))
}

// GetAttemptForStudent returns a student's attempt on a quiz.
func (s *Store) GetAttemptForStudent(quizID, studentID string) (model.QuizAttempt, error) {
	return scanAttempt(s.db.QueryRow(
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE quiz_id = ? AND student_id = ?`, quizID, studentID,
	))
}

// ListAttemptsForQuiz returns all attempts on a quiz in start order.
func (s *Store) ListAttemptsForQuiz(quizID string) ([]model.QuizAttempt, error) {
	return s.listAttempts(`SELECT `+attemptColumns+` FROM quiz_attempts WHERE quiz_id = ? ORDER BY started_at`, quizID)
}

// ListOpenAttempts returns every attempt still in progress.
func (s *Store) ListOpenAttempts() ([]model.QuizAttempt, error) {
	return s.listAttempts(`SELECT `+attemptColumns+` FROM quiz_attempts WHERE status = ? ORDER BY started_at`, model.AttemptInProgress)
}

func (s *Store) listAttempts(query string, args ...any) ([]model.QuizAttempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.QuizAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// UpsertResponse records or replaces the answer to one question of an
// attempt. Only attempts still in progress accept answers; otherwise nothing
// is written and sql.ErrNoRows is returned. Scores are left to FinishAttempt.
func (s *Store) UpsertResponse(r model.QuizResponse) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	res, err := s.db.Exec(
		`INSERT INTO quiz_responses (id, attempt_id, quiz_id, student_id, question_id, selected_answer, score, is_correct)
		 SELECT ?, ?, ?, ?, ?, ?, 0, 0
		 WHERE EXISTS (SELECT 1 FROM quiz_attempts WHERE id = ? AND status = ?)
		 ON CONFLICT(attempt_id, question_id) DO UPDATE SET selected_answer = excluded.selected_answer`,
		r.ID, r.AttemptID, r.QuizID, r.StudentID, r.QuestionID, r.SelectedAnswer,
		r.AttemptID, model.AttemptInProgress,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ListResponses returns the responses recorded on an attempt.
func (s *Store) ListResponses(attemptID string) ([]model.QuizResponse, error) {
	rows, err := s.db.Query(
		`SELECT id, attempt_id, quiz_id, student_id, question_id, selected_answer, score, is_correct
		 FROM quiz_responses WHERE attempt_id = ?`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var responses []model.QuizResponse
	for rows.Next() {
		var r model.QuizResponse
		if err := rows.Scan(&r.ID, &r.AttemptID, &r.QuizID, &r.StudentID, &r.QuestionID,
			&r.SelectedAnswer, &r.Score, &r.IsCorrect); err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// FinishAttempt stores the graded responses and closes the attempt. It only
// touches attempts still in progress and reports sql.ErrNoRows otherwise, so
// concurrent submit and expiry settle on whichever ran first.
func (s *Store) FinishAttempt(a model.QuizAttempt, graded []model.QuizResponse) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE quiz_attempts SET status = ?, submitted_at = ?, score = ?, max_score = ?, lockdown = 0
		 WHERE id = ? AND status = ?`,
		a.Status, time.Now().UTC(), a.Score, a.MaxScore, a.ID, model.AttemptInProgress,
	)
	if err != nil {
		return err
	}
	if err := expectRow(res); err != nil {
		return err
	}

	for _, r := range graded {
		_, err := tx.Exec(
			`UPDATE quiz_responses SET score = ?, is_correct = ? WHERE attempt_id = ? AND question_id = ?`,
			r.Score, r.IsCorrect, a.ID, r.QuestionID,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetAttemptLockdown records whether exam lockdown is on for an attempt.
func (s *Store) SetAttemptLockdown(attemptID string, on bool) error {
	res, err := s.db.Exec(`UPDATE quiz_attempts SET lockdown = ? WHERE id = ?`, on, attemptID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// AddViolation stores a lockdown violation and bumps the attempt counter.
func (s *Store) AddViolation(v model.Violation) (model.Violation, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.At.IsZero() {
		v.At = time.Now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE quiz_attempts SET violations = violations + 1 WHERE id = ?`, v.AttemptID)
	if err != nil {
		return v, err
	}
	if err := expectRow(res); err != nil {
		return v, err
	}
	if _, err := tx.Exec(
		`INSERT INTO violations (id, attempt_id, kind, at) VALUES (?, ?, ?, ?)`,
		v.ID, v.AttemptID, v.Kind, v.At,
	); err != nil {
		return v, err
	}
	return v, tx.Commit()
}

// ListViolations returns the violations of an attempt in order.
func (s *Store) ListViolations(attemptID string) ([]model.Violation, error) {
	rows, err := s.db.Query(
		`SELECT id, attempt_id, kind, at FROM violations WHERE attempt_id = ? ORDER BY at`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Violation
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.Kind, &v.At); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
