package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/edufeed/internal/model"
)

const quizColumns = `id, title, section_id, created_by, duration, code, created_at`

func scanQuiz(row interface{ Scan(...any) error }) (model.Quiz, error) {
	var q model.Quiz
	err := row.Scan(&q.ID, &q.Title, &q.SectionID, &q.CreatedBy, &q.Duration, &q.Code, &q.CreatedAt)
	return q, err
}

// CreateQuiz stores a quiz and returns its ID.
func (s *Store) CreateQuiz(q model.Quiz) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO quizzes (id, title, section_id, created_by, duration, code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Title, q.SectionID, q.CreatedBy, q.Duration, q.Code, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return q.ID, nil
}

// GetQuiz returns a quiz by ID.
func (s *Store) GetQuiz(id string) (model.Quiz, error) {
	return scanQuiz(s.db.QueryRow(`SELECT `+quizColumns+` FROM quizzes WHERE id = ?`, id))
}

// GetQuizByCode returns the quiz with the given join code.
func (s *Store) GetQuizByCode(code string) (model.Quiz, error) {
	return scanQuiz(s.db.QueryRow(`SELECT `+quizColumns+` FROM quizzes WHERE code = ?`, code))
}

// QuizCodeExists reports whether a quiz already uses code.
func (s *Store) QuizCodeExists(code string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM quizzes WHERE code = ?`, code).Scan(&n)
	return n > 0, err
}

// ListQuizzesByTeacher returns a teacher's quizzes, newest first.
func (s *Store) ListQuizzesByTeacher(teacherID string) ([]model.Quiz, error) {
	return s.listQuizzes(`SELECT `+quizColumns+` FROM quizzes WHERE created_by = ? ORDER BY created_at DESC`, teacherID)
}

// ListQuizzesBySection returns the quizzes assigned to a section, newest first.
func (s *Store) ListQuizzesBySection(section string) ([]model.Quiz, error) {
	return s.listQuizzes(`SELECT `+quizColumns+` FROM quizzes WHERE section_id = ? ORDER BY created_at DESC`, section)
}

func (s *Store) listQuizzes(query string, args ...any) ([]model.Quiz, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quizzes []model.Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// DeleteQuiz removes a quiz with its questions, attempts and responses.
func (s *Store) DeleteQuiz(id string) error {
	res, err := s.db.Exec(`DELETE FROM quizzes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// InsertQuizQuestion appends a question to the end of a quiz.
func (s *Store) InsertQuizQuestion(q model.QuizQuestion) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	opts, err := encodeOptions(q.Options)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO quiz_questions (id, quiz_id, text, type, options, correct_answer, marks, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM quiz_questions WHERE quiz_id = ?))`,
		q.ID, q.QuizID, q.Text, q.Type, opts, q.CorrectAnswer, q.Marks, q.QuizID,
	)
	if err != nil {
		return "", err
	}
	return q.ID, nil
}

const quizQuestionColumns = `id, quiz_id, text, type, options, correct_answer, marks, position`

func scanQuizQuestion(row interface{ Scan(...any) error }) (model.QuizQuestion, error) {
	var q model.QuizQuestion
	var opts string
	if err := row.Scan(&q.ID, &q.QuizID, &q.Text, &q.Type, &opts, &q.CorrectAnswer, &q.Marks, &q.Position); err != nil {
		return q, err
	}
	var err error
	q.Options, err = decodeOptions(opts)
	return q, err
}

// GetQuizQuestion returns a question by ID.
func (s *Store) GetQuizQuestion(id string) (model.QuizQuestion, error) {
	return scanQuizQuestion(s.db.QueryRow(`SELECT `+quizQuestionColumns+` FROM quiz_questions WHERE id = ?`, id))
}

// ListQuizQuestions returns the questions of a quiz in order.
func (s *Store) ListQuizQuestions(quizID string) ([]model.QuizQuestion, error) {
	rows, err := s.db.Query(
		`SELECT `+quizQuestionColumns+` FROM quiz_questions WHERE quiz_id = ? ORDER BY position`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.QuizQuestion
	for rows.Next() {
		q, err := scanQuizQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// DeleteQuizQuestion removes a question from a quiz.
func (s *Store) DeleteQuizQuestion(quizID, questionID string) error {
	res, err := s.db.Exec(`DELETE FROM quiz_questions WHERE id = ? AND quiz_id = ?`, questionID, quizID)
	if err != nil {
		return err
	}
	return expectRow(res)
}
