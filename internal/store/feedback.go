package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/edufeed/internal/model"
)

// InsertFeedbackQuestion adds a question to a teacher's bank.
func (s *Store) InsertFeedbackQuestion(q model.FeedbackQuestion) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	opts, err := encodeOptions(q.Options)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO feedback_questions (id, teacher_id, text, type, options, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.TeacherID, q.Text, q.Type, opts, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return q.ID, nil
}

const feedbackQuestionColumns = `id, teacher_id, text, type, options, created_at`

func scanFeedbackQuestion(row interface{ Scan(...any) error }) (model.FeedbackQuestion, error) {
	var q model.FeedbackQuestion
	var opts string
	if err := row.Scan(&q.ID, &q.TeacherID, &q.Text, &q.Type, &opts, &q.CreatedAt); err != nil {
		return q, err
	}
	var err error
	q.Options, err = decodeOptions(opts)
	return q, err
}

// GetFeedbackQuestion returns a bank question by ID.
func (s *Store) GetFeedbackQuestion(id string) (model.FeedbackQuestion, error) {
	return scanFeedbackQuestion(s.db.QueryRow(
		`SELECT `+feedbackQuestionColumns+` FROM feedback_questions WHERE id = ?`, id,
	))
}

// ListFeedbackQuestions returns a teacher's question bank.
func (s *Store) ListFeedbackQuestions(teacherID string) ([]model.FeedbackQuestion, error) {
	rows, err := s.db.Query(
		`SELECT `+feedbackQuestionColumns+` FROM feedback_questions WHERE teacher_id = ? ORDER BY created_at`, teacherID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeedbackQuestion
	for rows.Next() {
		q, err := scanFeedbackQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListSessionQuestions returns the questions of a session in session order.
func (s *Store) ListSessionQuestions(sessionID string) ([]model.FeedbackQuestion, error) {
	rows, err := s.db.Query(
		`SELECT q.id, q.teacher_id, q.text, q.type, q.options, q.created_at
		 FROM feedback_session_questions sq JOIN feedback_questions q ON q.id = sq.question_id
		 WHERE sq.session_id = ? ORDER BY sq.position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeedbackQuestion
	for rows.Next() {
		q, err := scanFeedbackQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteFeedbackQuestion removes a bank question. Questions still used by a
// session are kept; callers see sql.ErrNoRows in both cases of "nothing removed".
func (s *Store) DeleteFeedbackQuestion(teacherID, id string) error {
	res, err := s.db.Exec(
		`DELETE FROM feedback_questions WHERE id = ? AND teacher_id = ?
		 AND NOT EXISTS (SELECT 1 FROM feedback_session_questions WHERE question_id = ?)`,
		id, teacherID, id,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// QuestionInUse reports whether any session references a bank question.
func (s *Store) QuestionInUse(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback_session_questions WHERE question_id = ?`, id).Scan(&n)
	return n > 0, err
}

// CreateFeedbackSession stores a session together with its question list.
func (s *Store) CreateFeedbackSession(sess model.FeedbackSession) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = model.StatusDraft
	}
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO feedback_sessions (id, teacher_id, title, section, code, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TeacherID, sess.Title, sess.Section, sess.Code, sess.Status, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	for i, qID := range sess.QuestionList {
		if _, err := tx.Exec(
			`INSERT INTO feedback_session_questions (session_id, question_id, position) VALUES (?, ?, ?)`,
			sess.ID, qID, i,
		); err != nil {
			return "", err
		}
	}
	return sess.ID, tx.Commit()
}

const sessionColumns = `id, teacher_id, title, section, code, status, start_time, end_time, created_at`

func scanSession(row interface{ Scan(...any) error }) (model.FeedbackSession, error) {
	var s model.FeedbackSession
	err := row.Scan(&s.ID, &s.TeacherID, &s.Title, &s.Section, &s.Code, &s.Status, &s.StartTime, &s.EndTime, &s.CreatedAt)
	return s, err
}

// GetFeedbackSession returns a session with its question list.
func (s *Store) GetFeedbackSession(id string) (model.FeedbackSession, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM feedback_sessions WHERE id = ?`, id))
	if err != nil {
		return sess, err
	}
	return sess, s.loadQuestionList(&sess)
}

// GetOpenSessionByCode returns the non-ended session that uses code.
func (s *Store) GetOpenSessionByCode(code string) (model.FeedbackSession, error) {
	sess, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM feedback_sessions WHERE code = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`, code, model.StatusEnded,
	))
	if err != nil {
		return sess, err
	}
	return sess, s.loadQuestionList(&sess)
}

// SessionCodeInUse reports whether a non-ended session uses code.
func (s *Store) SessionCodeInUse(code string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback_sessions WHERE code = ? AND status != ?`, code, model.StatusEnded,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) loadQuestionList(sess *model.FeedbackSession) error {
	rows, err := s.db.Query(
		`SELECT question_id FROM feedback_session_questions WHERE session_id = ? ORDER BY position`, sess.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	sess.QuestionList = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		sess.QuestionList = append(sess.QuestionList, id)
	}
	return rows.Err()
}

// ListFeedbackSessions returns a teacher's sessions, newest first.
func (s *Store) ListFeedbackSessions(teacherID string) ([]model.FeedbackSession, error) {
	return s.listSessions(`SELECT `+sessionColumns+` FROM feedback_sessions WHERE teacher_id = ? ORDER BY created_at DESC`, teacherID)
}

// ListActiveSessionsBySection returns the active sessions a section can join.
func (s *Store) ListActiveSessionsBySection(section string) ([]model.FeedbackSession, error) {
	return s.listSessions(
		`SELECT `+sessionColumns+` FROM feedback_sessions WHERE section = ? AND status = ? ORDER BY start_time DESC`,
		section, model.StatusActive,
	)
}

// ListDueSessions returns active sessions whose end time is at or before now.
func (s *Store) ListDueSessions(now time.Time) ([]model.FeedbackSession, error) {
	return s.listSessions(
		`SELECT `+sessionColumns+` FROM feedback_sessions WHERE status = ? AND end_time IS NOT NULL AND end_time <= ?`,
		model.StatusActive, now.UTC(),
	)
}

func (s *Store) listSessions(query string, args ...any) ([]model.FeedbackSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var out []model.FeedbackSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sess)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	// Question lists are loaded after the cursor is closed: the in-memory
	// database runs on a single connection.
	for i := range out {
		if err := s.loadQuestionList(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateSessionStatus moves a session from one status to another. It reports
// sql.ErrNoRows when the session is not in the expected status.
func (s *Store) UpdateSessionStatus(id string, from, to model.SessionStatus, start, end *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE feedback_sessions SET status = ?, start_time = COALESCE(?, start_time), end_time = ?
		 WHERE id = ? AND status = ?`,
		to, start, end, id, from,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteFeedbackSession removes a session and its responses.
func (s *Store) DeleteFeedbackSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM feedback_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ErrDuplicate is returned when a write would repeat a record that may only
// exist once.
var ErrDuplicate = errors.New("duplicate record")

// InsertFeedbackResponses stores one student's answers to a session. The
// respondent row and the answers commit together; a student who already has
// a respondent row gets ErrDuplicate and nothing is written.
func (s *Store) InsertFeedbackResponses(sessionID, studentID string, responses []model.FeedbackResponse) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO feedback_respondents (session_id, student_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, student_id) DO NOTHING`,
		sessionID, studentID, now,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicate
	}

	for _, r := range responses {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, err := tx.Exec(
			`INSERT INTO feedback_responses (id, session_id, student_id, question_id, answer, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, sessionID, studentID, r.QuestionID, r.Answer, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// HasResponded reports whether a student already answered a session.
func (s *Store) HasResponded(sessionID, studentID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback_respondents WHERE session_id = ? AND student_id = ?`, sessionID, studentID,
	).Scan(&n)
	return n > 0, err
}

// ListFeedbackResponses returns all responses of a session in arrival order.
func (s *Store) ListFeedbackResponses(sessionID string) ([]model.FeedbackResponse, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, student_id, question_id, answer, created_at
		 FROM feedback_responses WHERE session_id = ? ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeedbackResponse
	for rows.Next() {
		var r model.FeedbackResponse
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.QuestionID, &r.Answer, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRespondents returns how many students answered a session.
func (s *Store) CountRespondents(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback_respondents WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
