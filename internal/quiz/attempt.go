package quiz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/quiztimer"
)

// Join starts or resumes the student's attempt on the quiz with the given
// code and returns it without correct answers.
func (s *Service) Join(student *model.User, code string) (model.AttemptView, error) {
	code = strings.TrimSpace(code)
	q, err := s.store.GetQuizByCode(code)
	if err != nil {
		return model.AttemptView{}, lookup(err, "quiz with code", code)
	}
	if student.Section != q.SectionID {
		return model.AttemptView{}, model.ErrSectionMismatch
	}

	a, err := s.store.GetAttemptForStudent(q.ID, student.ID)
	switch {
	case err == nil:
		if !a.Open() {
			return model.AttemptView{}, ErrAlreadySubmitted
		}
		if s.pastDeadline(q, a) {
			s.expire(a.ID)
			return model.AttemptView{}, ErrAttemptClosed
		}
	case errors.Is(err, sql.ErrNoRows):
		a, err = s.store.CreateAttempt(q.ID, student.ID)
		if err != nil {
			// Two joins raced; the other one created the attempt.
			var getErr error
			if a, getErr = s.store.GetAttemptForStudent(q.ID, student.ID); getErr != nil {
				return model.AttemptView{}, fmt.Errorf("create attempt: %w", err)
			}
		} else {
			s.pub.Publish(q.ID, live.EventStudentJoined, map[string]string{
				"attempt_id": a.ID,
				"student_id": student.ID,
				"name":       student.Name,
			})
		}
	default:
		return model.AttemptView{}, fmt.Errorf("get attempt: %w", err)
	}

	s.ensureTimer(q, a)
	return s.view(q, a)
}

// attemptFor loads an attempt and its quiz. Students may only see their own
// attempts and teachers only attempts on quizzes they manage.
func (s *Service) attemptFor(u *model.User, attemptID string) (model.QuizAttempt, model.Quiz, error) {
	a, err := s.store.GetAttempt(attemptID)
	if err != nil {
		return a, model.Quiz{}, lookup(err, "attempt", attemptID)
	}
	q, err := s.store.GetQuiz(a.QuizID)
	if err != nil {
		return a, q, lookup(err, "quiz", a.QuizID)
	}
	if u.Role == model.UserRoleStudent {
		if a.StudentID != u.ID {
			return a, q, model.ErrForbidden
		}
	} else if !canManage(u, q) {
		return a, q, model.ErrForbidden
	}
	return a, q, nil
}

// Attempt returns the current view of an attempt.
func (s *Service) Attempt(u *model.User, attemptID string) (model.AttemptView, error) {
	a, q, err := s.attemptFor(u, attemptID)
	if err != nil {
		return model.AttemptView{}, err
	}
	return s.view(q, a)
}

// Answer records the student's answer to one question. Answers may be
// changed until the attempt is submitted or its time runs out.
func (s *Service) Answer(student *model.User, attemptID, questionID, answer string) error {
	a, q, err := s.attemptFor(student, attemptID)
	if err != nil {
		return err
	}
	if !a.Open() {
		return ErrAttemptClosed
	}
	if s.pastDeadline(q, a) {
		s.expire(a.ID)
		return ErrAttemptClosed
	}
	question, err := s.store.GetQuizQuestion(questionID)
	if err != nil {
		return lookup(err, "question", questionID)
	}
	if question.QuizID != a.QuizID {
		return fmt.Errorf("question %s: %w", questionID, model.ErrNotFound)
	}
	answer = strings.TrimSpace(answer)
	if err := checkAnswer(question, answer); err != nil {
		return err
	}
	err = s.store.UpsertResponse(model.QuizResponse{
		AttemptID:      a.ID,
		QuizID:         a.QuizID,
		StudentID:      a.StudentID,
		QuestionID:     question.ID,
		SelectedAnswer: answer,
	})
	if errors.Is(err, sql.ErrNoRows) {
		// Submitted or expired since the attempt was loaded.
		return ErrAttemptClosed
	}
	return err
}

// Submit scores the attempt and closes it. A submission that arrives after
// the deadline closes the attempt as expired.
func (s *Service) Submit(ctx context.Context, student *model.User, attemptID string) (model.AttemptView, error) {
	a, q, err := s.attemptFor(student, attemptID)
	if err != nil {
		return model.AttemptView{}, err
	}
	if !a.Open() {
		return model.AttemptView{}, ErrAlreadySubmitted
	}
	status := model.AttemptSubmitted
	if s.pastDeadline(q, a) {
		status = model.AttemptExpired
	}
	a, err = s.finish(ctx, q, a, status)
	if err != nil {
		return model.AttemptView{}, err
	}
	return s.view(q, a)
}

// Pause holds the countdown of an open attempt.
func (s *Service) Pause(u *model.User, attemptID string) (model.AttemptView, error) {
	return s.setPaused(u, attemptID, true)
}

// Resume continues a paused countdown.
func (s *Service) Resume(u *model.User, attemptID string) (model.AttemptView, error) {
	return s.setPaused(u, attemptID, false)
}

func (s *Service) setPaused(u *model.User, attemptID string, paused bool) (model.AttemptView, error) {
	if u.Role == model.UserRoleStudent {
		return model.AttemptView{}, model.ErrForbidden
	}
	a, q, err := s.attemptFor(u, attemptID)
	if err != nil {
		return model.AttemptView{}, err
	}
	if !q.Timed() {
		return model.AttemptView{}, ErrNotTimed
	}
	if !a.Open() {
		return model.AttemptView{}, ErrAttemptClosed
	}
	s.ensureTimer(q, a)
	if t := s.timer(a.ID); t != nil {
		if paused {
			t.Pause()
		} else {
			t.Resume()
		}
	}
	return s.view(q, a)
}

// ExpireOverdue closes open attempts whose time ran out without a running
// timer, as happens after a restart, and restarts timers for the rest. It
// returns how many attempts were expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	attempts, err := s.store.ListOpenAttempts()
	if err != nil {
		return 0, fmt.Errorf("list open attempts: %w", err)
	}
	quizzes := make(map[string]model.Quiz)
	var expired int
	for _, a := range attempts {
		q, ok := quizzes[a.QuizID]
		if !ok {
			if q, err = s.store.GetQuiz(a.QuizID); err != nil {
				return expired, lookup(err, "quiz", a.QuizID)
			}
			quizzes[a.QuizID] = q
		}
		if !q.Timed() || s.timer(a.ID) != nil {
			continue
		}
		if !s.pastDeadline(q, a) {
			s.ensureTimer(q, a)
			continue
		}
		if _, err := s.finish(ctx, q, a, model.AttemptExpired); err != nil {
			if errors.Is(err, ErrAlreadySubmitted) {
				continue
			}
			return expired, fmt.Errorf("expire attempt %s: %w", a.ID, err)
		}
		expired++
	}
	return expired, nil
}

// finish grades every response and closes the attempt with status.
func (s *Service) finish(ctx context.Context, q model.Quiz, a model.QuizAttempt, status model.AttemptStatus) (model.QuizAttempt, error) {
	questions, err := s.store.ListQuizQuestions(q.ID)
	if err != nil {
		return a, fmt.Errorf("list questions: %w", err)
	}
	responses, err := s.store.ListResponses(a.ID)
	if err != nil {
		return a, fmt.Errorf("list responses: %w", err)
	}
	byQuestion := make(map[string]model.QuizResponse, len(responses))
	for _, r := range responses {
		byQuestion[r.QuestionID] = r
	}

	var graded []model.QuizResponse
	a.Score, a.MaxScore = 0, 0
	for _, question := range questions {
		a.MaxScore += float64(question.Marks)
		r, ok := byQuestion[question.ID]
		if !ok {
			continue
		}
		r.Score, r.IsCorrect = s.score(ctx, question, r.SelectedAnswer)
		a.Score += r.Score
		graded = append(graded, r)
	}
	a.Status = status

	if err := s.store.FinishAttempt(a, graded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrAlreadySubmitted
		}
		return a, fmt.Errorf("finish attempt: %w", err)
	}
	s.release(a.ID)

	slog.Info("attempt finished", "attempt_id", a.ID, "status", status, "score", a.Score, "max_score", a.MaxScore)
	s.pub.Publish(q.ID, live.EventAttemptSubmitted, map[string]any{
		"attempt_id": a.ID,
		"student_id": a.StudentID,
		"status":     status,
		"score":      a.Score,
		"max_score":  a.MaxScore,
	})
	return s.store.GetAttempt(a.ID)
}

// expire closes an attempt whose countdown ran out. It runs on timer
// goroutines, so failures are logged.
func (s *Service) expire(attemptID string) {
	ctx, cancel := context.WithTimeout(s.ctx, gradeTimeout)
	defer cancel()

	a, err := s.store.GetAttempt(attemptID)
	if err != nil {
		slog.Error("expire attempt", "attempt_id", attemptID, "error", err)
		return
	}
	if !a.Open() {
		return
	}
	q, err := s.store.GetQuiz(a.QuizID)
	if err != nil {
		slog.Error("expire attempt", "attempt_id", attemptID, "error", err)
		return
	}
	if _, err := s.finish(ctx, q, a, model.AttemptExpired); err != nil && !errors.Is(err, ErrAlreadySubmitted) {
		slog.Error("expire attempt", "attempt_id", attemptID, "error", err)
	}
}

// pastDeadline reports whether an attempt's time is up. A live timer is
// authoritative because it accounts for pauses.
func (s *Service) pastDeadline(q model.Quiz, a model.QuizAttempt) bool {
	if !q.Timed() {
		return false
	}
	if t := s.timer(a.ID); t != nil {
		return t.Finished()
	}
	return s.now().After(a.StartedAt.Add(q.DurationValue() + gracePeriod))
}

func (s *Service) remaining(q model.Quiz, a model.QuizAttempt) time.Duration {
	if t := s.timer(a.ID); t != nil {
		return t.Remaining()
	}
	return max(a.StartedAt.Add(q.DurationValue()).Sub(s.now()), 0)
}

func (s *Service) timer(attemptID string) *quiztimer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[attemptID]
}

// ensureTimer starts the countdown of an open attempt on a timed quiz unless
// one is already running.
func (s *Service) ensureTimer(q model.Quiz, a model.QuizAttempt) {
	if !q.Timed() || !a.Open() {
		return
	}
	left := a.StartedAt.Add(q.DurationValue()).Sub(s.now())
	if left <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[a.ID]; ok {
		return
	}
	id := a.ID
	t := quiztimer.New(left,
		quiztimer.WithClock(clockFunc(s.now)),
		quiztimer.WithTick(s.tick),
		quiztimer.OnFinish(func() { s.expire(id) }),
	)
	s.timers[id] = t
	t.Start(s.ctx)
}

// release drops the timer and lockdown guard of a closed attempt.
func (s *Service) release(attemptID string) {
	s.mu.Lock()
	t := s.timers[attemptID]
	g := s.guards[attemptID]
	delete(s.timers, attemptID)
	delete(s.guards, attemptID)
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if g != nil {
		g.Disable()
	}
}

// view assembles what the caller sees of an attempt. Correct answers stay
// hidden while the attempt is open.
func (s *Service) view(q model.Quiz, a model.QuizAttempt) (model.AttemptView, error) {
	questions, err := s.store.ListQuizQuestions(q.ID)
	if err != nil {
		return model.AttemptView{}, fmt.Errorf("list questions: %w", err)
	}
	if a.Open() {
		for i := range questions {
			questions[i].CorrectAnswer = ""
		}
	}
	responses, err := s.store.ListResponses(a.ID)
	if err != nil {
		return model.AttemptView{}, fmt.Errorf("list responses: %w", err)
	}
	v := model.AttemptView{
		Attempt:   a,
		Quiz:      q,
		Questions: questions,
		Responses: responses,
	}
	if q.Timed() && a.Open() {
		left := s.remaining(q, a)
		deadline := s.now().Add(left).UTC()
		secs := int64((left + time.Second - 1) / time.Second)
		v.Deadline = &deadline
		v.RemainingSeconds = &secs
	}
	return v, nil
}
