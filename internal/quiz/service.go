// Package quiz runs timed quizzes: authoring, attempts, scoring and the exam
// lockdown that applies while an attempt is open.
package quiz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/edufeed/internal/joincode"
	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/llm"
	"github.com/pavelanni/edufeed/internal/lockdown"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/quiztimer"
	"github.com/pavelanni/edufeed/internal/store"
)

var (
	// ErrAlreadySubmitted is returned when a finished attempt is joined or submitted again.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrAttemptClosed is returned when answering after submission or the deadline.
	ErrAttemptClosed = errors.New("attempt closed")
	// ErrNotTimed is returned when pausing an attempt on an untimed quiz.
	ErrNotTimed = errors.New("quiz is not timed")
)

// Grader scores short answers that do not match the expected answer exactly.
type Grader interface {
	GradeShortAnswer(ctx context.Context, q model.QuizQuestion, answer string) (*llm.GradeResult, error)
}

const (
	// gracePeriod absorbs network latency on answers sent right at the deadline.
	gracePeriod  = 5 * time.Second
	gradeTimeout = 30 * time.Second
)

// Option configures a Service.
type Option func(*Service)

// WithGrader enables LLM grading of short answers.
func WithGrader(g Grader) Option {
	return func(s *Service) { s.grader = g }
}

// WithPublisher sends attempt events to live subscribers.
func WithPublisher(p live.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithClock replaces time.Now for deadlines and timers.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTick sets the attempt timer tick interval.
func WithTick(d time.Duration) Option {
	return func(s *Service) { s.tick = d }
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Service implements quiz operations on top of the store. Attempt timers and
// lockdown guards live in memory; ExpireOverdue restores what a restart lost.
type Service struct {
	store  *store.Store
	grader Grader
	pub    live.Publisher
	now    func() time.Time
	tick   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	timers    map[string]*quiztimer.Timer
	guards    map[string]*lockdown.Guard
	screenOff map[string]func()
}

// New creates a quiz service.
func New(st *store.Store, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     st,
		pub:       nopPublisher{},
		now:       time.Now,
		tick:      quiztimer.DefaultTick,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*quiztimer.Timer),
		guards:    make(map[string]*lockdown.Guard),
		screenOff: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops every attempt timer.
func (s *Service) Close() {
	s.cancel()
}

func lookup(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func canManage(u *model.User, q model.Quiz) bool {
	return u.Role == model.UserRoleAdmin || q.CreatedBy == u.ID
}

// ownedQuiz loads a quiz the user may manage.
func (s *Service) ownedQuiz(u *model.User, quizID string) (model.Quiz, error) {
	q, err := s.store.GetQuiz(quizID)
	if err != nil {
		return q, lookup(err, "quiz", quizID)
	}
	if !canManage(u, q) {
		return q, model.ErrForbidden
	}
	return q, nil
}

// CreateQuiz stores a new quiz with a fresh join code. duration is in
// minutes; zero makes the quiz untimed.
func (s *Service) CreateQuiz(teacher *model.User, title, sectionID string, duration int) (model.Quiz, error) {
	title = strings.TrimSpace(title)
	sectionID = strings.TrimSpace(sectionID)
	if title == "" || sectionID == "" {
		return model.Quiz{}, fmt.Errorf("%w: title and section are required", model.ErrInvalidInput)
	}
	if duration < 0 {
		return model.Quiz{}, fmt.Errorf("%w: duration must not be negative", model.ErrInvalidInput)
	}
	code, err := joincode.Generate(s.store.QuizCodeExists)
	if err != nil {
		return model.Quiz{}, fmt.Errorf("generate code: %w", err)
	}
	id, err := s.store.CreateQuiz(model.Quiz{
		Title:     title,
		SectionID: sectionID,
		CreatedBy: teacher.ID,
		Duration:  duration,
		Code:      code,
	})
	if err != nil {
		return model.Quiz{}, fmt.Errorf("create quiz: %w", err)
	}
	return s.store.GetQuiz(id)
}

// ListQuizzes returns the quizzes a teacher created.
func (s *Service) ListQuizzes(teacher *model.User) ([]model.Quiz, error) {
	return s.store.ListQuizzesByTeacher(teacher.ID)
}

// GetQuiz returns a quiz its owner may manage.
func (s *Service) GetQuiz(u *model.User, quizID string) (model.Quiz, error) {
	return s.ownedQuiz(u, quizID)
}

// DeleteQuiz removes a quiz with everything attached to it.
func (s *Service) DeleteQuiz(u *model.User, quizID string) error {
	if _, err := s.ownedQuiz(u, quizID); err != nil {
		return err
	}
	attempts, err := s.store.ListAttemptsForQuiz(quizID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	for _, a := range attempts {
		s.release(a.ID)
	}
	if err := s.store.DeleteQuiz(quizID); err != nil {
		return lookup(err, "quiz", quizID)
	}
	return nil
}

// AddQuestion validates q and appends it to the quiz.
func (s *Service) AddQuestion(u *model.User, quizID string, q model.QuizQuestion) (model.QuizQuestion, error) {
	if _, err := s.ownedQuiz(u, quizID); err != nil {
		return model.QuizQuestion{}, err
	}
	if err := checkQuestion(&q); err != nil {
		return model.QuizQuestion{}, err
	}
	q.QuizID = quizID
	id, err := s.store.InsertQuizQuestion(q)
	if err != nil {
		return model.QuizQuestion{}, fmt.Errorf("insert question: %w", err)
	}
	return s.store.GetQuizQuestion(id)
}

// ListQuestions returns a quiz's questions including correct answers.
func (s *Service) ListQuestions(u *model.User, quizID string) ([]model.QuizQuestion, error) {
	if _, err := s.ownedQuiz(u, quizID); err != nil {
		return nil, err
	}
	return s.store.ListQuizQuestions(quizID)
}

// DeleteQuestion removes one question from a quiz.
func (s *Service) DeleteQuestion(u *model.User, quizID, questionID string) error {
	if _, err := s.ownedQuiz(u, quizID); err != nil {
		return err
	}
	if err := s.store.DeleteQuizQuestion(quizID, questionID); err != nil {
		return lookup(err, "question", questionID)
	}
	return nil
}

// Results lists every attempt on a quiz with the student's name.
func (s *Service) Results(u *model.User, quizID string) ([]model.AttemptResult, error) {
	if _, err := s.ownedQuiz(u, quizID); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttemptsForQuiz(quizID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	results := make([]model.AttemptResult, 0, len(attempts))
	for _, a := range attempts {
		r := model.AttemptResult{Attempt: a, StudentName: a.StudentID}
		student, err := s.store.GetUserByID(a.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get student %s: %w", a.StudentID, err)
		}
		if student != nil {
			r.StudentName = student.Name
			r.Email = student.Email
		}
		results = append(results, r)
	}
	return results, nil
}

// StudentDashboard lists the quizzes of the student's section with the
// student's attempt on each, if any.
func (s *Service) StudentDashboard(student *model.User) ([]model.DashboardQuiz, error) {
	quizzes, err := s.store.ListQuizzesBySection(student.Section)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	out := make([]model.DashboardQuiz, 0, len(quizzes))
	for _, q := range quizzes {
		entry := model.DashboardQuiz{Quiz: q}
		a, err := s.store.GetAttemptForStudent(q.ID, student.ID)
		switch {
		case err == nil:
			entry.Attempt = &a
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("get attempt: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}
