// Package feedback runs classroom feedback rounds: a teacher keeps a bank of
// questions, opens a session for a section and collects one set of answers
// per student.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/edufeed/internal/joincode"
	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/llm"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/store"
)

var (
	// ErrInvalidTransition is returned for status changes other than DRAFT→ACTIVE→ENDED.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrNotActive is returned when joining or answering a session that is not running.
	ErrNotActive = errors.New("session is not active")
	// ErrAlreadyResponded is returned on a second submission by the same student.
	ErrAlreadyResponded = errors.New("already responded")
	// ErrQuestionInUse is returned when deleting a bank question a session uses.
	ErrQuestionInUse = errors.New("question is used by a session")
	// ErrNoResponses is returned when summarizing a session nobody answered.
	ErrNoResponses = errors.New("session has no responses")
)

// Summarizer turns a session's answers into a short digest.
type Summarizer interface {
	SummarizeFeedback(ctx context.Context, in llm.SessionInput) (*llm.Summary, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSummarizer enables LLM summaries.
func WithSummarizer(sum Summarizer) Option {
	return func(s *Service) { s.summarizer = sum }
}

// WithPublisher sends session events to live subscribers.
func WithPublisher(p live.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

// Service implements feedback operations on top of the store.
type Service struct {
	store      *store.Store
	summarizer Summarizer
	pub        live.Publisher
	now        func() time.Time
}

// New creates a feedback service.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{store: st, pub: nopPublisher{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary is a generated session digest with the number of respondents it covers.
type Summary struct {
	llm.Summary
	Respondents int       `json:"respondents"`
	CreatedAt   time.Time `json:"created_at"`
	Cached      bool      `json:"cached"`
}

func lookup(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func owns(u *model.User, teacherID string) bool {
	return u.Role == model.UserRoleAdmin || u.ID == teacherID
}

// AddBankQuestion validates q and stores it in the teacher's bank.
func (s *Service) AddBankQuestion(teacher *model.User, q model.FeedbackQuestion) (model.FeedbackQuestion, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, fmt.Errorf("%w: question text is required", model.ErrInvalidInput)
	}
	switch q.Type {
	case model.FeedbackRating, model.FeedbackText:
		q.Options = nil
	case model.FeedbackChoice:
		var opts []string
		for _, o := range q.Options {
			if o = strings.TrimSpace(o); o != "" && !slices.Contains(opts, o) {
				opts = append(opts, o)
			}
		}
		if len(opts) < 2 {
			return q, fmt.Errorf("%w: a choice question needs at least two options", model.ErrInvalidInput)
		}
		q.Options = opts
	default:
		return q, fmt.Errorf("%w: unknown question type %q", model.ErrInvalidInput, q.Type)
	}
	q.TeacherID = teacher.ID
	id, err := s.store.InsertFeedbackQuestion(q)
	if err != nil {
		return q, fmt.Errorf("insert question: %w", err)
	}
	return s.store.GetFeedbackQuestion(id)
}

// ListBank returns the teacher's question bank.
func (s *Service) ListBank(teacher *model.User) ([]model.FeedbackQuestion, error) {
	return s.store.ListFeedbackQuestions(teacher.ID)
}

// DeleteBankQuestion removes a question no session uses.
func (s *Service) DeleteBankQuestion(teacher *model.User, id string) error {
	q, err := s.store.GetFeedbackQuestion(id)
	if err != nil {
		return lookup(err, "question", id)
	}
	if q.TeacherID != teacher.ID {
		return model.ErrForbidden
	}
	inUse, err := s.store.QuestionInUse(id)
	if err != nil {
		return fmt.Errorf("check question use: %w", err)
	}
	if inUse {
		return ErrQuestionInUse
	}
	if err := s.store.DeleteFeedbackQuestion(teacher.ID, id); err != nil {
		return lookup(err, "question", id)
	}
	return nil
}

// CreateSession stores a DRAFT session over questions from the teacher's bank.
func (s *Service) CreateSession(teacher *model.User, title, section string, questionIDs []string) (model.FeedbackSession, error) {
	title = strings.TrimSpace(title)
	section = strings.TrimSpace(section)
	if title == "" || section == "" {
		return model.FeedbackSession{}, fmt.Errorf("%w: title and section are required", model.ErrInvalidInput)
	}
	var ids []string
	for _, id := range questionIDs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return model.FeedbackSession{}, fmt.Errorf("%w: a session needs at least one question", model.ErrInvalidInput)
	}
	for _, id := range ids {
		q, err := s.store.GetFeedbackQuestion(id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && q.TeacherID != teacher.ID) {
			return model.FeedbackSession{}, fmt.Errorf("%w: question %s is not in your bank", model.ErrInvalidInput, id)
		}
		if err != nil {
			return model.FeedbackSession{}, fmt.Errorf("get question %s: %w", id, err)
		}
	}

	code, err := joincode.Generate(s.store.SessionCodeInUse)
	if err != nil {
		return model.FeedbackSession{}, fmt.Errorf("generate code: %w", err)
	}
	id, err := s.store.CreateFeedbackSession(model.FeedbackSession{
		TeacherID:    teacher.ID,
		Title:        title,
		Section:      section,
		Code:         code,
		QuestionList: ids,
		Status:       model.StatusDraft,
	})
	if err != nil {
		return model.FeedbackSession{}, fmt.Errorf("create session: %w", err)
	}
	return s.store.GetFeedbackSession(id)
}

// ListSessions returns the teacher's sessions, newest first.
func (s *Service) ListSessions(teacher *model.User) ([]model.FeedbackSession, error) {
	return s.store.ListFeedbackSessions(teacher.ID)
}

func (s *Service) ownedSession(u *model.User, id string) (model.FeedbackSession, error) {
	sess, err := s.store.GetFeedbackSession(id)
	if err != nil {
		return sess, lookup(err, "session", id)
	}
	if !owns(u, sess.TeacherID) {
		return sess, model.ErrForbidden
	}
	return sess, nil
}

// GetSession returns a session its owner manages.
func (s *Service) GetSession(u *model.User, id string) (model.FeedbackSession, error) {
	return s.ownedSession(u, id)
}

// Questions returns the questions of a session in order.
func (s *Service) Questions(u *model.User, id string) ([]model.FeedbackQuestion, error) {
	if _, err := s.ownedSession(u, id); err != nil {
		return nil, err
	}
	return s.store.ListSessionQuestions(id)
}

// DeleteSession removes a session and its responses.
func (s *Service) DeleteSession(u *model.User, id string) error {
	if _, err := s.ownedSession(u, id); err != nil {
		return err
	}
	if err := s.store.DeleteFeedbackSession(id); err != nil {
		return lookup(err, "session", id)
	}
	if err := s.store.DeleteSummary(id); err != nil {
		slog.Warn("drop cached summary", "session_id", id, "error", err)
	}
	return nil
}

// Start opens a DRAFT session. A positive duration in minutes schedules the
// end; zero leaves the session open until End.
func (s *Service) Start(u *model.User, id string, duration int) (model.FeedbackSession, error) {
	sess, err := s.ownedSession(u, id)
	if err != nil {
		return sess, err
	}
	if duration < 0 {
		return sess, fmt.Errorf("%w: duration must not be negative", model.ErrInvalidInput)
	}
	if sess.Status != model.StatusDraft {
		return sess, ErrInvalidTransition
	}
	now := s.now().UTC()
	var end *time.Time
	if duration > 0 {
		e := now.Add(time.Duration(duration) * time.Minute)
		end = &e
	}
	if err := s.store.UpdateSessionStatus(id, model.StatusDraft, model.StatusActive, &now, end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, ErrInvalidTransition
		}
		return sess, fmt.Errorf("start session: %w", err)
	}
	return s.statusChanged(id)
}

// End closes an ACTIVE session.
func (s *Service) End(u *model.User, id string) (model.FeedbackSession, error) {
	sess, err := s.ownedSession(u, id)
	if err != nil {
		return sess, err
	}
	if sess.Status != model.StatusActive {
		return sess, ErrInvalidTransition
	}
	now := s.now().UTC()
	if err := s.store.UpdateSessionStatus(id, model.StatusActive, model.StatusEnded, nil, &now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, ErrInvalidTransition
		}
		return sess, fmt.Errorf("end session: %w", err)
	}
	return s.statusChanged(id)
}

func (s *Service) statusChanged(id string) (model.FeedbackSession, error) {
	sess, err := s.store.GetFeedbackSession(id)
	if err != nil {
		return sess, lookup(err, "session", id)
	}
	slog.Info("feedback session status", "session_id", id, "status", sess.Status)
	s.pub.Publish(id, live.EventSessionStatus, map[string]any{
		"status":     sess.Status,
		"start_time": sess.StartTime,
		"end_time":   sess.EndTime,
	})
	return sess, nil
}

// ExpireDue ends every ACTIVE session whose scheduled end has passed and
// returns how many it ended.
func (s *Service) ExpireDue(now time.Time) (int, error) {
	due, err := s.store.ListDueSessions(now)
	if err != nil {
		return 0, fmt.Errorf("list due sessions: %w", err)
	}
	var ended int
	for _, sess := range due {
		err := s.store.UpdateSessionStatus(sess.ID, model.StatusActive, model.StatusEnded, nil, sess.EndTime)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return ended, fmt.Errorf("end session %s: %w", sess.ID, err)
		}
		if _, err := s.statusChanged(sess.ID); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// activeFor checks that a student may answer sess right now. A session past
// its end time is closed on the spot.
func (s *Service) activeFor(student *model.User, sess model.FeedbackSession) error {
	if student.Section != sess.Section {
		return model.ErrSectionMismatch
	}
	if sess.Due(s.now()) {
		if _, err := s.ExpireDue(s.now()); err != nil {
			slog.Warn("end due session", "session_id", sess.ID, "error", err)
		}
		return ErrNotActive
	}
	if sess.Status != model.StatusActive {
		return ErrNotActive
	}
	return nil
}

// Join looks up the active session with the given code for a student.
func (s *Service) Join(student *model.User, code string) (model.SessionView, error) {
	code = strings.TrimSpace(code)
	sess, err := s.store.GetOpenSessionByCode(code)
	if err != nil {
		return model.SessionView{}, lookup(err, "session with code", code)
	}
	if err := s.activeFor(student, sess); err != nil {
		return model.SessionView{}, err
	}
	view, err := s.sessionView(student, sess)
	if err != nil {
		return view, err
	}
	if !view.Responded {
		s.pub.Publish(sess.ID, live.EventStudentJoined, map[string]string{
			"student_id": student.ID,
			"name":       student.Name,
		})
	}
	return view, nil
}

func (s *Service) sessionView(student *model.User, sess model.FeedbackSession) (model.SessionView, error) {
	questions, err := s.store.ListSessionQuestions(sess.ID)
	if err != nil {
		return model.SessionView{}, fmt.Errorf("list questions: %w", err)
	}
	responded, err := s.store.HasResponded(sess.ID, student.ID)
	if err != nil {
		return model.SessionView{}, fmt.Errorf("check response: %w", err)
	}
	return model.SessionView{Session: sess, Questions: questions, Responded: responded}, nil
}

// ActiveSessions lists the running sessions of the student's section.
func (s *Service) ActiveSessions(student *model.User) ([]model.SessionView, error) {
	sessions, err := s.store.ListActiveSessionsBySection(student.Section)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]model.SessionView, 0, len(sessions))
	now := s.now()
	for _, sess := range sessions {
		if sess.Due(now) {
			continue
		}
		responded, err := s.store.HasResponded(sess.ID, student.ID)
		if err != nil {
			return nil, fmt.Errorf("check response: %w", err)
		}
		out = append(out, model.SessionView{Session: sess, Responded: responded})
	}
	return out, nil
}

// Submit stores a student's answers, keyed by question ID. Each student
// answers a session once; questions may be skipped but not left blank.
func (s *Service) Submit(student *model.User, sessionID string, answers map[string]string) error {
	sess, err := s.store.GetFeedbackSession(sessionID)
	if err != nil {
		return lookup(err, "session", sessionID)
	}
	if err := s.activeFor(student, sess); err != nil {
		return err
	}
	responded, err := s.store.HasResponded(sessionID, student.ID)
	if err != nil {
		return fmt.Errorf("check response: %w", err)
	}
	if responded {
		return ErrAlreadyResponded
	}
	if len(answers) == 0 {
		return fmt.Errorf("%w: no answers given", model.ErrInvalidInput)
	}

	questions, err := s.store.ListSessionQuestions(sessionID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[string]model.FeedbackQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	for id := range answers {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("%w: question %s is not part of this session", model.ErrInvalidInput, id)
		}
	}

	var responses []model.FeedbackResponse
	for _, q := range questions {
		a, ok := answers[q.ID]
		if !ok {
			continue
		}
		a, err := checkAnswer(q, a)
		if err != nil {
			return err
		}
		responses = append(responses, model.FeedbackResponse{
			SessionID:  sessionID,
			StudentID:  student.ID,
			QuestionID: q.ID,
			Answer:     a,
		})
	}
	if err := s.store.InsertFeedbackResponses(sessionID, student.ID, responses); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrAlreadyResponded
		}
		return fmt.Errorf("insert responses: %w", err)
	}

	n, err := s.store.CountRespondents(sessionID)
	if err != nil {
		slog.Warn("count respondents", "session_id", sessionID, "error", err)
	}
	s.pub.Publish(sessionID, live.EventResponseSubmitted, map[string]any{
		"student_id":  student.ID,
		"respondents": n,
	})
	return nil
}

// checkAnswer validates one answer and returns it in stored form.
func checkAnswer(q model.FeedbackQuestion, answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	switch q.Type {
	case model.FeedbackRating:
		v, err := strconv.Atoi(answer)
		if err != nil || v < model.MinRating || v > model.MaxRating {
			return "", fmt.Errorf("%w: rating must be between %d and %d", model.ErrInvalidInput, model.MinRating, model.MaxRating)
		}
		return strconv.Itoa(v), nil
	case model.FeedbackChoice:
		if !slices.Contains(q.Options, answer) {
			return "", fmt.Errorf("%w: %q is not an option", model.ErrInvalidInput, answer)
		}
	default:
		if answer == "" {
			return "", fmt.Errorf("%w: answer is empty", model.ErrInvalidInput)
		}
	}
	return answer, nil
}

// Responses returns every answer of a session in arrival order.
func (s *Service) Responses(u *model.User, id string) ([]model.FeedbackResponse, error) {
	if _, err := s.ownedSession(u, id); err != nil {
		return nil, err
	}
	return s.store.ListFeedbackResponses(id)
}

// Export returns the session with questions, statistics and named answers.
func (s *Service) Export(u *model.User, id string) (model.SessionExport, error) {
	if _, err := s.ownedSession(u, id); err != nil {
		return model.SessionExport{}, err
	}
	return s.store.ExportSession(id)
}

// Stats returns per-question statistics keyed by question ID.
func (s *Service) Stats(u *model.User, id string) (map[string]model.QuestionStats, error) {
	exp, err := s.Export(u, id)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]model.QuestionStats, len(exp.Questions))
	for _, q := range exp.Questions {
		stats[q.QuestionID] = q.Stats
	}
	return stats, nil
}

// Summary returns an LLM digest of the session. A cached digest is reused
// while the number of respondents is unchanged.
func (s *Service) Summary(ctx context.Context, u *model.User, id string) (*Summary, error) {
	if s.summarizer == nil {
		return nil, model.ErrLLMDisabled
	}
	sess, err := s.ownedSession(u, id)
	if err != nil {
		return nil, err
	}
	n, err := s.store.CountRespondents(id)
	if err != nil {
		return nil, fmt.Errorf("count respondents: %w", err)
	}
	if n == 0 {
		return nil, ErrNoResponses
	}

	cached, err := s.store.GetSummary(id)
	if err != nil {
		slog.Warn("read cached summary", "session_id", id, "error", err)
	}
	if cached != nil && cached.Respondents == n {
		var out Summary
		if err := json.Unmarshal([]byte(cached.Text), &out.Summary); err == nil {
			out.Respondents, out.CreatedAt, out.Cached = cached.Respondents, cached.CreatedAt, true
			return &out, nil
		}
	}

	questions, err := s.store.ListSessionQuestions(id)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	responses, err := s.store.ListFeedbackResponses(id)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	byQuestion := make(map[string][]model.FeedbackResponse)
	for _, r := range responses {
		byQuestion[r.QuestionID] = append(byQuestion[r.QuestionID], r)
	}
	stats := make(map[string]model.QuestionStats, len(questions))
	for _, q := range questions {
		stats[q.ID] = store.ComputeStats(q, byQuestion[q.ID])
	}

	res, err := s.summarizer.SummarizeFeedback(ctx, llm.SessionInput{
		Session:     sess,
		Questions:   questions,
		Responses:   responses,
		Stats:       stats,
		Respondents: n,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}
	out := &Summary{Summary: *res, Respondents: n, CreatedAt: s.now().UTC()}
	if b, err := json.Marshal(res); err == nil {
		err = s.store.SetSummary(id, store.CachedSummary{Text: string(b), Respondents: n, CreatedAt: out.CreatedAt})
		if err != nil {
			slog.Warn("cache summary", "session_id", id, "error", err)
		}
	}
	return out, nil
}
