package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/edufeed/internal/llm"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/store"
)

type fakeSummarizer struct {
	calls int
	last  llm.SessionInput
}

func (f *fakeSummarizer) SummarizeFeedback(_ context.Context, in llm.SessionInput) (*llm.Summary, error) {
	f.calls++
	f.last = in
	return &llm.Summary{Summary: "students liked it", Highlights: []string{"pace"}}, nil
}

type fixture struct {
	store   *store.Store
	svc     *Service
	now     time.Time
	teacher *model.User
	student *model.User
	rating  model.FeedbackQuestion
	choice  model.FeedbackQuestion
	text    model.FeedbackQuestion
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureAt(t, ":memory:", opts...)
}

func newFixtureAt(t *testing.T, dbPath string, opts ...Option) *fixture {
	t.Helper()
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, now: time.Now().UTC()}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = New(st, opts...)
	f.teacher = createUser(t, st, "teacher@example.com", model.UserRoleTeacher, "")
	f.student = createUser(t, st, "student@example.com", model.UserRoleStudent, "A")

	f.rating = f.addQuestion(t, model.FeedbackQuestion{Text: "How clear was the lecture?", Type: model.FeedbackRating})
	f.choice = f.addQuestion(t, model.FeedbackQuestion{Text: "Pace", Type: model.FeedbackChoice, Options: []string{"slow", "ok", "fast"}})
	f.text = f.addQuestion(t, model.FeedbackQuestion{Text: "Anything else?", Type: model.FeedbackText})
	return f
}

func createUser(t *testing.T, st *store.Store, email string, role model.UserRole, section string) *model.User {
	t.Helper()
	id, err := st.CreateUser(model.User{Name: email, Email: email, PasswordHash: "x", Role: role, Section: section})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := st.GetUserByID(id)
	if err != nil || u == nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	return u
}

func (f *fixture) addQuestion(t *testing.T, q model.FeedbackQuestion) model.FeedbackQuestion {
	t.Helper()
	got, err := f.svc.AddBankQuestion(f.teacher, q)
	if err != nil {
		t.Fatalf("AddBankQuestion: %v", err)
	}
	return got
}

func (f *fixture) activeSession(t *testing.T, duration int) model.FeedbackSession {
	t.Helper()
	sess, err := f.svc.CreateSession(f.teacher, "Lecture 3", "A", []string{f.rating.ID, f.choice.ID, f.text.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess, err = f.svc.Start(f.teacher, sess.ID, duration)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

func TestBankQuestionValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		q    model.FeedbackQuestion
	}{
		{"empty text", model.FeedbackQuestion{Type: model.FeedbackRating}},
		{"unknown type", model.FeedbackQuestion{Text: "q", Type: "slider"}},
		{"choice with one option", model.FeedbackQuestion{Text: "q", Type: model.FeedbackChoice, Options: []string{"a", "a", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.AddBankQuestion(f.teacher, tt.q); !errors.Is(err, model.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	bank, err := f.svc.ListBank(f.teacher)
	if err != nil {
		t.Fatalf("ListBank: %v", err)
	}
	if len(bank) != 3 {
		t.Fatalf("expected 3 bank questions, got %d", len(bank))
	}
}

func TestDeleteBankQuestion(t *testing.T) {
	f := newFixture(t)
	other := createUser(t, f.store, "other@example.com", model.UserRoleTeacher, "")

	if err := f.svc.DeleteBankQuestion(other, f.text.ID); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.CreateSession(f.teacher, "S", "A", []string{f.rating.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.svc.DeleteBankQuestion(f.teacher, f.rating.ID); !errors.Is(err, ErrQuestionInUse) {
		t.Fatalf("expected ErrQuestionInUse, got %v", err)
	}
	if err := f.svc.DeleteBankQuestion(f.teacher, f.text.ID); err != nil {
		t.Fatalf("DeleteBankQuestion: %v", err)
	}
	if err := f.svc.DeleteBankQuestion(f.teacher, f.text.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSessionRequiresOwnQuestions(t *testing.T) {
	f := newFixture(t)
	other := createUser(t, f.store, "other@example.com", model.UserRoleTeacher, "")

	if _, err := f.svc.CreateSession(other, "S", "A", []string{f.rating.ID}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("foreign question: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.CreateSession(f.teacher, "S", "A", nil); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("no questions: expected ErrInvalidInput, got %v", err)
	}

	sess, err := f.svc.CreateSession(f.teacher, "S", "A", []string{f.choice.ID, f.rating.ID, f.choice.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != model.StatusDraft || len(sess.Code) != 6 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(sess.QuestionList) != 2 || sess.QuestionList[0] != f.choice.ID {
		t.Fatalf("question list = %v", sess.QuestionList)
	}
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.CreateSession(f.teacher, "S", "A", []string{f.rating.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := f.svc.End(f.teacher, sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("end draft: expected ErrInvalidTransition, got %v", err)
	}
	started, err := f.svc.Start(f.teacher, sess.ID, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != model.StatusActive || started.StartTime == nil || started.EndTime != nil {
		t.Fatalf("unexpected started session: %+v", started)
	}
	if _, err := f.svc.Start(f.teacher, sess.ID, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restart: expected ErrInvalidTransition, got %v", err)
	}
	ended, err := f.svc.End(f.teacher, sess.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != model.StatusEnded || ended.EndTime == nil {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
	if _, err := f.svc.Start(f.teacher, sess.ID, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start ended: expected ErrInvalidTransition, got %v", err)
	}
}

func TestJoinAndSubmit(t *testing.T) {
	f := newFixture(t)
	sess := f.activeSession(t, 0)

	outsider := createUser(t, f.store, "b@example.com", model.UserRoleStudent, "B")
	if _, err := f.svc.Join(outsider, sess.Code); !errors.Is(err, model.ErrSectionMismatch) {
		t.Fatalf("expected ErrSectionMismatch, got %v", err)
	}

	view, err := f.svc.Join(f.student, sess.Code)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(view.Questions) != 3 || view.Responded {
		t.Fatalf("unexpected view: %+v", view)
	}

	tests := []struct {
		name    string
		answers map[string]string
	}{
		{"rating too high", map[string]string{f.rating.ID: "6"}},
		{"rating not a number", map[string]string{f.rating.ID: "good"}},
		{"unknown choice", map[string]string{f.choice.ID: "very fast"}},
		{"blank text", map[string]string{f.text.ID: "  "}},
		{"foreign question", map[string]string{"nope": "1"}},
		{"no answers", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.svc.Submit(f.student, sess.ID, tt.answers); !errors.Is(err, model.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	answers := map[string]string{f.rating.ID: " 4", f.choice.ID: "ok", f.text.ID: "more examples"}
	if err := f.svc.Submit(f.student, sess.ID, answers); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.svc.Submit(f.student, sess.ID, answers); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}

	responses, err := f.svc.Responses(f.teacher, sess.ID)
	if err != nil {
		t.Fatalf("Responses: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}

	view, err = f.svc.Join(f.student, sess.Code)
	if err != nil {
		t.Fatalf("Join after submit: %v", err)
	}
	if !view.Responded {
		t.Fatalf("view should report the student responded")
	}
}

func TestJoinInactiveSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.CreateSession(f.teacher, "S", "A", []string{f.rating.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := f.svc.Join(f.student, sess.Code); !errors.Is(err, ErrNotActive) {
		t.Fatalf("draft: expected ErrNotActive, got %v", err)
	}
	if err := f.svc.Submit(f.student, sess.ID, map[string]string{f.rating.ID: "3"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("submit draft: expected ErrNotActive, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	sess := f.activeSession(t, 0)
	second := createUser(t, f.store, "s2@example.com", model.UserRoleStudent, "A")

	if err := f.svc.Submit(f.student, sess.ID, map[string]string{f.rating.ID: "5", f.choice.ID: "fast"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.svc.Submit(second, sess.ID, map[string]string{f.rating.ID: "2", f.choice.ID: "fast"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stats, err := f.svc.Stats(f.teacher, sess.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if got := stats[f.rating.ID]; got.Count != 2 || got.MeanRating != 3.5 {
		t.Fatalf("rating stats = %+v", got)
	}
	choices := stats[f.choice.ID].Choices
	if choices["fast"] != 2 || choices["slow"] != 0 || len(choices) != 3 {
		t.Fatalf("choice histogram = %v", choices)
	}
	if stats[f.text.ID].Count != 0 {
		t.Fatalf("text stats = %+v", stats[f.text.ID])
	}

	other := createUser(t, f.store, "other@example.com", model.UserRoleTeacher, "")
	if _, err := f.svc.Stats(other, sess.ID); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	timed := f.activeSession(t, 10)
	open := f.activeSession(t, 0)

	n, err := f.svc.ExpireDue(f.now)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("ended %d sessions early", n)
	}

	f.now = f.now.Add(11 * time.Minute)
	if _, err := f.svc.Join(f.student, timed.Code); !errors.Is(err, ErrNotActive) {
		t.Fatalf("join due session: expected ErrNotActive, got %v", err)
	}
	got, err := f.svc.GetSession(f.teacher, timed.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusEnded {
		t.Fatalf("due session status = %s", got.Status)
	}
	got, err = f.svc.GetSession(f.teacher, open.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("untimed session status = %s", got.Status)
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	sess := f.activeSession(t, 0)

	if _, err := f.svc.Summary(context.Background(), f.teacher, sess.ID); !errors.Is(err, model.ErrLLMDisabled) {
		t.Fatalf("expected ErrLLMDisabled, got %v", err)
	}

	sum := &fakeSummarizer{}
	svc := New(f.store, WithSummarizer(sum), WithClock(func() time.Time { return f.now }))
	if _, err := svc.Summary(context.Background(), f.teacher, sess.ID); !errors.Is(err, ErrNoResponses) {
		t.Fatalf("expected ErrNoResponses, got %v", err)
	}
	if err := svc.Submit(f.student, sess.ID, map[string]string{f.rating.ID: "4"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first, err := svc.Summary(context.Background(), f.teacher, sess.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if first.Cached || first.Summary.Summary != "students liked it" || first.Respondents != 1 {
		t.Fatalf("unexpected summary: %+v", first)
	}
	if sum.last.Stats[f.rating.ID].MeanRating != 4 {
		t.Fatalf("summarizer got stats %+v", sum.last.Stats)
	}

	second, err := svc.Summary(context.Background(), f.teacher, sess.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !second.Cached || sum.calls != 1 {
		t.Fatalf("expected cached summary, calls=%d cached=%v", sum.calls, second.Cached)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	sess := f.activeSession(t, 0)
	if err := f.svc.Submit(f.student, sess.ID, map[string]string{f.rating.ID: "4"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.svc.DeleteSession(f.teacher, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := f.svc.GetSession(f.teacher, sess.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	n, err := f.store.CountRespondents(sess.ID)
	if err != nil {
		t.Fatalf("CountRespondents: %v", err)
	}
	if n != 0 {
		t.Fatalf("responses survived session delete: %d", n)
	}
}

func TestConcurrentSubmitOncePerStudent(t *testing.T) {
	f := newFixtureAt(t, filepath.Join(t.TempDir(), "edufeed.db"))

	for round := 0; round < 20; round++ {
		sess := f.activeSession(t, 0)
		sets := []map[string]string{
			{f.rating.ID: "4"},
			{f.text.ID: "more examples"},
		}
		errs := make([]error, len(sets))
		var wg sync.WaitGroup
		for i, answers := range sets {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = f.svc.Submit(f.student, sess.ID, answers)
			}()
		}
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			switch {
			case err == nil:
				accepted++
			case !errors.Is(err, ErrAlreadyResponded):
				t.Fatalf("round %d: Submit = %v", round, err)
			}
		}
		if accepted != 1 {
			t.Fatalf("round %d: %d submissions accepted, want 1", round, accepted)
		}
		responses, err := f.store.ListFeedbackResponses(sess.ID)
		if err != nil {
			t.Fatalf("ListFeedbackResponses: %v", err)
		}
		if len(responses) != 1 {
			t.Fatalf("round %d: %d responses stored, want 1", round, len(responses))
		}
	}
}
