package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/edufeed/internal/model"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDoJSONServiceUnavailable(t *testing.T) {
	c := New("http://example.test", &http.Client{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial error")
		}),
	})
	err := c.doJSON(context.Background(), http.MethodGet, "/healthz", nil, nil)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}

func TestDoJSONAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"Validation failed","fields":[{"field":"code","error":"code must be a 6-digit code"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.JoinQuiz(context.Background(), "12")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if got := apiErr.Error(); got != "Validation failed: code code must be a 6-digit code" {
		t.Errorf("Error() = %q", got)
	}
	if !IsStatus(err, http.StatusUnprocessableEntity) || IsStatus(err, http.StatusNotFound) {
		t.Error("IsStatus mismatch")
	}
}

// fakeServer serves just enough of the API for the join flow.
type fakeServer struct {
	quiz      *model.AttemptView
	session   *model.SessionView
	answers   map[string]string
	feedback  map[string]string
	submitted bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Please sign in"})
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret123" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token": "tok",
			"user":  model.User{ID: "s1", Name: "Sam", Section: "A", Role: model.UserRoleStudent},
		})
	})
	mux.HandleFunc("POST /api/quizzes/join", authed(func(w http.ResponseWriter, _ *http.Request) {
		if f.quiz == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}
		writeJSON(w, http.StatusOK, f.quiz)
	}))
	mux.HandleFunc("POST /api/attempts/{id}/answers", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.answers[body["question_id"]] = body["answer"]
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /api/attempts/{id}/submit", authed(func(w http.ResponseWriter, r *http.Request) {
		f.submitted = true
		view := *f.quiz
		view.Attempt.Status = model.AttemptSubmitted
		view.Attempt.Score = 1
		view.Attempt.MaxScore = 2
		writeJSON(w, http.StatusOK, view)
	}))
	mux.HandleFunc("POST /api/feedback/join", authed(func(w http.ResponseWriter, _ *http.Request) {
		if f.session == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}
		writeJSON(w, http.StatusOK, f.session)
	}))
	mux.HandleFunc("POST /api/feedback/sessions/{id}/responses", authed(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Answers map[string]string `json:"answers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.feedback = body.Answers
		w.WriteHeader(http.StatusNoContent)
	}))
	return mux
}

func runJoin(t *testing.T, f *fakeServer, password, input string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	var out bytes.Buffer
	err := Run(context.Background(), strings.NewReader(input), &out, Config{
		ServerURL: srv.URL,
		Email:     "sam@example.com",
		Password:  password,
		Code:      "123456",
	})
	return out.String(), err
}

func TestRunQuiz(t *testing.T) {
	f := &fakeServer{
		answers: map[string]string{},
		quiz: &model.AttemptView{
			Attempt: model.QuizAttempt{ID: "a1", Status: model.AttemptInProgress},
			Quiz:    model.Quiz{ID: "q1", Title: "Go basics"},
			Questions: []model.QuizQuestion{
				{ID: "m1", Text: "Keyword?", Type: model.QuestionMCQ, Options: []string{"go", "spawn"}, Marks: 1},
				{ID: "s1", Text: "Mascot?", Type: model.QuestionShortAnswer, Marks: 1},
			},
		},
	}
	// "9" is out of range and retried, then option 1, then free text.
	out, err := runJoin(t, f, "secret123", "9\n1\ngopher\n")
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, out)
	}
	if f.answers["m1"] != "go" || f.answers["s1"] != "gopher" {
		t.Errorf("answers = %v", f.answers)
	}
	if !f.submitted {
		t.Error("attempt not submitted")
	}
	for _, want := range []string{"Hello, Sam", "Please enter one of the option numbers.", "Score: 1 / 2 (submitted)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunFeedback(t *testing.T) {
	f := &fakeServer{
		session: &model.SessionView{
			Session: model.FeedbackSession{ID: "fs1", Title: "Week 1"},
			Questions: []model.FeedbackQuestion{
				{ID: "r1", Text: "Clarity?", Type: model.FeedbackRating},
				{ID: "c1", Text: "Pace?", Type: model.FeedbackChoice, Options: []string{"slow", "ok", "fast"}},
				{ID: "t1", Text: "Comments?", Type: model.FeedbackText},
			},
		},
	}
	// Rating 0 is rejected, then 4; choice 3; text skipped.
	out, err := runJoin(t, f, "secret123", "0\n4\n3\n\n")
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, out)
	}
	want := map[string]string{"r1": "4", "c1": "fast"}
	if len(f.feedback) != len(want) {
		t.Fatalf("feedback = %v, want %v", f.feedback, want)
	}
	for k, v := range want {
		if f.feedback[k] != v {
			t.Errorf("feedback[%s] = %q, want %q", k, f.feedback[k], v)
		}
	}
	if !strings.Contains(out, "your feedback was submitted") {
		t.Errorf("output:\n%s", out)
	}
}

func TestRunAlreadyResponded(t *testing.T) {
	f := &fakeServer{
		session: &model.SessionView{
			Session:   model.FeedbackSession{ID: "fs1", Title: "Week 1"},
			Questions: []model.FeedbackQuestion{{ID: "r1", Text: "Clarity?", Type: model.FeedbackRating}},
			Responded: true,
		},
	}
	out, err := runJoin(t, f, "secret123", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.feedback != nil || !strings.Contains(out, "already answered") {
		t.Errorf("feedback = %v, output:\n%s", f.feedback, out)
	}
}

func TestRunNothingToJoin(t *testing.T) {
	_, err := runJoin(t, &fakeServer{}, "secret123", "")
	if !errors.Is(err, ErrNothingToJoin) {
		t.Fatalf("err = %v, want ErrNothingToJoin", err)
	}
}

func TestRunBadLogin(t *testing.T) {
	out, err := runJoin(t, &fakeServer{}, "wrong", "")
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err = %v, want 401", err)
	}
	if !strings.Contains(out, "Signing in failed: Invalid email or password") {
		t.Errorf("output:\n%s", out)
	}
}
