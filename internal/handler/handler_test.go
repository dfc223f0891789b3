package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/edufeed/internal/feedback"
	appI18n "github.com/pavelanni/edufeed/internal/i18n"
	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/quiz"
	"github.com/pavelanni/edufeed/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	store *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	broker := live.NewBroker(nil)
	qs := quiz.New(st, quiz.WithPublisher(broker))
	fs := feedback.New(st, feedback.WithPublisher(broker))

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(st, qs, fs, broker, model.ServerConfig{Lang: "en"}).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		broker.Close()
		qs.Close()
		st.Close()
	})
	return &testServer{Server: srv, store: st}
}

// do sends a JSON request and decodes the response into out when out is
// non-nil. It returns the status code.
func (ts *testServer) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) register(t *testing.T, email, role, section string) loginResponse {
	t.Helper()
	var res loginResponse
	code := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     strings.Split(email, "@")[0],
		"email":    email,
		"password": "password123",
		"role":     role,
		"section":  section,
	}, &res)
	if code != http.StatusCreated {
		t.Fatalf("register %s: status %d", email, code)
	}
	return res
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	if code := ts.do(t, http.MethodGet, "/healthz", "", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "Alice@Example.com", "student", "A")
	if reg.Token == "" {
		t.Fatal("register returned no token")
	}
	if reg.User.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased", reg.User.Email)
	}

	var me model.User
	if code := ts.do(t, http.MethodGet, "/api/me", reg.Token, nil, &me); code != http.StatusOK {
		t.Fatalf("me: status %d", code)
	}
	if me.Section != "A" || me.Role != model.UserRoleStudent {
		t.Errorf("me = %+v", me)
	}

	var errResp errorResponse
	code := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-password",
	}, &errResp)
	if code != http.StatusUnauthorized {
		t.Errorf("bad password: status %d, want 401", code)
	}
	if errResp.Error == "" {
		t.Error("bad password: empty error message")
	}

	var login loginResponse
	code = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, &login)
	if code != http.StatusOK || login.Token == "" {
		t.Fatalf("login: status %d token %q", code, login.Token)
	}

	if code := ts.do(t, http.MethodPost, "/api/auth/logout", login.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("logout: status %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/me", login.Token, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("me after logout: status %d, want 401", code)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	var errResp errorResponse
	code := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Bob", "email": "not-an-email", "password": "short", "role": "student",
	}, &errResp)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", code)
	}
	fields := map[string]bool{}
	for _, f := range errResp.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"email", "password", "section"} {
		if !fields[want] {
			t.Errorf("missing field error for %s in %+v", want, errResp.Fields)
		}
	}

	code = ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Eve", "email": "eve@example.com", "password": "password123", "role": "admin",
	}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("self-registered admin: status %d, want 422", code)
	}

	ts.register(t, "carol@example.com", "teacher", "")
	code = ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Carol", "email": "CAROL@example.com", "password": "password123", "role": "teacher",
	}, nil)
	if code != http.StatusConflict {
		t.Errorf("duplicate email: status %d, want 409", code)
	}
}

func TestRoleChecks(t *testing.T) {
	ts := newTestServer(t)
	student := ts.register(t, "s@example.com", "student", "A")
	teacher := ts.register(t, "t@example.com", "teacher", "")

	if code := ts.do(t, http.MethodGet, "/api/quizzes", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("anonymous: status %d, want 401", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/quizzes", student.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("student on teacher route: status %d, want 403", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/student/dashboard", teacher.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("teacher on student route: status %d, want 403", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/admin/users", teacher.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("teacher on admin route: status %d, want 403", code)
	}
}

func TestQuizFlow(t *testing.T) {
	ts := newTestServer(t)
	teacher := ts.register(t, "t@example.com", "teacher", "")
	student := ts.register(t, "s@example.com", "student", "A")
	other := ts.register(t, "o@example.com", "student", "B")

	var q model.Quiz
	code := ts.do(t, http.MethodPost, "/api/quizzes", teacher.Token, map[string]any{
		"title": "Go basics", "section_id": "A", "duration": 0,
	}, &q)
	if code != http.StatusCreated {
		t.Fatalf("create quiz: status %d", code)
	}

	var mcq model.QuizQuestion
	code = ts.do(t, http.MethodPost, "/api/quizzes/"+q.ID+"/questions", teacher.Token, map[string]any{
		"text": "Keyword for a goroutine?", "type": "mcq",
		"options": []string{"go", "async", "spawn"}, "correct_answer": "go", "marks": 2,
	}, &mcq)
	if code != http.StatusCreated {
		t.Fatalf("add question: status %d", code)
	}
	code = ts.do(t, http.MethodPost, "/api/quizzes/"+q.ID+"/questions", teacher.Token, map[string]any{
		"text": "Bad", "type": "mcq", "options": []string{"a", "b"}, "correct_answer": "c", "marks": 1,
	}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("answer outside options: status %d, want 422", code)
	}

	if code := ts.do(t, http.MethodPost, "/api/quizzes/join", other.Token, map[string]string{"code": q.Code}, nil); code != http.StatusForbidden {
		t.Errorf("other section join: status %d, want 403", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/quizzes/join", student.Token, map[string]string{"code": "12ab"}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("malformed code: status %d, want 422", code)
	}

	var view model.AttemptView
	if code := ts.do(t, http.MethodPost, "/api/quizzes/join", student.Token, map[string]string{"code": q.Code}, &view); code != http.StatusOK {
		t.Fatalf("join: status %d", code)
	}
	if len(view.Questions) != 1 || view.Questions[0].CorrectAnswer != "" {
		t.Fatalf("join view leaks answers or misses questions: %+v", view.Questions)
	}
	attemptPath := "/api/attempts/" + view.Attempt.ID

	code = ts.do(t, http.MethodPost, attemptPath+"/answers", student.Token, map[string]string{
		"question_id": mcq.ID, "answer": "go",
	}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("answer: status %d", code)
	}
	if code := ts.do(t, http.MethodGet, attemptPath, other.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("foreign attempt: status %d, want 403", code)
	}

	var done model.AttemptView
	if code := ts.do(t, http.MethodPost, attemptPath+"/submit", student.Token, nil, &done); code != http.StatusOK {
		t.Fatalf("submit: status %d", code)
	}
	if done.Attempt.Status != model.AttemptSubmitted || done.Attempt.Score != 2 || done.Attempt.MaxScore != 2 {
		t.Errorf("submitted attempt = %+v", done.Attempt)
	}
	if code := ts.do(t, http.MethodPost, attemptPath+"/submit", student.Token, nil, nil); code != http.StatusConflict {
		t.Errorf("second submit: status %d, want 409", code)
	}

	var results []model.AttemptResult
	if code := ts.do(t, http.MethodGet, "/api/quizzes/"+q.ID+"/results", teacher.Token, nil, &results); code != http.StatusOK {
		t.Fatalf("results: status %d", code)
	}
	if len(results) != 1 || results[0].Email != "s@example.com" {
		t.Errorf("results = %+v", results)
	}

	if code := ts.do(t, http.MethodPost, attemptPath+"/pause", teacher.Token, nil, nil); code != http.StatusConflict {
		t.Errorf("pause untimed quiz: status %d, want 409", code)
	}

	var dash studentDashboard
	if code := ts.do(t, http.MethodGet, "/api/student/dashboard", student.Token, nil, &dash); code != http.StatusOK {
		t.Fatalf("student dashboard: status %d", code)
	}
	if len(dash.Quizzes) != 1 || dash.Quizzes[0].Attempt == nil {
		t.Errorf("dashboard quizzes = %+v", dash.Quizzes)
	}
}

func TestFeedbackFlow(t *testing.T) {
	ts := newTestServer(t)
	teacher := ts.register(t, "t@example.com", "teacher", "")
	student := ts.register(t, "s@example.com", "student", "A")

	var rating, choice model.FeedbackQuestion
	ts.do(t, http.MethodPost, "/api/bank/questions", teacher.Token, map[string]any{
		"text": "How clear was the lesson?", "type": "rating",
	}, &rating)
	code := ts.do(t, http.MethodPost, "/api/bank/questions", teacher.Token, map[string]any{
		"text": "Pace?", "type": "choice", "options": []string{"slow", "ok", "fast"},
	}, &choice)
	if code != http.StatusCreated || rating.ID == "" {
		t.Fatalf("add bank questions: status %d rating %+v", code, rating)
	}

	var sess model.FeedbackSession
	code = ts.do(t, http.MethodPost, "/api/feedback/sessions", teacher.Token, map[string]any{
		"title": "Week 1", "section": "A", "question_ids": []string{rating.ID, choice.ID},
	}, &sess)
	if code != http.StatusCreated {
		t.Fatalf("create session: status %d", code)
	}
	sessPath := "/api/feedback/sessions/" + sess.ID

	if code := ts.do(t, http.MethodPost, "/api/feedback/join", student.Token, map[string]string{"code": sess.Code}, nil); code != http.StatusConflict {
		t.Errorf("join draft session: status %d, want 409", code)
	}
	if code := ts.do(t, http.MethodPost, sessPath+"/start", teacher.Token, nil, &sess); code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}
	if sess.Status != model.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", sess.Status)
	}

	var view model.SessionView
	if code := ts.do(t, http.MethodPost, "/api/feedback/join", student.Token, map[string]string{"code": sess.Code}, &view); code != http.StatusOK {
		t.Fatalf("join: status %d", code)
	}
	if len(view.Questions) != 2 || view.Responded {
		t.Errorf("session view = %+v", view)
	}

	code = ts.do(t, http.MethodPost, sessPath+"/responses", student.Token, map[string]any{
		"answers": map[string]string{rating.ID: "9"},
	}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("rating out of range: status %d, want 422", code)
	}
	code = ts.do(t, http.MethodPost, sessPath+"/responses", student.Token, map[string]any{
		"answers": map[string]string{rating.ID: "4", choice.ID: "ok"},
	}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("submit: status %d", code)
	}
	code = ts.do(t, http.MethodPost, sessPath+"/responses", student.Token, map[string]any{
		"answers": map[string]string{rating.ID: "5"},
	}, nil)
	if code != http.StatusConflict {
		t.Errorf("second submit: status %d, want 409", code)
	}

	var stats map[string]model.QuestionStats
	if code := ts.do(t, http.MethodGet, sessPath+"/stats", teacher.Token, nil, &stats); code != http.StatusOK {
		t.Fatalf("stats: status %d", code)
	}
	if stats[rating.ID].MeanRating != 4 || stats[choice.ID].Choices["ok"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if code := ts.do(t, http.MethodGet, sessPath+"/summary", teacher.Token, nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("summary without LLM: status %d, want 503", code)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+sessPath+"/report", nil)
	req.Header.Set("Authorization", "Bearer "+teacher.Token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var html bytes.Buffer
	_, _ = html.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(html.String(), "Week 1") {
		t.Errorf("report: status %d body %q", resp.StatusCode, html.String())
	}

	if code := ts.do(t, http.MethodPost, sessPath+"/end", teacher.Token, nil, &sess); code != http.StatusOK || sess.Status != model.StatusEnded {
		t.Errorf("end: status %d session %s", code, sess.Status)
	}
	if code := ts.do(t, http.MethodPost, sessPath+"/start", teacher.Token, nil, nil); code != http.StatusConflict {
		t.Errorf("restart ended session: status %d, want 409", code)
	}
}

func TestAdminToggleUser(t *testing.T) {
	ts := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	adminID, err := ts.store.CreateUser(model.User{
		Name: "Admin", Email: "admin-seed@example.com", PasswordHash: string(hash),
		Role: model.UserRoleAdmin, Active: true,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	var login loginResponse
	ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin-seed@example.com", "password": "password123",
	}, &login)

	var created model.User
	code := ts.do(t, http.MethodPost, "/api/admin/users", login.Token, map[string]string{
		"name": "Sam", "email": "sam@example.com", "password": "password123", "role": "student", "section": "C",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create user: status %d", code)
	}

	var samLogin loginResponse
	ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "sam@example.com", "password": "password123",
	}, &samLogin)
	if code := ts.do(t, http.MethodGet, "/api/me", samLogin.Token, nil, nil); code != http.StatusOK {
		t.Fatalf("me before toggle: status %d", code)
	}

	var toggled model.User
	if code := ts.do(t, http.MethodPost, "/api/admin/users/"+created.ID+"/toggle", login.Token, nil, &toggled); code != http.StatusOK {
		t.Fatalf("toggle: status %d", code)
	}
	if toggled.Active {
		t.Error("user still active after toggle")
	}
	if n, _ := ts.store.DeleteUserAuthSessions(created.ID); n != 0 {
		t.Errorf("%d sessions survived the toggle", n)
	}
	code = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "sam@example.com", "password": "password123",
	}, nil)
	if code != http.StatusForbidden {
		t.Errorf("disabled login: status %d, want 403", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/admin/users/"+adminID+"/toggle", login.Token, nil, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("self toggle: status %d, want 422", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/admin/users/missing/toggle", login.Token, nil, nil); code != http.StatusNotFound {
		t.Errorf("missing user toggle: status %d, want 404", code)
	}
}

func TestSessionCookieOnlyOnSafeMethods(t *testing.T) {
	ts := newTestServer(t)
	teacher := ts.register(t, "cookie@example.com", "teacher", "")

	send := func(method, path, body string) int {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: teacher.Token})
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := send(http.MethodGet, "/api/me", ""); code != http.StatusOK {
		t.Errorf("GET with cookie: status %d, want 200", code)
	}
	if code := send(http.MethodPost, "/api/quizzes", `{"title":"Q","section_id":"A","duration":0}`); code != http.StatusUnauthorized {
		t.Errorf("POST with cookie only: status %d, want 401", code)
	}
	if code := send(http.MethodPost, "/api/auth/logout", ""); code != http.StatusUnauthorized {
		t.Errorf("logout with cookie only: status %d, want 401", code)
	}
}

func TestBuildRoute(t *testing.T) {
	got, err := BuildRoute("student_dashboard", map[string]string{"studentId": "u1", "section": "A/B"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}
	if got != "student_dashboard/u1/A%2FB" {
		t.Errorf("BuildRoute = %q", got)
	}
	if _, err := BuildRoute("take_quiz", map[string]string{"quizId": "q1"}); err == nil {
		t.Error("expected error for missing attemptId")
	}
	if _, err := BuildRoute("nowhere", nil); err == nil {
		t.Error("expected error for unknown route")
	}
}

func TestMatchRoute(t *testing.T) {
	m, ok := MatchRoute("/take_quiz/q1/a%201")
	if !ok {
		t.Fatal("no match")
	}
	if m.Route.Name != "take_quiz" || m.Params["quizId"] != "q1" || m.Params["attemptId"] != "a 1" {
		t.Errorf("match = %+v", m)
	}
	if m, ok := MatchRoute("login"); !ok || m.Route.Name != "login" {
		t.Errorf("login match = %+v, %v", m, ok)
	}
	if _, ok := MatchRoute("take_quiz/q1"); ok {
		t.Error("matched a path with too few segments")
	}

	for _, r := range NavRoutes {
		params := map[string]string{}
		for _, seg := range strings.Split(r.Template, "/") {
			if p, ok := isParam(seg); ok {
				params[p] = "x-" + p
			}
		}
		path, err := BuildRoute(r.Name, params)
		if err != nil {
			t.Fatalf("BuildRoute(%s): %v", r.Name, err)
		}
		m, ok := MatchRoute(path)
		if !ok || m.Route.Name != r.Name {
			t.Errorf("MatchRoute(%q) = %+v, want %s", path, m.Route, r.Name)
		}
	}
}

func TestRoutesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var routes []NavRoute
	if code := ts.do(t, http.MethodGet, "/api/routes", "", nil, &routes); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(routes) != len(NavRoutes) {
		t.Errorf("got %d routes, want %d", len(routes), len(NavRoutes))
	}
	var m RouteMatch
	if code := ts.do(t, http.MethodGet, "/api/routes?match=quiz_result/a1", "", nil, &m); code != http.StatusOK {
		t.Fatalf("match: status %d", code)
	}
	if m.Route.Name != "quiz_result" || m.Params["attemptId"] != "a1" {
		t.Errorf("match = %+v", m)
	}
}
