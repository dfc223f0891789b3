package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/edufeed/internal/model"
)

type createQuizRequest struct {
	Title     string `json:"title" validate:"required,max=200"`
	SectionID string `json:"section_id" validate:"required,max=50"`
	Duration  int    `json:"duration" validate:"min=0,max=600"`
}

type questionRequest struct {
	Text          string   `json:"text" validate:"required,max=2000"`
	Type          string   `json:"type" validate:"required,oneof=mcq true_false short_answer"`
	Options       []string `json:"options" validate:"omitempty,max=10,dive,max=500"`
	CorrectAnswer string   `json:"correct_answer" validate:"required,max=500"`
	Marks         int      `json:"marks" validate:"required,min=1,max=100"`
}

type joinRequest struct {
	Code string `json:"code" validate:"required,joincode"`
}

type answerRequest struct {
	QuestionID string `json:"question_id" validate:"required"`
	Answer     string `json:"answer" validate:"required,max=2000"`
}

type violationRequest struct {
	Kind string `json:"kind" validate:"required,oneof=capture screen_off"`
}

func (h *Handler) handleCreateQuiz(w http.ResponseWriter, r *http.Request) {
	var req createQuizRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.quiz.CreateQuiz(currentUser(r), req.Title, req.SectionID, req.Duration)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.quiz.ListQuizzes(currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if quizzes == nil {
		quizzes = []model.Quiz{}
	}
	writeJSON(w, http.StatusOK, quizzes)
}

func (h *Handler) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	q, err := h.quiz.GetQuiz(currentUser(r), chi.URLParam(r, "quizID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleDeleteQuiz(w http.ResponseWriter, r *http.Request) {
	if err := h.quiz.DeleteQuiz(currentUser(r), chi.URLParam(r, "quizID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.quiz.AddQuestion(currentUser(r), chi.URLParam(r, "quizID"), model.QuizQuestion{
		Text:          req.Text,
		Type:          model.QuestionType(req.Type),
		Options:       req.Options,
		CorrectAnswer: req.CorrectAnswer,
		Marks:         req.Marks,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.quiz.ListQuestions(currentUser(r), chi.URLParam(r, "quizID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if questions == nil {
		questions = []model.QuizQuestion{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	err := h.quiz.DeleteQuestion(currentUser(r), chi.URLParam(r, "quizID"), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.quiz.Results(currentUser(r), chi.URLParam(r, "quizID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []model.AttemptResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleJoinQuiz(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.quiz.Join(currentUser(r), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	view, err := h.quiz.Attempt(currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := h.quiz.Answer(currentUser(r), chi.URLParam(r, "attemptID"), req.QuestionID, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	view, err := h.quiz.Submit(r.Context(), currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	view, err := h.quiz.Pause(currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	view, err := h.quiz.Resume(currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleLockdown(w http.ResponseWriter, r *http.Request) {
	a, err := h.quiz.EnableLockdown(currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleReportViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.quiz.ReportViolation(currentUser(r), chi.URLParam(r, "attemptID"), model.ViolationKind(req.Kind))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleListViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := h.quiz.Violations(currentUser(r), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if violations == nil {
		violations = []model.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

type teacherDashboard struct {
	Quizzes  []model.Quiz            `json:"quizzes"`
	Sessions []model.FeedbackSession `json:"sessions"`
}

type studentDashboard struct {
	Quizzes  []model.DashboardQuiz `json:"quizzes"`
	Sessions []model.SessionView   `json:"sessions"`
}

func (h *Handler) handleTeacherDashboard(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	quizzes, err := h.quiz.ListQuizzes(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.feedback.ListSessions(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := teacherDashboard{Quizzes: quizzes, Sessions: sessions}
	if d.Quizzes == nil {
		d.Quizzes = []model.Quiz{}
	}
	if d.Sessions == nil {
		d.Sessions = []model.FeedbackSession{}
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleStudentDashboard(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	quizzes, err := h.quiz.StudentDashboard(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.feedback.ActiveSessions(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := studentDashboard{Quizzes: quizzes, Sessions: sessions}
	if d.Quizzes == nil {
		d.Quizzes = []model.DashboardQuiz{}
	}
	if d.Sessions == nil {
		d.Sessions = []model.SessionView{}
	}
	writeJSON(w, http.StatusOK, d)
}

// handleLive upgrades to a websocket subscribed to a quiz or feedback
// session owned by the caller.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "channelID")

	_, err := h.quiz.GetQuiz(u, id)
	if errors.Is(err, model.ErrNotFound) {
		_, err = h.feedback.GetSession(u, id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.live.Serve(w, r, id, u.ID); err != nil {
		slog.Warn("live subscription failed", "channel", id, "user_id", u.ID, "error", err)
	}
}
