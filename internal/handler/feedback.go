package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/report"
)

type bankQuestionRequest struct {
	Text    string   `json:"text" validate:"required,max=2000"`
	Type    string   `json:"type" validate:"required,oneof=rating text choice"`
	Options []string `json:"options" validate:"required_if=Type choice,max=10,dive,required,max=500"`
}

type createSessionRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Section     string   `json:"section" validate:"required,max=50"`
	QuestionIDs []string `json:"question_ids" validate:"required,min=1,dive,required"`
}

type startSessionRequest struct {
	Duration int `json:"duration" validate:"min=0,max=600"`
}

type submitFeedbackRequest struct {
	Answers map[string]string `json:"answers" validate:"required,min=1"`
}

type sessionDetail struct {
	Session     model.FeedbackSession    `json:"session"`
	Questions   []model.FeedbackQuestion `json:"questions"`
	Respondents int                      `json:"respondents"`
}

func (h *Handler) handleListBank(w http.ResponseWriter, r *http.Request) {
	questions, err := h.feedback.ListBank(currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if questions == nil {
		questions = []model.FeedbackQuestion{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleAddBankQuestion(w http.ResponseWriter, r *http.Request) {
	var req bankQuestionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.feedback.AddBankQuestion(currentUser(r), model.FeedbackQuestion{
		Text:    req.Text,
		Type:    model.FeedbackQuestionType(req.Type),
		Options: req.Options,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleDeleteBankQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.feedback.DeleteBankQuestion(currentUser(r), chi.URLParam(r, "questionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.feedback.CreateSession(currentUser(r), req.Title, req.Section, req.QuestionIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.feedback.ListSessions(currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.FeedbackSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := chi.URLParam(r, "sessionID")
	sess, err := h.feedback.GetSession(u, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	questions, err := h.feedback.Questions(u, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.store.CountRespondents(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, Questions: questions, Respondents: n})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.feedback.DeleteSession(currentUser(r), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.feedback.Start(currentUser(r), chi.URLParam(r, "sessionID"), req.Duration)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.feedback.End(currentUser(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleListResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := h.feedback.Responses(currentUser(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if responses == nil {
		responses = []model.FeedbackResponse{}
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.feedback.Stats(currentUser(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.feedback.Summary(r.Context(), currentUser(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	exp, err := h.feedback.Export(currentUser(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.Session(exp).Render(r.Context(), w); err != nil {
		slog.Error("render report", "session_id", exp.SessionID, "error", err)
	}
}

func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.feedback.Join(currentUser(r), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req submitFeedbackRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.feedback.Submit(currentUser(r), chi.URLParam(r, "sessionID"), req.Answers); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
