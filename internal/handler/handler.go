package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/edufeed/internal/feedback"
	appI18n "github.com/pavelanni/edufeed/internal/i18n"
	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/quiz"
	"github.com/pavelanni/edufeed/internal/store"
	"github.com/pavelanni/edufeed/internal/validate"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	quiz     *quiz.Service
	feedback *feedback.Service
	live     *live.Broker
	validate *validate.Validator
	config   model.ServerConfig
}

// New creates a new Handler.
func New(s *store.Store, q *quiz.Service, f *feedback.Service, b *live.Broker, cfg model.ServerConfig) *Handler {
	return &Handler{
		store:    s,
		quiz:     q,
		feedback: f,
		live:     b,
		validate: validate.New(),
		config:   cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)
		r.Get("/routes", h.handleRoutes)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/auth/logout", h.handleLogout)
			r.Get("/me", h.handleMe)
			r.Get("/attempts/{attemptID}", h.handleGetAttempt)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
				r.Get("/teacher/dashboard", h.handleTeacherDashboard)

				r.Post("/quizzes", h.handleCreateQuiz)
				r.Get("/quizzes", h.handleListQuizzes)
				r.Get("/quizzes/{quizID}", h.handleGetQuiz)
				r.Delete("/quizzes/{quizID}", h.handleDeleteQuiz)
				r.Post("/quizzes/{quizID}/questions", h.handleAddQuestion)
				r.Get("/quizzes/{quizID}/questions", h.handleListQuestions)
				r.Delete("/quizzes/{quizID}/questions/{questionID}", h.handleDeleteQuestion)
				r.Get("/quizzes/{quizID}/results", h.handleResults)
				r.Post("/attempts/{attemptID}/pause", h.handlePause)
				r.Post("/attempts/{attemptID}/resume", h.handleResume)
				r.Get("/attempts/{attemptID}/violations", h.handleListViolations)

				r.Get("/bank/questions", h.handleListBank)
				r.Post("/bank/questions", h.handleAddBankQuestion)
				r.Delete("/bank/questions/{questionID}", h.handleDeleteBankQuestion)

				r.Post("/feedback/sessions", h.handleCreateSession)
				r.Get("/feedback/sessions", h.handleListSessions)
				r.Get("/feedback/sessions/{sessionID}", h.handleGetSession)
				r.Delete("/feedback/sessions/{sessionID}", h.handleDeleteSession)
				r.Post("/feedback/sessions/{sessionID}/start", h.handleStartSession)
				r.Post("/feedback/sessions/{sessionID}/end", h.handleEndSession)
				r.Get("/feedback/sessions/{sessionID}/responses", h.handleListResponses)
				r.Get("/feedback/sessions/{sessionID}/stats", h.handleStats)
				r.Get("/feedback/sessions/{sessionID}/summary", h.handleSummary)
				r.Get("/feedback/sessions/{sessionID}/report", h.handleReport)

				r.Get("/live/{channelID}", h.handleLive)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleStudent))
				r.Get("/student/dashboard", h.handleStudentDashboard)
				r.Post("/quizzes/join", h.handleJoinQuiz)
				r.Post("/attempts/{attemptID}/answers", h.handleAnswer)
				r.Post("/attempts/{attemptID}/submit", h.handleSubmit)
				r.Post("/attempts/{attemptID}/lockdown", h.handleLockdown)
				r.Post("/attempts/{attemptID}/violations", h.handleReportViolation)
				r.Post("/feedback/join", h.handleJoinSession)
				r.Post("/feedback/sessions/{sessionID}/responses", h.handleSubmitFeedback)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var (
	errUnauthorized       = errors.New("unauthorized")
	errBadRequest         = errors.New("bad request")
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountDisabled    = errors.New("account disabled")
	errEmailTaken         = errors.New("email taken")
)

type errorResponse struct {
	Error  string                `json:"error"`
	Detail string                `json:"detail,omitempty"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

// errorStatus maps sentinel errors to a status code and a message ID.
var errorStatus = []struct {
	err    error
	status int
	msgID  string
}{
	{errUnauthorized, http.StatusUnauthorized, "ErrUnauthorized"},
	{errInvalidCredentials, http.StatusUnauthorized, "ErrInvalidCredentials"},
	{errAccountDisabled, http.StatusForbidden, "ErrAccountDisabled"},
	{errBadRequest, http.StatusBadRequest, "ErrBadRequest"},
	{errEmailTaken, http.StatusConflict, "ErrEmailTaken"},
	{model.ErrNotFound, http.StatusNotFound, "ErrNotFound"},
	{model.ErrForbidden, http.StatusForbidden, "ErrForbidden"},
	{model.ErrSectionMismatch, http.StatusForbidden, "ErrSectionMismatch"},
	{model.ErrLLMDisabled, http.StatusServiceUnavailable, "ErrLLMDisabled"},
	{quiz.ErrAlreadySubmitted, http.StatusConflict, "ErrAlreadySubmitted"},
	{quiz.ErrAttemptClosed, http.StatusConflict, "ErrAttemptClosed"},
	{quiz.ErrNotTimed, http.StatusConflict, "ErrNotTimed"},
	{feedback.ErrInvalidTransition, http.StatusConflict, "ErrInvalidTransition"},
	{feedback.ErrNotActive, http.StatusConflict, "ErrNotActive"},
	{feedback.ErrAlreadyResponded, http.StatusConflict, "ErrAlreadyResponded"},
	{feedback.ErrQuestionInUse, http.StatusConflict, "ErrQuestionInUse"},
	{feedback.ErrNoResponses, http.StatusConflict, "ErrNoResponses"},
}

// writeError maps err to a status code and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var verr *validate.Error
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  appI18n.T(ctx, "ErrValidation"),
			Fields: verr.Fields,
		})
		return
	}
	if errors.Is(err, model.ErrInvalidInput) {
		detail := strings.TrimPrefix(err.Error(), model.ErrInvalidInput.Error()+": ")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  appI18n.T(ctx, "ErrValidation"),
			Detail: detail,
		})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeJSON(w, e.status, errorResponse{Error: appI18n.T(ctx, e.msgID)})
			return
		}
	}

	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: appI18n.T(ctx, "ErrInternal")})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body into v and validates it. An empty body decodes
// to the zero value so that optional bodies need no special casing.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("decode request body", "path", r.URL.Path, "error", err)
		return errBadRequest
	}
	return h.validate.Struct(v)
}

func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}

// notFound turns a missing row into model.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, id)
	}
	return err
}
