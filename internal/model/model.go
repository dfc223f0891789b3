package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case UserRoleStudent, UserRoleTeacher, UserRoleAdmin:
		return true
	}
	return false
}

// User represents a system user. Section is only meaningful for students.
type User struct {
	ID           string    `json:"user_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Section      string    `json:"section"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType is the kind of a quiz question.
type QuestionType string

const (
	QuestionMCQ         QuestionType = "mcq"
	QuestionTrueFalse   QuestionType = "true_false"
	QuestionShortAnswer QuestionType = "short_answer"
)

// Quiz is a timed set of questions for one section, joinable by Code.
type Quiz struct {
	ID        string    `json:"quiz_id"`
	Title     string    `json:"title"`
	SectionID string    `json:"section_id"`
	CreatedBy string    `json:"created_by"`
	Duration  int       `json:"duration"` // minutes, 0 means untimed
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Timed reports whether attempts on the quiz have a deadline.
func (q Quiz) Timed() bool {
	return q.Duration > 0
}

// DurationValue returns the quiz duration as a time.Duration.
func (q Quiz) DurationValue() time.Duration {
	return time.Duration(q.Duration) * time.Minute
}

// QuizQuestion is a question inside a quiz.
type QuizQuestion struct {
	ID            string       `json:"question_id"`
	QuizID        string       `json:"quiz_id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Marks         int          `json:"marks"`
	Position      int          `json:"position"`
}

// AttemptStatus represents the status of a quiz attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptExpired    AttemptStatus = "expired"
)

// QuizAttempt is one student's run through a quiz.
type QuizAttempt struct {
	ID          string        `json:"attempt_id"`
	QuizID      string        `json:"quiz_id"`
	StudentID   string        `json:"student_id"`
	Status      AttemptStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	Score       float64       `json:"score"`
	MaxScore    float64       `json:"max_score"`
	Lockdown    bool          `json:"lockdown"`
	Violations  int           `json:"violations"`
}

// Open reports whether the attempt still accepts answers.
func (a QuizAttempt) Open() bool {
	return a.Status == AttemptInProgress
}

// QuizResponse is a student's answer to a single quiz question.
type QuizResponse struct {
	ID             string  `json:"response_id"`
	AttemptID      string  `json:"attempt_id"`
	QuizID         string  `json:"quiz_id"`
	StudentID      string  `json:"student_id"`
	QuestionID     string  `json:"question_id"`
	SelectedAnswer string  `json:"selected_answer"`
	Score          float64 `json:"score"`
	IsCorrect      bool    `json:"is_correct"`
}

// ViolationKind names what broke exam lockdown.
type ViolationKind string

const (
	ViolationCapture   ViolationKind = "capture"
	ViolationScreenOff ViolationKind = "screen_off"
)

// Violation records a lockdown violation on an attempt.
type Violation struct {
	ID        string        `json:"violation_id"`
	AttemptID string        `json:"attempt_id"`
	Kind      ViolationKind `json:"kind"`
	At        time.Time     `json:"at"`
}

// FeedbackQuestionType is the kind of a feedback question.
type FeedbackQuestionType string

const (
	FeedbackRating FeedbackQuestionType = "rating"
	FeedbackText   FeedbackQuestionType = "text"
	FeedbackChoice FeedbackQuestionType = "choice"
)

// Rating bounds for FeedbackRating answers.
const (
	MinRating = 1
	MaxRating = 5
)

// FeedbackQuestion is a reusable question in a teacher's bank.
type FeedbackQuestion struct {
	ID        string               `json:"question_id"`
	TeacherID string               `json:"teacher_id"`
	Text      string               `json:"text"`
	Type      FeedbackQuestionType `json:"type"`
	Options   []string             `json:"options,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// SessionStatus represents the lifecycle of a feedback session.
type SessionStatus string

const (
	StatusDraft  SessionStatus = "DRAFT"
	StatusActive SessionStatus = "ACTIVE"
	StatusEnded  SessionStatus = "ENDED"
)

// FeedbackSession is a teacher-created feedback round for one section.
type FeedbackSession struct {
	ID           string        `json:"session_id"`
	TeacherID    string        `json:"teacher_id"`
	Title        string        `json:"title"`
	Section      string        `json:"section"`
	Code         string        `json:"code"`
	QuestionList []string      `json:"question_list"`
	Status       SessionStatus `json:"status"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Due reports whether an active session has passed its end time.
func (s FeedbackSession) Due(now time.Time) bool {
	return s.Status == StatusActive && s.EndTime != nil && !now.Before(*s.EndTime)
}

// FeedbackResponse is one student's answer to one question of a session.
type FeedbackResponse struct {
	ID         string    `json:"response_id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	CreatedAt  time.Time `json:"created_at"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies bool
	Lang          string
}
