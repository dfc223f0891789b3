package model

import "time"

// SessionExport is the top-level JSON structure for a feedback session export.
type SessionExport struct {
	SessionID   string           `json:"session_id"`
	Title       string           `json:"title"`
	Section     string           `json:"section"`
	Code        string           `json:"code"`
	Status      SessionStatus    `json:"status"`
	StartTime   *time.Time       `json:"start_time,omitempty"`
	EndTime     *time.Time       `json:"end_time,omitempty"`
	Respondents int              `json:"respondents"`
	Questions   []QuestionExport `json:"questions"`
}

// QuestionExport holds one feedback question with its answers and stats.
type QuestionExport struct {
	QuestionID string               `json:"question_id"`
	Text       string               `json:"text"`
	Type       FeedbackQuestionType `json:"type"`
	Options    []string             `json:"options,omitempty"`
	Stats      QuestionStats        `json:"stats"`
	Answers    []AnswerExport       `json:"answers"`
}

// AnswerExport is a single exported answer.
type AnswerExport struct {
	StudentName string    `json:"student_name"`
	Answer      string    `json:"answer"`
	At          time.Time `json:"at"`
}

// QuestionStats aggregates the answers to one feedback question.
type QuestionStats struct {
	Count      int            `json:"count"`
	MeanRating float64        `json:"mean_rating,omitempty"`
	Choices    map[string]int `json:"choices,omitempty"`
}

// AttemptResult is one row of a quiz results table.
type AttemptResult struct {
	Attempt     QuizAttempt `json:"attempt"`
	StudentName string      `json:"student_name"`
	Email       string      `json:"email"`
}

// AttemptView is what a student sees while taking a quiz: no correct answers.
type AttemptView struct {
	Attempt          QuizAttempt    `json:"attempt"`
	Quiz             Quiz           `json:"quiz"`
	Questions        []QuizQuestion `json:"questions"`
	Responses        []QuizResponse `json:"responses"`
	Deadline         *time.Time     `json:"deadline,omitempty"`
	RemainingSeconds *int64         `json:"remaining_seconds,omitempty"`
}

// SessionView is what a student sees after joining a feedback session.
type SessionView struct {
	Session   FeedbackSession    `json:"session"`
	Questions []FeedbackQuestion `json:"questions"`
	Responded bool               `json:"responded"`
}

// DashboardQuiz is a quiz entry on the student dashboard.
type DashboardQuiz struct {
	Quiz    Quiz         `json:"quiz"`
	Attempt *QuizAttempt `json:"attempt,omitempty"`
}
