package store

import (
	"fmt"
	"strconv"

	"github.com/pavelanni/edufeed/internal/model"
)

// ExportSession builds an export-ready view of a feedback session with every
// answer and per-question statistics.
func (s *Store) ExportSession(sessionID string) (model.SessionExport, error) {
	sess, err := s.GetFeedbackSession(sessionID)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	questions, err := s.ListSessionQuestions(sessionID)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("list questions: %w", err)
	}
	responses, err := s.ListFeedbackResponses(sessionID)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("list responses: %w", err)
	}

	names := make(map[string]string)
	byQuestion := make(map[string][]model.FeedbackResponse)
	for _, r := range responses {
		byQuestion[r.QuestionID] = append(byQuestion[r.QuestionID], r)
		if _, ok := names[r.StudentID]; ok {
			continue
		}
		u, err := s.GetUserByID(r.StudentID)
		if err != nil {
			return model.SessionExport{}, fmt.Errorf("get user %s: %w", r.StudentID, err)
		}
		if u != nil {
			names[r.StudentID] = u.Name
		} else {
			names[r.StudentID] = r.StudentID
		}
	}

	out := model.SessionExport{
		SessionID:   sess.ID,
		Title:       sess.Title,
		Section:     sess.Section,
		Code:        sess.Code,
		Status:      sess.Status,
		StartTime:   sess.StartTime,
		EndTime:     sess.EndTime,
		Respondents: len(names),
	}
	for _, q := range questions {
		qe := model.QuestionExport{
			QuestionID: q.ID,
			Text:       q.Text,
			Type:       q.Type,
			Options:    q.Options,
			Stats:      ComputeStats(q, byQuestion[q.ID]),
			Answers:    []model.AnswerExport{},
		}
		for _, r := range byQuestion[q.ID] {
			qe.Answers = append(qe.Answers, model.AnswerExport{
				StudentName: names[r.StudentID],
				Answer:      r.Answer,
				At:          r.CreatedAt,
			})
		}
		out.Questions = append(out.Questions, qe)
	}
	return out, nil
}

// ComputeStats aggregates the answers given to one question.
func ComputeStats(q model.FeedbackQuestion, answers []model.FeedbackResponse) model.QuestionStats {
	st := model.QuestionStats{Count: len(answers)}
	switch q.Type {
	case model.FeedbackRating:
		var sum, n int
		for _, a := range answers {
			v, err := strconv.Atoi(a.Answer)
			if err != nil {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			st.MeanRating = float64(sum) / float64(n)
		}
	case model.FeedbackChoice:
		st.Choices = make(map[string]int, len(q.Options))
		for _, opt := range q.Options {
			st.Choices[opt] = 0
		}
		for _, a := range answers {
			st.Choices[a.Answer]++
		}
	}
	return st
}
