package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/pavelanni/edufeed/internal/model"
)

// normalize trims, case-folds and collapses inner whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// score grades one answer. Exact matches after normalization get full marks;
// other short answers go to the grader when one is configured.
func (s *Service) score(ctx context.Context, q model.QuizQuestion, answer string) (float64, bool) {
	marks := float64(q.Marks)
	given := normalize(answer)
	if given == "" {
		return 0, false
	}
	if given == normalize(q.CorrectAnswer) {
		return marks, true
	}
	if q.Type != model.QuestionShortAnswer || s.grader == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, gradeTimeout)
	defer cancel()
	res, err := s.grader.GradeShortAnswer(ctx, q, answer)
	if err != nil {
		slog.Warn("grade short answer", "question_id", q.ID, "error", err)
		return 0, false
	}
	got := min(max(res.Score, 0), marks)
	return got, got == marks
}

// checkQuestion validates a question before it is stored and puts its
// options and answer into canonical form.
func checkQuestion(q *model.QuizQuestion) error {
	q.Text = strings.TrimSpace(q.Text)
	q.CorrectAnswer = strings.TrimSpace(q.CorrectAnswer)
	if q.Text == "" {
		return fmt.Errorf("%w: question text is required", model.ErrInvalidInput)
	}
	if q.Marks < 1 {
		return fmt.Errorf("%w: marks must be at least 1", model.ErrInvalidInput)
	}

	switch q.Type {
	case model.QuestionMCQ:
		var opts []string
		for _, o := range q.Options {
			o = strings.TrimSpace(o)
			if o == "" || slices.ContainsFunc(opts, func(seen string) bool { return normalize(seen) == normalize(o) }) {
				continue
			}
			opts = append(opts, o)
		}
		if len(opts) < 2 {
			return fmt.Errorf("%w: a multiple choice question needs at least two options", model.ErrInvalidInput)
		}
		i := slices.IndexFunc(opts, func(o string) bool { return normalize(o) == normalize(q.CorrectAnswer) })
		if i < 0 {
			return fmt.Errorf("%w: the correct answer must be one of the options", model.ErrInvalidInput)
		}
		q.Options = opts
		q.CorrectAnswer = opts[i]
	case model.QuestionTrueFalse:
		ans := normalize(q.CorrectAnswer)
		if ans != "true" && ans != "false" {
			return fmt.Errorf("%w: the correct answer must be true or false", model.ErrInvalidInput)
		}
		q.Options = []string{"true", "false"}
		q.CorrectAnswer = ans
	case model.QuestionShortAnswer:
		if q.CorrectAnswer == "" {
			return fmt.Errorf("%w: an expected answer is required", model.ErrInvalidInput)
		}
		q.Options = nil
	default:
		return fmt.Errorf("%w: unknown question type %q", model.ErrInvalidInput, q.Type)
	}
	return nil
}

// checkAnswer rejects answers that cannot be right by construction, such as
// an option the question does not offer.
func checkAnswer(q model.QuizQuestion, answer string) error {
	if answer == "" {
		return fmt.Errorf("%w: answer is empty", model.ErrInvalidInput)
	}
	switch q.Type {
	case model.QuestionMCQ, model.QuestionTrueFalse:
		if !slices.ContainsFunc(q.Options, func(o string) bool { return normalize(o) == normalize(answer) }) {
			return fmt.Errorf("%w: %q is not an option", model.ErrInvalidInput, answer)
		}
	}
	return nil
}
