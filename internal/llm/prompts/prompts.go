package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

const maxAnswerRunes = 4000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce      sync.Once
	loadErr       error
	gradeTemplate *template.Template
	sumTemplate   *template.Template
)

// GradeData holds template data for short-answer grading prompts.
type GradeData struct {
	QuestionText string
	Marks        int
	Expected     string
	Answer       string
}

// SummaryQuestion is one question block in a summary prompt.
type SummaryQuestion struct {
	Text    string
	Type    string
	Stats   string
	Answers []string
}

// SummaryData holds template data for feedback summary prompts.
type SummaryData struct {
	Title       string
	Section     string
	Respondents int
	Questions   []SummaryQuestion
}

func load() error {
	loadOnce.Do(func() {
		gradeTemplate, loadErr = parse("templates/grade_short.txt")
		if loadErr != nil {
			return
		}
		sumTemplate, loadErr = parse("templates/summary.txt")
	})
	return loadErr
}

func parse(name string) (*template.Template, error) {
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildGradePrompt builds the prompt for grading one short answer.
func BuildGradePrompt(d GradeData) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	d.Answer = SanitizeAnswer(d.Answer)
	var buf bytes.Buffer
	if err := gradeTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildSummaryPrompt builds the prompt for summarizing a feedback session.
func BuildSummaryPrompt(d SummaryData) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	questions := make([]SummaryQuestion, len(d.Questions))
	for i, q := range d.Questions {
		answers := make([]string, len(q.Answers))
		for j, a := range q.Answers {
			answers[j] = SanitizeAnswer(a)
		}
		q.Answers = answers
		questions[i] = q
	}
	d.Questions = questions
	var buf bytes.Buffer
	if err := sumTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SanitizeAnswer strips prompt delimiter tags and caps the answer length.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
