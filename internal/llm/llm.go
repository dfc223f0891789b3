package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/edufeed/internal/llm/prompts"
	"github.com/pavelanni/edufeed/internal/model"
)

// ErrNoChoices is returned when the endpoint answers without a completion.
var ErrNoChoices = errors.New("LLM returned no choices")

// GradeResult holds the LLM's assessment of one short answer.
type GradeResult struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Summary is the LLM's digest of a feedback session.
type Summary struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Concerns   []string `json:"concerns"`
}

// SessionInput is everything a summary is built from.
type SessionInput struct {
	Session     model.FeedbackSession
	Questions   []model.FeedbackQuestion
	Responses   []model.FeedbackResponse
	Stats       map[string]model.QuestionStats
	Respondents int
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping checks that the endpoint is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// GradeShortAnswer scores a free-text answer against the expected answer.
// The score is clamped to [0, q.Marks].
func (c *Client) GradeShortAnswer(ctx context.Context, q model.QuizQuestion, answer string) (*GradeResult, error) {
	prompt, err := prompts.BuildGradePrompt(prompts.GradeData{
		QuestionText: q.Text,
		Marks:        q.Marks,
		Expected:     q.CorrectAnswer,
		Answer:       answer,
	})
	if err != nil {
		return nil, fmt.Errorf("build grade prompt: %w", err)
	}

	var result GradeResult
	if err := c.completeJSON(ctx, prompt, 0.1, &result); err != nil {
		return nil, fmt.Errorf("grade short answer: %w", err)
	}
	result.Score = clamp(result.Score, 0, float64(q.Marks))
	return &result, nil
}

// SummarizeFeedback produces a teacher-facing digest of a session's responses.
func (c *Client) SummarizeFeedback(ctx context.Context, in SessionInput) (*Summary, error) {
	prompt, err := prompts.BuildSummaryPrompt(summaryData(in))
	if err != nil {
		return nil, fmt.Errorf("build summary prompt: %w", err)
	}

	var result Summary
	if err := c.completeJSON(ctx, prompt, 0.3, &result); err != nil {
		return nil, fmt.Errorf("summarize feedback: %w", err)
	}
	return &result, nil
}

func (c *Client) completeJSON(ctx context.Context, systemPrompt string, temperature float32, out any) error {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
		return fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return nil
}

func summaryData(in SessionInput) prompts.SummaryData {
	byQuestion := make(map[string][]string)
	for _, r := range in.Responses {
		byQuestion[r.QuestionID] = append(byQuestion[r.QuestionID], r.Answer)
	}
	d := prompts.SummaryData{
		Title:       in.Session.Title,
		Section:     in.Session.Section,
		Respondents: in.Respondents,
	}
	for _, q := range in.Questions {
		sq := prompts.SummaryQuestion{Text: q.Text, Type: string(q.Type)}
		st, ok := in.Stats[q.ID]
		switch {
		case ok && q.Type == model.FeedbackRating:
			sq.Stats = fmt.Sprintf("%d answers, mean rating %.2f of %d", st.Count, st.MeanRating, model.MaxRating)
		case ok && q.Type == model.FeedbackChoice:
			parts := make([]string, 0, len(q.Options))
			for _, opt := range q.Options {
				parts = append(parts, fmt.Sprintf("%s=%d", opt, st.Choices[opt]))
			}
			sq.Stats = strings.Join(parts, ", ")
		default:
			sq.Answers = byQuestion[q.ID]
		}
		d.Questions = append(d.Questions, sq)
	}
	return d
}

// extractJSON trims anything around the outermost JSON object; some local
// models wrap JSON-mode output in code fences.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
