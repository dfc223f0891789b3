// Package client talks to the edufeed JSON API and drives the terminal
// join flow for students.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pavelanni/edufeed/internal/model"
)

// ErrServiceUnavailable wraps transport failures.
var ErrServiceUnavailable = errors.New("edufeed service unavailable")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	if e.Detail != "" {
		return msg + ": " + e.Detail
	}
	return msg
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Fields []struct {
		Field string `json:"field"`
		Error string `json:"error"`
	} `json:"fields"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// HTTPClient is an authenticated API client.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New returns a client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient}
}

// BaseURL returns the server address the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Login authenticates and keeps the token for later calls.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (model.User, error) {
	var res loginResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &res)
	if err != nil {
		return model.User{}, err
	}
	c.token = res.Token
	return res.User, nil
}

// JoinQuiz starts or resumes the attempt on the quiz with the given code.
func (c *HTTPClient) JoinQuiz(ctx context.Context, code string) (model.AttemptView, error) {
	var view model.AttemptView
	err := c.doJSON(ctx, http.MethodPost, "/api/quizzes/join", map[string]string{"code": code}, &view)
	return view, err
}

// Answer saves the answer to one question of an attempt.
func (c *HTTPClient) Answer(ctx context.Context, attemptID, questionID, answer string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/attempts/"+url.PathEscape(attemptID)+"/answers", map[string]string{
		"question_id": questionID,
		"answer":      answer,
	}, nil)
}

// Submit finishes an attempt and returns the graded view.
func (c *HTTPClient) Submit(ctx context.Context, attemptID string) (model.AttemptView, error) {
	var view model.AttemptView
	err := c.doJSON(ctx, http.MethodPost, "/api/attempts/"+url.PathEscape(attemptID)+"/submit", nil, &view)
	return view, err
}

// JoinSession opens the active feedback session with the given code.
func (c *HTTPClient) JoinSession(ctx context.Context, code string) (model.SessionView, error) {
	var view model.SessionView
	err := c.doJSON(ctx, http.MethodPost, "/api/feedback/join", map[string]string{"code": code}, &view)
	return view, err
}

// SubmitFeedback sends the answers to a feedback session, keyed by question ID.
func (c *HTTPClient) SubmitFeedback(ctx context.Context, sessionID string, answers map[string]string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/feedback/sessions/"+url.PathEscape(sessionID)+"/responses",
		map[string]any{"answers": answers}, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var body io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Message = payload.Error
			apiErr.Detail = payload.Detail
			if apiErr.Detail == "" && len(payload.Fields) > 0 {
				parts := make([]string, 0, len(payload.Fields))
				for _, f := range payload.Fields {
					parts = append(parts, f.Field+" "+f.Error)
				}
				apiErr.Detail = strings.Join(parts, "; ")
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if responseBody == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(responseBody)
}
