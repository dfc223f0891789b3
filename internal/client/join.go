package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/state"
)

const (
	defaultHTTPTimeout       = 10 * time.Second
	defaultMaxInvalidAnswers = 3
)

// Config holds the join command settings.
type Config struct {
	ServerURL         string
	Email             string
	Password          string
	Code              string
	MaxInvalidAnswers int
	HTTPTimeout       time.Duration
}

// ErrNothingToJoin is returned when the code matches neither a quiz nor an
// active feedback session.
var ErrNothingToJoin = errors.New("no quiz or feedback session with this code")

// Run signs in, joins the quiz or feedback session behind cfg.Code and walks
// the student through its questions on in/out.
func Run(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	if strings.TrimSpace(cfg.Email) == "" || cfg.Password == "" {
		return errors.New("email and password are required")
	}
	code := strings.TrimSpace(cfg.Code)
	if code == "" {
		return errors.New("join code is required")
	}
	if cfg.MaxInvalidAnswers <= 0 {
		cfg.MaxInvalidAnswers = defaultMaxInvalidAnswers
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	c := New(cfg.ServerURL, &http.Client{Timeout: cfg.HTTPTimeout})
	reader := bufio.NewReader(in)

	login := state.Run(ctx, func(ctx context.Context) (model.User, error) {
		return c.Login(ctx, cfg.Email, cfg.Password)
	}, progress[model.User](out, "Signing in"))
	if login.Status == state.StatusError {
		return describe(login.Err, c.BaseURL())
	}
	fmt.Fprintf(out, "Hello, %s (section %s)\n", login.Value.Name, login.Value.Section)

	quiz := state.Run(ctx, func(ctx context.Context) (model.AttemptView, error) {
		return c.JoinQuiz(ctx, code)
	}, nil)
	switch {
	case quiz.Status == state.StatusSuccess:
		return runQuiz(ctx, reader, out, c, quiz.Value, cfg.MaxInvalidAnswers)
	case !IsStatus(quiz.Err, http.StatusNotFound):
		return describe(quiz.Err, c.BaseURL())
	}

	sess := state.Run(ctx, func(ctx context.Context) (model.SessionView, error) {
		return c.JoinSession(ctx, code)
	}, progress[model.SessionView](out, "Joining feedback session"))
	if sess.Status == state.StatusError {
		if IsStatus(sess.Err, http.StatusNotFound) {
			return ErrNothingToJoin
		}
		return describe(sess.Err, c.BaseURL())
	}
	return runFeedback(ctx, reader, out, c, sess.Value, cfg.MaxInvalidAnswers)
}

// progress prints a line when a request starts and when it fails.
func progress[T any](out io.Writer, label string) func(state.State[T]) {
	return func(s state.State[T]) {
		switch s.Status {
		case state.StatusLoading:
			fmt.Fprintf(out, "%s...\n", label)
		case state.StatusError:
			fmt.Fprintf(out, "%s failed: %s\n", label, s.Message())
		}
	}
}

func describe(err error, serverURL string) error {
	if errors.Is(err, ErrServiceUnavailable) {
		return fmt.Errorf("edufeed unavailable at %s", serverURL)
	}
	return err
}

func runQuiz(ctx context.Context, reader *bufio.Reader, out io.Writer, c *HTTPClient, view model.AttemptView, maxInvalid int) error {
	fmt.Fprintf(out, "\nQuiz: %s (%d questions)\n", view.Quiz.Title, len(view.Questions))
	if view.RemainingSeconds != nil {
		fmt.Fprintf(out, "Time left: %s\n", (time.Duration(*view.RemainingSeconds) * time.Second).String())
	}
	fmt.Fprintln(out, "Press Enter to keep an answer unchanged.")

	saved := make(map[string]string, len(view.Responses))
	for _, r := range view.Responses {
		saved[r.QuestionID] = r.SelectedAnswer
	}

	for i, q := range view.Questions {
		fmt.Fprintf(out, "\n%d. %s (%d %s)\n", i+1, q.Text, q.Marks, plural(q.Marks, "mark", "marks"))
		for j, opt := range q.Options {
			fmt.Fprintf(out, "   %d) %s\n", j+1, opt)
		}
		if prev, ok := saved[q.ID]; ok {
			fmt.Fprintf(out, "   current answer: %s\n", prev)
		}

		answer, ok, err := promptChoice(reader, out, q.Options, maxInvalid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		res := state.Run(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.Answer(ctx, view.Attempt.ID, q.ID, answer)
		}, progress[struct{}](out, "Saving answer"))
		if res.Status == state.StatusError && IsStatus(res.Err, http.StatusConflict) {
			// The attempt closed under us, usually because time ran out.
			break
		}
	}

	done := state.Run(ctx, func(ctx context.Context) (model.AttemptView, error) {
		return c.Submit(ctx, view.Attempt.ID)
	}, progress[model.AttemptView](out, "Submitting"))
	if done.Status == state.StatusError {
		if IsStatus(done.Err, http.StatusConflict) {
			fmt.Fprintln(out, "This attempt is already closed.")
			return nil
		}
		return describe(done.Err, c.BaseURL())
	}
	a := done.Value.Attempt
	fmt.Fprintf(out, "\nScore: %s / %s (%s)\n", formatScore(a.Score), formatScore(a.MaxScore), a.Status)
	return nil
}

func runFeedback(ctx context.Context, reader *bufio.Reader, out io.Writer, c *HTTPClient, view model.SessionView, maxInvalid int) error {
	fmt.Fprintf(out, "\nFeedback: %s (%d questions)\n", view.Session.Title, len(view.Questions))
	if view.Responded {
		fmt.Fprintln(out, "You have already answered this session.")
		return nil
	}
	fmt.Fprintln(out, "Press Enter to skip a question.")

	answers := make(map[string]string)
	for i, q := range view.Questions {
		fmt.Fprintf(out, "\n%d. %s\n", i+1, q.Text)
		var (
			answer string
			ok     bool
			err    error
		)
		switch q.Type {
		case model.FeedbackRating:
			answer, ok, err = promptRating(reader, out, maxInvalid)
		case model.FeedbackChoice:
			for j, opt := range q.Options {
				fmt.Fprintf(out, "   %d) %s\n", j+1, opt)
			}
			answer, ok, err = promptChoice(reader, out, q.Options, maxInvalid)
		default:
			answer, ok, err = promptText(reader, out)
		}
		if err != nil {
			return err
		}
		if ok {
			answers[q.ID] = answer
		}
	}
	if len(answers) == 0 {
		fmt.Fprintln(out, "No answers given; nothing submitted.")
		return nil
	}

	res := state.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.SubmitFeedback(ctx, view.Session.ID, answers)
	}, progress[struct{}](out, "Submitting feedback"))
	if res.Status == state.StatusError {
		return describe(res.Err, c.BaseURL())
	}
	fmt.Fprintln(out, "Thank you, your feedback was submitted.")
	return nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptChoice reads an option number or, when options is empty, free text.
// An empty line skips the question.
func promptChoice(reader *bufio.Reader, out io.Writer, options []string, maxInvalid int) (string, bool, error) {
	if len(options) == 0 {
		return promptText(reader, out)
	}
	for range maxInvalid {
		fmt.Fprintf(out, "Your answer (1-%d): ", len(options))
		line, err := readLine(reader)
		if err != nil {
			return "", false, err
		}
		if line == "" {
			return "", false, nil
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1], true, nil
		}
		fmt.Fprintln(out, "Please enter one of the option numbers.")
	}
	fmt.Fprintln(out, "Too many invalid answers; skipping.")
	return "", false, nil
}

func promptRating(reader *bufio.Reader, out io.Writer, maxInvalid int) (string, bool, error) {
	for range maxInvalid {
		fmt.Fprintf(out, "Rating (%d-%d): ", model.MinRating, model.MaxRating)
		line, err := readLine(reader)
		if err != nil {
			return "", false, err
		}
		if line == "" {
			return "", false, nil
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= model.MinRating && n <= model.MaxRating {
			return strconv.Itoa(n), true, nil
		}
		fmt.Fprintf(out, "Please enter a number from %d to %d.\n", model.MinRating, model.MaxRating)
	}
	fmt.Fprintln(out, "Too many invalid answers; skipping.")
	return "", false, nil
}

func promptText(reader *bufio.Reader, out io.Writer) (string, bool, error) {
	fmt.Fprint(out, "Your answer: ")
	line, err := readLine(reader)
	if err != nil {
		return "", false, err
	}
	return line, line != "", nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
