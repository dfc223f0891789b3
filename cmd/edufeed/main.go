package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/edufeed/internal/client"
	"github.com/pavelanni/edufeed/internal/feedback"
	"github.com/pavelanni/edufeed/internal/handler"
	appI18n "github.com/pavelanni/edufeed/internal/i18n"
	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/llm"
	"github.com/pavelanni/edufeed/internal/model"
	"github.com/pavelanni/edufeed/internal/quiz"
	"github.com/pavelanni/edufeed/internal/report"
	"github.com/pavelanni/edufeed/internal/store"
	"github.com/pavelanni/edufeed/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

//go:generate templ generate -path ../../internal/report

func main() {
	loadDotEnv(".env")
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv loads path into the environment if it exists.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("stat env file", "path", path, "error", err)
		}
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("load env file", "path", path, "error", err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edufeed",
		Short: "Classroom quizzes and feedback sessions joined with a 6-digit code",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), reportCmd(), joinCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `edufeed --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "edufeed.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables LLM grading and summaries)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("admin-email", "admin@example.com", "Email of the initial admin user")
	f.String("admin-password", "", "Initial admin password (or set EDUFEED_ADMIN_PASSWORD)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.Duration("sweep-interval", sweeper.DefaultInterval, "Interval between housekeeping passes")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a feedback session with its responses as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "edufeed.db", "SQLite database path")
	f.String("session", "", "Feedback session ID (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a feedback session as an HTML report",
		RunE:  runReport,
	}
	f := cmd.Flags()
	f.String("db", "edufeed.db", "SQLite database path")
	f.String("session", "", "Feedback session ID (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.StringP("lang", "l", "en", "Report language (en, ru)")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a quiz or feedback session from the terminal as a student",
		RunE:  runJoin,
	}
	f := cmd.Flags()
	f.String("server", "http://127.0.0.1:8080", "edufeed server URL")
	f.String("email", "", "Student email")
	f.String("password", "", "Student password (or set EDUFEED_PASSWORD)")
	f.String("code", "", "6-digit join code")
	f.Duration("timeout", 10*time.Second, "HTTP request timeout")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EDUFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("edufeed")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/edufeed")
	v.AddConfigPath("/etc/edufeed")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	broker := live.NewBroker(nil)
	defer broker.Close()

	quizOpts := []quiz.Option{quiz.WithPublisher(broker)}
	feedbackOpts := []feedback.Option{feedback.WithPublisher(broker)}
	if llmURL := v.GetString("llm-url"); llmURL != "" {
		llmClient, err := llm.New(llmURL, v.GetString("llm-key"), v.GetString("llm-model"))
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", llmURL, "model", v.GetString("llm-model"))
		quizOpts = append(quizOpts, quiz.WithGrader(llmClient))
		feedbackOpts = append(feedbackOpts, feedback.WithSummarizer(llmClient))
	} else {
		slog.Info("LLM disabled; short answers use exact matching")
	}

	quizSvc := quiz.New(db, quizOpts...)
	defer quizSvc.Close()
	feedbackSvc := feedback.New(db, feedbackOpts...)

	// Restart countdowns for attempts that were running before a restart.
	if n, err := quizSvc.ExpireOverdue(ctx); err != nil {
		slog.Error("restore quiz timers", "error", err)
	} else if n > 0 {
		slog.Info("expired overdue attempts", "count", n)
	}

	sw := sweeper.New(v.GetDuration("sweep-interval"),
		sweeper.Task{Name: "end due feedback sessions", Run: func(context.Context) (int, error) {
			return feedbackSvc.ExpireDue(time.Now())
		}},
		sweeper.Task{Name: "expire overdue attempts", Run: quizSvc.ExpireOverdue},
		sweeper.Task{Name: "prune auth sessions", Run: func(context.Context) (int, error) {
			n, err := db.CleanupExpiredSessions(time.Now())
			return int(n), err
		}},
	)
	go sw.Run(ctx)

	h := handler.New(db, quizSvc, feedbackSvc, broker, model.ServerConfig{
		SecureCookies: v.GetBool("secure-cookies"),
		Lang:          lang,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db", v.GetString("db"),
			"lang", lang,
			"llm_url", v.GetString("llm-url"),
			"sweep_interval", sw.Interval,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	broker.Close()
	return srv.Shutdown(shutdownCtx)
}

// openOutput returns stdout for "" or "-" and a new file otherwise.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func loadExport(v *viper.Viper) (model.SessionExport, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	id := v.GetString("session")
	exp, err := db.ExportSession(id)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("export session %s: %w", id, err)
	}
	return exp, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	exp, err := loadExport(v)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	w, err := openOutput(v.GetString("output"))
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	exp, err := loadExport(v)
	if err != nil {
		return err
	}

	w, err := openOutput(v.GetString("output"))
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang))
	if err := report.Session(exp).Render(ctx, w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

func runJoin(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return client.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), client.Config{
		ServerURL:   v.GetString("server"),
		Email:       v.GetString("email"),
		Password:    v.GetString("password"),
		Code:        v.GetString("code"),
		HTTPTimeout: v.GetDuration("timeout"),
	})
}

func seedAdmin(db *store.Store, email, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EDUFEED_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Name:         "Administrator",
		Email:        email,
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "email", email)
	return nil
}
