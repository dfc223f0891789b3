package quiz

import (
	"fmt"
	"log/slog"

	"github.com/pavelanni/edufeed/internal/live"
	"github.com/pavelanni/edufeed/internal/lockdown"
	"github.com/pavelanni/edufeed/internal/model"
)

// attemptPlatform persists the capture flag on the attempt and routes
// screen-off reports from the student's device to the guard.
type attemptPlatform struct {
	svc       *Service
	attemptID string
}

func (p attemptPlatform) SetCaptureBlocked(blocked bool) error {
	return p.svc.store.SetAttemptLockdown(p.attemptID, blocked)
}

func (p attemptPlatform) OnScreenOff(fn func()) (func() error, error) {
	p.svc.mu.Lock()
	p.svc.screenOff[p.attemptID] = fn
	p.svc.mu.Unlock()
	return func() error {
		p.svc.mu.Lock()
		delete(p.svc.screenOff, p.attemptID)
		p.svc.mu.Unlock()
		return nil
	}, nil
}

func (s *Service) guard(a model.QuizAttempt) *lockdown.Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[a.ID]; ok {
		return g
	}
	attemptID, quizID, studentID := a.ID, a.QuizID, a.StudentID
	g := lockdown.New(attemptPlatform{svc: s, attemptID: attemptID}, func(kind model.ViolationKind) {
		v, err := s.store.AddViolation(model.Violation{AttemptID: attemptID, Kind: kind, At: s.now().UTC()})
		if err != nil {
			slog.Error("record violation", "attempt_id", attemptID, "error", err)
			return
		}
		slog.Warn("lockdown violation", "attempt_id", attemptID, "kind", kind)
		s.pub.Publish(quizID, live.EventViolation, map[string]any{
			"attempt_id": attemptID,
			"student_id": studentID,
			"kind":       kind,
			"at":         v.At,
		})
	})
	s.guards[a.ID] = g
	return g
}

// EnableLockdown switches exam lockdown on for an open attempt.
func (s *Service) EnableLockdown(student *model.User, attemptID string) (model.QuizAttempt, error) {
	a, _, err := s.attemptFor(student, attemptID)
	if err != nil {
		return a, err
	}
	if !a.Open() {
		return a, ErrAttemptClosed
	}
	if err := s.guard(a).Enable(); err != nil {
		return a, fmt.Errorf("enable lockdown: %w", err)
	}
	return s.store.GetAttempt(a.ID)
}

// ReportViolation handles a capture or screen-off event sent by the
// student's device. It counts as a violation only while lockdown is on, and
// it switches lockdown off.
func (s *Service) ReportViolation(student *model.User, attemptID string, kind model.ViolationKind) (model.QuizAttempt, error) {
	if kind != model.ViolationCapture && kind != model.ViolationScreenOff {
		return model.QuizAttempt{}, fmt.Errorf("%w: unknown violation kind %q", model.ErrInvalidInput, kind)
	}
	a, _, err := s.attemptFor(student, attemptID)
	if err != nil {
		return a, err
	}
	if !a.Open() {
		return a, ErrAttemptClosed
	}

	g := s.guard(a)
	if a.Lockdown && !g.Enabled() {
		// Lockdown was on before a restart; rebuild the guard state.
		if err := g.Enable(); err != nil {
			return a, fmt.Errorf("restore lockdown: %w", err)
		}
	}
	switch kind {
	case model.ViolationCapture:
		g.ReportCapture()
	case model.ViolationScreenOff:
		s.mu.Lock()
		fn := s.screenOff[a.ID]
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return s.store.GetAttempt(a.ID)
}

// Violations lists the violations recorded on an attempt.
func (s *Service) Violations(u *model.User, attemptID string) ([]model.Violation, error) {
	if _, _, err := s.attemptFor(u, attemptID); err != nil {
		return nil, err
	}
	return s.store.ListViolations(attemptID)
}
