// Package lockdown implements the secure exam mode applied while a student
// takes a quiz: screen capture is blocked and turning the screen off counts
// as leaving the exam. Either event is a violation and switches lockdown off.
package lockdown

import (
	"log/slog"
	"sync"

	"github.com/pavelanni/edufeed/internal/model"
)

// Platform is the device-side surface the guard drives.
type Platform interface {
	// SetCaptureBlocked toggles the "prevent capture" flag.
	SetCaptureBlocked(blocked bool) error
	// OnScreenOff registers fn to run when the screen turns off.
	OnScreenOff(fn func()) (unregister func() error, err error)
}

// Guard toggles lockdown for one exam. It is safe for concurrent use.
type Guard struct {
	platform    Platform
	onViolation func(model.ViolationKind)

	mu         sync.Mutex
	enabled    bool
	unregister func() error
}

// New returns a disabled guard. onViolation may be nil.
func New(p Platform, onViolation func(model.ViolationKind)) *Guard {
	return &Guard{platform: p, onViolation: onViolation}
}

// Enable blocks capture and starts listening for screen-off events. If the
// listener cannot be registered the capture flag is rolled back.
func (g *Guard) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled {
		return nil
	}
	if err := g.platform.SetCaptureBlocked(true); err != nil {
		return err
	}
	unregister, err := g.platform.OnScreenOff(func() { g.violate(model.ViolationScreenOff) })
	if err != nil {
		_ = g.platform.SetCaptureBlocked(false)
		return err
	}
	g.unregister = unregister
	g.enabled = true
	return nil
}

// Disable switches lockdown off. Failures are logged and otherwise ignored.
func (g *Guard) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disableLocked()
}

// Enabled reports whether lockdown is on.
func (g *Guard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// ReportCapture records an attempted screen capture.
func (g *Guard) ReportCapture() {
	g.violate(model.ViolationCapture)
}

func (g *Guard) violate(kind model.ViolationKind) {
	g.mu.Lock()
	wasEnabled := g.enabled
	g.disableLocked()
	g.mu.Unlock()

	if !wasEnabled {
		return
	}
	if g.onViolation != nil {
		g.onViolation(kind)
	}
}

func (g *Guard) disableLocked() {
	if !g.enabled {
		return
	}
	g.enabled = false
	if err := g.platform.SetCaptureBlocked(false); err != nil {
		slog.Debug("lockdown: clear capture flag", "error", err)
	}
	if g.unregister != nil {
		if err := g.unregister(); err != nil {
			slog.Debug("lockdown: unregister screen-off listener", "error", err)
		}
		g.unregister = nil
	}
}
