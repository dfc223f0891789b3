package lockdown

import (
	"errors"
	"testing"

	"github.com/pavelanni/edufeed/internal/model"
)

type fakePlatform struct {
	blocked       bool
	listener      func()
	registerErr   error
	unregisterErr error
	unregistered  int
}

func (p *fakePlatform) SetCaptureBlocked(b bool) error {
	p.blocked = b
	return nil
}

func (p *fakePlatform) OnScreenOff(fn func()) (func() error, error) {
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	p.listener = fn
	return func() error {
		p.listener = nil
		p.unregistered++
		return p.unregisterErr
	}, nil
}

func (p *fakePlatform) screenOff() {
	if p.listener != nil {
		p.listener()
	}
}

func TestEnableDisable(t *testing.T) {
	p := &fakePlatform{}
	g := New(p, nil)

	if err := g.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !g.Enabled() || !p.blocked || p.listener == nil {
		t.Fatal("expected lockdown on with listener registered")
	}

	g.Disable()
	if g.Enabled() || p.blocked || p.listener != nil {
		t.Fatal("expected lockdown fully off")
	}
	if p.unregistered != 1 {
		t.Errorf("expected one unregister, got %d", p.unregistered)
	}
}

func TestViolations(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(*Guard, *fakePlatform)
		want    model.ViolationKind
	}{
		{"screen off", func(_ *Guard, p *fakePlatform) { p.screenOff() }, model.ViolationScreenOff},
		{"capture", func(g *Guard, _ *fakePlatform) { g.ReportCapture() }, model.ViolationCapture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePlatform{}
			var got []model.ViolationKind
			g := New(p, func(k model.ViolationKind) { got = append(got, k) })
			if err := g.Enable(); err != nil {
				t.Fatalf("Enable: %v", err)
			}

			tt.trigger(g, p)

			if g.Enabled() {
				t.Error("violation must disable lockdown")
			}
			if p.blocked {
				t.Error("capture flag must be cleared")
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("expected one %q violation, got %v", tt.want, got)
			}

			// A second event with lockdown already off is not a violation.
			g.ReportCapture()
			if len(got) != 1 {
				t.Errorf("expected no further violations, got %v", got)
			}
		})
	}
}

func TestUnregisterFailureIsSwallowed(t *testing.T) {
	p := &fakePlatform{unregisterErr: errors.New("receiver not registered")}
	g := New(p, nil)
	if err := g.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	g.Disable()
	if g.Enabled() {
		t.Error("expected lockdown off despite unregister error")
	}
}

func TestEnableRollsBackOnRegisterError(t *testing.T) {
	p := &fakePlatform{registerErr: errors.New("no receiver")}
	g := New(p, nil)
	if err := g.Enable(); err == nil {
		t.Fatal("expected error")
	}
	if g.Enabled() || p.blocked {
		t.Error("expected capture flag rolled back")
	}
}
