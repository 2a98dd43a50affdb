package backend

import (
	"context"

	"go.uber.org/zap"
)

// State is the availability of one backend.
type State int

const (
	// Unavailable means the platform or driver is missing.
	Unavailable State = iota
	// Unverified means the driver loaded but a basic operation was not confirmed.
	Unverified
	// Verified means a basic operation succeeded during probing.
	Verified
)

func (s State) String() string {
	switch s {
	case Verified:
		return "verified"
	case Unverified:
		return "unverified"
	}
	return "unavailable"
}

// Usable reports whether actions should be attempted at all.
func (s State) Usable() bool { return s != Unavailable }

// Capabilities is computed once at startup and threaded into the adapters.
type Capabilities struct {
	Keyboard State
	Gui      State
}

// Probe loads a driver and then checks that a basic operation works.
// A nil Probe means the capability is not compiled in or not configured.
type Probe struct {
	// Load returns an error when the driver can not be initialized.
	Load func(ctx context.Context) error
	// Verify returns an error when the loaded driver fails a basic operation.
	Verify func(ctx context.Context) error
}

func (p *Probe) run(ctx context.Context, logger *zap.Logger, name string) State {
	if p == nil || p.Load == nil {
		logger.Info("Capability not configured.", zap.String("capability", name))
		return Unavailable
	}
	if err := p.Load(ctx); err != nil {
		logger.Warn("Capability unavailable.", zap.String("capability", name), zap.Error(err))
		return Unavailable
	}
	if p.Verify == nil {
		return Unverified
	}
	if err := p.Verify(ctx); err != nil {
		logger.Warn("Capability loaded but verification failed.", zap.String("capability", name), zap.Error(err))
		return Unverified
	}
	return Verified
}

// ProbeCapabilities evaluates the keyboard and GUI probes independently.
func ProbeCapabilities(ctx context.Context, logger *zap.Logger, keyboard, gui *Probe) Capabilities {
	logger = logger.Named("capabilities")
	caps := Capabilities{
		Keyboard: keyboard.run(ctx, logger, "keyboard"),
		Gui:      gui.run(ctx, logger, "gui"),
	}
	logger.Info("Capabilities probed.",
		zap.Stringer("keyboard", caps.Keyboard),
		zap.Stringer("gui", caps.Gui))
	return caps
}
