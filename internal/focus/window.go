// Package focus classifies the OS foreground window as the game, this
// overlay, or something else.
package focus

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by probers on platforms without a foreground
// window query.
var ErrUnsupported = errors.New("foreground window query not supported on this platform")

// Window describes the foreground window at the time of a query.
type Window struct {
	PID         int
	Title       string
	ProcessName string
}

// Prober queries the OS for the foreground window.
type Prober interface {
	Foreground(ctx context.Context) (Window, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Window, error)

func (f ProberFunc) Foreground(ctx context.Context) (Window, error) { return f(ctx) }

type Class int

const (
	ClassUnknown Class = iota
	ClassOther
	ClassGame
	ClassOverlay
)

func (c Class) String() string {
	switch c {
	case ClassOther:
		return "other"
	case ClassGame:
		return "game"
	case ClassOverlay:
		return "overlay"
	}
	return "unknown"
}

// State is the focus input to the visibility controller.
type State struct {
	GameFocused    bool `json:"gameFocused"`
	OverlayFocused bool `json:"overlayFocused"`
}

func stateFor(c Class) State {
	return State{GameFocused: c == ClassGame, OverlayFocused: c == ClassOverlay}
}
