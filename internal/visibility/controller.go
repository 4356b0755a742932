package visibility

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/focus"
)

const DefaultFadeDuration = 180 * time.Millisecond

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) IsZero() bool { return r == Rect{} }

// Window is the overlay's native window. Every call may fail on platforms
// lacking the effect; failures are logged and otherwise ignored.
type Window interface {
	Show() error
	Hide() error
	SetOpacity(v float64) error
	SetAlwaysOnTop(on bool) error
	SetVisibleOnAllWorkspaces(on bool) error
	Bounds() (Rect, error)
	SetBounds(r Rect) error
	Raise() error
	SetPeekVisible(on bool) error
}

// State is the controller's full view: its inputs plus the derived
// decision.
type State struct {
	OverlayEnabled bool        `json:"overlayEnabled"`
	ManuallyHidden bool        `json:"manuallyHidden"`
	DebugPinned    bool        `json:"debugPinned"`
	Visible        bool        `json:"visible"`
	ContentMode    ContentMode `json:"contentMode"`
	PeekVisible    bool        `json:"peekVisible"`
	Focus          focus.State `json:"focus"`
}

func (s State) inputs() Inputs {
	return Inputs{
		OverlayEnabled: s.OverlayEnabled,
		ManuallyHidden: s.ManuallyHidden,
		DebugPinned:    s.DebugPinned,
		Focus:          s.Focus,
	}
}

// Observer receives the derived visibility after every change.
type Observer interface {
	ObserveVisibility(visible bool, mode string)
}

type Option func(*Controller)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

func WithFadeDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.fadeDuration = d
		}
	}
}

// WithDebugBounds sets the corner panel used in debug-only mode.
func WithDebugBounds(r Rect) Option {
	return func(c *Controller) { c.debugBounds = r }
}

// WithFullBounds sets the bounds restored when no saved bounds exist.
func WithFullBounds(r Rect) Option {
	return func(c *Controller) { c.fullBounds = r }
}

func WithInitial(enabled, pinned bool) Option {
	return func(c *Controller) {
		c.st.OverlayEnabled = enabled
		c.st.DebugPinned = pinned
	}
}

// Controller owns the visibility state. All mutations go through its
// methods, which recompute the decision and apply the difference to the
// window.
type Controller struct {
	win          Window
	fader        *Fader
	log          *logrus.Entry
	observer     Observer
	fadeDuration time.Duration
	fullBounds   Rect
	debugBounds  Rect

	mu          sync.Mutex
	st          State
	applied     bool
	savedBounds *Rect
	children    int

	notifyMu  sync.Mutex
	listeners []func(State)
}

func NewController(win Window, opts ...Option) *Controller {
	c := &Controller{
		win:          win,
		log:          logrus.NewEntry(logrus.StandardLogger()),
		fadeDuration: DefaultFadeDuration,
		debugBounds:  Rect{X: 1520, Y: 24, Width: 380, Height: 220},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fader = NewFader(func(v float64) error {
		if err := c.win.SetOpacity(v); err != nil {
			c.log.WithError(err).Debug("SetOpacity failed")
			return err
		}
		return nil
	}, c.fadeDuration)
	return c
}

// OnChange registers fn to be called with the new state after every
// change. Calls are serialized.
func (c *Controller) OnChange(fn func(State)) {
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Apply pushes the initial decision to the window.
func (c *Controller) Apply() State {
	return c.mutate(func(s *State) bool { return s.Visible })
}

func (c *Controller) SetOverlayEnabled(on bool) State {
	return c.mutate(func(s *State) bool {
		s.OverlayEnabled = on
		if !on {
			return false
		}
		return s.Visible
	})
}

func (c *Controller) SetDebugPinned(on bool) State {
	return c.mutate(func(s *State) bool {
		s.DebugPinned = on
		if !on {
			return false
		}
		return s.Visible
	})
}

func (c *Controller) SetManuallyHidden(hidden bool) State {
	return c.mutate(func(s *State) bool {
		s.ManuallyHidden = hidden
		if !hidden {
			return true
		}
		return s.Visible
	})
}

// ToggleHidden flips the manual hide flag regardless of focus. This is the
// global hotkey path.
func (c *Controller) ToggleHidden() State {
	return c.mutate(func(s *State) bool {
		s.ManuallyHidden = !s.ManuallyHidden
		if !s.ManuallyHidden {
			return true
		}
		return s.Visible
	})
}

// SetFocus feeds a new focus sample from the poller.
func (c *Controller) SetFocus(f focus.State) State {
	return c.mutate(func(s *State) bool {
		s.Focus = f
		return s.Visible
	})
}

// ChildOpened suspends raise-on-blur until the matching ChildClosed.
func (c *Controller) ChildOpened() {
	c.mu.Lock()
	c.children++
	c.mu.Unlock()
}

func (c *Controller) ChildClosed() {
	c.mu.Lock()
	if c.children > 0 {
		c.children--
	}
	c.mu.Unlock()
}

// Blurred handles the overlay window losing focus. A visible overlay is
// raised again unless a child window is open. It reports whether it raised.
func (c *Controller) Blurred() bool {
	c.mu.Lock()
	raise := c.st.Visible && c.children == 0
	c.mu.Unlock()
	if !raise {
		return false
	}
	if err := c.win.Raise(); err != nil {
		c.log.WithError(err).Debug("Raise failed")
		return false
	}
	return true
}

// Close stops any running fade.
func (c *Controller) Close() {
	c.fader.Stop()
}

// mutate applies fn to a copy of the state, re-derives the decision using
// the prevVisible fn returns, and applies the difference.
func (c *Controller) mutate(fn func(*State) bool) State {
	c.mu.Lock()
	prev := c.st
	next := c.st
	prevVisible := fn(&next)
	d := Derive(next.inputs(), prevVisible)
	next.Visible = d.Visible
	next.ContentMode = d.ContentMode
	next.PeekVisible = d.PeekVisible

	first := !c.applied
	c.applied = true
	c.st = next
	c.applyLocked(prev, next, first)
	c.mu.Unlock()

	if first || prev.Visible != next.Visible || prev.ContentMode != next.ContentMode {
		c.log.WithFields(logrus.Fields{
			"visible": next.Visible,
			"mode":    next.ContentMode.String(),
			"enabled": next.OverlayEnabled,
			"pinned":  next.DebugPinned,
			"hidden":  next.ManuallyHidden,
			"game":    next.Focus.GameFocused,
			"overlay": next.Focus.OverlayFocused,
		}).Info("Overlay visibility changed")
		if c.observer != nil {
			c.observer.ObserveVisibility(next.Visible, next.ContentMode.String())
		}
	}
	if first || prev != next {
		c.notify(next)
	}
	return next
}

func (c *Controller) applyLocked(prev, next State, first bool) {
	if prev.ContentMode != next.ContentMode || (first && next.ContentMode == ContentDebugOnly) {
		c.applyBoundsLocked(next.ContentMode)
	}
	if first || prev.PeekVisible != next.PeekVisible {
		c.warn("SetPeekVisible", c.win.SetPeekVisible(next.PeekVisible))
	}
	if !first && prev.Visible == next.Visible {
		return
	}
	if next.Visible {
		// FadeTo first: a finishing fade-out must hide before this shows.
		c.fader.FadeTo(1, nil)
		c.warn("Show", c.win.Show())
		c.warn("SetAlwaysOnTop", c.win.SetAlwaysOnTop(true))
		c.warn("SetVisibleOnAllWorkspaces", c.win.SetVisibleOnAllWorkspaces(true))
		return
	}
	win := c.win
	c.fader.FadeTo(0, func() {
		c.warn("Hide", win.Hide())
	})
}

func (c *Controller) applyBoundsLocked(mode ContentMode) {
	switch mode {
	case ContentDebugOnly:
		if c.savedBounds == nil {
			if b, err := c.win.Bounds(); err == nil {
				c.savedBounds = &b
			} else {
				c.warn("Bounds", err)
			}
		}
		if !c.debugBounds.IsZero() {
			c.warn("SetBounds", c.win.SetBounds(c.debugBounds))
		}
	default:
		restore := c.fullBounds
		if c.savedBounds != nil {
			restore = *c.savedBounds
			c.savedBounds = nil
		}
		if !restore.IsZero() {
			c.warn("SetBounds", c.win.SetBounds(restore))
		}
	}
}

func (c *Controller) notify(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(s)
	}
}

func (c *Controller) warn(op string, err error) {
	if err != nil {
		c.log.WithError(err).WithField("op", op).Warn("Window operation failed")
	}
}
