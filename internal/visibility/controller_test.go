package visibility

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/agent-racer/overlay/internal/focus"
	"github.com/agent-racer/overlay/internal/logging"
)

// fakeWindow records every call in order.
type fakeWindow struct {
	mu      sync.Mutex
	calls   []string
	visible bool
	opacity float64
	bounds  Rect
	peek    bool
	raises  int
	failOn  string
}

func (w *fakeWindow) record(call string) error {
	w.calls = append(w.calls, call)
	if w.failOn != "" && strings.HasPrefix(call, w.failOn) {
		return errors.New(call + " unsupported")
	}
	return nil
}

func (w *fakeWindow) Show() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.visible = true
	return w.record("show")
}

func (w *fakeWindow) Hide() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.visible = false
	return w.record("hide")
}

func (w *fakeWindow) SetOpacity(v float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opacity = v
	return nil
}

func (w *fakeWindow) SetAlwaysOnTop(bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record("top")
}

func (w *fakeWindow) SetVisibleOnAllWorkspaces(bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record("workspaces")
}

func (w *fakeWindow) Bounds() (Rect, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bounds, w.record("bounds")
}

func (w *fakeWindow) SetBounds(r Rect) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bounds = r
	return w.record("setbounds")
}

func (w *fakeWindow) Raise() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.raises++
	return w.record("raise")
}

func (w *fakeWindow) SetPeekVisible(on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peek = on
	return w.record("peek")
}

func (w *fakeWindow) snapshot() fakeWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fakeWindow{visible: w.visible, opacity: w.opacity, bounds: w.bounds, peek: w.peek, raises: w.raises}
}

var (
	fullRect  = Rect{X: 0, Y: 0, Width: 1920, Height: 1080}
	debugRect = Rect{X: 1500, Y: 20, Width: 400, Height: 200}
)

func newTestController(win *fakeWindow, opts ...Option) *Controller {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithFadeDuration(0),
		WithDebugBounds(debugRect),
	}, opts...)
	return NewController(win, opts...)
}

func TestControllerShowAndDisable(t *testing.T) {
	win := &fakeWindow{bounds: fullRect}
	c := newTestController(win)
	c.Apply()
	if c.State().Visible {
		t.Fatal("visible with nothing enabled")
	}

	st := c.SetOverlayEnabled(true)
	if !st.Visible {
		t.Fatal("not visible after enabling")
	}
	got := win.snapshot()
	if !got.visible || got.opacity != 1 {
		t.Errorf("window = visible %v opacity %v, want shown at full opacity", got.visible, got.opacity)
	}

	// A poll reporting neither window focused must not hide.
	c.SetFocus(focus.State{})
	if !c.State().Visible {
		t.Error("lost visibility on a focus-less poll")
	}

	st = c.SetOverlayEnabled(false)
	if st.Visible {
		t.Error("still visible after explicit disable")
	}
	got = win.snapshot()
	if got.visible || got.opacity != 0 {
		t.Errorf("window = visible %v opacity %v, want hidden", got.visible, got.opacity)
	}
}

func TestControllerToggleHidden(t *testing.T) {
	win := &fakeWindow{bounds: fullRect}
	c := newTestController(win, WithInitial(true, false))
	c.Apply()

	st := c.ToggleHidden()
	if st.Visible || !st.ManuallyHidden || !st.PeekVisible {
		t.Fatalf("after hide: %+v", st)
	}
	if !win.snapshot().peek {
		t.Error("peek affordance not shown")
	}

	st = c.ToggleHidden()
	if !st.Visible || st.ManuallyHidden || st.PeekVisible {
		t.Fatalf("after reveal: %+v", st)
	}
	if win.snapshot().peek {
		t.Error("peek affordance still shown")
	}
}

func TestControllerRevealThroughToggleWhenDisabled(t *testing.T) {
	win := &fakeWindow{}
	c := newTestController(win)
	c.Apply()
	c.ToggleHidden()
	st := c.ToggleHidden()
	if !st.Visible {
		t.Error("toggle reveal did not show the overlay")
	}
}

func TestControllerDebugOnlyBounds(t *testing.T) {
	win := &fakeWindow{bounds: Rect{X: 10, Y: 10, Width: 1280, Height: 720}}
	c := newTestController(win, WithInitial(false, true), WithFullBounds(fullRect))
	c.Apply()

	st := c.SetFocus(focus.State{GameFocused: true})
	if st.ContentMode != ContentDebugOnly {
		t.Fatalf("ContentMode = %s, want debug_only", st.ContentMode)
	}
	if got := win.snapshot().bounds; got != debugRect {
		t.Errorf("bounds = %+v, want debug panel %+v", got, debugRect)
	}

	st = c.SetOverlayEnabled(true)
	if st.ContentMode != ContentFull {
		t.Fatalf("ContentMode = %s, want full", st.ContentMode)
	}
	want := Rect{X: 10, Y: 10, Width: 1280, Height: 720}
	if got := win.snapshot().bounds; got != want {
		t.Errorf("bounds = %+v, want restored %+v", got, want)
	}
}

func TestControllerUnpinHides(t *testing.T) {
	win := &fakeWindow{}
	c := newTestController(win, WithInitial(false, true))
	if !c.Apply().Visible {
		t.Fatal("pinned overlay not visible")
	}
	if c.SetDebugPinned(false).Visible {
		t.Error("still visible after unpinning")
	}
}

func TestControllerBlurRaise(t *testing.T) {
	win := &fakeWindow{}
	c := newTestController(win, WithInitial(true, false))
	c.Apply()

	if !c.Blurred() {
		t.Error("visible overlay not raised on blur")
	}
	c.ChildOpened()
	if c.Blurred() {
		t.Error("raised while a child window is open")
	}
	c.ChildClosed()
	c.ChildClosed() // extra close is ignored
	if !c.Blurred() {
		t.Error("raise-on-blur not restored after child closed")
	}
	if got := win.snapshot().raises; got != 2 {
		t.Errorf("raises = %d, want 2", got)
	}

	c.SetOverlayEnabled(false)
	if c.Blurred() {
		t.Error("hidden overlay raised on blur")
	}
}

func TestControllerOnChange(t *testing.T) {
	win := &fakeWindow{}
	c := newTestController(win)
	var got []State
	c.OnChange(func(s State) { got = append(got, s) })

	c.Apply()
	c.SetFocus(focus.State{GameFocused: true})
	c.SetFocus(focus.State{GameFocused: true}) // no change
	c.SetOverlayEnabled(true)

	if len(got) != 3 {
		t.Fatalf("OnChange called %d times, want 3", len(got))
	}
	if !got[2].Visible {
		t.Error("last notification not visible")
	}
}

func TestControllerWindowFailuresAreTolerated(t *testing.T) {
	win := &fakeWindow{failOn: "top"}
	c := newTestController(win)
	c.Apply()
	if !c.SetOverlayEnabled(true).Visible {
		t.Error("window failure changed the decision")
	}
	if !win.snapshot().visible {
		t.Error("show not applied after a later call failed")
	}
}

func TestFaderSupersedes(t *testing.T) {
	var mu sync.Mutex
	var frames []float64
	f := NewFader(func(v float64) error {
		mu.Lock()
		frames = append(frames, v)
		mu.Unlock()
		return nil
	}, 100*time.Millisecond)

	hidden := false
	f.FadeTo(0, func() { hidden = true })
	f.FadeTo(1, nil)
	f.Wait()

	if hidden {
		t.Error("superseded fade ran its completion")
	}
	if f.Opacity() != 1 {
		t.Errorf("Opacity() = %v, want 1", f.Opacity())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 || frames[len(frames)-1] != 1 {
		t.Errorf("last frame = %v, want 1", frames)
	}
	for _, v := range frames {
		if v < 0 || v > 1 {
			t.Errorf("frame %v out of range", v)
		}
	}
}

func TestFaderCompletion(t *testing.T) {
	f := NewFader(nil, 30*time.Millisecond)
	done := make(chan struct{})
	f.FadeTo(1, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fade never completed")
	}
	if f.Opacity() != 1 {
		t.Errorf("Opacity() = %v, want 1", f.Opacity())
	}
	f.Stop()
}

func TestFaderWaitsForFinishingCompletion(t *testing.T) {
	f := NewFader(nil, 20*time.Millisecond)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.FadeTo(0, func() {
		close(entered)
		<-release
	})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fade-out never completed")
	}

	returned := make(chan struct{})
	go func() {
		f.FadeTo(1, nil)
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("FadeTo returned while the earlier hide was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("FadeTo blocked after the hide finished")
	}
	f.Wait()
	if f.Opacity() != 1 {
		t.Errorf("Opacity() = %v, want 1", f.Opacity())
	}
}

func TestControllerLogsOnlyVisibilityChanges(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	win := &fakeWindow{bounds: fullRect}
	c := newTestController(win, WithLogger(logrus.NewEntry(logger)), WithInitial(true, false))
	c.Apply()

	for _, f := range []focus.State{{GameFocused: true}, {}, {OverlayFocused: true}, {GameFocused: true}} {
		c.SetFocus(f)
	}
	c.ToggleHidden()

	var changes int
	for _, e := range hook.AllEntries() {
		if e.Message == "Overlay visibility changed" {
			changes++
		}
	}
	// The initial apply and the manual hide; focus ticks that leave the
	// derived state alone stay quiet.
	if changes != 2 {
		t.Errorf("logged %d visibility changes, want 2", changes)
	}
}
