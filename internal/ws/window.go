package ws

import (
	"sync"

	"github.com/agent-racer/overlay/internal/visibility"
)

// RemoteWindow implements visibility.Window by asking the renderer to
// perform each operation. Bounds are tracked locally and updated from the
// renderer's window_bounds reports.
type RemoteWindow struct {
	b *Broadcaster

	mu     sync.Mutex
	bounds visibility.Rect
}

func NewRemoteWindow(b *Broadcaster, initial visibility.Rect) *RemoteWindow {
	return &RemoteWindow{b: b, bounds: initial}
}

func (w *RemoteWindow) send(p WindowPayload) error {
	w.b.Broadcast(WSMessage{Type: MsgWindow, Payload: p})
	return nil
}

func (w *RemoteWindow) Show() error { return w.send(WindowPayload{Op: OpShow}) }

func (w *RemoteWindow) Hide() error { return w.send(WindowPayload{Op: OpHide}) }

func (w *RemoteWindow) SetOpacity(v float64) error {
	return w.send(WindowPayload{Op: OpOpacity, Opacity: &v})
}

func (w *RemoteWindow) SetAlwaysOnTop(on bool) error {
	return w.send(WindowPayload{Op: OpAlwaysOnTop, On: &on})
}

func (w *RemoteWindow) SetVisibleOnAllWorkspaces(on bool) error {
	return w.send(WindowPayload{Op: OpAllWorkspaces, On: &on})
}

func (w *RemoteWindow) Bounds() (visibility.Rect, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bounds, nil
}

func (w *RemoteWindow) SetBounds(r visibility.Rect) error {
	w.mu.Lock()
	w.bounds = r
	w.mu.Unlock()
	return w.send(WindowPayload{Op: OpBounds, Bounds: &r})
}

func (w *RemoteWindow) Raise() error { return w.send(WindowPayload{Op: OpRaise}) }

func (w *RemoteWindow) SetPeekVisible(on bool) error {
	return w.send(WindowPayload{Op: OpPeek, On: &on})
}

// ReportBounds records bounds the user set by moving or resizing the
// window.
func (w *RemoteWindow) ReportBounds(r visibility.Rect) {
	w.mu.Lock()
	w.bounds = r
	w.mu.Unlock()
}
