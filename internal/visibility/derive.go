// Package visibility decides when the overlay window is shown and drives
// the window through those transitions.
package visibility

import (
	"encoding/json"
	"fmt"

	"github.com/agent-racer/overlay/internal/focus"
)

type ContentMode int

const (
	ContentFull ContentMode = iota
	ContentDebugOnly
)

var contentModeNames = map[ContentMode]string{
	ContentFull:      "full",
	ContentDebugOnly: "debug_only",
}

var contentModeFromName = map[string]ContentMode{
	"full":       ContentFull,
	"debug_only": ContentDebugOnly,
}

func (m ContentMode) String() string {
	if n, ok := contentModeNames[m]; ok {
		return n
	}
	return "unknown"
}

func (m ContentMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *ContentMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := contentModeFromName[s]
	if !ok {
		return fmt.Errorf("unknown content mode: %q", s)
	}
	*m = v
	return nil
}

// Inputs are everything the visibility decision depends on. Telemetry is
// deliberately absent.
type Inputs struct {
	OverlayEnabled bool
	ManuallyHidden bool
	DebugPinned    bool
	Focus          focus.State
}

type Decision struct {
	Visible     bool
	ContentMode ContentMode
	PeekVisible bool
}

// Derive computes the decision from scratch. prevVisible keeps an already
// shown overlay up when neither window is focused; callers pass false after
// an explicit disable.
func Derive(in Inputs, prevVisible bool) Decision {
	d := Decision{ContentMode: ContentFull}
	if in.DebugPinned && !in.OverlayEnabled && (in.Focus.GameFocused || in.Focus.OverlayFocused) {
		d.ContentMode = ContentDebugOnly
	}
	if in.ManuallyHidden {
		d.PeekVisible = true
		return d
	}
	d.Visible = in.OverlayEnabled || in.DebugPinned || prevVisible
	return d
}
