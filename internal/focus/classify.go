package focus

import (
	"context"
	"strings"
)

// NameResolver maps a PID to its executable name.
type NameResolver interface {
	NameOf(ctx context.Context, pid int) (string, error)
}

// Classifier decides whether a foreground window belongs to the game, to
// this overlay, or to something else. Title matches are case-insensitive
// substring matches.
type Classifier struct {
	GameProcesses []string
	GameTitles    []string
	OverlayTitles []string
	// OwnPID is the overlay's process id. Zero disables the PID check.
	OwnPID int
	Names  NameResolver
}

func (c *Classifier) Classify(ctx context.Context, w Window) Class {
	if c.OwnPID > 0 && w.PID == c.OwnPID {
		return ClassOverlay
	}
	if containsAny(w.Title, c.OverlayTitles) {
		return ClassOverlay
	}

	name := w.ProcessName
	if name == "" && w.PID > 0 && c.Names != nil && len(c.GameProcesses) > 0 {
		if n, err := c.Names.NameOf(ctx, w.PID); err == nil {
			name = n
		}
	}
	if matchProcessName(name, c.GameProcesses) {
		return ClassGame
	}
	if containsAny(w.Title, c.GameTitles) {
		return ClassGame
	}
	return ClassOther
}

func containsAny(title string, needles []string) bool {
	if title == "" {
		return false
	}
	t := strings.ToLower(title)
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(t, n) {
			return true
		}
	}
	return false
}
