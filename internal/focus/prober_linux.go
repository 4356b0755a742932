//go:build linux

package focus

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NewProber returns an xdotool-backed prober. It needs an X11 (or XWayland)
// session; without one every query fails and focus reads as unknown.
func NewProber() Prober {
	return ProberFunc(xdotoolForeground)
}

func xdotoolForeground(ctx context.Context) (Window, error) {
	pidOut, err := exec.CommandContext(ctx, "xdotool", "getactivewindow", "getwindowpid").Output()
	if err != nil {
		return Window{}, fmt.Errorf("xdotool getwindowpid: %w", err)
	}
	pid, err := parsePID(string(pidOut))
	if err != nil {
		return Window{}, err
	}

	titleOut, err := exec.CommandContext(ctx, "xdotool", "getactivewindow", "getwindowname").Output()
	if err != nil {
		return Window{}, fmt.Errorf("xdotool getwindowname: %w", err)
	}
	return Window{PID: pid, Title: strings.TrimSpace(string(titleOut))}, nil
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unexpected window pid %q", strings.TrimSpace(s))
	}
	return pid, nil
}
