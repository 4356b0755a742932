package focus

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Processes looks up process names through gopsutil.
type Processes struct{}

// NameOf returns the executable name of pid.
func (Processes) NameOf(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("process %d name: %w", pid, err)
	}
	return name, nil
}

// Running reports whether any process matches one of names.
func (Processes) Running(ctx context.Context, names []string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("listing processes: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit between listing and inspection.
			continue
		}
		if matchProcessName(name, names) {
			return true, nil
		}
	}
	return false, nil
}

// matchProcessName compares executable names case-insensitively, ignoring
// directories and a trailing .exe on either side.
func matchProcessName(name string, candidates []string) bool {
	n := canonicalProcessName(name)
	if n == "" {
		return false
	}
	for _, c := range candidates {
		if canonicalProcessName(c) == n {
			return true
		}
	}
	return false
}

func canonicalProcessName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(filepath.Base(name))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSuffix(name, ".exe")
}
