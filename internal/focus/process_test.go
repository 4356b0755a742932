package focus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMatchProcessName(t *testing.T) {
	candidates := []string{"MCC-Win64-Shipping.exe", "mcclauncher.exe"}
	tests := []struct {
		name string
		want bool
	}{
		{"MCC-Win64-Shipping.exe", true},
		{"mcc-win64-shipping.EXE", true},
		{"MCC-Win64-Shipping", true},
		{`C:\Games\MCC\MCC-Win64-Shipping.exe`, true},
		{"/opt/proton/mcclauncher.exe", true},
		{"explorer.exe", false},
		{"", false},
		{"MCC-Win64", false},
	}

	for _, tt := range tests {
		got := matchProcessName(tt.name, candidates)
		if got != tt.want {
			t.Errorf("matchProcessName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestProcessesNameOfSelf(t *testing.T) {
	name, err := Processes{}.NameOf(context.Background(), os.Getpid())
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if name == "" {
		t.Error("NameOf(self) returned an empty name")
	}
}

func TestProcessesRunningSelf(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	running, err := Processes{}.Running(context.Background(), []string{filepath.Base(exe)})
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if !running {
		// gopsutil truncates names to 15 bytes on Linux; long test binary
		// names may not round-trip.
		if len(filepath.Base(exe)) <= 15 {
			t.Error("Running() did not find the test binary")
		}
	}

	running, err = Processes{}.Running(context.Background(), []string{"definitely-not-a-real-process-name"})
	if err != nil {
		t.Fatal(err)
	}
	if running {
		t.Error("Running() matched a nonexistent process")
	}
}
