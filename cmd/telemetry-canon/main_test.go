package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agent-racer/overlay/internal/telemetry"
)

const legacyDoc = `{"isActiveSession": true, "map": "Valhalla", "mode": "CTF", "players": 4, "maxPlayers": 16}`

func decodeCanonical(t *testing.T, data []byte) telemetry.CanonicalEnvelope {
	t.Helper()
	var env telemetry.CanonicalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("output is not a canonical envelope: %v\n%s", err, data)
	}
	return env
}

func TestRunStdin(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(nil, strings.NewReader(legacyDoc), &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	env := decodeCanonical(t, stdout.Bytes())
	if env.Version != telemetry.SchemaVersion {
		t.Errorf("version = %q", env.Version)
	}
	d := env.Data
	if !d.IsCustomGame || d.MapName != "Valhalla" || d.GameMode != "CTF" || d.PlayerCount != 4 || d.MaxPlayers != 16 {
		t.Errorf("data = %+v", d)
	}
	if stderr.Len() != 0 {
		t.Errorf("unexpected warnings: %s", stderr.String())
	}
}

func TestRunReportsIssues(t *testing.T) {
	doc := `{"version": "1.0", "data": {"isCustomGame": true, "playerCount": 3}}`

	var stdout, stderr bytes.Buffer
	if err := run(nil, strings.NewReader(doc), &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stderr.String(), "required while a session is active") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if stdout.Len() == 0 {
		t.Error("issues suppressed the canonical output")
	}

	stdout.Reset()
	stderr.Reset()
	if err := run([]string{"--strict"}, strings.NewReader(doc), &stdout, &stderr); err == nil {
		t.Error("--strict accepted a document with issues")
	}
	if stdout.Len() != 0 {
		t.Errorf("--strict printed output: %s", stdout.String())
	}
}

func TestRunWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.json")
	if err := os.WriteFile(path, []byte(legacyDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if err := run([]string{"--write", path}, nil, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("--write also printed: %s", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if env := decodeCanonical(t, data); env.Data.MapName != "Valhalla" {
		t.Errorf("rewritten map = %q", env.Data.MapName)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"write without file", []string{"--write"}, legacyDoc},
		{"too many files", []string{"a.json", "b.json"}, ""},
		{"missing file", []string{filepath.Join(t.TempDir(), "nope.json")}, ""},
		{"not json", nil, "{"},
		{"not an object", nil, "[1, 2]"},
		{"data not an object", nil, `{"version": "1.0", "data": 7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(tt.args, strings.NewReader(tt.stdin), &stdout, &stderr); err == nil {
				t.Errorf("run(%v) succeeded", tt.args)
			}
		})
	}
}
