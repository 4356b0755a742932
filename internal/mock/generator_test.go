package mock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-racer/overlay/internal/logging"
	"github.com/agent-racer/overlay/internal/telemetry"
)

func newTestGenerator(t *testing.T) (*Generator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.json")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator(path, time.Hour,
		WithLogger(logging.Discard()),
		WithSeed(7),
		WithClock(func() time.Time { return fixed }),
	)
	return g, path
}

func readPayload(t *testing.T, path string) (telemetry.Fields, telemetry.Payload) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	version, fields, err := telemetry.UnwrapEnvelope(raw)
	if err != nil {
		t.Fatalf("UnwrapEnvelope: %v", err)
	}
	if fields == nil {
		t.Fatal("document has no payload")
	}
	return fields, telemetry.Normalize(fields, version)
}

func TestGeneratorScript(t *testing.T) {
	g, path := newTestGenerator(t)

	var (
		sessionIDs  []string
		maps        = map[string]bool{}
		omitted     int
		legacyDocs  int
		inactive    int
		lastSession string
	)
	for i := 0; i < sessionTicks+lobbyGapTicks+1; i++ {
		doc, err := g.Step()
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if _, enveloped := doc["data"]; !enveloped {
			legacyDocs++
		}

		fields, p := readPayload(t, path)
		if !p.IsActiveSession {
			inactive++
			continue
		}
		if !fields.Has(telemetry.FieldMap) {
			omitted++
		} else {
			maps[p.MapName] = true
		}
		if p.CurrentPlayers < 1 || p.CurrentPlayers > maxPlayerCount {
			t.Errorf("tick %d: players = %d out of range", i, p.CurrentPlayers)
		}
		if p.SessionID != lastSession {
			sessionIDs = append(sessionIDs, p.SessionID)
			lastSession = p.SessionID
		}
	}

	if inactive != lobbyGapTicks {
		t.Errorf("inactive ticks = %d, want %d", inactive, lobbyGapTicks)
	}
	if len(sessionIDs) != 2 || sessionIDs[0] == sessionIDs[1] || sessionIDs[0] == "" {
		t.Errorf("session ids = %v, want two distinct ids", sessionIDs)
	}
	if g.Sessions() != 2 {
		t.Errorf("Sessions() = %d, want 2", g.Sessions())
	}
	if len(maps) < sessionTicks/mapEvery {
		t.Errorf("saw maps %v, want at least %d", maps, sessionTicks/mapEvery)
	}
	if omitted == 0 {
		t.Error("no tick omitted the map field")
	}
	if legacyDocs == 0 {
		t.Error("no tick used the legacy bare payload")
	}
}

func TestGeneratorFeedsProvider(t *testing.T) {
	g, path := newTestGenerator(t)
	p := telemetry.NewProvider(telemetry.ProviderConfig{Path: path}, telemetry.WithLogger(logging.Discard()))

	for i := 0; i < sessionTicks; i++ {
		if _, err := g.Step(); err != nil {
			t.Fatal(err)
		}
		p.PollNow()

		st := p.State()
		if !st.IsActiveSession {
			t.Fatalf("tick %d: provider state inactive", i)
		}
		// Omitted fields carry forward, so the provider never loses them.
		if st.MapName == "" || st.ModeName == "" {
			t.Fatalf("tick %d: map %q mode %q after carry-forward", i, st.MapName, st.ModeName)
		}
	}
	if status := p.Status(); !status.ParseOK {
		t.Errorf("provider status = %+v, want ParseOK", status)
	}
}

func TestGeneratorStartStop(t *testing.T) {
	g, path := newTestGenerator(t)
	g.interval = 10 * time.Millisecond

	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Start did not write the first document: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		ticks := g.tick
		g.mu.Unlock()
		if ticks >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generator wrote %d documents, want at least 3", ticks)
		}
		time.Sleep(5 * time.Millisecond)
	}

	g.Stop()
	g.Stop()
}

func TestGeneratorStopBeforeStart(t *testing.T) {
	g, path := newTestGenerator(t)
	g.Stop()
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stopped generator wrote a file: %v", err)
	}
}
