package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-racer/overlay/internal/lobby"
	"github.com/agent-racer/overlay/internal/logging"
	"github.com/agent-racer/overlay/internal/telemetry"
)

// fakeSource serves whatever payload the test sets.
type fakeSource struct {
	mu sync.Mutex
	p  telemetry.Payload
}

func (s *fakeSource) State() telemetry.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Clone()
}

func (s *fakeSource) set(p telemetry.Payload) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingMirror struct {
	mu      sync.Mutex
	records []*lobby.Record
}

func (m *recordingMirror) Mirror(r *lobby.Record) {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func valhalla(sessionID string) telemetry.Payload {
	return telemetry.Payload{
		IsActiveSession: true,
		MapName:         "Valhalla",
		ModeName:        "Slayer",
		CurrentPlayers:  4,
		MaxPlayers:      16,
		SessionID:       sessionID,
		Mods:            []string{},
	}
}

func newTestMonitor(t *testing.T, src Source, store RecordStore, opts ...Option) *Monitor {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithLogger(logging.Discard()), WithClock(clock.Now)}, opts...)
	return New(src, store, time.Second, opts...)
}

func drain(ch <-chan lobby.Event) []lobby.Event {
	var out []lobby.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTickCreatesRecord(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	events := make(chan lobby.Event, 8)
	m := newTestMonitor(t, src, store)
	m.SetEvents(events)

	m.Tick()

	active := store.Active()
	if len(active) != 1 {
		t.Fatalf("Active() = %d records, want 1", len(active))
	}
	rec := active[0]
	if rec.SessionID != "abc123" || rec.Map != "Valhalla" || rec.Mode != "Slayer" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CurrentPlayers != 4 || rec.MaxPlayers != 16 {
		t.Errorf("players = %d/%d, want 4/16", rec.CurrentPlayers, rec.MaxPlayers)
	}
	if rec.Title != "Slayer on Valhalla" {
		t.Errorf("Title = %q", rec.Title)
	}

	tr, ok := m.Tracked()
	if !ok || tr.RecordID != rec.ID || tr.SessionID != "abc123" {
		t.Errorf("Tracked() = %+v, %v", tr, ok)
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Type != lobby.EventCreated || evs[0].ActiveCount != 1 {
		t.Errorf("events = %+v, want one created", evs)
	}
}

func TestTickUnchangedSnapshotIsNoopUpdate(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	events := make(chan lobby.Event, 8)
	mirror := &recordingMirror{}
	m := newTestMonitor(t, src, store, WithMirror(mirror))
	m.SetEvents(events)

	m.Tick()
	first := store.Active()[0]
	drain(events)

	m.Tick()
	second, _ := store.Get(first.ID)

	if !first.SameContent(second) {
		t.Errorf("fields changed on identical snapshot: %+v -> %+v", first, second)
	}
	if !second.LastHeartbeatAt.After(first.LastHeartbeatAt) {
		t.Error("heartbeat did not advance")
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("UpdatedAt moved on a heartbeat-only update")
	}
	if got := len(store.List()); got != 1 {
		t.Errorf("store has %d records, want 1", got)
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Type != lobby.EventUpdated || evs[0].Changed {
		t.Errorf("events = %+v, want one unchanged update", evs)
	}
	if mirror.count() != 1 {
		t.Errorf("mirror calls = %d, want 1 (create only)", mirror.count())
	}
}

func TestTickAppliesChanges(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	mirror := &recordingMirror{}
	m := newTestMonitor(t, src, store, WithMirror(mirror))

	m.Tick()
	p := valhalla("abc123")
	p.CurrentPlayers = 7
	p.HostName = "Spartan117"
	src.set(p)
	m.Tick()

	rec := store.Active()[0]
	if rec.CurrentPlayers != 7 || rec.HostName != "Spartan117" {
		t.Errorf("record = %+v", rec)
	}
	if mirror.count() != 2 {
		t.Errorf("mirror calls = %d, want 2", mirror.count())
	}
}

func TestTickSessionChangeClosesOneCreatesOne(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	events := make(chan lobby.Event, 8)
	m := newTestMonitor(t, src, store)
	m.SetEvents(events)

	m.Tick()
	old := store.Active()[0]
	drain(events)

	src.set(valhalla("def456"))
	m.Tick()

	all := store.List()
	if len(all) != 2 {
		t.Fatalf("store has %d records, want 2", len(all))
	}
	closed, active := 0, 0
	for _, r := range all {
		if r.IsClosed() {
			closed++
			if r.ID != old.ID {
				t.Error("closed the wrong record")
			}
		} else {
			active++
			if r.SessionID != "def456" {
				t.Errorf("new record session = %q", r.SessionID)
			}
		}
	}
	if closed != 1 || active != 1 {
		t.Errorf("closed/active = %d/%d, want 1/1", closed, active)
	}

	evs := drain(events)
	if len(evs) != 2 || evs[0].Type != lobby.EventClosed || evs[1].Type != lobby.EventCreated {
		t.Errorf("events = %+v, want closed then created", evs)
	}
}

func TestTickAdoptsSessionID(t *testing.T) {
	src := &fakeSource{p: valhalla("")}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.Tick()
	src.set(valhalla("late-id"))
	m.Tick()

	all := store.List()
	if len(all) != 1 {
		t.Fatalf("store has %d records, want 1 (adopt, not replace)", len(all))
	}
	if all[0].SessionID != "late-id" {
		t.Errorf("SessionID = %q, want adopted late-id", all[0].SessionID)
	}
	if tr, _ := m.Tracked(); tr.SessionID != "late-id" {
		t.Errorf("Tracked().SessionID = %q", tr.SessionID)
	}

	// An empty id on a later tick keeps the adopted one.
	src.set(valhalla(""))
	m.Tick()
	if r, _ := store.Get(all[0].ID); r.SessionID != "late-id" || r.IsClosed() {
		t.Errorf("record after empty id tick = %+v", r)
	}
}

func TestTickInactiveClosesTracked(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.Tick()
	src.set(telemetry.DefaultPayload())
	m.Tick()

	if store.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", store.ActiveCount())
	}
	if _, ok := m.Tracked(); ok {
		t.Error("still tracking after inactive tick")
	}

	// Further inactive ticks do nothing.
	m.Tick()
	if got := len(store.List()); got != 1 {
		t.Errorf("store has %d records, want 1", got)
	}
}

func TestTickEnrichesUnknownNames(t *testing.T) {
	p := valhalla("abc")
	p.MapName = "Homebrew Arena"
	p.ModeName = "ctf"
	p.Mods = []string{"customs-plus", "secret-mod"}
	src := &fakeSource{p: p}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.Tick()

	rec := store.Active()[0]
	if rec.Title != "Capture the Flag on Homebrew Arena" {
		t.Errorf("Title = %q", rec.Title)
	}
	if len(rec.RequiredMods) != 2 {
		t.Fatalf("RequiredMods = %+v", rec.RequiredMods)
	}
	if !rec.RequiredMods[0].Known || rec.RequiredMods[0].Name != "Customs Plus" {
		t.Errorf("known mod = %+v", rec.RequiredMods[0])
	}
	if rec.RequiredMods[1].Known || rec.RequiredMods[1].Name != "secret-mod" {
		t.Errorf("unknown mod = %+v", rec.RequiredMods[1])
	}
}

func TestTickSkippedWhileRunning(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.tickMu.Lock()
	m.Tick()
	m.tickMu.Unlock()

	if m.SkippedTicks() != 1 {
		t.Errorf("SkippedTicks() = %d, want 1", m.SkippedTicks())
	}
	if len(store.List()) != 0 {
		t.Error("skipped tick touched the store")
	}
}

// flakyStore fails Create until healthy is set.
type flakyStore struct {
	*lobby.Store
	healthy bool
}

func (s *flakyStore) Create(r lobby.Record) (*lobby.Record, error) {
	if !s.healthy {
		return nil, errors.New("disk full")
	}
	return s.Store.Create(r)
}

func TestTickToleratesStoreErrors(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := &flakyStore{Store: lobby.NewMemoryStore()}
	m := newTestMonitor(t, src, store)

	m.Tick()
	if _, ok := m.Tracked(); ok {
		t.Fatal("tracking a record that was never created")
	}

	store.healthy = true
	m.Tick()
	if _, ok := m.Tracked(); !ok {
		t.Fatal("monitor did not retry creation on the next tick")
	}
}

func TestCloseActive(t *testing.T) {
	idle := newTestMonitor(t, &fakeSource{p: valhalla("abc123")}, lobby.NewMemoryStore())
	if rec, err := idle.CloseActive(context.Background()); err != nil || rec != nil {
		t.Errorf("CloseActive() with nothing tracked = %v, %v", rec, err)
	}

	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.Tick()
	rec, err := m.CloseActive(context.Background())
	if err != nil {
		t.Fatalf("CloseActive() error: %v", err)
	}
	if rec == nil || !rec.IsClosed() || rec.SessionID != "abc123" {
		t.Errorf("CloseActive() = %+v", rec)
	}
	if store.ActiveCount() != 0 {
		t.Error("record still active after CloseActive")
	}

	// The session is still live in telemetry, but shutdown has started.
	m.Tick()
	if store.ActiveCount() != 0 {
		t.Error("tick after CloseActive reopened the lobby")
	}
}

func TestResumeAfterCloseActive(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	m := newTestMonitor(t, src, store)

	m.Tick()
	if _, err := m.CloseActive(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.set(valhalla("def456"))
	m.Tick()
	if store.ActiveCount() != 0 {
		t.Fatal("halted monitor opened a lobby")
	}

	// The teardown was rolled back; the live session gets a record again.
	m.Resume()
	for i := 0; i < 5; i++ {
		m.Tick()
	}
	active := store.Active()
	if len(active) != 1 || active[0].SessionID != "def456" {
		t.Fatalf("active after Resume = %+v, want one def456 record", active)
	}
	if got := len(store.List()); got != 2 {
		t.Errorf("records = %d, want the closed abc123 and the new def456", got)
	}
	m.Resume()
}

func TestCloseActiveHonorsContext(t *testing.T) {
	m := newTestMonitor(t, &fakeSource{}, lobby.NewMemoryStore())
	m.tickMu.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.CloseActive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CloseActive() err = %v, want deadline exceeded", err)
	}
	m.tickMu.Unlock()

	// The abandoned waiter must release the lock again.
	deadline := time.Now().Add(time.Second)
	for !m.tickMu.TryLock() {
		if time.Now().After(deadline) {
			t.Fatal("tick lock leaked by abandoned CloseActive")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.tickMu.Unlock()
}

func TestEventsDropWhenFull(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	m := newTestMonitor(t, src, lobby.NewMemoryStore())
	events := make(chan lobby.Event) // unbuffered, nobody reading
	m.SetEvents(events)

	done := make(chan struct{})
	go func() {
		m.Tick()
		m.Tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick blocked on a full event channel")
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{p: valhalla("abc123")}
	store := lobby.NewMemoryStore()
	m := New(src, store, 10*time.Millisecond, WithLogger(logging.Discard()))

	m.Stop() // before Start is a no-op

	n := New(src, store, 10*time.Millisecond, WithLogger(logging.Discard()))
	n.Start(context.Background())
	if store.ActiveCount() != 1 {
		t.Errorf("initial tick did not create a record")
	}
	n.Stop()
	n.Stop()
}

// A writer slower than the hold window plus one truncated write must keep
// the same lobby.
func TestSlowWriterBadFrameKeepsOneRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.json")
	const doc = `{"version":"1.0","data":{"isCustomGame":true,"mapName":"Valhalla","gameMode":"Slayer","playerCount":4,"maxPlayers":16,"sessionID":"abc123"}}`
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func() {
		mu.Lock()
		now = now.Add(time.Second)
		mu.Unlock()
	}

	provider := telemetry.NewProvider(telemetry.ProviderConfig{
		Path:         path,
		PollInterval: time.Second,
		StaleAfter:   15 * time.Second,
		HoldWindow:   2 * time.Second,
	}, telemetry.WithLogger(logging.Discard()), telemetry.WithClock(clock))
	store := lobby.NewMemoryStore()
	m := New(provider, store, time.Second, WithLogger(logging.Discard()), WithClock(clock))

	write(doc)
	for tick := 0; tick < 10; tick++ {
		switch {
		case tick == 7:
			write(`{"version":"1.0","data":{"isCustomGame":tr`)
		case tick == 8:
			write(doc)
		case tick == 3:
			write(strings.Replace(doc, `"playerCount":4`, `"playerCount":5`, 1))
		}
		provider.PollNow()
		m.Tick()
		advance()
	}

	if got := len(store.List()); got != 1 {
		t.Errorf("records = %d, want 1 across a single bad frame", got)
	}
	if store.ActiveCount() != 1 {
		t.Error("lobby not active after the writer recovered")
	}
}
