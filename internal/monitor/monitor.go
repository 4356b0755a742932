// Package monitor turns the telemetry snapshot into lobby record lifecycle
// events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/catalog"
	"github.com/agent-racer/overlay/internal/lobby"
	"github.com/agent-racer/overlay/internal/telemetry"
)

// Source supplies the current telemetry view.
type Source interface {
	State() telemetry.Payload
}

// RecordStore is the subset of lobby.Store the monitor writes to.
type RecordStore interface {
	Create(r lobby.Record) (*lobby.Record, error)
	Update(id string, fn func(*lobby.Record)) (*lobby.Record, error)
	Close(id string, at time.Time) (*lobby.Record, error)
	ActiveCount() int
}

// Mirror receives records after every content change. Implementations must
// not block.
type Mirror interface {
	Mirror(r *lobby.Record)
}

// Observer is notified of lifecycle events and skipped ticks.
type Observer interface {
	ObserveLobbyEvent(kind string)
	ObserveTickSkipped()
}

type Option func(*Monitor)

func WithLogger(log *logrus.Entry) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithCatalog(c *catalog.Catalog) Option {
	return func(m *Monitor) {
		if c != nil {
			m.catalog = c
		}
	}
}

func WithMirror(mr Mirror) Option {
	return func(m *Monitor) { m.mirror = mr }
}

func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// Tracked identifies the record the monitor currently owns.
type Tracked struct {
	RecordID  string `json:"recordId"`
	SessionID string `json:"sessionId"`
}

type Monitor struct {
	source   Source
	store    RecordStore
	catalog  *catalog.Catalog
	mirror   Mirror
	observer Observer
	log      *logrus.Entry
	now      func() time.Time
	interval time.Duration

	tickMu  sync.Mutex // held for the duration of a tick
	halted  atomic.Bool
	mu      sync.RWMutex
	tracked Tracked
	skipped atomic.Int64

	events       chan<- lobby.Event // nil disables event emission
	eventDropped int64
	lastDropLog  time.Time

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
}

func New(source Source, store RecordStore, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		source:   source,
		store:    store,
		catalog:  catalog.Default(),
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		interval: interval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEvents sets the channel lifecycle events are sent to. Sends never
// block; a full channel drops the event.
func (m *Monitor) SetEvents(ch chan<- lobby.Event) {
	m.events = ch
}

// emitEvent uses a non-blocking send so a slow consumer cannot stall the
// tick. Drops are counted and logged at most once per 10 seconds.
func (m *Monitor) emitEvent(evType lobby.EventType, rec *lobby.Record, changed bool) {
	if m.observer != nil && (changed || evType != lobby.EventUpdated) {
		m.observer.ObserveLobbyEvent(evType.String())
	}
	if m.events == nil {
		return
	}
	select {
	case m.events <- lobby.Event{
		Type:        evType,
		Record:      rec.Clone(),
		Changed:     changed,
		ActiveCount: m.store.ActiveCount(),
	}:
	default:
		m.eventDropped++
		now := m.now()
		if m.lastDropLog.IsZero() || now.Sub(m.lastDropLog) >= 10*time.Second {
			m.log.WithField("dropped", m.eventDropped).Warn("Lobby events dropped (channel full)")
			m.eventDropped = 0
			m.lastDropLog = now
		}
	}
}

// Start runs an initial tick and then ticks on a fixed interval until Stop
// is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	if m.started || m.stopped {
		m.lifecycle.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.lifecycle.Unlock()

	m.log.WithField("interval", m.interval).Info("Session monitor started")
	m.Tick()
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Stop ends the tick loop and waits for it to exit. Safe to call more than
// once and before Start.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.lifecycle.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	done := m.done
	m.lifecycle.Unlock()

	<-done
	m.log.Info("Session monitor stopped")
}

// Tracked returns the currently tracked record, if any.
func (m *Monitor) Tracked() (Tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracked, m.tracked.RecordID != ""
}

// SkippedTicks counts ticks dropped because the previous one was running.
func (m *Monitor) SkippedTicks() int64 { return m.skipped.Load() }

// Tick runs one correlation step. If a tick is already running this call
// returns immediately.
func (m *Monitor) Tick() {
	if !m.tickMu.TryLock() {
		m.skipped.Add(1)
		if m.observer != nil {
			m.observer.ObserveTickSkipped()
		}
		m.log.Debug("Previous tick still running; skipping")
		return
	}
	defer m.tickMu.Unlock()
	if m.halted.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Session monitor tick panicked")
		}
	}()
	m.tick(m.now())
}

func (m *Monitor) tick(now time.Time) {
	snap := m.source.State()
	cur, tracking := m.Tracked()

	if !snap.IsActiveSession {
		if tracking {
			m.closeTracked(now, "session inactive")
		}
		return
	}

	if tracking && snap.SessionID != "" && cur.SessionID != "" && snap.SessionID != cur.SessionID {
		m.log.WithFields(logrus.Fields{
			"from": cur.SessionID,
			"to":   snap.SessionID,
		}).Info("Session id changed; closing previous lobby")
		m.closeTracked(now, "session changed")
		tracking = false
	}

	want := m.recordFromSnapshot(snap, now)
	if !tracking {
		m.create(want, now)
		return
	}
	m.update(cur, want, now)
}

func (m *Monitor) create(want lobby.Record, now time.Time) {
	want.CreatedAt = now
	want.UpdatedAt = now
	want.LastHeartbeatAt = now

	rec, err := m.store.Create(want)
	if rec == nil {
		m.log.WithError(err).Warn("Could not create lobby record; retrying next tick")
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("Lobby record created but not persisted")
	}

	m.setTracked(Tracked{RecordID: rec.ID, SessionID: rec.SessionID})
	m.log.WithFields(logrus.Fields{
		"id":      rec.ID,
		"session": rec.SessionID,
		"title":   rec.Title,
	}).Info("Lobby opened")
	m.emitEvent(lobby.EventCreated, rec, true)
	m.mirrorRecord(rec)
}

func (m *Monitor) update(cur Tracked, want lobby.Record, now time.Time) {
	changed := false
	rec, err := m.store.Update(cur.RecordID, func(r *lobby.Record) {
		if want.SessionID == "" || r.SessionID != "" {
			// Only adopt an id when the record has none.
			want.SessionID = r.SessionID
		}
		changed = !r.SameContent(&want)
		if changed {
			applyContent(r, &want)
			r.UpdatedAt = now
		}
		r.LastHeartbeatAt = now
	})
	if errors.Is(err, lobby.ErrNotFound) {
		m.log.WithField("id", cur.RecordID).Warn("Tracked lobby record vanished; starting over")
		m.setTracked(Tracked{})
		return
	}
	if rec == nil {
		m.log.WithError(err).Warn("Could not update lobby record")
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("Lobby record updated but not persisted")
	}

	if rec.SessionID != cur.SessionID {
		m.log.WithFields(logrus.Fields{"id": rec.ID, "session": rec.SessionID}).Info("Adopted session id")
		m.setTracked(Tracked{RecordID: rec.ID, SessionID: rec.SessionID})
	}
	if changed {
		m.log.WithFields(logrus.Fields{
			"id":      rec.ID,
			"title":   rec.Title,
			"players": fmt.Sprintf("%d/%d", rec.CurrentPlayers, rec.MaxPlayers),
		}).Debug("Lobby updated")
		m.mirrorRecord(rec)
	}
	m.emitEvent(lobby.EventUpdated, rec, changed)
}

func (m *Monitor) closeTracked(now time.Time, reason string) *lobby.Record {
	cur, ok := m.Tracked()
	if !ok {
		return nil
	}
	m.setTracked(Tracked{})

	rec, err := m.store.Close(cur.RecordID, now)
	if rec == nil {
		m.log.WithError(err).WithField("id", cur.RecordID).Warn("Could not close lobby record")
		return nil
	}
	if err != nil {
		m.log.WithError(err).Warn("Lobby record closed but not persisted")
	}
	m.log.WithFields(logrus.Fields{
		"id":     rec.ID,
		"reason": reason,
	}).Info("Lobby closed")
	m.emitEvent(lobby.EventClosed, rec, true)
	m.mirrorRecord(rec)
	return rec
}

// CloseActive closes the tracked record as part of shutdown. It waits for a
// running tick to finish first, and no tick runs afterwards. The closed
// record is returned so the caller can tell the backend which lobby was
// left.
func (m *Monitor) CloseActive(ctx context.Context) (*lobby.Record, error) {
	acquired := make(chan struct{})
	go func() {
		m.tickMu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			m.tickMu.Unlock()
		}()
		return nil, ctx.Err()
	}
	defer m.tickMu.Unlock()
	m.halted.Store(true)
	return m.closeTracked(m.now(), "shutdown"), nil
}

// Resume lets ticks run again after CloseActive, for a teardown that was
// rolled back.
func (m *Monitor) Resume() {
	if m.halted.CompareAndSwap(true, false) {
		m.log.Info("Session monitor resumed")
	}
}

func (m *Monitor) setTracked(t Tracked) {
	m.mu.Lock()
	m.tracked = t
	m.mu.Unlock()
}

func (m *Monitor) mirrorRecord(rec *lobby.Record) {
	if m.mirror == nil {
		return
	}
	m.mirror.Mirror(rec.Clone())
}

// recordFromSnapshot enriches the snapshot with catalog metadata. Lookups
// never fail; unknown names keep their raw value.
func (m *Monitor) recordFromSnapshot(p telemetry.Payload, now time.Time) lobby.Record {
	mapDesc := m.catalog.Map(p.MapName)
	modeDesc := m.catalog.Mode(p.ModeName)

	mods := make([]lobby.Mod, 0, len(p.Mods))
	for _, name := range p.Mods {
		d := m.catalog.Mod(name)
		mod := lobby.Mod{Key: d.Key, Name: d.Name, URL: d.URL, Known: d.Known}
		if !d.Known {
			mod.Name = name
		}
		mods = append(mods, mod)
	}

	return lobby.Record{
		SessionID:       p.SessionID,
		Title:           title(displayName(mapDesc.Name, mapDesc.Known, p.MapName), displayName(modeDesc.Name, modeDesc.Known, p.ModeName)),
		Map:             p.MapName,
		Mode:            p.ModeName,
		Playlist:        p.PlaylistName,
		HostName:        p.HostName,
		CurrentPlayers:  p.CurrentPlayers,
		MaxPlayers:      p.MaxPlayers,
		IsModded:        p.IsModded,
		RequiredMods:    mods,
		LastHeartbeatAt: now,
	}
}

func displayName(catalogName string, known bool, raw string) string {
	if known {
		return catalogName
	}
	return strings.TrimSpace(raw)
}

func title(mapName, modeName string) string {
	switch {
	case mapName != "" && modeName != "":
		return modeName + " on " + mapName
	case modeName != "":
		return modeName
	case mapName != "":
		return mapName
	}
	return "Custom Game"
}

func applyContent(dst, src *lobby.Record) {
	dst.SessionID = src.SessionID
	dst.Title = src.Title
	dst.Map = src.Map
	dst.Mode = src.Mode
	dst.Playlist = src.Playlist
	dst.HostName = src.HostName
	dst.CurrentPlayers = src.CurrentPlayers
	dst.MaxPlayers = src.MaxPlayers
	dst.IsModded = src.IsModded
	dst.RequiredMods = src.RequiredMods
}
