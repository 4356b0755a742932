package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type ProviderConfig struct {
	Path         string
	PollInterval time.Duration
	StaleAfter   time.Duration
	HoldWindow   time.Duration
}

// Observer receives the outcome of every poll. outcome is one of "ok",
// "unchanged" or "error".
type Observer interface {
	ObserveTelemetry(outcome string, st Status)
}

type ProviderOption func(*Provider)

func WithLogger(log *logrus.Entry) ProviderOption {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock replaces time.Now for staleness decisions.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithObserver(o Observer) ProviderOption {
	return func(p *Provider) { p.observer = o }
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// Provider turns the telemetry file into a stable snapshot. It is the only
// writer of the payload and its status; readers get copies.
type Provider struct {
	cfg      ProviderConfig
	path     string
	log      *logrus.Entry
	now      func() time.Time
	observer Observer

	mu        sync.RWMutex
	version   string
	last      Payload
	lastRaw   []byte
	lastStamp fileStamp
	known     map[Field]bool // carried fields that have had a value at least once
	health    readHealth

	polling atomic.Bool
	skipped atomic.Int64

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
	watcher   *fsnotify.Watcher
	// fileWatched is only touched by the loop goroutine.
	fileWatched bool
}

func NewProvider(cfg ProviderConfig, opts ...ProviderOption) *Provider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Second
	}
	if cfg.HoldWindow <= 0 {
		cfg.HoldWindow = 2 * time.Second
	}
	path := cfg.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := &Provider{
		cfg:     cfg,
		path:    path,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		now:     time.Now,
		version: SchemaVersion,
		last:    DefaultPayload(),
		known:   make(map[Field]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Path returns the absolute path of the watched file.
func (p *Provider) Path() string { return p.path }

// Start prepares the file, performs an initial read and launches the watch
// loop. The loop runs until Stop is called or ctx is cancelled.
func (p *Provider) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.started {
		return errors.New("telemetry provider already started")
	}
	if p.stopped {
		return errors.New("telemetry provider stopped")
	}

	res, err := PrepareFile(p.path, p.now())
	switch {
	case err != nil:
		p.log.WithError(err).Warn("Could not prepare telemetry file; polling anyway")
	case res.Created:
		p.log.WithField("path", p.path).Info("Created telemetry file with inactive default")
	case res.Reset:
		p.log.WithFields(logrus.Fields{"path": p.path, "backup": res.BackupPath}).
			Warn("Telemetry file was unreadable; backed up and reset")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.WithError(err).Warn("File watcher unavailable; relying on poll")
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.log.WithError(err).Warn("Could not watch telemetry directory; relying on poll")
	}
	p.watcher = watcher

	p.started = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	p.PollNow()
	go p.loop(ctx)

	p.log.WithFields(logrus.Fields{
		"path":     p.path,
		"interval": p.cfg.PollInterval,
	}).Info("Telemetry provider started")
	return nil
}

// Stop ends the loop and releases the watcher. It is safe to call more than
// once and before Start.
func (p *Provider) Stop() {
	p.lifecycle.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.lifecycle.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	done := p.done
	p.lifecycle.Unlock()

	<-done
	if p.watcher != nil {
		p.watcher.Close()
	}
	p.log.Info("Telemetry provider stopped")
}

func (p *Provider) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if p.watcher != nil {
		events = p.watcher.Events
		errs = p.watcher.Errors
		p.armFileWatch()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.PollNow()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.log.WithError(err).Warn("Telemetry watcher error")
		}
	}
}

func (p *Provider) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != p.path {
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// The kernel drops the file watch with the inode; the directory
		// watch reports the replacement.
		p.fileWatched = false
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		p.armFileWatch()
	}
	p.PollNow()
}

// armFileWatch adds a watch on the file itself once it exists.
func (p *Provider) armFileWatch() {
	if p.watcher == nil || p.fileWatched {
		return
	}
	if _, err := os.Stat(p.path); err != nil {
		return
	}
	if err := p.watcher.Add(p.path); err != nil {
		p.log.WithError(err).Debug("Could not watch telemetry file")
		return
	}
	p.fileWatched = true
	p.log.Debug("Telemetry file watch armed")
}

// PollNow reads the file once. A poll already in flight makes this a no-op.
func (p *Provider) PollNow() {
	if !p.polling.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		return
	}
	defer p.polling.Store(false)

	outcome := p.safeRead(p.now())
	if p.observer != nil {
		p.observer.ObserveTelemetry(outcome, p.Status())
	}
}

// SkippedPolls counts PollNow calls that found another poll running.
func (p *Provider) SkippedPolls() int64 { return p.skipped.Load() }

// safeRead turns a panic while parsing into an ordinary read failure.
func (p *Provider) safeRead(now time.Time) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(now, true, fmt.Errorf("telemetry read panicked: %v", r))
			outcome = "error"
		}
	}()
	return p.read(now)
}

func (p *Provider) read(now time.Time) string {
	info, err := os.Stat(p.path)
	if err != nil {
		p.fail(now, false, fmt.Errorf("stat telemetry file: %w", err))
		return "error"
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.fail(now, !errors.Is(err, os.ErrNotExist), fmt.Errorf("reading telemetry file: %w", err))
		return "error"
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}

	p.mu.Lock()
	unchanged := p.health.hasGood && p.health.parseOK &&
		stamp.same(p.lastStamp) && bytes.Equal(data, p.lastRaw)
	if unchanged {
		p.health.recordUnchanged(now)
		p.noteStalenessLocked(now)
		p.mu.Unlock()
		return "unchanged"
	}
	p.mu.Unlock()

	version, fields, err := UnwrapEnvelope(data)
	if err == nil && fields == nil {
		err = ErrNoPayload
	}
	if err != nil {
		p.fail(now, true, err)
		return "error"
	}

	issues := Validate(fields)
	next := Normalize(fields, version)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logIssuesLocked(issues)
	p.last = p.carryForwardLocked(next, fields)
	p.version = version
	p.lastRaw = data
	p.lastStamp = stamp
	p.health.recordSuccess(now)
	p.noteStalenessLocked(now)
	p.log.WithFields(logrus.Fields{
		"active":  p.last.IsActiveSession,
		"map":     p.last.MapName,
		"mode":    p.last.ModeName,
		"players": p.last.CurrentPlayers,
		"seq":     p.last.Sequence,
	}).Debug("Telemetry read")
	return "ok"
}

func (p *Provider) fail(now time.Time, exists bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := p.health.failures == 0
	p.health.recordFailure(now, exists, err)
	p.noteStalenessLocked(now)
	entry := p.log.WithError(err).WithField("consecutive", p.health.failures)
	if first {
		entry.Warn("Telemetry read failed; keeping last good payload")
	} else {
		entry.Debug("Telemetry read failed")
	}
}

// carryForwardLocked fills map, mode and player counts that this tick left
// out with the previous tick's values.
func (p *Provider) carryForwardLocked(next Payload, fields Fields) Payload {
	prev := p.last
	carry := func(f Field, flag *TriState, apply func()) {
		if fields.Has(f) {
			p.known[f] = true
			return
		}
		if p.health.hasGood && p.known[f] {
			apply()
			*flag = False
			return
		}
		*flag = Unknown
	}

	carry(FieldMap, &next.MapUpdated, func() { next.MapName = prev.MapName })
	carry(FieldMode, &next.ModeUpdated, func() { next.ModeName = prev.ModeName })
	carry(FieldPlayers, &next.PlayersUpdated, func() { next.CurrentPlayers = prev.CurrentPlayers })

	// maxPlayers has no flag of its own; playersUpdatedThisTick follows
	// the current count.
	var maxFlag TriState
	carry(FieldMaxPlayers, &maxFlag, func() { next.MaxPlayers = prev.MaxPlayers })
	return next
}

// logIssuesLocked logs validation issues once per distinct set.
func (p *Provider) logIssuesLocked(issues []Issue) {
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.String()
	}
	slices.Sort(msgs)
	key := strings.Join(msgs, "; ")
	if key == p.health.lastIssues {
		return
	}
	p.health.lastIssues = key
	if key == "" {
		p.log.Info("Telemetry validation issues cleared")
		return
	}
	p.log.WithField("issues", key).Warn("Telemetry failed validation; normalizing anyway")
}

func (p *Provider) noteStalenessLocked(now time.Time) {
	stale := p.health.stale(now, p.cfg.StaleAfter, p.cfg.HoldWindow)
	if stale == p.health.wasStale {
		return
	}
	p.health.wasStale = stale
	if stale {
		p.log.Info("Telemetry stale; serving inactive payload")
	} else {
		p.log.Info("Telemetry fresh")
	}
}

// State returns the current payload, or the inactive default when stale.
func (p *Provider) State() Payload {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.health.stale(p.now(), p.cfg.StaleAfter, p.cfg.HoldWindow) {
		return DefaultPayload()
	}
	return p.last.Clone()
}

func (p *Provider) Envelope() Envelope {
	p.mu.RLock()
	version := p.version
	p.mu.RUnlock()
	return Envelope{SchemaVersion: version, Payload: p.State()}
}

func (p *Provider) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stale := p.health.stale(p.now(), p.cfg.StaleAfter, p.cfg.HoldWindow)
	return p.health.snapshot(p.path, stale)
}
