package update

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotDownloaded = errors.New("no update has been downloaded")
	ErrNoRelease     = errors.New("no update available to download")
)

// Channel is where releases come from.
type Channel interface {
	// Latest returns the newest release and whether it is newer than the
	// running version.
	Latest(ctx context.Context) (Release, bool, error)
	Download(ctx context.Context, r Release, progress func(percent float64)) (string, error)
	Install(ctx context.Context, path string) error
}

type Observer interface {
	ObserveUpdateStatus(status string)
}

type Option func(*Coordinator)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithPrepare sets the teardown run before an install.
func WithPrepare(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) { c.prepare = fn }
}

// WithRecover sets what undoes the teardown when an install fails and the
// process keeps running.
func WithRecover(fn func()) Option {
	return func(c *Coordinator) { c.rollback = fn }
}

// Coordinator is the only writer of the update State.
type Coordinator struct {
	channel  Channel
	prepare  func(ctx context.Context)
	rollback func()
	log      *logrus.Entry
	observer Observer

	mu      sync.Mutex
	st      State
	release *Release
	path    string

	// Set from the Downloaded check until the install settles.
	installing bool

	group singleflight.Group

	notifyMu  sync.Mutex
	listeners []func(State)
}

func NewCoordinator(channel Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		channel: channel,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) OnChange(fn func(State)) {
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Installing reports whether an install is under way, including the
// teardown that precedes it.
func (c *Coordinator) Installing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installing || c.st.Status == StatusInstalling
}

// Check queries the channel. A finished download is returned as is, and a
// download or install in progress is not interrupted.
func (c *Coordinator) Check(ctx context.Context) (State, error) {
	c.mu.Lock()
	switch c.st.Status {
	case StatusDownloaded, StatusDownloading, StatusInstalling, StatusChecking:
		st := c.st
		c.mu.Unlock()
		return st, nil
	}
	prev := c.st.Status
	c.st = State{Status: StatusChecking}
	st := c.st
	c.mu.Unlock()
	c.publish(prev, st)

	rel, newer, err := c.channel.Latest(ctx)
	if err != nil {
		c.fail("check", err)
		return c.State(), err
	}
	if !newer {
		c.mu.Lock()
		c.release = nil
		c.mu.Unlock()
		c.set(func(s *State) { *s = State{Status: StatusNotAvailable, Version: rel.Version} })
		c.log.WithField("latest", rel.Version).Info("No update available")
		return c.State(), nil
	}

	c.mu.Lock()
	c.release = &rel
	c.mu.Unlock()
	c.set(func(s *State) {
		*s = State{Status: StatusAvailable, Version: rel.Version, ReleaseNotes: rel.Notes}
	})
	c.log.WithField("version", rel.Version).Info("Update available")
	return c.State(), nil
}

// Download fetches the available release. Concurrent callers share one
// download; a caller whose ctx ends stops waiting but the download goes on.
func (c *Coordinator) Download(ctx context.Context) (State, error) {
	ch := c.group.DoChan("download", func() (interface{}, error) {
		return nil, c.download(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return c.State(), res.Err
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

func (c *Coordinator) download(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Status == StatusDownloaded {
		c.mu.Unlock()
		return nil
	}
	if c.release == nil {
		c.mu.Unlock()
		return ErrNoRelease
	}
	rel := *c.release
	c.mu.Unlock()

	c.set(func(s *State) {
		*s = State{Status: StatusDownloading, Version: rel.Version, ReleaseNotes: rel.Notes}
	})
	c.log.WithField("version", rel.Version).Info("Downloading update")

	lastWhole := -1.0
	path, err := c.channel.Download(ctx, rel, func(pct float64) {
		pct = math.Max(0, math.Min(100, pct))
		// Listeners only hear whole-percent steps.
		if whole := math.Floor(pct); whole != lastWhole {
			lastWhole = whole
			c.set(func(s *State) { s.ProgressPercent = pct })
		}
	})
	if err != nil {
		c.fail("download", err)
		return err
	}

	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	c.set(func(s *State) {
		s.Status = StatusDownloaded
		s.ProgressPercent = 100
	})
	c.log.WithFields(logrus.Fields{"version": rel.Version, "path": path}).Info("Update downloaded")
	return nil
}

// Install runs the teardown and hands over to the installer. A failure
// leaves the process running with an error state.
func (c *Coordinator) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Status != StatusDownloaded || c.installing {
		c.mu.Unlock()
		return ErrNotDownloaded
	}
	c.installing = true
	path := c.path
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.installing = false
		c.mu.Unlock()
	}()

	if c.prepare != nil {
		c.prepare(ctx)
	}
	c.set(func(s *State) { s.Status = StatusInstalling })
	c.log.WithField("path", path).Info("Installing update")

	if err := c.channel.Install(ctx, path); err != nil {
		c.fail("install", err)
		if c.rollback != nil {
			c.rollback()
		}
		return err
	}
	return nil
}

func (c *Coordinator) fail(op string, err error) {
	c.set(func(s *State) {
		s.Status = StatusError
		s.ErrorMessage = fmt.Sprintf("%s: %v", op, err)
	})
	c.log.WithError(err).WithField("op", op).Warn("Update failed")
}

func (c *Coordinator) set(fn func(*State)) {
	c.mu.Lock()
	prev := c.st.Status
	fn(&c.st)
	st := c.st
	c.mu.Unlock()
	c.publish(prev, st)
}

func (c *Coordinator) publish(prev Status, st State) {
	if c.observer != nil && st.Status != prev {
		c.observer.ObserveUpdateStatus(st.Status.String())
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(st)
	}
}
