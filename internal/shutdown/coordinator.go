// Package shutdown runs the ordered teardown sequence and the game-liveness
// watchdog that can trigger it.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultStepTimeout = 3 * time.Second

// Notifier tells the content layer a shutdown is imminent.
type Notifier interface {
	NotifyShutdown(reason string)
}

// LobbyCloser closes the locally tracked lobby record, if any, and returns
// its id.
type LobbyCloser interface {
	CloseTracked(ctx context.Context) (string, error)
}

// Backend is the remote side of the teardown.
type Backend interface {
	LeaveLobby(ctx context.Context, lobbyID string) error
	PresenceShutdown(ctx context.Context) error
}

// Step is the outcome of one teardown step.
type Step struct {
	Name     string        `json:"name"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Option func(*Coordinator)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithStepTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithLobbyCloser(l LobbyCloser) Option {
	return func(c *Coordinator) { c.lobby = l }
}

func WithBackend(b Backend) Option {
	return func(c *Coordinator) { c.backend = b }
}

// Coordinator runs the teardown sequence: notify, close the lobby, leave
// the remote lobby, tear down presence, terminate. Every step is
// best-effort and bounded by the step timeout.
type Coordinator struct {
	notifier    Notifier
	lobby       LobbyCloser
	backend     Backend
	terminate   func()
	log         *logrus.Entry
	stepTimeout time.Duration

	quitOnce sync.Once
	quitting chan struct{}
	mu       sync.Mutex
	reason   string
}

// New returns a coordinator. terminate is called last by Quit; it is the
// only place the process is allowed to end.
func New(terminate func(), opts ...Option) *Coordinator {
	c := &Coordinator{
		terminate:   terminate,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		stepTimeout: DefaultStepTimeout,
		quitting:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quitting is closed once Quit has been called.
func (c *Coordinator) Quitting() <-chan struct{} { return c.quitting }

// Reason returns the reason passed to the first Quit call.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Quit runs the teardown and terminates. Only the first call does
// anything; later calls return nil immediately.
func (c *Coordinator) Quit(ctx context.Context, reason string) []Step {
	var steps []Step
	c.quitOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.quitting)

		c.log.WithField("reason", reason).Info("Shutdown requested")
		steps = c.run(ctx, reason, true)
		c.log.Info("Terminating")
		if c.terminate != nil {
			c.terminate()
		}
	})
	return steps
}

// Prepare runs the teardown steps without terminating. It is used before
// an update install hands control to the installer.
func (c *Coordinator) Prepare(ctx context.Context) []Step {
	c.log.Info("Preparing for update install")
	return c.run(ctx, "update", false)
}

func (c *Coordinator) run(ctx context.Context, reason string, notify bool) []Step {
	var steps []Step
	if notify && c.notifier != nil {
		steps = append(steps, c.step(ctx, "notify", func(context.Context) error {
			c.notifier.NotifyShutdown(reason)
			return nil
		}))
	}

	// Written by a step goroutine that may outlive its timeout.
	var closed atomic.Value
	if c.lobby != nil {
		steps = append(steps, c.step(ctx, "close_lobby", func(ctx context.Context) error {
			id, err := c.lobby.CloseTracked(ctx)
			closed.Store(id)
			return err
		}))
	}
	if c.backend != nil {
		if lobbyID, _ := closed.Load().(string); lobbyID != "" {
			steps = append(steps, c.step(ctx, "leave_lobby", func(ctx context.Context) error {
				return c.backend.LeaveLobby(ctx, lobbyID)
			}))
		}
		steps = append(steps, c.step(ctx, "presence_shutdown", c.backend.PresenceShutdown))
	}
	return steps
}

// step runs fn with its own timeout. A step that ignores its context is
// abandoned when the timeout passes.
func (c *Coordinator) step(parent context.Context, name string, fn func(context.Context) error) Step {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.stepTimeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		errc <- fn(ctx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = fmt.Errorf("%s: %w", name, ctx.Err())
	}

	s := Step{Name: name, Duration: time.Since(start)}
	entry := c.log.WithFields(logrus.Fields{"step": name, "duration": s.Duration})
	if err != nil {
		s.Err = err.Error()
		entry.WithError(err).Warn("Shutdown step failed; continuing")
	} else {
		entry.Debug("Shutdown step done")
	}
	return s
}
