package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWatchInterval = 2 * time.Second
	DefaultMissedPolls   = 3
)

// ProcessChecker reports whether any of the named processes is running.
type ProcessChecker interface {
	Running(ctx context.Context, names []string) (bool, error)
}

// WatchObserver is told about every miss.
type WatchObserver interface {
	ObserveWatchdogMiss(consecutive int)
}

type WatchdogOption func(*Watchdog)

func WithWatchdogLogger(log *logrus.Entry) WatchdogOption {
	return func(w *Watchdog) {
		if log != nil {
			w.log = log
		}
	}
}

func WithWatchObserver(o WatchObserver) WatchdogOption {
	return func(w *Watchdog) { w.observer = o }
}

// WithSuppress registers a check consulted before firing. While it returns
// true the watchdog neither counts misses nor fires.
func WithSuppress(fn func() bool) WatchdogOption {
	return func(w *Watchdog) { w.suppress = fn }
}

// Watchdog quits when the game exits. It arms after the first sighting of
// the game and fires after a run of consecutive misses, so a game that was
// never started does not end the overlay.
type Watchdog struct {
	checker  ProcessChecker
	names    []string
	interval time.Duration
	misses   int
	fire     func(reason string)
	suppress func() bool
	log      *logrus.Entry
	observer WatchObserver

	mu          sync.Mutex
	armed       bool
	consecutive int
	fired       bool
	polling     atomic.Bool

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewWatchdog returns a watchdog calling fire once when the game is gone.
// fire runs on the watchdog goroutine and must not wait for Stop.
func NewWatchdog(checker ProcessChecker, names []string, interval time.Duration, misses int, fire func(reason string), opts ...WatchdogOption) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if misses < 1 {
		misses = DefaultMissedPolls
	}
	w := &Watchdog{
		checker:  checker,
		names:    names,
		interval: interval,
		misses:   misses,
		fire:     fire,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watchdog) Start(ctx context.Context) {
	w.lifecycle.Lock()
	if w.started || w.stopped {
		w.lifecycle.Unlock()
		return
	}
	w.started = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.lifecycle.Unlock()

	w.log.WithFields(logrus.Fields{"interval": w.interval, "misses": w.misses}).Info("Game watchdog started")
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if w.Check(ctx) {
				return
			}
		}
	}
}

func (w *Watchdog) Stop() {
	w.lifecycle.Lock()
	if !w.started || w.stopped {
		w.stopped = true
		w.lifecycle.Unlock()
		return
	}
	w.stopped = true
	close(w.stop)
	done := w.done
	w.lifecycle.Unlock()
	<-done
}

// Armed reports whether the game has been seen running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Check runs one poll and reports whether the watchdog fired.
func (w *Watchdog) Check(ctx context.Context) bool {
	if !w.polling.CompareAndSwap(false, true) {
		return false
	}
	defer w.polling.Store(false)

	running, err := w.checker.Running(ctx, w.names)
	if err != nil {
		// A failed process listing is not evidence the game exited.
		w.log.WithError(err).Debug("Process check failed")
		return false
	}

	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return true
	}
	if running {
		if !w.armed {
			w.log.Info("Game process detected; watchdog armed")
		} else if w.consecutive > 0 {
			w.log.WithField("missed", w.consecutive).Info("Game process back")
		}
		w.armed = true
		w.consecutive = 0
		w.mu.Unlock()
		return false
	}
	if !w.armed {
		w.mu.Unlock()
		return false
	}
	if w.suppress != nil && w.suppress() {
		w.consecutive = 0
		w.mu.Unlock()
		w.log.Debug("Game process missing during update install; ignoring")
		return false
	}
	w.consecutive++
	n := w.consecutive
	fire := n >= w.misses
	if fire {
		w.fired = true
	}
	w.mu.Unlock()

	if w.observer != nil {
		w.observer.ObserveWatchdogMiss(n)
	}
	w.log.WithFields(logrus.Fields{"missed": n, "threshold": w.misses}).Warn("Game process not found")
	if fire && w.fire != nil {
		w.fire("game exited")
	}
	return fire
}
