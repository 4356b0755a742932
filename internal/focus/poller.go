package focus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 140 * time.Millisecond
	DefaultQueryTimeout = 500 * time.Millisecond
)

var errQueryTimeout = errors.New("foreground query timed out")

// Observer is told the classification of every completed poll.
type Observer interface {
	ObserveFocus(class string)
}

type Option func(*Poller)

func WithLogger(log *logrus.Entry) Option {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Poller) { p.observer = o }
}

// WithOnChange registers fn to receive the new state whenever it changes.
// fn runs on the polling goroutine and must not block.
func WithOnChange(fn func(State)) Option {
	return func(p *Poller) { p.onChange = fn }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Poller samples the foreground window on a fixed interval and keeps the
// derived focus State. It is the only writer of that state.
type Poller struct {
	prober     Prober
	classifier *Classifier
	interval   time.Duration
	timeout    time.Duration
	log        *logrus.Entry
	observer   Observer
	onChange   func(State)

	mu        sync.RWMutex
	state     State
	lastClass Class
	polled    bool

	polling  atomic.Bool
	skipped  atomic.Int64
	inflight sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewPoller(prober Prober, classifier *Classifier, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if classifier == nil {
		classifier = &Classifier{}
	}
	p := &Poller{
		prober:     prober,
		classifier: classifier,
		interval:   interval,
		timeout:    DefaultQueryTimeout,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the last known focus state.
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Class returns the classification of the most recent poll.
func (p *Poller) Class() Class {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastClass
}

// SkippedPolls counts polls dropped because a query was still in flight.
func (p *Poller) SkippedPolls() int64 { return p.skipped.Load() }

func (p *Poller) Start(ctx context.Context) {
	p.lifecycle.Lock()
	if p.started || p.stopped {
		p.lifecycle.Unlock()
		return
	}
	p.started = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.lifecycle.Unlock()

	p.log.WithField("interval", p.interval).Info("Focus poller started")
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.inflight.Wait()
	}()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Polls run off the ticker goroutine so a slow query only skips ticks.
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if p.polling.Load() {
				p.skipped.Add(1)
				continue
			}
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				p.Poll(ctx)
			}()
		}
	}
}

// Stop ends the loop. Safe to call more than once and before Start.
func (p *Poller) Stop() {
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
	p.log.Info("Focus poller stopped")
}

// Poll runs one query and classification. It returns false without querying
// when another poll is in flight. A failed query classifies as unknown and
// leaves the state untouched.
func (p *Poller) Poll(ctx context.Context) bool {
	if !p.polling.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		return false
	}
	defer p.polling.Store(false)

	class := ClassUnknown
	w, err := p.query(ctx)
	if err == nil {
		class = p.classifier.Classify(ctx, w)
	}
	if p.observer != nil {
		p.observer.ObserveFocus(class.String())
	}

	p.mu.Lock()
	prevClass, first := p.lastClass, !p.polled
	p.lastClass = class
	p.polled = true
	changed := false
	if class != ClassUnknown {
		next := stateFor(class)
		if next != p.state {
			p.state = next
			changed = true
		}
	}
	state := p.state
	p.mu.Unlock()

	if first || class != prevClass {
		entry := p.log.WithFields(logrus.Fields{
			"class":   class.String(),
			"game":    state.GameFocused,
			"overlay": state.OverlayFocused,
		})
		switch {
		case err != nil && !errors.Is(err, ErrUnsupported):
			entry.WithError(err).Warn("Foreground window query failed")
		case err != nil:
			entry.Debug("Foreground window query unsupported")
		default:
			entry.WithField("title", w.Title).Info("Focus changed")
		}
	}
	if changed && p.onChange != nil {
		p.onChange(state)
	}
	return true
}

// query bounds a prober call by the timeout even when the prober ignores
// its context.
func (p *Poller) query(ctx context.Context) (Window, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		w   Window
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("foreground query panicked: %v", r)}
			}
		}()
		w, err := p.prober.Foreground(ctx)
		ch <- result{w, err}
	}()

	select {
	case r := <-ch:
		return r.w, r.err
	case <-ctx.Done():
		return Window{}, errQueryTimeout
	}
}
