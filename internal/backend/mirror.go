package backend

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/lobby"
)

// MirrorResultObserver is told the outcome of every mirror post.
type MirrorResultObserver interface {
	ObserveMirror(ok bool)
}

// Mirror forwards lobby records to the backend on its own goroutine.
// Records queued while a post is running are coalesced per lobby so only
// the latest version of each is sent.
type Mirror struct {
	client   *Client
	filter   lobby.PrivacyFilter
	timeout  time.Duration
	log      *logrus.Entry
	observer MirrorResultObserver

	mu      sync.Mutex
	pending map[string]*lobby.Record
	order   []string
	wake    chan struct{}

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewMirror(client *Client, filter lobby.PrivacyFilter, log *logrus.Entry, observer MirrorResultObserver) *Mirror {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mirror{
		client:   client,
		filter:   filter,
		timeout:  30 * time.Second,
		log:      log,
		observer: observer,
		pending:  make(map[string]*lobby.Record),
		wake:     make(chan struct{}, 1),
	}
}

// Mirror queues r. It never blocks and is a no-op when the client is
// disabled.
func (m *Mirror) Mirror(r *lobby.Record) {
	if r == nil || !m.client.Enabled() {
		return
	}
	masked := m.filter.Apply(r)

	m.mu.Lock()
	if _, queued := m.pending[r.ID]; !queued {
		m.order = append(m.order, r.ID)
	}
	m.pending[r.ID] = masked
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of lobbies waiting to be sent.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mirror) Start(ctx context.Context) {
	m.lifecycle.Lock()
	if m.started || m.stopped {
		m.lifecycle.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.lifecycle.Unlock()

	go m.loop(ctx)
}

// Stop ends the sender. Queued records that were not sent are dropped.
func (m *Mirror) Stop() {
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
}

func (m *Mirror) loop(ctx context.Context) {
	defer close(m.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			r := m.next()
			if r == nil {
				break
			}
			m.send(ctx, r)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (m *Mirror) next() *lobby.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	id := m.order[0]
	m.order = m.order[1:]
	r := m.pending[id]
	delete(m.pending, id)
	return r
}

func (m *Mirror) send(ctx context.Context, r *lobby.Record) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.client.MirrorLobby(ctx, r)
	if m.observer != nil {
		m.observer.ObserveMirror(err == nil)
	}
	entry := m.log.WithFields(logrus.Fields{"lobby": r.ID, "status": r.Status.String()})
	if err != nil {
		entry.WithError(err).Warn("Lobby mirror failed")
		return
	}
	entry.Debug("Lobby mirrored")
}
