package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many content-layer connections")

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// SnapshotFunc builds the full snapshot sent to new clients and on every
// snapshot tick.
type SnapshotFunc func() SnapshotPayload

// ClientObserver is told about connection counts and slow-client drops.
type ClientObserver interface {
	SetContentClients(n int)
	ObserveContentDropped()
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Drain so a concurrent broadcast never blocks on this client.
			for range c.send {
			}
			return
		}
	}
}

type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	snapshot SnapshotFunc
	throttle time.Duration
	log      *logrus.Entry
	observer ClientObserver

	flushMu    sync.Mutex
	flushTimer *time.Timer
	stopped    bool

	snapshotInterval time.Duration
	startOnce        sync.Once
	stop             chan struct{}
	stopOnce         sync.Once
}

// NewBroadcaster returns a broadcaster; Start begins the periodic snapshot
// loop. maxConns <= 0 means unlimited.
func NewBroadcaster(snapshot SnapshotFunc, throttle, snapshotInterval time.Duration, maxConns int, log *logrus.Entry, observer ClientObserver) *Broadcaster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Second
	}
	b := &Broadcaster{
		clients:          make(map[*client]bool),
		maxConns:         maxConns,
		snapshot:         snapshot,
		throttle:         throttle,
		log:              log,
		observer:         observer,
		snapshotInterval: snapshotInterval,
		stop:             make(chan struct{}),
	}
	return b
}

func (b *Broadcaster) Start() {
	b.startOnce.Do(func() {
		select {
		case <-b.stop:
			return
		default:
		}
		go b.snapshotLoop()
	})
}

// AddClient registers conn and queues an initial snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, sendBuffer)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.observeClients(n)

	go c.writePump()

	if b.snapshot != nil {
		if data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()}); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.observeClients(n)
	}
}

// QueueSnapshot schedules one snapshot broadcast after the throttle
// interval; calls within the interval coalesce.
func (b *Broadcaster) QueueSnapshot() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped || b.flushTimer != nil {
		return
	}
	b.flushTimer = time.AfterFunc(b.throttle, b.flush)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	b.flushTimer = nil
	stopped := b.stopped
	b.flushMu.Unlock()
	if stopped {
		return
	}
	b.BroadcastSnapshot()
}

func (b *Broadcaster) BroadcastSnapshot() {
	if b.snapshot == nil {
		return
	}
	b.Broadcast(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
}

func (b *Broadcaster) snapshotLoop() {
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.BroadcastSnapshot()
		}
	}
}

// Broadcast sends msg to every client. A client whose buffer is full is
// disconnected.
func (b *Broadcaster) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).WithField("type", msg.Type).Error("Broadcast marshal failed")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.sendTo(c, data)
	}
}

// Send queues msg for one client.
func (b *Broadcaster) Send(c *client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).WithField("type", msg.Type).Error("Send marshal failed")
		return
	}
	b.sendTo(c, data)
}

func (b *Broadcaster) sendTo(c *client, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		if b.observer != nil {
			b.observer.ObserveContentDropped()
		}
		b.log.Warn("Content client too slow; disconnecting")
		go b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop, cancels a pending flush and disconnects
// every client. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)

		b.flushMu.Lock()
		b.stopped = true
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		b.observeClients(0)
	})
}

func (b *Broadcaster) observeClients(n int) {
	if b.observer != nil {
		b.observer.SetContentClients(n)
	}
}
