// Package mock writes a scripted custom-game session to the telemetry file
// so the overlay can run without the game.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/atomicfile"
	"github.com/agent-racer/overlay/internal/telemetry"
)

const DefaultInterval = 500 * time.Millisecond

// Script lengths, in ticks.
const (
	sessionTicks   = 40
	lobbyGapTicks  = 3
	mapEvery       = 10
	modeEvery      = 15
	omitEvery      = 4
	legacyEvery    = 7
	maxPlayerCount = 16
)

var (
	mockMaps  = []string{"Valhalla", "The Pit", "Guardian", "Narrows", "highground", "Sandtrap"}
	mockModes = []string{"Team Slayer", "CTF", "Oddball", "KOTH", "Infection"}
	mockHosts = []string{"SpartanOne", "NobleSix", "ArbiterX", "Chief117"}
	mockMods  = [][]string{nil, {"customs-plus"}, {"infection-plus", "forge-extended"}}
)

type Option func(*Generator)

func WithLogger(log *logrus.Entry) Option {
	return func(g *Generator) {
		if log != nil {
			g.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSeed makes the player random walk reproducible.
func WithSeed(seed int64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewSource(seed)) }
}

type Generator struct {
	path     string
	interval time.Duration
	log      *logrus.Entry
	now      func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	tick      int
	seq       int64
	sessionID string
	hostName  string
	mods      []string
	mapIdx    int
	modeIdx   int
	players   int
	sessions  int

	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func NewGenerator(path string, interval time.Duration, opts ...Option) *Generator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	g := &Generator{
		path:     path,
		interval: interval,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start writes the first document synchronously, then keeps writing one per
// interval until ctx is done or Stop is called.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started || g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	if _, err := g.Step(); err != nil {
		close(g.done)
		return err
	}
	g.log.WithFields(logrus.Fields{"path": g.path, "interval": g.interval}).Info("Mock telemetry started")
	go g.run(ctx)
	return nil
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			if _, err := g.Step(); err != nil {
				g.log.WithError(err).Warn("Mock telemetry write failed")
			}
		}
	}
}

func (g *Generator) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	started := g.started
	g.mu.Unlock()

	close(g.stop)
	if started {
		<-g.done
	}
}

// Step advances the script by one tick, writes the document and returns it.
func (g *Generator) Step() (map[string]any, error) {
	g.mu.Lock()
	doc := g.advanceLocked()
	g.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding mock telemetry: %w", err)
	}
	if err := atomicfile.Write(g.path, append(data, '\n')); err != nil {
		return nil, fmt.Errorf("writing mock telemetry: %w", err)
	}
	return doc, nil
}

// advanceLocked runs one tick of the script: a lobby that lives for
// sessionTicks, rotates map and mode, random-walks its player count, then
// disappears for lobbyGapTicks before a new session id starts.
func (g *Generator) advanceLocked() map[string]any {
	t := g.tick % (sessionTicks + lobbyGapTicks)
	g.tick++
	g.seq++

	if t == 0 {
		g.newSessionLocked()
	}

	fields := map[string]any{
		"timestamp": g.now().UTC().Format(time.RFC3339),
		"seq":       g.seq,
	}
	if t >= sessionTicks {
		fields["isCustomGame"] = false
		fields["sessionID"] = ""
		fields["playerCount"] = 0
		return envelope(fields)
	}

	mapChanged := t == 0 || t%mapEvery == 0
	modeChanged := t == 0 || t%modeEvery == 0
	if t > 0 && mapChanged {
		g.mapIdx = (g.mapIdx + 1) % len(mockMaps)
	}
	if t > 0 && modeChanged {
		g.modeIdx = (g.modeIdx + 1) % len(mockModes)
	}
	prevPlayers := g.players
	g.walkPlayersLocked(t)

	fields["isCustomGame"] = true
	fields["sessionID"] = g.sessionID
	fields["hostName"] = g.hostName
	fields["maxPlayers"] = maxPlayerCount
	fields["mods"] = g.mods
	fields["isModded"] = len(g.mods) > 0
	fields["mapName"] = mockMaps[g.mapIdx]
	fields["gameMode"] = mockModes[g.modeIdx]
	fields["playerCount"] = g.players
	fields["mapUpdatedThisTick"] = mapChanged
	fields["modeUpdatedThisTick"] = modeChanged
	fields["playersUpdatedThisTick"] = g.players != prevPlayers || t == 0

	// Some ticks only report what changed; the provider must carry the
	// rest forward.
	if t%omitEvery == omitEvery-1 {
		if !mapChanged {
			delete(fields, "mapName")
			delete(fields, "mapUpdatedThisTick")
		}
		if !modeChanged {
			delete(fields, "gameMode")
			delete(fields, "modeUpdatedThisTick")
		}
		delete(fields, "hostName")
	}

	if t%legacyEvery == legacyEvery-1 {
		return legacy(fields)
	}
	return envelope(fields)
}

func (g *Generator) newSessionLocked() {
	g.sessions++
	g.sessionID = uuid.NewString()
	g.hostName = mockHosts[g.rng.Intn(len(mockHosts))]
	g.mods = mockMods[(g.sessions-1)%len(mockMods)]
	g.players = 1 + g.rng.Intn(4)
}

func (g *Generator) walkPlayersLocked(t int) {
	if t == 0 {
		return
	}
	switch g.rng.Intn(4) {
	case 0:
		g.players--
	case 1, 2:
		g.players++
	}
	g.players = min(max(g.players, 1), maxPlayerCount)
}

func envelope(fields map[string]any) map[string]any {
	return map[string]any{"version": telemetry.SchemaVersion, "data": fields}
}

// legacy renders fields as a bare payload under the short key names older
// writers used.
func legacy(fields map[string]any) map[string]any {
	renames := map[string]string{
		"isCustomGame": "isActiveSession",
		"mapName":      "map",
		"gameMode":     "mode",
		"playerCount":  "players",
		"sessionID":    "sessionId",
		"hostName":     "host",
		"seq":          "sequence",
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if short, ok := renames[k]; ok {
			k = short
		}
		out[k] = v
	}
	return out
}

// Sessions returns how many scripted sessions have started.
func (g *Generator) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}
