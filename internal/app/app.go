// Package app wires the overlay daemon together: telemetry ingestion, the
// session monitor, focus-driven visibility, updates, the shutdown sequence
// and the content-layer server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/backend"
	"github.com/agent-racer/overlay/internal/catalog"
	"github.com/agent-racer/overlay/internal/config"
	"github.com/agent-racer/overlay/internal/focus"
	"github.com/agent-racer/overlay/internal/lobby"
	"github.com/agent-racer/overlay/internal/logging"
	"github.com/agent-racer/overlay/internal/metrics"
	"github.com/agent-racer/overlay/internal/mock"
	"github.com/agent-racer/overlay/internal/monitor"
	"github.com/agent-racer/overlay/internal/shutdown"
	"github.com/agent-racer/overlay/internal/telemetry"
	"github.com/agent-racer/overlay/internal/update"
	"github.com/agent-racer/overlay/internal/visibility"
	"github.com/agent-racer/overlay/internal/ws"
)

const (
	maxContentClients = 8
	lobbyEventBuffer  = 64
	serverStopTimeout = 5 * time.Second
)

type Options struct {
	// Mock replaces the game with a scripted telemetry writer and disables
	// the game watchdog.
	Mock         bool
	MockInterval time.Duration
	Logger       *logrus.Logger
	// Prober overrides the platform foreground-window query.
	Prober focus.Prober
	// OnTerminate runs after the shutdown sequence, before Run returns.
	OnTerminate func()
}

type App struct {
	cfg  *config.Config
	opts Options
	log  *logrus.Entry

	metrics     *metrics.Recorder
	provider    *telemetry.Provider
	store       *lobby.Store
	client      *backend.Client
	mirror      *backend.Mirror
	monitor     *monitor.Monitor
	events      chan lobby.Event
	broadcaster *ws.Broadcaster
	window      *ws.RemoteWindow
	controller  *visibility.Controller
	poller      *focus.Poller
	updater     *update.Coordinator
	shutdown    *shutdown.Coordinator
	watchdog    *shutdown.Watchdog
	generator   *mock.Generator
	server      *ws.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	addr    string
	running bool
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &App{cfg: cfg, opts: opts, log: logging.Component(logger, "app")}
	component := func(name string) *logrus.Entry { return logging.Component(logger, name) }

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	a.provider = telemetry.NewProvider(telemetry.ProviderConfig{
		Path:         cfg.Telemetry.Path,
		PollInterval: cfg.Telemetry.PollInterval,
		StaleAfter:   cfg.Telemetry.StaleAfter,
		HoldWindow:   cfg.Telemetry.HoldWindow,
	},
		telemetry.WithLogger(component("telemetry")),
		telemetry.WithObserver(telemetryObserver{a}),
	)

	cat, err := catalog.Load(cfg.Session.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	a.store, err = lobby.Open(cfg.Session.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening lobby store: %w", err)
	}

	a.client = backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout,
		backend.WithLogger(component("backend")),
		backend.WithRetries(cfg.Backend.MaxRetries),
	)
	monOpts := []monitor.Option{
		monitor.WithLogger(component("monitor")),
		monitor.WithCatalog(cat),
		monitor.WithObserver(a.metrics),
	}
	if cfg.Backend.MirrorLobbies && a.client.Enabled() {
		a.mirror = backend.NewMirror(a.client, lobby.PrivacyFilter{
			MaskHostNames:  cfg.Backend.MaskHostNames,
			MaskSessionIDs: cfg.Backend.MaskSessionIDs,
		}, component("mirror"), a.metrics)
		monOpts = append(monOpts, monitor.WithMirror(a.mirror))
	}
	a.monitor = monitor.New(a.provider, a.store, cfg.Session.PollInterval, monOpts...)
	a.events = make(chan lobby.Event, lobbyEventBuffer)
	a.monitor.SetEvents(a.events)

	var deps ws.Deps
	a.broadcaster = ws.NewBroadcaster(func() ws.SnapshotPayload { return ws.Snapshot(deps) },
		cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, maxContentClients,
		component("content"), a.metrics)
	a.window = ws.NewRemoteWindow(a.broadcaster, visibility.Rect(cfg.Overlay.FullBounds))

	a.controller = visibility.NewController(a.window,
		visibility.WithLogger(component("visibility")),
		visibility.WithObserver(a.metrics),
		visibility.WithFadeDuration(cfg.Overlay.FadeDuration),
		visibility.WithFullBounds(visibility.Rect(cfg.Overlay.FullBounds)),
		visibility.WithDebugBounds(visibility.Rect(cfg.Overlay.DebugBounds)),
		visibility.WithInitial(cfg.Overlay.Enabled, cfg.Overlay.DebugPinned),
	)
	a.controller.OnChange(func(st visibility.State) {
		a.broadcaster.Broadcast(ws.WSMessage{Type: ws.MsgVisibility, Payload: st})
	})

	prober := opts.Prober
	if prober == nil {
		prober = focus.NewProber()
	}
	classifier := &focus.Classifier{
		GameProcesses: cfg.Focus.GameProcesses,
		GameTitles:    cfg.Focus.GameTitles,
		OverlayTitles: cfg.Focus.OverlayTitles,
		OwnPID:        os.Getpid(),
		Names:         focus.Processes{},
	}
	a.poller = focus.NewPoller(prober, classifier, cfg.Focus.PollInterval,
		focus.WithLogger(component("focus")),
		focus.WithObserver(a.metrics),
		focus.WithQueryTimeout(cfg.Focus.QueryTimeout),
		focus.WithOnChange(func(s focus.State) { a.controller.SetFocus(s) }),
	)

	a.updater = update.NewCoordinator(&update.HTTPChannel{
		ManifestURL:    cfg.Update.ManifestURL,
		CurrentVersion: cfg.Update.CurrentVersion,
		DownloadDir:    cfg.Update.DownloadDir,
	},
		update.WithLogger(component("update")),
		update.WithObserver(a.metrics),
		update.WithPrepare(func(ctx context.Context) { a.shutdown.Prepare(ctx) }),
		update.WithRecover(a.monitor.Resume),
	)
	a.updater.OnChange(func(st update.State) {
		a.broadcaster.Broadcast(ws.WSMessage{Type: ws.MsgUpdate, Payload: st})
	})

	if opts.Mock {
		a.generator = mock.NewGenerator(cfg.Telemetry.Path, opts.MockInterval, mock.WithLogger(component("mock")))
	}

	deps = ws.Deps{
		Telemetry: a.provider,
		Lobbies:   a.store,
		Overlay:   a.controller,
		Updates:   a.updater,
		Window:    a.window,
		Quit:      func(reason string) { go a.Quit(reason) },
	}
	if a.metrics != nil {
		deps.Metrics = a.metrics.Handler()
	}
	a.server = ws.NewServer(deps, a.broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken, component("server"))

	a.shutdown = shutdown.New(a.terminate,
		shutdown.WithLogger(component("shutdown")),
		shutdown.WithStepTimeout(cfg.Watchdog.StepTimeout),
		shutdown.WithNotifier(a.server),
		shutdown.WithLobbyCloser(lobbyCloser{a.monitor}),
		shutdown.WithBackend(a.client),
	)

	if cfg.Watchdog.Enabled && !opts.Mock {
		a.watchdog = shutdown.NewWatchdog(focus.Processes{}, cfg.Focus.GameProcesses,
			cfg.Watchdog.Interval, cfg.Watchdog.MissedPolls,
			func(reason string) { go a.Quit(reason) },
			shutdown.WithWatchdogLogger(component("watchdog")),
			shutdown.WithWatchObserver(a.metrics),
			shutdown.WithSuppress(a.updater.Installing),
		)
	}

	return a, nil
}

// Run starts every loop and the content-layer server, and blocks until ctx
// is cancelled, Quit completes, or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app already running")
	}
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	if a.generator != nil {
		if err := a.generator.Start(ctx); err != nil {
			ln.Close()
			return fmt.Errorf("starting mock telemetry: %w", err)
		}
		defer a.generator.Stop()
	}
	if err := a.provider.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("starting telemetry provider: %w", err)
	}
	defer a.provider.Stop()

	if a.mirror != nil {
		a.mirror.Start(ctx)
		defer a.mirror.Stop()
	}
	a.monitor.Start(ctx)
	defer a.monitor.Stop()
	go a.forwardLobbyEvents(ctx)

	a.broadcaster.Start()
	defer a.broadcaster.Stop()
	a.controller.Apply()
	defer a.controller.Close()
	a.poller.Start(ctx)
	defer a.poller.Stop()
	if a.watchdog != nil {
		a.watchdog.Start(ctx)
		defer a.watchdog.Stop()
	}
	if a.cfg.Update.ManifestURL != "" {
		go func() {
			if _, err := a.updater.Check(ctx); err != nil {
				a.log.WithError(err).Debug("Startup update check failed")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()
	a.log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"telemetry": a.provider.Path(),
		"mock":      a.opts.Mock,
	}).Info("Overlay daemon running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("content-layer server: %w", runErr)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer stopCancel()
	if err := a.server.Shutdown(stopCtx); err != nil {
		a.log.WithError(err).Warn("Content-layer server shutdown failed")
	}
	return runErr
}

// Quit runs the shutdown sequence once and then stops Run.
func (a *App) Quit(reason string) []shutdown.Step {
	return a.shutdown.Quit(context.Background(), reason)
}

// Addr is the content-layer listen address once Run has bound it.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *App) Store() *lobby.Store { return a.store }

func (a *App) terminate() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a.opts.OnTerminate != nil {
		a.opts.OnTerminate()
	}
}

func (a *App) forwardLobbyEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.broadcaster.Broadcast(ws.WSMessage{Type: ws.MsgLobby, Payload: ws.LobbyPayload{
				Event:       ev.Type.String(),
				Record:      ev.Record,
				Changed:     ev.Changed,
				ActiveCount: ev.ActiveCount,
			}})
			a.broadcaster.QueueSnapshot()
		}
	}
}

// telemetryObserver records poll outcomes and pushes a fresh snapshot to
// the renderer whenever the file produced new data.
type telemetryObserver struct{ a *App }

func (o telemetryObserver) ObserveTelemetry(outcome string, st telemetry.Status) {
	o.a.metrics.ObserveTelemetry(outcome, st)
	if outcome != "unchanged" {
		o.a.broadcaster.QueueSnapshot()
	}
}

type lobbyCloser struct{ m *monitor.Monitor }

func (l lobbyCloser) CloseTracked(ctx context.Context) (string, error) {
	rec, err := l.m.CloseActive(ctx)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.ID, nil
}
