package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agent-racer/overlay/internal/lobby"
	"github.com/agent-racer/overlay/internal/telemetry"
	"github.com/agent-racer/overlay/internal/update"
	"github.com/agent-racer/overlay/internal/visibility"
)

const maxCommandSize = 64 << 10

type TelemetrySource interface {
	Envelope() telemetry.Envelope
	Status() telemetry.Status
}

type LobbySource interface {
	List() []*lobby.Record
	Active() []*lobby.Record
}

// OverlayControl is the part of visibility.Controller the renderer drives.
type OverlayControl interface {
	State() visibility.State
	ToggleHidden() visibility.State
	SetOverlayEnabled(on bool) visibility.State
	SetDebugPinned(on bool) visibility.State
	Blurred() bool
	ChildOpened()
	ChildClosed()
}

type Updater interface {
	State() update.State
	Check(ctx context.Context) (update.State, error)
	Download(ctx context.Context) (update.State, error)
	Install(ctx context.Context) error
}

// Deps are the daemon components the content-layer server reads and drives.
// Nil members disable the routes and commands that need them.
type Deps struct {
	Telemetry TelemetrySource
	Lobbies   LobbySource
	Overlay   OverlayControl
	Updates   Updater
	Window    *RemoteWindow
	// Quit starts the shutdown sequence and must not block.
	Quit    func(reason string)
	Metrics http.Handler
}

// Snapshot assembles the full renderer state from d.
func Snapshot(d Deps) SnapshotPayload {
	var p SnapshotPayload
	if d.Telemetry != nil {
		p.Telemetry = d.Telemetry.Envelope()
		p.Status = d.Telemetry.Status()
	} else {
		p.Telemetry = telemetry.DefaultEnvelope()
	}
	if d.Lobbies != nil {
		p.Lobbies = d.Lobbies.Active()
	}
	if p.Lobbies == nil {
		p.Lobbies = []*lobby.Record{}
	}
	if d.Overlay != nil {
		p.Visibility = d.Overlay.State()
	}
	if d.Updates != nil {
		p.Update = d.Updates.State()
	}
	return p
}

type Server struct {
	deps           Deps
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            *logrus.Entry

	mu         sync.Mutex
	httpServer *http.Server
}

func NewServer(deps Deps, broadcaster *Broadcaster, allowedOrigins []string, authToken string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		deps:           deps,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		log:            log,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/lobbies", s.handleLobbies)
	mux.HandleFunc("/api/overlay", s.handleOverlay)
	mux.HandleFunc("/api/overlay/toggle", s.handleToggle)
	mux.HandleFunc("/api/update/", s.handleUpdate)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
}

// Handler returns the full route set wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// NotifyShutdown tells every renderer the daemon is about to exit.
func (s *Server) NotifyShutdown(reason string) {
	s.broadcaster.Broadcast(WSMessage{Type: MsgShutdown, Payload: ShutdownPayload{Reason: reason}})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("Rejecting content-layer client")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Info("Content-layer client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.WithField("remote", r.RemoteAddr).Info("Content-layer client disconnected")
		}()
		conn.SetReadLimit(maxCommandSize)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				s.broadcaster.Send(c, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: "malformed command"}})
				continue
			}
			if err := s.handleCommand(cmd); err != nil {
				s.log.WithError(err).WithField("command", cmd.Type).Debug("Command rejected")
				s.broadcaster.Send(c, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
			}
		}
	}()
}

var errUnavailable = errors.New("not available")

func (s *Server) handleCommand(cmd Command) error {
	ov := s.deps.Overlay
	needOverlay := func() error {
		if ov == nil {
			return fmt.Errorf("%s: overlay control %w", cmd.Type, errUnavailable)
		}
		return nil
	}
	needOn := func() error {
		if err := needOverlay(); err != nil {
			return err
		}
		if cmd.On == nil {
			return fmt.Errorf("%s: missing \"on\"", cmd.Type)
		}
		return nil
	}

	switch cmd.Type {
	case CmdToggle:
		if err := needOverlay(); err != nil {
			return err
		}
		ov.ToggleHidden()
	case CmdSetEnabled:
		if err := needOn(); err != nil {
			return err
		}
		ov.SetOverlayEnabled(*cmd.On)
	case CmdSetPinned:
		if err := needOn(); err != nil {
			return err
		}
		ov.SetDebugPinned(*cmd.On)
	case CmdBlur:
		if err := needOverlay(); err != nil {
			return err
		}
		ov.Blurred()
	case CmdChildOpened:
		if err := needOverlay(); err != nil {
			return err
		}
		ov.ChildOpened()
	case CmdChildClosed:
		if err := needOverlay(); err != nil {
			return err
		}
		ov.ChildClosed()
	case CmdWindowBounds:
		if s.deps.Window == nil {
			return fmt.Errorf("%s: window %w", cmd.Type, errUnavailable)
		}
		if cmd.Bounds == nil {
			return fmt.Errorf("%s: missing \"bounds\"", cmd.Type)
		}
		s.deps.Window.ReportBounds(*cmd.Bounds)
	case CmdQuit:
		if s.deps.Quit == nil {
			return fmt.Errorf("%s: %w", cmd.Type, errUnavailable)
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "user quit"
		}
		s.deps.Quit(reason)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
	return nil
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	if s.deps.Telemetry == nil {
		writeJSON(w, http.StatusOK, telemetry.DefaultEnvelope())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Telemetry.Envelope())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	if s.deps.Telemetry == nil {
		http.Error(w, "telemetry not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Telemetry.Status())
}

// handleLobbies returns active records by default and every retained
// record with ?all=1.
func (s *Server) handleLobbies(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	if s.deps.Lobbies == nil {
		writeJSON(w, http.StatusOK, []*lobby.Record{})
		return
	}
	records := s.deps.Lobbies.Active()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		records = s.deps.Lobbies.List()
	}
	if records == nil {
		records = []*lobby.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type overlayRequest struct {
	Enabled *bool `json:"enabled"`
	Pinned  *bool `json:"pinned"`
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if s.deps.Overlay == nil {
		http.Error(w, "overlay control not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.deps.Overlay.State())
		return
	}

	var req overlayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandSize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st := s.deps.Overlay.State()
	if req.Enabled != nil {
		st = s.deps.Overlay.SetOverlayEnabled(*req.Enabled)
	}
	if req.Pinned != nil {
		st = s.deps.Overlay.SetDebugPinned(*req.Pinned)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	if s.deps.Overlay == nil {
		http.Error(w, "overlay control not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Overlay.ToggleHidden())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	u := s.deps.Updates
	if u == nil {
		http.Error(w, "updates not available", http.StatusServiceUnavailable)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/api/update/") {
	case "check":
		st, err := u.Check(r.Context())
		if err != nil {
			s.log.WithError(err).Debug("Update check failed")
		}
		writeJSON(w, http.StatusOK, st)
	case "download":
		st, err := u.Download(r.Context())
		if errors.Is(err, update.ErrNoRelease) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Debug("Update download failed")
		}
		writeJSON(w, http.StatusOK, st)
	case "install":
		err := u.Install(r.Context())
		if errors.Is(err, update.ErrNotDownloaded) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("Update install failed")
		}
		writeJSON(w, http.StatusAccepted, u.State())
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// guard checks auth and method, writing the error response when either
// fails.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Overlay-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe blocks until the server stops. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("Content-layer server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
