// Package metrics exposes Prometheus metrics for every loop in the daemon.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-racer/overlay/internal/telemetry"
)

const namespace = "overlay"

type Recorder struct {
	registry *prometheus.Registry

	telemetryReads        *prometheus.CounterVec
	telemetryParseErrors  prometheus.Gauge
	telemetryStale        prometheus.Gauge
	telemetryLastGood     prometheus.Gauge
	lobbyEvents           *prometheus.CounterVec
	monitorSkipped        prometheus.Counter
	focusPolls            *prometheus.CounterVec
	overlayVisible        prometheus.Gauge
	overlayDebugOnly      prometheus.Gauge
	watchdogMisses        prometheus.Gauge
	updateStatus          *prometheus.GaugeVec
	mirrorPosts           *prometheus.CounterVec
	contentClients        prometheus.Gauge
	contentDroppedUpdates prometheus.Counter
}

// New builds a recorder on its own registry, with the Go and process
// collectors registered alongside.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		telemetryReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_reads_total",
			Help:      "Telemetry file polls by outcome (ok, unchanged, error).",
		}, []string{"outcome"}),
		telemetryParseErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_consecutive_parse_errors",
			Help:      "Consecutive failed reads of the telemetry file.",
		}),
		telemetryStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_stale",
			Help:      "1 while the telemetry snapshot is treated as stale.",
		}),
		telemetryLastGood: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_last_good_timestamp_seconds",
			Help:      "Unix time of the last successful telemetry read.",
		}),
		lobbyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_events_total",
			Help:      "Lobby record lifecycle events by type.",
		}, []string{"type"}),
		monitorSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_monitor_skipped_ticks_total",
			Help:      "Session monitor ticks skipped because the previous tick was still running.",
		}),
		focusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "focus_polls_total",
			Help:      "Foreground window polls by classification.",
		}, []string{"class"}),
		overlayVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "visible",
			Help:      "1 while the overlay window is shown.",
		}),
		overlayDebugOnly: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debug_only",
			Help:      "1 while the overlay is in debug-only content mode.",
		}),
		watchdogMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchdog_consecutive_misses",
			Help:      "Consecutive polls that did not find the game process.",
		}),
		updateStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_status",
			Help:      "1 for the current update status, 0 otherwise.",
		}, []string{"status"}),
		mirrorPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_mirror_posts_total",
			Help:      "Lobby mirror posts to the backend by result.",
		}, []string{"result"}),
		contentClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_clients",
			Help:      "Connected content-layer WebSocket clients.",
		}),
		contentDroppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_dropped_messages_total",
			Help:      "Messages dropped for slow content-layer clients.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.telemetryReads,
		r.telemetryParseErrors,
		r.telemetryStale,
		r.telemetryLastGood,
		r.lobbyEvents,
		r.monitorSkipped,
		r.focusPolls,
		r.overlayVisible,
		r.overlayDebugOnly,
		r.watchdogMisses,
		r.updateStatus,
		r.mirrorPosts,
		r.contentClients,
		r.contentDroppedUpdates,
	)
	return r
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (r *Recorder) ObserveTelemetry(outcome string, st telemetry.Status) {
	if r == nil {
		return
	}
	r.telemetryReads.WithLabelValues(outcome).Inc()
	r.telemetryParseErrors.Set(float64(st.ConsecutiveParseErrors))
	r.telemetryStale.Set(boolGauge(st.Stale))
	if st.LastGoodAt != nil {
		r.telemetryLastGood.Set(float64(st.LastGoodAt.Unix()))
	}
}

func (r *Recorder) ObserveLobbyEvent(kind string) {
	if r == nil {
		return
	}
	r.lobbyEvents.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveTickSkipped() {
	if r == nil {
		return
	}
	r.monitorSkipped.Inc()
}

func (r *Recorder) ObserveFocus(class string) {
	if r == nil {
		return
	}
	r.focusPolls.WithLabelValues(class).Inc()
}

func (r *Recorder) ObserveVisibility(visible bool, mode string) {
	if r == nil {
		return
	}
	r.overlayVisible.Set(boolGauge(visible))
	r.overlayDebugOnly.Set(boolGauge(mode == "debug_only"))
}

func (r *Recorder) ObserveWatchdogMiss(consecutive int) {
	if r == nil {
		return
	}
	r.watchdogMisses.Set(float64(consecutive))
}

// ObserveUpdateStatus sets the named status to 1 and every other status
// seen so far to 0.
func (r *Recorder) ObserveUpdateStatus(status string) {
	if r == nil {
		return
	}
	r.updateStatus.Reset()
	r.updateStatus.WithLabelValues(status).Set(1)
}

func (r *Recorder) ObserveMirror(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.mirrorPosts.WithLabelValues(result).Inc()
}

func (r *Recorder) SetContentClients(n int) {
	if r == nil {
		return
	}
	r.contentClients.Set(float64(n))
}

func (r *Recorder) ObserveContentDropped() {
	if r == nil {
		return
	}
	r.contentDroppedUpdates.Inc()
}
