// Package metrics exposes Prometheus counters/gauges for the bridge plus a
// cheap local mirror for log-based deployments without a Prometheus scraper.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/meshcore-bridge/internal/logging"
)

// Prometheus series.
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total frames decoded from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total payloads written to the serial link.",
	})
	PushBroadcastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_broadcast_frames_total",
		Help: "Total push frames broadcast to connected clients.",
	})
	ResponseUnicastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "response_unicast_frames_total",
		Help: "Total response frames unicast to their originating client.",
	})
	ResponseBroadcastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "response_broadcast_frames_total",
		Help: "Total response frames broadcast because the originating command had no client source or no command was in flight.",
	})
	QueueTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_timeouts_total",
		Help: "Total commands dropped by the command queue after deadline expiry.",
	})
	QueueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_enqueued_total",
		Help: "Total commands enqueued (from clients and internal producers).",
	})
	ReplayBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_buffer_size",
		Help: "Current number of entries held in the push-replay buffer.",
	})
	HubWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_ws_clients",
		Help: "Current number of connected WebSocket clients.",
	})
	HubTCPClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_tcp_clients",
		Help: "Current number of connected TCP clients.",
	})
	WeatherTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weather_ticks_total",
		Help: "Total weather producer ticks that resulted in a broadcast.",
	})
	WeatherSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weather_skips_total",
		Help: "Total weather producer ticks skipped (not ready, or no readings).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total byte-level resync events in the frame codec.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound series cardinality).
const (
	ErrSerialOpen     = "serial_open"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrTCPAccept      = "tcp_accept"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrWSUpgrade      = "ws_upgrade"
	ErrWSWrite        = "ws_write"
	ErrWeatherFetch   = "weather_fetch"
	ErrReplayPersist  = "replay_persist"
)

// StartHTTP serves /metrics and /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for deployments that prefer periodic log lines
// over scraping a Prometheus endpoint.
var (
	localSerialRx     uint64
	localSerialTx     uint64
	localPushBcast    uint64
	localRespUnicast  uint64
	localRespBcast    uint64
	localQueueTimeout uint64
	localErrors       uint64
	localMalformed    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx        uint64
	SerialTx        uint64
	PushBroadcast   uint64
	ResponseUnicast uint64
	ResponseBcast   uint64
	QueueTimeouts   uint64
	Errors          uint64
	Malformed       uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:        atomic.LoadUint64(&localSerialRx),
		SerialTx:        atomic.LoadUint64(&localSerialTx),
		PushBroadcast:   atomic.LoadUint64(&localPushBcast),
		ResponseUnicast: atomic.LoadUint64(&localRespUnicast),
		ResponseBcast:   atomic.LoadUint64(&localRespBcast),
		QueueTimeouts:   atomic.LoadUint64(&localQueueTimeout),
		Errors:          atomic.LoadUint64(&localErrors),
		Malformed:       atomic.LoadUint64(&localMalformed),
	}
}

func IncSerialRx() { SerialRxFrames.Inc(); atomic.AddUint64(&localSerialRx, 1) }
func IncSerialTx() { SerialTxFrames.Inc(); atomic.AddUint64(&localSerialTx, 1) }

func IncPushBroadcast() { PushBroadcastFrames.Inc(); atomic.AddUint64(&localPushBcast, 1) }
func IncResponseUnicast() {
	ResponseUnicastFrames.Inc()
	atomic.AddUint64(&localRespUnicast, 1)
}
func IncResponseBroadcast() {
	ResponseBroadcastFrames.Inc()
	atomic.AddUint64(&localRespBcast, 1)
}

func IncQueueTimeout()  { QueueTimeouts.Inc(); atomic.AddUint64(&localQueueTimeout, 1) }
func IncQueueEnqueued() { QueueEnqueued.Inc() }

func SetReplayBufferSize(n int) { ReplayBufferSize.Set(float64(n)) }
func SetHubWSClients(n int)     { HubWSClients.Set(float64(n)) }
func SetHubTCPClients(n int)    { HubTCPClients.Set(float64(n)) }

func IncWeatherTick() { WeatherTicks.Inc() }
func IncWeatherSkip() { WeatherSkips.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrTCPAccept, ErrTCPRead, ErrTCPWrite, ErrWSUpgrade, ErrWSWrite,
		ErrWeatherFetch, ErrReplayPersist,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
