package federation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks inbound dispatch and outbound delivery
type Metrics struct {
	// Inbound
	DispatchTotal *prometheus.CounterVec // scope, outcome

	// Outbound
	DeliveryAttempts  *prometheus.CounterVec // outcome
	DeliveryAbandoned prometheus.Counter
	DeliveryLatency   prometheus.Histogram
	Enqueued          prometheus.Counter
	QueueDepth        prometheus.Gauge

	// Remote server health
	ServersUnreachable prometheus.Gauge
	ServerFailures     prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postbox_dispatch_total",
			Help: "Inbound envelopes by scope and outcome",
		}, []string{"scope", "outcome"}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postbox_delivery_attempts_total",
			Help: "Delivery queue processing results by outcome",
		}, []string{"outcome"}),
		DeliveryAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "postbox_delivery_abandoned_total",
			Help: "Queue items deleted after reaching the retry ceiling",
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "postbox_delivery_latency_seconds",
			Help:    "Duration of outbound HTTP delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "postbox_delivery_enqueued_total",
			Help: "Queue items created",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postbox_queue_depth",
			Help: "Pending delivery queue items",
		}),

		ServersUnreachable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postbox_servers_unreachable",
			Help: "Remote servers currently marked as failed",
		}),
		ServerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "postbox_server_failures_total",
			Help: "Failures recorded against remote servers",
		}),
	}
}

// The helpers below tolerate a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) ObserveDispatch(scope, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) ObserveDelivery(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.DeliveryLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveAbandoned() {
	if m == nil {
		return
	}
	m.DeliveryAbandoned.Inc()
}

func (m *Metrics) ObserveEnqueued() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

func (m *Metrics) ObserveServerFailure() {
	if m == nil {
		return
	}
	m.ServerFailures.Inc()
}

// Snapshot is the node state the health endpoint reports on.
type Snapshot struct {
	QueueDepth         int
	ServersTotal       int
	ServersUnreachable int
}

// SnapshotFunc collects a Snapshot; it is called on every health request
// and by the monitor loop.
type SnapshotFunc func() (Snapshot, error)

// HealthMonitor periodically collects a Snapshot and publishes it as gauges
type HealthMonitor struct {
	metrics  *Metrics
	collect  SnapshotFunc
	logger   *zap.Logger
	interval time.Duration

	mu        sync.RWMutex
	last      Snapshot
	lastErr   error
	lastCheck time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(metrics *Metrics, collect SnapshotFunc, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		metrics:  metrics,
		collect:  collect,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic collection
func (hm *HealthMonitor) Start() {
	go hm.monitorLoop()
}

// Stop stops the health monitor
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.Check()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopChan:
			return
		}
	}
}

// Check collects a fresh snapshot and updates the gauges.
func (hm *HealthMonitor) Check() {
	snap, err := hm.collect()

	hm.mu.Lock()
	hm.lastCheck = time.Now()
	hm.lastErr = err
	if err == nil {
		hm.last = snap
	}
	hm.mu.Unlock()

	if err != nil {
		hm.logger.Warn("Health snapshot failed", zap.Error(err))
		return
	}

	if hm.metrics != nil {
		hm.metrics.QueueDepth.Set(float64(snap.QueueDepth))
		hm.metrics.ServersUnreachable.Set(float64(snap.ServersUnreachable))
	}

	hm.logger.Debug("Health check completed",
		zap.Int("queue_depth", snap.QueueDepth),
		zap.Int("servers_unreachable", snap.ServersUnreachable))
}

// Last returns the most recent snapshot, the error of the most recent
// collection and when it ran.
func (hm *HealthMonitor) Last() (Snapshot, error, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.last, hm.lastErr, hm.lastCheck
}

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	monitor *HealthMonitor
	logger  *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(monitor *HealthMonitor, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{monitor: monitor, logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.Handler())
}

type healthResponse struct {
	Status             string `json:"status"`
	QueueDepth         int    `json:"queue_depth"`
	ServersTotal       int    `json:"servers_total"`
	ServersUnreachable int    `json:"servers_unreachable"`
	LastCheck          string `json:"last_check"`
	Error              string `json:"error,omitempty"`
}

// handleHealth reports the last snapshot. A failing store makes the node
// unhealthy; unreachable remote servers only degrade it.
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err, lastCheck := he.monitor.Last()

	resp := healthResponse{
		Status:             "healthy",
		QueueDepth:         snap.QueueDepth,
		ServersTotal:       snap.ServersTotal,
		ServersUnreachable: snap.ServersUnreachable,
		LastCheck:          lastCheck.Format(time.RFC3339),
	}
	statusCode := http.StatusOK

	switch {
	case err != nil:
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	case snap.ServersUnreachable > 0:
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness is ready once a snapshot has been collected successfully.
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	_, err, lastCheck := he.monitor.Last()
	if err != nil || lastCheck.IsZero() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// StartMetricsServer starts the health/metrics listener
func StartMetricsServer(addr string, monitor *HealthMonitor, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewHealthEndpoint(monitor, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}

// String renders a one-line summary for CLI output.
func (s Snapshot) String() string {
	return fmt.Sprintf("queue=%d servers=%d unreachable=%d", s.QueueDepth, s.ServersTotal, s.ServersUnreachable)
}
