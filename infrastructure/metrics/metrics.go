// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Execution retention/aggregation (periodic task, see §4.4)
	ExecutionStatusWindowCount *prometheus.GaugeVec
	ExecutionSuccessRate       *prometheus.GaugeVec
	ExecutionsRetained         *prometheus.CounterVec

	// Process/host resource gauges, sampled on scrape via gopsutil so an
	// operator can correlate execution throughput against the worker
	// process's own resource pressure without a separate exporter.
	ProcessResidentMemoryBytes prometheus.GaugeFunc
	ProcessCPUPercent          prometheus.GaugeFunc
	HostMemoryUsedPercent      prometheus.GaugeFunc
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Execution metrics
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reaction_executions_total",
				Help: "Total number of reaction executions dispatched",
			},
			[]string{"service", "reaction", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reaction_execution_duration_seconds",
				Help:    "Reaction execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"service", "reaction"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		ExecutionStatusWindowCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "execution_status_window_count",
				Help: "Execution count by status for a trailing window",
			},
			[]string{"service", "window", "status"},
		),
		ExecutionSuccessRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "execution_success_rate",
				Help: "Fraction of terminal executions that succeeded for a trailing window",
			},
			[]string{"service", "window"},
		),
		ExecutionsRetained: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executions_retained_deleted_total",
				Help: "Total number of completed executions deleted by the retention task",
			},
			[]string{"service", "status"},
		),
	}

	selfProcess, _ := process.NewProcess(int32(os.Getpid()))

	m.ProcessResidentMemoryBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_process_resident_memory_bytes",
		Help: "Resident memory of this process, sampled via gopsutil",
	}, func() float64 {
		if selfProcess == nil {
			return 0
		}
		info, err := selfProcess.MemoryInfo()
		if err != nil || info == nil {
			return 0
		}
		return float64(info.RSS)
	})
	m.ProcessCPUPercent = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_process_cpu_percent",
		Help: "CPU usage percent of this process since the prior sample, via gopsutil",
	}, func() float64 {
		if selfProcess == nil {
			return 0
		}
		pct, err := selfProcess.CPUPercent()
		if err != nil {
			return 0
		}
		return pct
	})
	m.HostMemoryUsedPercent = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_memory_used_percent",
		Help: "Host-wide memory utilisation percent, via gopsutil",
	}, func() float64 {
		vm, err := mem.VirtualMemory()
		if err != nil || vm == nil {
			return 0
		}
		return vm.UsedPercent
	})

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.ExecutionStatusWindowCount,
			m.ExecutionSuccessRate,
			m.ExecutionsRetained,
			m.ProcessResidentMemoryBytes,
			m.ProcessCPUPercent,
			m.HostMemoryUsedPercent,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordExecution records a reaction execution outcome.
func (m *Metrics) RecordExecution(service, reaction, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(service, reaction, status).Inc()
	m.ExecutionDuration.WithLabelValues(service, reaction).Observe(duration.Seconds())
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordExecutionWindow publishes per-status execution counts and the
// resulting success rate for a trailing window ("1h", "24h").
func (m *Metrics) RecordExecutionWindow(service, window string, counts map[string]int64) {
	var success, failed int64
	for status, count := range counts {
		m.ExecutionStatusWindowCount.WithLabelValues(service, window, status).Set(float64(count))
		switch status {
		case "success":
			success = count
		case "failed":
			failed = count
		}
	}
	terminal := success + failed
	if terminal == 0 {
		return
	}
	m.ExecutionSuccessRate.WithLabelValues(service, window).Set(float64(success) / float64(terminal))
}

// RecordRetentionDeletes records how many completed executions of a given
// status the retention task removed in one run.
func (m *Metrics) RecordRetentionDeletes(service, status string, count int64) {
	if count <= 0 {
		return
	}
	m.ExecutionsRetained.WithLabelValues(service, status).Add(float64(count))
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("AREA_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
