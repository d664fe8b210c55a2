package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/couponforge-web/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// failure-attempt limiter metrics
	lockoutsTotal      *prometheus.CounterVec
	attemptDenied      *prometheus.CounterVec
	attemptRecords     *prometheus.GaugeVec
	sweepRunsTotal     *prometheus.CounterVec
	sweepRemovedTotal  *prometheus.CounterVec
	loginAttemptsTotal *prometheus.CounterVec
	couponsIssued      *prometheus.CounterVec

	// limit-overrides loader metrics
	overridesLoadsTotal  prometheus.Counter
	overridesErrorsTotal *prometheus.CounterVec
	overridesLoadedTs    prometheus.Gauge
	overridesSource      *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by a rate limiter, by limiter name",
		}, []string{"limiter"}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times flood limiter client capacity was reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		lockoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attempt_lockouts_total",
			Help: "Total lockouts engaged, by limiter name",
		}, []string{"limiter"}),
		attemptDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attempt_denied_total",
			Help: "Total checks denied by an active lockout, by limiter name",
		}, []string{"limiter"}),
		attemptRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "attempt_records",
			Help: "Tracked failure records remaining after the last sweep, by limiter name",
		}, []string{"limiter"}),
		sweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attempt_sweep_runs_total",
			Help: "Total background sweep cycles, by limiter name",
		}, []string{"limiter"}),
		sweepRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attempt_sweep_removed_total",
			Help: "Total expired records removed by sweeps, by limiter name",
		}, []string{"limiter"}),
		loginAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Total login attempts by result (success, failure, locked)",
		}, []string{"result"}),
		couponsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupons_issued_total",
			Help: "Total coupon codes issued, by tenant",
		}, []string{"tenant"}),
		overridesLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limit_overrides_loads_total",
			Help: "Total successful limit-overrides document loads",
		}),
		overridesErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limit_overrides_errors_total",
			Help: "Total limit-overrides load errors by type",
		}, []string{"type"}),
		overridesLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limit_overrides_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the current limit overrides were loaded",
		}),
		overridesSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "limit_overrides_source_info",
			Help: "Current limit-overrides source (label carries value, gauge is always 1)",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.lockoutsTotal,
		m.attemptDenied,
		m.attemptRecords,
		m.sweepRunsTotal,
		m.sweepRemovedTotal,
		m.loginAttemptsTotal,
		m.couponsIssued,
		m.overridesLoadsTotal,
		m.overridesErrorsTotal,
		m.overridesLoadedTs,
		m.overridesSource,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.ratelimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) IncLockout(limiter string) {
	m.lockoutsTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncAttemptDenied(limiter string) {
	m.attemptDenied.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) ObserveSweep(limiter string, removed, remaining int) {
	m.sweepRunsTotal.WithLabelValues(limiter).Inc()
	m.sweepRemovedTotal.WithLabelValues(limiter).Add(float64(removed))
	m.attemptRecords.WithLabelValues(limiter).Set(float64(remaining))
}

func (m *ServerMetrics) IncLoginAttempt(result string) {
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncCouponIssued(tenant string) {
	m.couponsIssued.WithLabelValues(tenant).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncOverridesLoad() {
	m.overridesLoadsTotal.Inc()
}

func (m *ServerMetrics) IncOverridesError(errType string) {
	m.overridesErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetOverridesLoadedTimestamp(t time.Time) {
	m.overridesLoadedTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetOverridesSource(source string) {
	m.overridesSource.Reset() // clear previous label value
	m.overridesSource.WithLabelValues(source).Set(1)
}
