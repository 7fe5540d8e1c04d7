package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Auth domain metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	sessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_revoked_total",
		Help: "Sessions revoked by logout, logout-all or admin action.",
	})

	permissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_denials_total",
			Help: "Requests denied by the permission gate, by module.",
		},
		[]string{"module"},
	)

	passwordResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_password_resets_total",
			Help: "Password reset flow events by stage.",
		},
		[]string{"stage"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	janitorPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_purged_rows_total",
			Help: "Rows removed by the background janitor, by target.",
		},
		[]string{"target"},
	)

	routemapReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_routemap_reloads_total",
			Help: "Route map reload attempts by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			loginsTotal, lockoutsTotal, sessionsRevokedTotal,
			permissionDenialsTotal, passwordResetsTotal,
			auditWriteFailures, janitorPurgedTotal, routemapReloads,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func ObserveLogin(result string)          { loginsTotal.WithLabelValues(result).Inc() }
func ObserveLockout()                     { lockoutsTotal.Inc() }
func ObserveSessionsRevoked(n int)        { sessionsRevokedTotal.Add(float64(n)) }
func ObservePermissionDenied(mod string)  { permissionDenialsTotal.WithLabelValues(mod).Inc() }
func ObservePasswordReset(stage string)   { passwordResetsTotal.WithLabelValues(stage).Inc() }
func ObserveAuditWriteFailure()           { auditWriteFailures.Inc() }
func ObserveJanitorPurge(tgt string, n int) {
	janitorPurgedTotal.WithLabelValues(tgt).Add(float64(n))
}
func ObserveRoutemapReload(result string) { routemapReloads.WithLabelValues(result).Inc() }

// Instrument wraps a handler with in-flight, rate and latency measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// canonicalRoutes lists the route shapes whose variable segment collapses to
// :id. Anything else keeps its literal path so metric labels stay bounded to
// the known surface.
var canonicalRoutes = []struct {
	prefix string
	tail   string
	out    string
}{
	{"/api/auth/sessions/", "", "/api/auth/sessions/:id"},
	{"/api/admin/users/", "reset-password", "/api/admin/users/:id/reset-password"},
	{"/api/admin/users/", "", "/api/admin/users/:id"},
	{"/api/admin/roles/", "permissions", "/api/admin/roles/:id/permissions"},
	{"/api/admin/roles/", "", "/api/admin/roles/:id"},
	{"/api/admin/permissions/", "", "/api/admin/permissions/:id"},
	{"/api/admin/audit-logs/", "", "/api/admin/audit-logs/:id"},
}

// CanonicalPath reduces a request path to its route template for metric
// labels. Query strings are stripped.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, route := range canonicalRoutes {
		rest, ok := strings.CutPrefix(path, route.prefix)
		if !ok || rest == "" {
			continue
		}
		segs := strings.Split(rest, "/")
		if route.tail == "" && len(segs) == 1 {
			return route.out
		}
		if route.tail != "" && len(segs) == 2 && segs[1] == route.tail {
			return route.out
		}
	}
	return path
}

// statusWriter records the response code for metric labels. Flush is
// forwarded so server-sent event streams keep working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.NewResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
