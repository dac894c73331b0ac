package basicauth

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "extproc"
	metricsSubsystem = "basicauth"
)

// Decision results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultBypassed = "bypassed"
)

// Metrics holds the Prometheus collectors of the filter. A nil *Metrics records nothing.
type Metrics struct {
	decisions      *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	users          prometheus.Gauge
	reloads        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer, or with the default registerer when nil.
// Registering twice against the same registerer reuses the collectors already registered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "decisions_total",
			Help:      "Authentication decisions by result and reason.",
		}, []string{"result", "reason"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "verify_duration_seconds",
			Help:      "Time spent checking credentials against the user table.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_hits_total",
			Help:      "Credential checks answered by the verification cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_misses_total",
			Help:      "Credential checks that had to run bcrypt.",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "users",
			Help:      "Number of users in the active user table.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "users_reloads_total",
			Help:      "User table reloads by result.",
		}, []string{"result"}),
	}
	m.decisions = register(registerer, m.decisions)
	m.verifyDuration = register(registerer, m.verifyDuration)
	m.cacheHits = register(registerer, m.cacheHits)
	m.cacheMisses = register(registerer, m.cacheMisses)
	m.users = register(registerer, m.users)
	m.reloads = register(registerer, m.reloads)
	return m
}

func register[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) recordDecision(result string, err error) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(result, Reason(err)).Inc()
}

func (m *Metrics) observeVerify(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultAccepted
	if err != nil {
		result = ResultRejected
	}
	m.verifyDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) setUsers(n int) {
	if m == nil {
		return
	}
	m.users.Set(float64(n))
}

func (m *Metrics) recordReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reloads.WithLabelValues(result).Inc()
}
