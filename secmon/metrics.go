package secmon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Metrics exposes the processor's counters to prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	syscalls     *prometheus.CounterVec
	seen         prometheus.Counter
	dropped      prometheus.Counter
	decodeErrors prometheus.Counter
	matchedGroup prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syscalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secmon_syscalls_total",
				Help: "Syscalls attributed to the monitored container, by syscall number.",
			},
			[]string{"syscall"},
		),
		seen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secmon_records_seen_total",
			Help: "Trace records read from the kernel.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secmon_records_dropped_total",
			Help: "Trace records not attributed to the monitored container.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secmon_decode_errors_total",
			Help: "Trace records that could not be decoded.",
		}),
		matchedGroup: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secmon_matched_cgroup_id",
			Help: "Cgroup id the monitored container was matched to, 0 until matched.",
		}),
	}

	m.registry.MustRegister(m.syscalls, m.seen, m.dropped, m.decodeErrors, m.matchedGroup)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry, rejecting more than perSec requests a second on average.
func (m *Metrics) Handler(perSec, burst int) http.Handler {
	limiter := rate.NewLimiter(rate.Every(time.Second/time.Duration(max(perSec, 1))), burst)
	next := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func (m *Metrics) recordSeen() {
	if m == nil {
		return
	}
	m.seen.Inc()
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) recordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) recordSyscall(id uint32) {
	if m == nil {
		return
	}
	m.syscalls.WithLabelValues(strconv.FormatUint(uint64(id), 10)).Inc()
}

func (m *Metrics) setMatchedGroup(id uint64) {
	if m == nil {
		return
	}
	m.matchedGroup.Set(float64(id))
}
