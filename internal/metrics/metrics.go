// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/persistence/r2s3"
	"roverworld.ai/internal/persistence/store"
)

// Metrics holds every collector on its own registry so tests can build as
// many as they like.
type Metrics struct {
	reg *prometheus.Registry

	chipsAppended    *prometheus.CounterVec
	deferredRun      *prometheus.CounterVec
	deferredLate     *prometheus.HistogramVec
	targetsCreated   *prometheus.CounterVec
	targetsDeleted   *prometheus.CounterVec
	renderLeases     *prometheus.CounterVec
	timeShifts       *prometheus.CounterVec
	timeShiftSeconds *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	streamClients    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		chipsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_chips_appended_total",
			Help: "Chips written to the chip log.",
		}, []string{"action", "transient"}),
		deferredRun: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_deferred_dispatched_total",
			Help: "Deferred rows run to completion.",
		}, []string{"type"}),
		deferredLate: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roverworld_deferred_lateness_seconds",
			Help:    "Wall time between a deferred row's deadline and its dispatch.",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"type"}),
		targetsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_targets_created_total",
			Help: "Targets created.",
		}, []string{"origin"}),
		targetsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_targets_deleted_total",
			Help: "Targets deleted, by reason.",
		}, []string{"reason"}),
		renderLeases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_render_leases_total",
			Help: "Renderer lease outcomes.",
		}, []string{"outcome"}),
		timeShifts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_time_shifts_total",
			Help: "Player time shifts.",
		}, []string{"direction"}),
		timeShiftSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_time_shift_seconds_total",
			Help: "Game seconds moved by time shifts.",
		}, []string{"direction"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roverworld_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roverworld_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "roverworld_stream_clients",
			Help: "Connected chip stream clients.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchChips counts every chip appended on bus.
func (m *Metrics) WatchChips(bus *chips.Bus) {
	bus.OnAppend(func(_ *store.Ctx, ch chips.Chip) {
		m.chipsAppended.WithLabelValues(string(ch.Action), strconv.FormatBool(ch.Transient)).Inc()
	})
}

func (m *Metrics) Dispatched(typ string, late time.Duration) {
	m.deferredRun.WithLabelValues(typ).Inc()
	if late < 0 {
		late = 0
	}
	m.deferredLate.WithLabelValues(typ).Observe(late.Seconds())
}

func (m *Metrics) TargetCreated(userCreated bool) {
	origin := "story"
	if userCreated {
		origin = "player"
	}
	m.targetsCreated.WithLabelValues(origin).Inc()
}

func (m *Metrics) TargetsDeleted(reason string, n int) {
	m.targetsDeleted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RenderLease(outcome string) {
	m.renderLeases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TimeShift(direction string, d time.Duration) {
	m.timeShifts.WithLabelValues(direction).Inc()
	m.timeShiftSeconds.WithLabelValues(direction).Add(d.Seconds())
}

func (m *Metrics) StreamOpened() { m.streamClients.Inc() }
func (m *Metrics) StreamClosed() { m.streamClients.Dec() }

// WatchArchive exports the audit archive's queue and upload counters. stats
// is read on every scrape.
func (m *Metrics) WatchArchive(stats func() r2s3.Stats) {
	gauge := func(name, help string, v func(r2s3.Stats) float64) {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roverworld_archive_" + name,
			Help: help,
		}, func() float64 { return v(stats()) }))
	}
	counter := func(name, help string, v func(r2s3.Stats) float64) {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "roverworld_archive_" + name,
			Help: help,
		}, func() float64 { return v(stats()) }))
	}
	gauge("queue_depth", "Files waiting for upload.", func(s r2s3.Stats) float64 { return float64(s.QueueDepth) })
	gauge("queue_capacity", "Upload queue capacity.", func(s r2s3.Stats) float64 { return float64(s.QueueCapacity) })
	gauge("last_success_unix", "Unix time of the last successful upload.", func(s r2s3.Stats) float64 { return float64(s.LastSuccessUnix) })
	gauge("last_error_unix", "Unix time of the last failed upload.", func(s r2s3.Stats) float64 { return float64(s.LastErrorUnix) })
	counter("enqueued_total", "Files queued for upload.", func(s r2s3.Stats) float64 { return float64(s.EnqueuedTotal) })
	counter("queue_saturated_total", "Enqueues that had to wait for room.", func(s r2s3.Stats) float64 { return float64(s.QueueSaturatedTotal) })
	counter("dropped_total", "Files dropped on a full queue.", func(s r2s3.Stats) float64 { return float64(s.DroppedTotal) })
	counter("retry_total", "Upload attempts that failed and were scheduled again.", func(s r2s3.Stats) float64 { return float64(s.RetryTotal) })
	counter("upload_success_total", "Files uploaded.", func(s r2s3.Stats) float64 { return float64(s.UploadSuccessTotal) })
	counter("upload_fail_total", "Files that exhausted their retries.", func(s r2s3.Stats) float64 { return float64(s.UploadFailTotal) })
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
