package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zb"

const (
	ProbeResultOK   = "ok"
	ProbeResultFail = "fail"
)

// Metrics 一次运行的指标，每个实例持有独立的 Registry
type Metrics struct {
	Registry *prometheus.Registry

	candidates   *prometheus.CounterVec
	probes       *prometheus.CounterVec
	validated    *prometheus.GaugeVec
	searchErrors *prometheus.CounterVec
	regionErrors *prometheus.CounterVec
	mergedLines  prometheus.Gauge
	downloads    *prometheus.CounterVec
	lastRun      prometheus.Gauge
	runDuration  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates returned by search, per region.",
		}, []string{"region"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probed candidates by result.",
		}, []string{"region", "result"}),
		validated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validated_hosts",
			Help:      "Validated relay hosts in the last run, per region.",
		}, []string{"region"}),
		searchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_errors_total",
			Help:      "Search calls that returned an error.",
		}, []string{"platform"}),
		regionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_errors_total",
			Help:      "Regions that failed, by reason.",
		}, []string{"reason"}),
		mergedLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merged_lines",
			Help:      "Deduplicated channel lines in the merged playlist.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Playlist downloads served, per file.",
		}, []string{"file"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last run.",
		}),
	}

	m.Registry.MustRegister(
		m.candidates,
		m.probes,
		m.validated,
		m.searchErrors,
		m.regionErrors,
		m.mergedLines,
		m.downloads,
		m.lastRun,
		m.runDuration,
	)
	return m
}

func (m *Metrics) AddCandidates(region string, n int) {
	m.candidates.WithLabelValues(region).Add(float64(n))
}

// ObserveProbes 记录一个地区的探测结果
func (m *Metrics) ObserveProbes(region string, probed, ok int) {
	m.probes.WithLabelValues(region, ProbeResultOK).Add(float64(ok))
	m.probes.WithLabelValues(region, ProbeResultFail).Add(float64(probed - ok))
	m.validated.WithLabelValues(region).Set(float64(ok))
}

func (m *Metrics) IncSearchError(platform string) {
	m.searchErrors.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncRegionError(reason string) {
	m.regionErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetMergedLines(n int) {
	m.mergedLines.Set(float64(n))
}

func (m *Metrics) IncDownload(file string) {
	m.downloads.WithLabelValues(file).Inc()
}

func (m *Metrics) RunFinished(start, end time.Time) {
	m.lastRun.Set(float64(end.Unix()))
	m.runDuration.Set(end.Sub(start).Seconds())
}

// WriteTextfile 写出 node_exporter textfile 格式
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
