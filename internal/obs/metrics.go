package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the fixed set of counters/gauges/histograms the pipeline and
// recovery controller update. One instance is built at startup and passed
// by reference to every component — the teacher keeps a package-level var
// block of registered metrics; we keep the same flat shape but avoid a
// process-global registry so tests can build an isolated Metrics per case.
type Metrics struct {
	BatchesConsumed     prometheus.Counter
	DuplicateBatches    prometheus.Counter
	PointsWritten        prometheus.Counter
	PointsDropped        prometheus.Counter
	NonRetryableErrors   prometheus.Counter
	TransientErrors      prometheus.Counter
	AutoRegistrations    prometheus.Counter
	CurrentValueFailures prometheus.Counter
	GapsDetected         prometheus.Counter
	GapsRecovered        prometheus.Counter
	GapsFailed           prometheus.Counter
	CommitLatency        prometheus.Histogram
	WriteLatency         prometheus.Histogram
	ConsumerLag          *prometheus.GaugeVec
}

// NewMetrics registers and returns a fresh Metrics against reg. Pass
// prometheus.NewRegistry() in tests, or a shared registry at daemon
// startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto{reg: reg}
	return &Metrics{
		BatchesConsumed: f.counter("tichain_batches_consumed_total", "Batches pulled from the broker."),
		DuplicateBatches: f.counter("tichain_duplicate_batches_total", "Batches skipped as duplicates by the idempotency store."),
		PointsWritten: f.counter("tichain_points_written_total", "Points successfully appended to the time-series store."),
		PointsDropped: f.counter("tichain_points_dropped_total", "Points dropped: non-finite value or unresolved point name."),
		NonRetryableErrors: f.counter("tichain_nonretryable_errors_total", "Errors classified permanent (DLQ path)."),
		TransientErrors: f.counter("tichain_transient_errors_total", "Errors classified transient (no-commit retry path)."),
		AutoRegistrations: f.counter("tichain_auto_registrations_total", "Points auto-registered on first arrival."),
		CurrentValueFailures: f.counter("tichain_current_value_failures_total", "Current-value cache update failures (non-fatal)."),
		GapsDetected: f.counter("tichain_gaps_detected_total", "Chain gaps detected."),
		GapsRecovered: f.counter("tichain_gaps_recovered_total", "Chain gaps recovered."),
		GapsFailed: f.counter("tichain_gaps_failed_total", "Chain gaps that failed recovery."),
		CommitLatency: f.histogram("tichain_commit_latency_seconds", "Time to mark-processed + commit offset."),
		WriteLatency: f.histogram("tichain_write_latency_seconds", "Time-series writer latency."),
		ConsumerLag: f.gaugeVec("tichain_consumer_lag", "Outstanding broker messages per source.", "source"),
	}
}

// promauto is a tiny local helper so NewMetrics reads as a flat list
// instead of repeating prometheus.NewCounter/MustRegister boilerplate.
type promauto struct {
	reg prometheus.Registerer
}

func (f promauto) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f promauto) histogram(name, help string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets})
	f.reg.MustRegister(h)
	return h
}

func (f promauto) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(g)
	return g
}
