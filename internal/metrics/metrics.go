package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tsstash"

// Block decision kinds of the read path.
const (
	BlockPassThrough = "passthrough"
	BlockComposed    = "composed"
	BlockGapFill     = "gapfill"
	BlockBuffer      = "buffer"
)

// Compaction output routes.
const (
	RouteData   = "data"
	RouteStt    = "stt"
	RouteCopied = "copied"
)

// Metrics is safe to use as a nil pointer: every method becomes a no-op.
type Metrics struct {
	ReaderBlocks    *prometheus.CounterVec
	ReaderBlockLoad prometheus.Histogram

	CompactionPasses   *prometheus.CounterVec
	CompactionRows     *prometheus.CounterVec
	CompactionDropped  prometheus.Counter
	CompactionDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ReaderBlocks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reader_blocks_total",
				Help:      "Batches produced by the reader by block decision",
			},
			[]string{"kind"},
		),
		ReaderBlockLoad: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reader_block_load_seconds",
				Help:      "Time spent decoding data and stt blocks",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		CompactionPasses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_passes_total",
				Help:      "Compaction passes by result",
			},
			[]string{"result"},
		),
		CompactionRows: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_rows_total",
				Help:      "Rows written by compaction by output route",
			},
			[]string{"route"},
		),
		CompactionDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_dropped_rows_total",
				Help:      "Rows dropped because their table no longer exists",
			},
		),
		CompactionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compaction_duration_seconds",
				Help:      "Duration of compaction passes",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) ReaderBlock(kind string) {
	if m == nil {
		return
	}
	m.ReaderBlocks.WithLabelValues(kind).Inc()
}

func (m *Metrics) BlockLoaded(d time.Duration) {
	if m == nil {
		return
	}
	m.ReaderBlockLoad.Observe(d.Seconds())
}

func (m *Metrics) CompactionPass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompactionPasses.WithLabelValues(result).Inc()
	m.CompactionDuration.Observe(d.Seconds())
}

func (m *Metrics) RowsWritten(route string, n int) {
	if m == nil {
		return
	}
	m.CompactionRows.WithLabelValues(route).Add(float64(n))
}

func (m *Metrics) RowsDropped(n int) {
	if m == nil {
		return
	}
	m.CompactionDropped.Add(float64(n))
}
