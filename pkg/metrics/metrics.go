package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with EntriesDropped
const (
	DropInsufficientSpace = "insufficient_space"
	DropStorageIO         = "storage_io"
	DropCorruptSegment    = "corrupt_segment"
	DropRetention         = "retention"
	DropEncoding          = "encoding"
)

var (
	// Intake metrics
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_entries_total",
			Help: "Total number of entries accepted by the verbosity gate, by level",
		},
		[]string{"level"},
	)

	EntriesFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_entries_filtered_total",
			Help: "Total number of entries rejected by the verbosity gate",
		},
	)

	EntriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_entries_dropped_total",
			Help: "Total number of accepted entries (or segments, for corrupt_segment and retention) discarded, by reason",
		},
		[]string{"reason"},
	)

	// Storage metrics
	FlushedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_flushed_bytes_total",
			Help: "Total bytes appended to the live segment",
		},
	)

	Rotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_rotations_total",
			Help: "Total number of live segment rotations",
		},
	)

	Compactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_compactions_total",
			Help: "Total number of sealed segment compactions",
		},
	)

	SealedSegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logship_sealed_segments",
			Help: "Number of sealed segments waiting to be pushed",
		},
	)

	SealedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logship_sealed_bytes",
			Help: "Total size of sealed segments on disk",
		},
	)

	LiveSegmentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logship_live_segment_bytes",
			Help: "Size of the live segment",
		},
	)

	// Push metrics
	PushRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_push_requests_total",
			Help: "Total number of push requests by kind (segment/direct) and result",
		},
		[]string{"kind", "result"},
	)

	PushCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logship_push_cycle_duration_seconds",
			Help:    "Duration of push cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_push_request_duration_seconds",
			Help:    "Duration of single push requests in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	PushCycleTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_push_cycle_timeouts_total",
			Help: "Total number of push cycles aborted by the cycle deadline",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(EntriesFiltered)
	prometheus.MustRegister(EntriesDropped)
	prometheus.MustRegister(FlushedBytes)
	prometheus.MustRegister(Rotations)
	prometheus.MustRegister(Compactions)
	prometheus.MustRegister(SealedSegments)
	prometheus.MustRegister(SealedBytes)
	prometheus.MustRegister(LiveSegmentBytes)
	prometheus.MustRegister(PushRequests)
	prometheus.MustRegister(PushCycleDuration)
	prometheus.MustRegister(PushRequestDuration)
	prometheus.MustRegister(PushCycleTimeouts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
