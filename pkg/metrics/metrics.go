package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder defines the metrics interface for all pipeline components.
// Implementations must be safe for concurrent use. A nil Recorder is
// valid — callers should use the package-level Nop() helper.
type Recorder interface {
	// Pipeline metrics
	SetPipelineState(state string)
	SetBestBlockNumber(n uint64)
	IncBlocksQueued(n int)
	IncSegmentsReconstructed()
	IncSegmentsSkipped()
	ObserveSegmentDuration(d time.Duration)
	ObserveStageDuration(stage string, d time.Duration)
	IncBackpressureWaits()

	// Retrieval metrics
	IncPiecesFetched(n int)
	IncPiecesInvalid()
	IncPieceMisses()
	IncPieceFetchErrors()

	// Peer index metrics
	SetPeersTracked(n int)
}

// nopRecorder is a no-op implementation of Recorder.
type nopRecorder struct{}

// Nop returns a Recorder that discards all metrics.
func Nop() Recorder { return nopRecorder{} }

func (nopRecorder) SetPipelineState(string)                  {}
func (nopRecorder) SetBestBlockNumber(uint64)                {}
func (nopRecorder) IncBlocksQueued(int)                      {}
func (nopRecorder) IncSegmentsReconstructed()                {}
func (nopRecorder) IncSegmentsSkipped()                      {}
func (nopRecorder) ObserveSegmentDuration(time.Duration)     {}
func (nopRecorder) ObserveStageDuration(string, time.Duration) {}
func (nopRecorder) IncBackpressureWaits()                    {}
func (nopRecorder) IncPiecesFetched(int)                     {}
func (nopRecorder) IncPiecesInvalid()                        {}
func (nopRecorder) IncPieceMisses()                          {}
func (nopRecorder) IncPieceFetchErrors()                     {}
func (nopRecorder) SetPeersTracked(int)                      {}

// pipelineStates enumerates the gauge labels for SetPipelineState.
var pipelineStates = []string{
	"idle", "headers-fetched", "processing-segment", "draining", "done", "failed",
}

// PromRecorder implements Recorder using Prometheus metrics.
type PromRecorder struct {
	pipelineState    *prometheus.GaugeVec
	bestBlockNumber  prometheus.Gauge
	blocksQueued     prometheus.Counter
	segmentsDone     prometheus.Counter
	segmentsSkipped  prometheus.Counter
	segmentDuration  prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	backpressure     prometheus.Counter
	piecesFetched    prometheus.Counter
	piecesInvalid    prometheus.Counter
	pieceMisses      prometheus.Counter
	pieceFetchErrors prometheus.Counter
	peersTracked     prometheus.Gauge
	info             *prometheus.GaugeVec
}

// NewPromRecorder creates a PromRecorder and registers metrics with the
// provided Prometheus registerer. Pass nil to use the default registerer.
func NewPromRecorder(reg prometheus.Registerer, version string) *PromRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	r := &PromRecorder{
		pipelineState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsnsync_pipeline_state",
			Help: "Current pipeline state (1 = active for the labeled state).",
		}, []string{"state"}),

		bestBlockNumber: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dsnsync_best_block_number",
			Help: "Best imported block number observed from the node.",
		}),

		blocksQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_blocks_queued_total",
			Help: "Total number of decoded blocks submitted to the import queue.",
		}),

		segmentsDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_segments_reconstructed_total",
			Help: "Total number of segments successfully reconstructed.",
		}),

		segmentsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_segments_skipped_total",
			Help: "Total number of segments skipped as already imported.",
		}),

		segmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsnsync_segment_duration_seconds",
			Help:    "End-to-end duration of one segment's retrieval and import.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsnsync_stage_duration_seconds",
			Help:    "Per-stage duration within segment processing.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_backpressure_waits_total",
			Help: "Total number of pauses waiting for the import queue to drain.",
		}),

		piecesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_pieces_fetched_total",
			Help: "Total number of pieces fetched and validated successfully.",
		}),

		piecesInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_pieces_invalid_total",
			Help: "Total number of fetched pieces rejected by validation.",
		}),

		pieceMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_piece_misses_total",
			Help: "Total number of piece requests that found no piece.",
		}),

		pieceFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsnsync_piece_fetch_errors_total",
			Help: "Total number of piece requests that failed at the transport.",
		}),

		peersTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dsnsync_peers_tracked",
			Help: "Number of peers with a stored piece-availability filter.",
		}),

		info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsnsync_info",
			Help: "Build information.",
		}, []string{"version", "go_version"}),
	}

	r.info.WithLabelValues(version, runtime.Version()).Set(1)

	return r
}

func (r *PromRecorder) SetPipelineState(state string) {
	for _, s := range pipelineStates {
		if s == state {
			r.pipelineState.WithLabelValues(s).Set(1)
		} else {
			r.pipelineState.WithLabelValues(s).Set(0)
		}
	}
}

func (r *PromRecorder) SetBestBlockNumber(n uint64) {
	r.bestBlockNumber.Set(float64(n))
}

func (r *PromRecorder) IncBlocksQueued(n int) {
	r.blocksQueued.Add(float64(n))
}

func (r *PromRecorder) IncSegmentsReconstructed() {
	r.segmentsDone.Inc()
}

func (r *PromRecorder) IncSegmentsSkipped() {
	r.segmentsSkipped.Inc()
}

func (r *PromRecorder) ObserveSegmentDuration(d time.Duration) {
	r.segmentDuration.Observe(d.Seconds())
}

func (r *PromRecorder) ObserveStageDuration(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *PromRecorder) IncBackpressureWaits() {
	r.backpressure.Inc()
}

func (r *PromRecorder) IncPiecesFetched(n int) {
	r.piecesFetched.Add(float64(n))
}

func (r *PromRecorder) IncPiecesInvalid() {
	r.piecesInvalid.Inc()
}

func (r *PromRecorder) IncPieceMisses() {
	r.pieceMisses.Inc()
}

func (r *PromRecorder) IncPieceFetchErrors() {
	r.pieceFetchErrors.Inc()
}

func (r *PromRecorder) SetPeersTracked(n int) {
	r.peersTracked.Set(float64(n))
}
