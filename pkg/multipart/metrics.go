package multipart

import (
	"github.com/LeeDigitalWorks/zapingest/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PartsUploadedTotal counts part uploads by result.
	PartsUploadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "parts_uploaded_total",
		Help:      "Total part uploads by result",
	}, []string{"result"}) // result: "success", "error"

	// PartUploadBytes counts bytes sent to the store.
	PartUploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "part_upload_bytes_total",
		Help:      "Total bytes uploaded as parts",
	})

	// PartUploadDuration tracks per-part upload latency.
	PartUploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "part_upload_duration_seconds",
		Help:      "Time spent uploading one part",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// SessionsActive tracks sessions still accumulating or finalizing.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "sessions_active",
		Help:      "Upload sessions not yet finished",
	})

	// SessionsFinishedTotal counts finished sessions by status.
	SessionsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "sessions_finished_total",
		Help:      "Finished upload sessions by status",
	}, []string{"status"}) // status: "completed", "degraded", "aborted"

	// StoreErrorsTotal counts failed store calls by operation.
	StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "store_errors_total",
		Help:      "Failed remote store calls by operation",
	}, []string{"op"})

	// ListPartsMismatchTotal counts sessions whose listed parts disagreed with local state.
	ListPartsMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "list_parts_mismatch_total",
		Help:      "Sessions whose store part listing disagreed with uploaded parts",
	})

	// DuplicateTerminalTotal counts terminal chunks rejected because the session was already finalizing.
	DuplicateTerminalTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "multipart",
		Name:      "duplicate_terminal_total",
		Help:      "Terminal chunks received for sessions already finalizing",
	})
)

func init() {
	debug.Registry().MustRegister(
		PartsUploadedTotal,
		PartUploadBytes,
		PartUploadDuration,
		SessionsActive,
		SessionsFinishedTotal,
		StoreErrorsTotal,
		ListPartsMismatchTotal,
		DuplicateTerminalTotal,
	)
}
