package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pollbt"

var (
	piecesVerifiedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "pieces_verified_total",
		Help:      "Pieces that passed their hash check and were written to storage.",
	})
	hashFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "hash_failures_total",
		Help:      "Pieces that failed their hash check.",
	})
	bytesDownloadedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "downloaded_bytes_total",
		Help:      "Block payload bytes received from peers.",
	})
	bytesUploadedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "uploaded_bytes_total",
		Help:      "Block payload bytes sent to peers.",
	})
	sessionsClosedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_closed_total",
		Help:      "Peer sessions that were closed.",
	})
	liveSessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions",
		Help:      "Peer sessions currently open.",
	})
)
