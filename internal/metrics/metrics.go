// Package metrics provides Prometheus metrics for the FUSE client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediafire_tree_refreshes_total",
			Help: "Directory tree refreshes, by outcome",
		},
		[]string{"outcome"},
	)

	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mediafire_tree_refresh_duration_seconds",
			Help:    "Time to fetch and merge the remote hierarchy",
			Buckets: prometheus.DefBuckets,
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediafire_tree_nodes",
			Help: "Number of files and folders in the cached tree",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediafire_uploads_total",
			Help: "Completed upload operations, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediafire_bytes_uploaded_total",
			Help: "Total bytes sent to the remote store",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediafire_bytes_downloaded_total",
			Help: "Total bytes fetched from the remote store",
		},
	)

	openConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediafire_open_conflicts_total",
			Help: "Opens denied by the write-exclusivity rule",
		},
	)

	openFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediafire_open_files",
			Help: "Currently open file handles",
		},
	)
)

// ObserveRefresh records one tree refresh.
func ObserveRefresh(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	refreshesTotal.WithLabelValues(outcome).Inc()
	refreshDuration.Observe(d.Seconds())
}

// SetTreeSize records the current node count.
func SetTreeSize(n int) {
	treeSize.Set(float64(n))
}

// ObserveUpload records one completed upload pipeline run.
// kind is "new" or "patch".
func ObserveUpload(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	uploadsTotal.WithLabelValues(kind, outcome).Inc()
}

// AddBytesUploaded counts bytes sent.
func AddBytesUploaded(n int64) {
	bytesUploaded.Add(float64(n))
}

// AddBytesDownloaded counts bytes received.
func AddBytesDownloaded(n int64) {
	bytesDownloaded.Add(float64(n))
}

// IncOpenConflict counts a denied open.
func IncOpenConflict() {
	openConflicts.Inc()
}

// OpenFileOpened and OpenFileReleased track the open-handle gauge.
func OpenFileOpened()   { openFiles.Inc() }
func OpenFileReleased() { openFiles.Dec() }

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
