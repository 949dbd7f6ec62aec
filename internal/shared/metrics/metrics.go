package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	jobStartedTotal   atomic.Uint64
	jobCompletedTotal atomic.Uint64
	jobFailedTotal    atomic.Uint64
	jobPausedTotal    atomic.Uint64

	chunkCompletedTotal atomic.Uint64
	chunkFailedTotal    atomic.Uint64

	workerReceivedTotal      atomic.Uint64
	workerCompletedTotal     atomic.Uint64
	workerFailedTotal        atomic.Uint64
	workerUnrecoverableTotal atomic.Uint64

	chunkDuration = newHistogram([]float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
	jobDuration   = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1800000})
)

// IncJobStarted increments the started-jobs counter.
func IncJobStarted() {
	jobStartedTotal.Add(1)
}

// IncJobCompleted increments the completed-jobs counter.
func IncJobCompleted() {
	jobCompletedTotal.Add(1)
}

// IncJobFailed increments the failed-jobs counter.
func IncJobFailed() {
	jobFailedTotal.Add(1)
}

// IncJobPaused increments the paused-jobs counter.
func IncJobPaused() {
	jobPausedTotal.Add(1)
}

// IncChunkCompleted increments the completed-chunks counter.
func IncChunkCompleted() {
	chunkCompletedTotal.Add(1)
}

// IncChunkFailed increments the failed-chunks counter.
func IncChunkFailed() {
	chunkFailedTotal.Add(1)
}

// IncWorkerReceived increments the queue-messages-received counter.
func IncWorkerReceived() {
	workerReceivedTotal.Add(1)
}

// IncWorkerCompleted increments the queue-messages-completed counter.
func IncWorkerCompleted() {
	workerCompletedTotal.Add(1)
}

// IncWorkerFailed increments the queue-messages-failed counter.
func IncWorkerFailed() {
	workerFailedTotal.Add(1)
}

// IncWorkerUnrecoverable increments the counter of messages deleted as unrecoverable.
func IncWorkerUnrecoverable() {
	workerUnrecoverableTotal.Add(1)
}

// ObserveChunkDurationMs records a single chunk processing duration in milliseconds.
func ObserveChunkDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	chunkDuration.Observe(value)
}

// ObserveJobDurationMs records a whole-job duration in milliseconds.
func ObserveJobDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	jobDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "analysis_jobs_started_total", "Total analysis jobs started", jobStartedTotal.Load())
	writeCounter(&buf, "analysis_jobs_completed_total", "Total analysis jobs completed", jobCompletedTotal.Load())
	writeCounter(&buf, "analysis_jobs_failed_total", "Total analysis jobs failed", jobFailedTotal.Load())
	writeCounter(&buf, "analysis_jobs_paused_total", "Total analysis jobs paused on rate limits", jobPausedTotal.Load())
	writeCounter(&buf, "analysis_chunks_completed_total", "Total chunks completed", chunkCompletedTotal.Load())
	writeCounter(&buf, "analysis_chunks_failed_total", "Total chunks failed", chunkFailedTotal.Load())
	writeCounter(&buf, "worker_messages_received_total", "Total queue messages received", workerReceivedTotal.Load())
	writeCounter(&buf, "worker_messages_completed_total", "Total queue messages processed and deleted", workerCompletedTotal.Load())
	writeCounter(&buf, "worker_messages_failed_total", "Total queue messages whose processing failed", workerFailedTotal.Load())
	writeCounter(&buf, "worker_messages_unrecoverable_total", "Total queue messages deleted as unrecoverable", workerUnrecoverableTotal.Load())
	writeHistogram(&buf, "analysis_chunk_duration_ms", "Chunk processing duration in milliseconds", chunkDuration.Snapshot())
	writeHistogram(&buf, "analysis_job_duration_ms", "Job duration in milliseconds", jobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// NowMillis returns current time in milliseconds, useful for callers without time utilities.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
