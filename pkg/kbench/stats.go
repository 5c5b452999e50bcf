// Package kbench is the benchmark driver: it turns a run configuration
// into established channels, drives concurrent workers through them,
// accumulates run statistics, and optionally serves them over HTTP while
// the run is going.
package kbench

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/keybench/pkg/kbchannel"
	"github.com/sammck-go/keybench/pkg/keyless"
)

// Stats accumulates run counters. All methods are safe for concurrent use;
// workers record into it directly with no channel or lock between them.
type Stats struct {
	requests        int64
	succeeded       int64
	serverErrors    int64
	timeouts        int64
	transportErrors int64
	verifyFailures  int64
	bytesRead       int64
	bytesWritten    int64
	latencySumNanos int64
	latencyMinNanos int64
	latencyMaxNanos int64
	startNanos      int64
}

// NewStats creates a Stats with the run clock started.
func NewStats() *Stats {
	return &Stats{startNanos: time.Now().UnixNano()}
}

// Record classifies one completed request by its error and folds in its
// latency.
func (s *Stats) Record(latency time.Duration, err error) {
	atomic.AddInt64(&s.requests, 1)
	switch {
	case err == nil:
		atomic.AddInt64(&s.succeeded, 1)
	case isServerError(err):
		atomic.AddInt64(&s.serverErrors, 1)
	case errors.Is(err, kbchannel.ErrRequestTimeout):
		atomic.AddInt64(&s.timeouts, 1)
	default:
		atomic.AddInt64(&s.transportErrors, 1)
	}
	nanos := latency.Nanoseconds()
	atomic.AddInt64(&s.latencySumNanos, nanos)
	atomicMin(&s.latencyMinNanos, nanos)
	atomicMax(&s.latencyMaxNanos, nanos)
}

func isServerError(err error) bool {
	var se *keyless.ServerError
	return errors.As(err, &se)
}

// RecordVerifyFailure counts a result that came back "successful" but did
// not pass local verification.
func (s *Stats) RecordVerifyFailure() {
	atomic.AddInt64(&s.verifyFailures, 1)
}

// AddBytes folds in connection traffic counters.
func (s *Stats) AddBytes(read, written int64) {
	atomic.AddInt64(&s.bytesRead, read)
	atomic.AddInt64(&s.bytesWritten, written)
}

func atomicMin(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if cur != 0 && cur <= v {
			return
		}
		if atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

func atomicMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if cur >= v {
			return
		}
		if atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the counters, shaped for JSON.
type Snapshot struct {
	Elapsed         time.Duration `json:"elapsed_ns"`
	Requests        int64         `json:"requests"`
	Succeeded       int64         `json:"succeeded"`
	ServerErrors    int64         `json:"server_errors"`
	Timeouts        int64         `json:"timeouts"`
	TransportErrors int64         `json:"transport_errors"`
	VerifyFailures  int64         `json:"verify_failures"`
	BytesRead       int64         `json:"bytes_read"`
	BytesWritten    int64         `json:"bytes_written"`
	LatencyMin      time.Duration `json:"latency_min_ns"`
	LatencyMax      time.Duration `json:"latency_max_ns"`
	LatencyMean     time.Duration `json:"latency_mean_ns"`
	RequestsPerSec  float64       `json:"requests_per_sec"`
}

// Snapshot copies the counters and derives the rate and mean latency.
func (s *Stats) Snapshot() Snapshot {
	sn := Snapshot{
		Elapsed:         time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&s.startNanos)),
		Requests:        atomic.LoadInt64(&s.requests),
		Succeeded:       atomic.LoadInt64(&s.succeeded),
		ServerErrors:    atomic.LoadInt64(&s.serverErrors),
		Timeouts:        atomic.LoadInt64(&s.timeouts),
		TransportErrors: atomic.LoadInt64(&s.transportErrors),
		VerifyFailures:  atomic.LoadInt64(&s.verifyFailures),
		BytesRead:       atomic.LoadInt64(&s.bytesRead),
		BytesWritten:    atomic.LoadInt64(&s.bytesWritten),
		LatencyMin:      time.Duration(atomic.LoadInt64(&s.latencyMinNanos)),
		LatencyMax:      time.Duration(atomic.LoadInt64(&s.latencyMaxNanos)),
	}
	if sn.Requests > 0 {
		sn.LatencyMean = time.Duration(atomic.LoadInt64(&s.latencySumNanos) / sn.Requests)
	}
	if sn.Elapsed > 0 {
		sn.RequestsPerSec = float64(sn.Requests) / sn.Elapsed.Seconds()
	}
	return sn
}

func (sn Snapshot) String() string {
	return fmt.Sprintf(
		"%d requests in %s (%.1f/s): %d ok, %d server errors, %d timeouts, %d transport errors, %d verify failures; latency min/mean/max %s/%s/%s; sent %s received %s",
		sn.Requests, sn.Elapsed.Round(time.Millisecond), sn.RequestsPerSec,
		sn.Succeeded, sn.ServerErrors, sn.Timeouts, sn.TransportErrors, sn.VerifyFailures,
		sn.LatencyMin.Round(time.Microsecond), sn.LatencyMean.Round(time.Microsecond),
		sn.LatencyMax.Round(time.Microsecond),
		sizestr.ToString(sn.BytesWritten), sizestr.ToString(sn.BytesRead))
}
