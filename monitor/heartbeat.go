// Package monitor implements the failure-detection loops that run beside the
// call path: heartbeat (liveness) and latency (round-trip time).
//
// Both are active probes. A deadlocked worker thread on the remote side
// leaves the transport perfectly open, so passively watching the read loop
// proves nothing; only a probe that must round-trip through the peer's
// scheduler can tell a slow peer from a dead one.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

var (
	metricHeartbeatMisses   = []string{"grainrpc", "heartbeat", "misses"}
	metricHeartbeatFailures = []string{"grainrpc", "heartbeat", "failures"}
	metricLatencySample     = []string{"grainrpc", "latency", "roundtrip", "ms"}
)

// RoundTripper performs one probe round-trip over an endpoint.
// *endpoint.Endpoint satisfies it.
type RoundTripper interface {
	RoundTrip(ctx context.Context) (time.Duration, error)
}

// Heartbeat probes the peer at a fixed interval and counts consecutive
// misses. A probe that errors or outlasts the interval is a miss; any
// success resets the counter. Reaching the skipped-heartbeat threshold
// fires the failure callback exactly once and stops measurement — the
// threshold, not a single miss, absorbs transient scheduling jitter.
type Heartbeat struct {
	rt        RoundTripper
	interval  time.Duration
	threshold int
	onFailure func()
	logger    *zap.Logger

	misses atomic.Int64
	fired  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHeartbeat configures a heartbeat monitor. onFailure is invoked from
// the monitor goroutine when threshold consecutive probes have missed.
func NewHeartbeat(rt RoundTripper, interval time.Duration, threshold int, onFailure func(), logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		rt:        rt,
		interval:  interval,
		threshold: threshold,
		onFailure: onFailure,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop. Subsequent calls are no-ops.
func (h *Heartbeat) Start() {
	h.startOnce.Do(func() { go h.loop() })
}

// Stop ends measurement without declaring failure. Idempotent.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Misses reports the current consecutive-miss count.
func (h *Heartbeat) Misses() int {
	return int(h.misses.Load())
}

// Failed reports whether the failure signal has fired.
func (h *Heartbeat) Failed() bool {
	return h.fired.Load()
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		// The interval doubles as the probe's timeout: a round-trip
		// slower than the interval is itself a miss.
		ctx, cancel := context.WithTimeout(context.Background(), h.interval)
		_, err := h.rt.RoundTrip(ctx)
		cancel()

		if err == nil {
			h.misses.Store(0)
			continue
		}

		missed := h.misses.Add(1)
		metrics.IncrCounter(metricHeartbeatMisses, 1)
		h.logger.Debug("heartbeat missed",
			zap.Int64("consecutive", missed),
			zap.Error(err))

		if missed >= int64(h.threshold) {
			h.fired.Store(true)
			metrics.IncrCounter(metricHeartbeatFailures, 1)
			h.logger.Warn("heartbeat failure declared",
				zap.Int64("misses", missed),
				zap.Int("threshold", h.threshold))
			if h.onFailure != nil {
				h.onFailure()
			}
			return
		}
	}
}
