package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"grainrpc/endpoint"
)

// Latency measures round-trip time at a fixed interval and keeps a rolling
// window of the last numSamples measurements. The reported average is the
// arithmetic mean of whatever the window currently holds.
//
// Failure semantics differ from the heartbeat on purpose: a not-connected or
// connection-lost probe means supervision elsewhere already caught the
// failure, so the loop stops silently (benign stop). Anything else is
// logged and the loop continues — latency measurement must not become its
// own source of failure-detection noise.
type Latency struct {
	rt       RoundTripper
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	window *ring

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewLatency configures a latency monitor holding numSamples measurements.
// A window smaller than one sample is meaningless and is clamped to one.
func NewLatency(rt RoundTripper, interval time.Duration, numSamples int, logger *zap.Logger) *Latency {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numSamples < 1 {
		numSamples = 1
	}
	return &Latency{
		rt:       rt,
		interval: interval,
		logger:   logger,
		window:   newRing(numSamples),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the measurement loop. Subsequent calls are no-ops.
func (l *Latency) Start() {
	l.startOnce.Do(func() { go l.loop() })
}

// Stop ends measurement. Idempotent; safe after a benign stop.
func (l *Latency) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Average reports the mean of the currently buffered samples, zero before
// the first measurement.
func (l *Latency) Average() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window.mean()
}

func (l *Latency) record(d time.Duration) {
	l.mu.Lock()
	l.window.add(d)
	l.mu.Unlock()
	metrics.AddSample(metricLatencySample, float32(d.Seconds()*1000))
}

func (l *Latency) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.interval)
		d, err := l.rt.RoundTrip(ctx)
		cancel()

		switch {
		case err == nil:
			l.record(d)
		case errors.Is(err, endpoint.ErrNotConnected), errors.Is(err, endpoint.ErrConnectionLost):
			// Benign stop: the endpoint is gone and supervision already
			// knows. Not an anomaly, not worth a log line.
			return
		default:
			l.logger.Warn("latency probe failed", zap.Error(err))
		}
	}
}
