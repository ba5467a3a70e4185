// Package silo spawns and supervises an out-of-process grain host.
//
// A silo owns one child process and the one endpoint connected to it, plus
// the monitors watching that endpoint. Three independent failure signals —
// connection loss, heartbeat threshold, unexpected process exit — merge
// into a single fault episode:
//
//	endpoint.Done ──────┐
//	heartbeat threshold ─┼──→ fault(reason): kill child, state=Faulted,
//	process exit ───────┘     record one reason, notify once
//
// Whichever signal arrives first wins; the rest of the episode is
// suppressed. A faulted silo is not restartable — create a new one.
package silo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"grainrpc/codec"
	"grainrpc/endpoint"
	"grainrpc/grain"
	"grainrpc/monitor"
)

// State is the silo lifecycle phase.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateFaulted:
		return "Faulted"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// FaultReason identifies which signal ended a silo, recorded exactly once
// per fault episode.
type FaultReason int

const (
	FaultConnectionFailure FaultReason = iota + 1
	FaultHeartbeatFailure
	FaultUnexpectedProcessExit
)

func (r FaultReason) String() string {
	switch r {
	case FaultConnectionFailure:
		return "ConnectionFailure"
	case FaultHeartbeatFailure:
		return "HeartbeatFailure"
	case FaultUnexpectedProcessExit:
		return "UnexpectedProcessExit"
	default:
		return "None"
	}
}

var (
	// ErrSpawn reports that the host executable could not be started:
	// missing, not a regular file, or not executable. Distinguishable from
	// any runtime connection failure; Start surfaces it synchronously.
	ErrSpawn = errors.New("silo: cannot spawn host process")

	// ErrNotRunning wraps endpoint.ErrNotConnected so callers checking for
	// a not-connected condition match either way.
	ErrNotRunning = fmt.Errorf("silo: not running: %w", endpoint.ErrNotConnected)

	// ErrAlreadyStarted reports a second Start.
	ErrAlreadyStarted = errors.New("silo: already started")
)

var metricFaults = []string{"grainrpc", "silo", "faults"}

// ActivationGrainID is the well-known grain the host registers for remote
// activation requests.
const ActivationGrainID = 0

// ActivateArgs asks the host to activate an implementation registered under
// TypeName.
type ActivateArgs struct {
	TypeName string
}

// ActivateReply carries the grain id the host assigned.
type ActivateReply struct {
	GrainID uint64
}

// Option configures a Silo.
type Option func(*Silo)

// WithHeartbeat tunes the liveness probe. threshold is the number of
// consecutive missed heartbeats that declares failure.
func WithHeartbeat(interval time.Duration, threshold int) Option {
	return func(s *Silo) {
		s.hbInterval = interval
		s.hbThreshold = threshold
	}
}

// WithLatency tunes the latency monitor's probe interval and rolling-window
// size.
func WithLatency(interval time.Duration, numSamples int) Option {
	return func(s *Silo) {
		s.latInterval = interval
		s.latSamples = numSamples
	}
}

// WithLogger installs the injected logging capability.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Silo) { s.logger = logger }
}

// WithAuthenticator sets the authenticator the connect-back handshake uses.
func WithAuthenticator(a endpoint.Authenticator) Option {
	return func(s *Silo) { s.auth = a }
}

// WithProcessArgs appends extra arguments before the connect-back address.
func WithProcessArgs(args ...string) Option {
	return func(s *Silo) { s.args = args }
}

// WithPayloadCodec sets the codec proxies created by this silo use.
func WithPayloadCodec(c codec.Codec) Option {
	return func(s *Silo) { s.payload = c }
}

// WithFaultHandler registers the fault-detected notification. Called at
// most once, from the goroutine that observed the winning signal.
func WithFaultHandler(fn func(FaultReason)) Option {
	return func(s *Silo) { s.onFault = fn }
}

// Silo supervises one out-of-process grain host.
type Silo struct {
	executable string
	args       []string

	hbInterval  time.Duration
	hbThreshold int
	latInterval time.Duration
	latSamples  int

	logger  *zap.Logger
	auth    endpoint.Authenticator
	payload codec.Codec
	onFault func(FaultReason)

	state atomic.Int32

	mu  sync.Mutex
	cmd *exec.Cmd
	ep  *endpoint.Endpoint
	hb  *monitor.Heartbeat
	lat *monitor.Latency

	planned  atomic.Bool // teardown initiated by Dispose; suppress fault signals
	armed    atomic.Bool // fault detection active only once Running
	procDone chan struct{} // closed when the current child exits; fresh per spawn, guarded by mu

	faultOnce   sync.Once
	faultReason FaultReason
	faults      chan FaultReason

	disposeOnce sync.Once
}

// New configures a silo around the host executable at path. Nothing is
// spawned until Start.
func New(executable string, opts ...Option) *Silo {
	s := &Silo{
		executable:  executable,
		hbInterval:  time.Second,
		hbThreshold: 3,
		latInterval: 100 * time.Millisecond,
		latSamples:  100,
		logger:      zap.NewNop(),
		auth:        endpoint.NoAuth{},
		payload:     &codec.JSONCodec{},
		faults:      make(chan FaultReason, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle phase.
func (s *Silo) State() State { return State(s.state.Load()) }

// Faults delivers the single fault notification of this silo's life.
func (s *Silo) Faults() <-chan FaultReason { return s.faults }

// Fault returns the recorded reason, if a fault episode happened.
func (s *Silo) Fault() (FaultReason, bool) {
	if s.State() != StateFaulted {
		return 0, false
	}
	return s.faultReason, true
}

// IsProcessRunning reports whether the child process is alive.
func (s *Silo) IsProcessRunning() bool {
	s.mu.Lock()
	cmd := s.cmd
	procDone := s.procDone
	s.mu.Unlock()
	if cmd == nil {
		return false
	}
	select {
	case <-procDone:
		return false
	default:
		return true
	}
}

// Latency reports the rolling average round-trip time to the child, zero
// before the first measurement.
func (s *Silo) Latency() time.Duration {
	s.mu.Lock()
	lat := s.lat
	s.mu.Unlock()
	if lat == nil {
		return 0
	}
	return lat.Average()
}

// Start spawns the host process, waits for it to connect back, and arms the
// monitors. The executable is validated first: a missing or non-executable
// path fails synchronously with ErrSpawn and the state stays NotStarted.
// Any failed attempt returns the silo to NotStarted; Start may be retried.
func (s *Silo) Start(ctx context.Context) error {
	if err := validateExecutable(s.executable); err != nil {
		return err
	}
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	err := s.start(ctx)
	if err != nil {
		s.teardownProcess()
		s.state.Store(int32(StateNotStarted))
		return err
	}
	s.armed.Store(true)
	s.state.Store(int32(StateRunning))
	s.logger.Info("silo running", zap.String("executable", s.executable))
	return nil
}

func (s *Silo) start(ctx context.Context) error {
	// The child connects back to us: listen first, hand the address over
	// as the final process argument.
	ln, err := endpoint.Listen("tcp", "127.0.0.1:0", s.logger)
	if err != nil {
		return err
	}
	defer ln.Close()

	args := append(append([]string{}, s.args...), ln.Addr().String())
	cmd := exec.Command(s.executable, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	procDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.procDone = procDone
	s.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		close(procDone)
		// A retried Start replaces the channel; only the watcher of the
		// current attempt may raise a fault.
		s.mu.Lock()
		current := s.procDone == procDone
		s.mu.Unlock()
		if !current || s.planned.Load() {
			return
		}
		s.logger.Warn("host process exited", zap.Error(waitErr))
		s.fault(FaultUnexpectedProcessExit)
	}()

	ep, err := s.acceptChild(ctx, ln, procDone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ep = ep
	s.hb = monitor.NewHeartbeat(ep, s.hbInterval, s.hbThreshold,
		func() { s.fault(FaultHeartbeatFailure) }, s.logger)
	s.lat = monitor.NewLatency(ep, s.latInterval, s.latSamples, s.logger)
	s.hb.Start()
	s.lat.Start()
	s.mu.Unlock()

	go func() {
		<-ep.Done()
		if s.planned.Load() {
			return
		}
		s.fault(FaultConnectionFailure)
	}()
	return nil
}

func (s *Silo) acceptChild(ctx context.Context, ln *endpoint.Listener, procDone <-chan struct{}) (*endpoint.Endpoint, error) {
	type acceptResult struct {
		ep  *endpoint.Endpoint
		err error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		ep, err := ln.Accept(ctx)
		ch <- acceptResult{ep: ep, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("silo: waiting for host connection: %w", res.err)
		}
		return res.ep, nil
	case <-ctx.Done():
		ln.Close() // unblocks the accept
		return nil, fmt.Errorf("silo: waiting for host connection: %w", ctx.Err())
	case <-procDone:
		return nil, fmt.Errorf("silo: host process exited before connecting")
	}
}

// CreateGrain asks the host to activate an implementation registered under
// typeName and returns a proxy bound to the new grain. Fails with a
// not-connected condition unless the silo is Running.
func (s *Silo) CreateGrain(ctx context.Context, typeName string) (*grain.Proxy, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()

	activation := grain.NewProxy(ep, grain.Ref{ID: ActivationGrainID, Interface: "Activation"}, s.payload)
	var reply ActivateReply
	if err := activation.Call(ctx, "Activate", &ActivateArgs{TypeName: typeName}, &reply); err != nil {
		return nil, fmt.Errorf("silo: activating %q: %w", typeName, err)
	}
	return grain.NewProxy(ep, grain.Ref{ID: reply.GrainID, Interface: typeName}, s.payload), nil
}

// Endpoint exposes the silo's connection for advanced callers (parent-side
// dispatch, raw invokes). Nil until Running.
func (s *Silo) Endpoint() *endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep
}

// fault runs one fault episode: the first signal wins, records its reason,
// kills the child, and raises the single notification. Suppressed entirely
// once Dispose has begun.
func (s *Silo) fault(reason FaultReason) {
	// Signals before Running belong to Start's own error path; signals
	// after Dispose began are planned teardown. Neither is a fault episode.
	if !s.armed.Load() || s.planned.Load() {
		return
	}
	s.faultOnce.Do(func() {
		s.faultReason = reason
		s.state.Store(int32(StateFaulted))
		metrics.IncrCounter(metricFaults, 1)
		s.logger.Error("silo faulted", zap.Stringer("reason", reason))

		s.teardownProcess()
		s.mu.Lock()
		ep := s.ep
		s.mu.Unlock()
		if ep != nil {
			ep.Disconnect(endpoint.ErrConnectionLost)
		}

		s.faults <- reason
		if s.onFault != nil {
			s.onFault(reason)
		}
	})
}

// Dispose tears down the endpoint and process unconditionally and
// transitions to Disposed regardless of prior state. Idempotent. Pending
// calls resolve with a connection-lost outcome before Dispose returns.
func (s *Silo) Dispose() {
	s.disposeOnce.Do(func() {
		s.planned.Store(true)

		s.mu.Lock()
		ep := s.ep
		hb := s.hb
		lat := s.lat
		s.mu.Unlock()

		if ep != nil {
			ep.Close() // goodbye best-effort, then drain pending calls
		}
		s.teardownProcess()
		if hb != nil {
			hb.Stop()
		}
		if lat != nil {
			lat.Stop()
		}

		s.state.Store(int32(StateDisposed))
		s.logger.Info("silo disposed")
	})
}

func (s *Silo) teardownProcess() {
	s.mu.Lock()
	cmd := s.cmd
	procDone := s.procDone
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-procDone:
		return // already gone
	default:
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("killing host process", zap.Error(err))
	}
}

// validateExecutable rejects paths that cannot possibly spawn: missing
// files, directories, and files without an execute bit. Catching this
// before fork keeps spawn failures cleanly separable from connection
// failures.
func validateExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", ErrSpawn, path, fs.ErrNotExist)
		}
		return fmt.Errorf("%w: %s: %v", ErrSpawn, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSpawn, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrSpawn, path)
	}
	return nil
}
