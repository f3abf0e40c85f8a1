// Package sgs implements the Server Global State: the single process-wide
// value constructed once by bootstrap and shared by reference across every
// long-lived activity (ICLs, worker pool, console handler, UASM). Scalar
// fields are atomic; the chained worker lists and file handles have their
// own lock cells, owned by the workerpool and tracefile packages
// respectively. See spec.md §3 and §5.
package sgs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/os2200/jdbcsrv/internal/runid"
)

// KeepAlivePolicy is the configured client keep-alive default/override rule.
type KeepAlivePolicy int

const (
	KeepAliveAlwaysOff KeepAlivePolicy = iota
	KeepAliveAlwaysOn
	KeepAliveDefaultOff
	KeepAliveDefaultOn
)

// ShutdownState is the server-wide shutdown state machine (spec.md §4.4).
// It only ever advances: Active -> Gracefully -> Immediately -> Terminated.
type ShutdownState int32

const (
	Active ShutdownState = iota
	ShuttingDownGracefully
	ShuttingDownImmediately
	Terminated
)

func (s ShutdownState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case ShuttingDownGracefully:
		return "SHUTDOWN-GRACEFULLY"
	case ShuttingDownImmediately:
		return "SHUTDOWN-IMMEDIATELY"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ListenSpec describes one configured listen address + transport mode.
type ListenSpec struct {
	Host string // empty/"0" = all interfaces, dotted quad, IPv6 literal, or DNS name
	Mode byte   // transport mode letter, e.g. 'T'
}

// Identity groups the server's naming/versioning fields.
type Identity struct {
	ServerName    string
	AppGroupName  string
	AppGroupNum   int
	RunID         string
	OriginalRunID string
	ServerLevel   string
	RDMSLevel     string
	KeyinName     string
	FeatureFlags  uint64
}

// ListenerConfig groups the ICL-facing configuration.
type ListenerConfig struct {
	Specs                   []ListenSpec
	Port                    int
	Backlog                 int
	ServerReceiveTimeout    time.Duration
	ServerSendTimeout       time.Duration
	ActivityReceiveTimeout  time.Duration
	KeepAlive               KeepAlivePolicy
	DefaultTraceQualifier   string
	TraceFileMaxTracks      int
	TraceFileMaxCycles      int
	XAThreadReuse           int
}

// SGS is the process-wide server global state.
type SGS struct {
	Identity Identity
	Listener ListenerConfig

	// Worker pool control (the pool itself lives in workerpool.Pool; these
	// counters mirror spec.md's "running count of free/assigned/shutdown
	// workers" and are updated by the pool on every transition).
	MaxWorkers     int
	FreeCount      atomic.Int64
	AssignedCount  atomic.Int64
	ShutdownCount  atomic.Int64
	AssignCounter  atomic.Uint64

	// Shutdown state machine.
	State          atomic.Int32 // ShutdownState
	UASMState      atomic.Int32 // ShutdownState
	ConsoleState   atomic.Int32 // ShutdownState
	CoordinatorICL atomic.Int32 // index of the ICL owning SW/CH shutdown coordination, -1 if none yet

	// Operator-posted values, applied lazily by ICLs on their next accept
	// wake-up. Zero means "nothing posted".
	PostedReceiveTimeout atomic.Int64 // milliseconds
	PostedSendTimeout    atomic.Int64 // milliseconds
	PostedDebugLevel     atomic.Int32

	// Counters & timestamps.
	TotalClients    atomic.Int64
	TotalRequests   atomic.Int64
	LastTaskCode    atomic.Int32
	LastRequestUnix atomic.Int64 // UnixNano, 0 if no request yet

	// Logging mirror flag (CH replies journaled to the log file too).
	MirrorConsoleToLog atomic.Bool

	// ICLs holds one slot per configured listen spec, indexed the same way
	// as Listener.Specs. Each slot carries its own shutdown-state field
	// (spec.md §3: "per-ICL shutdown state") and a Pass_Event channel the
	// console handler uses to wake that ICL's blocked accept call.
	ICLs []*ICLSlot

	mu        sync.Mutex
	lastICLErrors map[int]string // iclIndex -> last distinct transport status, for DISPLAY STATUS ALL
}

// ICLSlot is the per-ICL portion of SGS: its own shutdown-state field and
// the out-of-band wake-up channel the spec calls a "user event"/Pass_Event.
type ICLSlot struct {
	state atomic.Int32
	wake  chan struct{}
}

func newICLSlot() *ICLSlot {
	return &ICLSlot{wake: make(chan struct{}, 1)}
}

// ShutdownState returns this ICL's own shutdown-state field.
func (s *ICLSlot) ShutdownState() ShutdownState {
	return ShutdownState(s.state.Load())
}

// RequestShutdown advances this ICL's shutdown state, refusing to move
// backwards, mirroring SGS.TransitionTo's monotonicity invariant.
func (s *ICLSlot) RequestShutdown(next ShutdownState) bool {
	for {
		cur := ShutdownState(s.state.Load())
		if next <= cur {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// PassEvent delivers a non-blocking out-of-band wake-up to this ICL's
// blocked accept call (spec.md §4.1's "user event"). A pending,
// undelivered event is not duplicated.
func (s *ICLSlot) PassEvent() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wake exposes the channel an ICL selects on alongside its accept call.
func (s *ICLSlot) Wake() <-chan struct{} {
	return s.wake
}

// New constructs an SGS from a fully validated ListenerConfig/Identity pair.
// RunID is generated here if the caller did not already set one.
func New(identity Identity, listener ListenerConfig, maxWorkers int) *SGS {
	if identity.RunID == "" {
		identity.RunID = runid.Generate()
	}
	if identity.OriginalRunID == "" {
		identity.OriginalRunID = identity.RunID
	}
	s := &SGS{
		Identity: identity,
		Listener: listener,
		MaxWorkers: maxWorkers,
		lastICLErrors: make(map[int]string),
	}
	s.FreeCount.Store(int64(maxWorkers))
	s.CoordinatorICL.Store(-1)
	s.ICLs = make([]*ICLSlot, len(listener.Specs))
	for i := range s.ICLs {
		s.ICLs[i] = newICLSlot()
	}
	return s
}

// PassEventAll wakes every configured ICL's blocked accept call. The
// console handler uses this after a shutdown-state transition or a SET
// command so listening sockets converge on posted values (spec.md §4.4).
func (s *SGS) PassEventAll() {
	for _, slot := range s.ICLs {
		slot.PassEvent()
	}
}

// ShutdownState returns the current server-wide shutdown state.
func (s *SGS) ShutdownState() ShutdownState {
	return ShutdownState(s.State.Load())
}

// TransitionTo advances the server shutdown state. It refuses to move
// backwards (spec.md §8 invariant 5) and returns false if the requested
// state is not ahead of the current one.
func (s *SGS) TransitionTo(next ShutdownState) bool {
	for {
		cur := ShutdownState(s.State.Load())
		if next <= cur {
			return false
		}
		if s.State.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// RecordRequest stamps the accounting fields for a dispatched task
// (spec.md §4.3 step 2).
func (s *SGS) RecordRequest(taskCode int32) {
	s.TotalRequests.Add(1)
	s.LastTaskCode.Store(taskCode)
	s.LastRequestUnix.Store(time.Now().UnixNano())
}

// SetLastICLError records the most recent transport status observed by an
// ICL, for operator diagnostics (spec.md §7 "central helper records
// per-ICL last-status into SGS").
func (s *SGS) SetLastICLError(iclIndex int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastICLErrors[iclIndex] = status
}

// LastICLError returns the most recently recorded transport status for an
// ICL, or "" if none has been recorded.
func (s *SGS) LastICLError(iclIndex int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastICLErrors[iclIndex]
}

// ApplyPostedReceiveTimeout atomically reads the posted value without
// clearing it, returning (duration, true) if one was posted, else (0, false).
// ICLs call this on every accept-loop pass (spec.md §4.1), and the
// dispatcher calls it for each receive.
func (s *SGS) ApplyPostedReceiveTimeout() (time.Duration, bool) {
	v := s.PostedReceiveTimeout.Load()
	if v == 0 {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

// ApplyPostedSendTimeout mirrors ApplyPostedReceiveTimeout for send timeouts.
func (s *SGS) ApplyPostedSendTimeout() (time.Duration, bool) {
	v := s.PostedSendTimeout.Load()
	if v == 0 {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

// ApplyPostedDebugLevel mirrors the above for the posted debug level.
func (s *SGS) ApplyPostedDebugLevel() (int32, bool) {
	v := s.PostedDebugLevel.Load()
	if v == 0 {
		return 0, false
	}
	return v, true
}

// PoolAccountingOK checks invariant 1 from spec.md §8: free + assigned +
// shutdown == configured max workers. Exposed for tests and for the
// console's DISPLAY STATUS ALL self-check.
func (s *SGS) PoolAccountingOK() bool {
	total := s.FreeCount.Load() + s.AssignedCount.Load() + s.ShutdownCount.Load()
	return total == int64(s.MaxWorkers)
}
