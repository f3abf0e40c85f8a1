// Package workerpool implements the bounded Server Worker pool and the
// Worker Description Entry (WDE) lifecycle described in spec.md §3/§4.2:
// a fixed-size arena of WDEs, reused across clients, linked into either a
// free chain or an assigned chain via intrusive doubly-linked pointers so
// the console handler can remove an arbitrary WDE from either chain in
// O(1).
package workerpool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/os2200/jdbcsrv/internal/runid"
)

// ShutdownState is the per-worker shutdown state (spec.md §4.2), distinct
// from the server-wide state machine in package sgs.
type ShutdownState int32

const (
	WorkerActive ShutdownState = iota
	WorkerShutdownGracefully
	WorkerShutdownImmediately
)

// identity groups the per-connection client fields the console handler may
// read (but never write) for identification, per spec.md §5's ownership
// rule: "the CH may read fields ... but must not write them".
type identity struct {
	mu           sync.RWMutex
	userID       string
	schema       string
	locale       string
	ip           string
	hostname     string
	rdmsThread   string
	traceFile    string
}

// WDE is one Worker Description Entry: the per-worker state record, owned
// exclusively by its Server Worker goroutine while assigned, and by the
// free-chain lock holder while free.
type WDE struct {
	ID               int
	UniqueActivityID string
	TransportMode    byte

	// Chain links. A WDE is a member of exactly one chain at a time
	// (spec.md §8 invariant 2); prev/next are only meaningful while linked
	// and are only touched under the owning chain's lock.
	prev, next *WDE

	Conn net.Conn

	identity identity

	ShutdownStateField atomic.Int32 // ShutdownState
	WorkingOnAClient   atomic.Bool
	OpenRDMSThread     atomic.Bool
	InNetworkCall      atomic.Bool

	DebugFlags atomic.Int32
	TaskCode   atomic.Int32

	FirstRequestUnix atomic.Int64
	LastRequestUnix  atomic.Int64

	XAToken      atomic.Uint64
	XAReuseCount atomic.Int32
}

func newWDE(id int) *WDE {
	w := &WDE{ID: id, UniqueActivityID: runid.Generate()}
	w.ShutdownStateField.Store(int32(WorkerActive))
	return w
}

// reset clears per-connection state so the WDE can be safely reused by a
// new client (spec.md: "constructed at startup to a fixed pool size;
// reused across clients").
func (w *WDE) reset() {
	w.Conn = nil
	w.TransportMode = 0
	w.ShutdownStateField.Store(int32(WorkerActive))
	w.WorkingOnAClient.Store(false)
	w.OpenRDMSThread.Store(false)
	w.InNetworkCall.Store(false)
	w.DebugFlags.Store(0)
	w.TaskCode.Store(0)
	w.FirstRequestUnix.Store(0)
	w.LastRequestUnix.Store(0)
	w.XAToken.Store(0)
	w.XAReuseCount.Store(0)

	w.identity.mu.Lock()
	w.identity.userID = ""
	w.identity.schema = ""
	w.identity.locale = ""
	w.identity.ip = ""
	w.identity.hostname = ""
	w.identity.rdmsThread = ""
	w.identity.traceFile = ""
	w.identity.mu.Unlock()
}

// SetClientIdentity installs the connection identity. Called only by the
// owning worker goroutine.
func (w *WDE) SetClientIdentity(userID, locale, ip, hostname string) {
	w.identity.mu.Lock()
	defer w.identity.mu.Unlock()
	w.identity.userID = userID
	w.identity.locale = locale
	w.identity.ip = ip
	w.identity.hostname = hostname
}

// SetRDMSThreadName records the resolved database thread name for this
// connection. Called only by the owning worker goroutine.
func (w *WDE) SetRDMSThreadName(name string) {
	w.identity.mu.Lock()
	defer w.identity.mu.Unlock()
	w.identity.rdmsThread = name
}

// SetThreadIdentity records the userID/schema pair a begin-thread call
// opened the underlying database thread with, so a later XA thread-reuse
// recycle (Dispatcher.bumpXAReuseCount) can reopen it identically.
func (w *WDE) SetThreadIdentity(userID, schema string) {
	w.identity.mu.Lock()
	defer w.identity.mu.Unlock()
	w.identity.userID = userID
	w.identity.schema = schema
}

// SetClientTraceFile records the trace file currently open for this worker.
func (w *WDE) SetClientTraceFile(name string) {
	w.identity.mu.Lock()
	defer w.identity.mu.Unlock()
	w.identity.traceFile = name
}

// Identity is a read-only snapshot safe for the console handler to consume.
type Identity struct {
	UserID     string
	Schema     string
	Locale     string
	IP         string
	Hostname   string
	RDMSThread string
	TraceFile  string
}

// Identity returns a copy of the connection identity fields.
func (w *WDE) Identity() Identity {
	w.identity.mu.RLock()
	defer w.identity.mu.RUnlock()
	return Identity{
		UserID:     w.identity.userID,
		Schema:     w.identity.schema,
		Locale:     w.identity.locale,
		IP:         w.identity.ip,
		Hostname:   w.identity.hostname,
		RDMSThread: w.identity.rdmsThread,
		TraceFile:  w.identity.traceFile,
	}
}

// ShutdownState returns the worker's current per-worker shutdown state.
func (w *WDE) ShutdownState() ShutdownState {
	return ShutdownState(w.ShutdownStateField.Load())
}

// RequestShutdown moves the worker's shutdown state forward. Mirrors the
// single-word, single-writer (CH) discipline from spec.md §5: readers
// (the worker itself) poll between suspension points.
func (w *WDE) RequestShutdown(next ShutdownState) {
	for {
		cur := ShutdownState(w.ShutdownStateField.Load())
		if next <= cur {
			return
		}
		if w.ShutdownStateField.CompareAndSwap(int32(cur), int32(next)) {
			return
		}
	}
}

// StampFirstRequest records the timestamp of the first request on this
// connection, if not already stamped.
func (w *WDE) StampFirstRequest(t time.Time) {
	w.FirstRequestUnix.CompareAndSwap(0, t.UnixNano())
}

// StampLastRequest records the timestamp of the most recent request.
func (w *WDE) StampLastRequest(t time.Time) {
	w.LastRequestUnix.Store(t.UnixNano())
}
